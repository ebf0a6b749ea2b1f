// Package channel delivers the assistant over HTTP and WebSocket.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"careloop-ai/internal/adapter/stream"
	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/infra/middleware"
	"careloop-ai/internal/usecase"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Assistant is the use case the channel serves. *usecase.Assistant
// implements it.
type Assistant interface {
	Route(ctx context.Context, text string) domain.RouteResult
	Respond(ctx context.Context, req usecase.TurnRequest) (*usecase.TurnResult, error)
}

// HTTPChannel serves the routing and chat API.
type HTTPChannel struct {
	cfg       config.ServerConfig
	assistant Assistant
	logger    *slog.Logger

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

type routeRequest struct {
	Message string `json:"message"`
}

type chatRequest struct {
	ConversationID string           `json:"conversationId,omitempty"`
	Message        string           `json:"message"`
	History        []domain.Message `json:"history,omitempty"`
	Tier           string           `json:"tier,omitempty"`
	Tools          bool             `json:"tools,omitempty"`
}

type chatResponse struct {
	ConversationID string             `json:"conversationId"`
	Model          string             `json:"model"`
	Content        string             `json:"content"`
	Iterations     int                `json:"iterations"`
	TokenUsage     *stream.Usage      `json:"tokenUsage"`
	Route          domain.RouteResult `json:"route"`
	Cost           domain.CostSummary `json:"cost"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// NewHTTPChannel creates an HTTP channel.
func NewHTTPChannel(cfg config.ServerConfig, assistant Assistant, logger *slog.Logger) *HTTPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPChannel{cfg: cfg, assistant: assistant, logger: logger}
}

// Handler returns the API wrapped in the middleware stack. The rate
// limiter's cleanup goroutine stops when ctx is cancelled.
func (h *HTTPChannel) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/route", h.handleRoute)
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", h.handleChatStream)
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("GET /ws", h.handleWebSocket)

	mws := []middleware.Middleware{
		middleware.SecurityHeaders,
		middleware.RequestID,
		middleware.AccessLog(h.logger),
	}
	if h.cfg.RateLimitPerMin > 0 {
		mws = append(mws, middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: h.cfg.RateLimitPerMin,
			BurstSize:      h.cfg.RateLimitBurst,
		}))
	}
	return middleware.Chain(mux, mws...)
}

// Start begins serving. Non-blocking.
func (h *HTTPChannel) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	h.server = &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           h.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       h.cfg.ReadTimeout,
		WriteTimeout:      h.cfg.WriteTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		h.cancel()
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.logger.Info("http channel started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Addr returns the bound address. Only valid after Start.
func (h *HTTPChannel) Addr() string { return h.boundAddr }

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPChannel) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, domain.NewDomainError("route", domain.ErrInvalidInput, "message is required"))
		return
	}
	writeJSON(w, http.StatusOK, h.assistant.Route(r.Context(), req.Message))
}

func (h *HTTPChannel) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	turn, err := req.turn()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.assistant.Respond(r.Context(), turn)
	if err != nil {
		h.logger.Warn("chat failed", "request_id", middleware.RequestIDFrom(r.Context()), "error", err)
		writeError(w, err)
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = ulid.Make().String()
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: convID,
		Model:          res.Model,
		Content:        res.Reply,
		Iterations:     res.Iterations,
		TokenUsage:     stream.UsageFrom(res.Usage),
		Route:          res.Route,
		Cost:           res.Cost,
	})
}

func (h *HTTPChannel) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	turn, err := req.turn()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.streamTurn(r.Context(), stream.NewEncoder(w), req.ConversationID, turn)
}

// streamTurn answers one message, relaying its progress as wire events.
// Failures are reported as an error event.
func (h *HTTPChannel) streamTurn(ctx context.Context, enc *stream.Encoder, conversationID string, turn usecase.TurnRequest) {
	var relay *stream.Relay
	turn.OnRoute = func(_ domain.RouteResult, model string) {
		relay = stream.NewRelay(enc, conversationID, model)
		relay.Start()
	}
	turn.OnEvent = func(evt domain.LoopEvent) {
		relay.Loop(evt)
	}

	res, err := h.assistant.Respond(ctx, turn)
	if relay == nil {
		relay = stream.NewRelay(enc, conversationID, "")
		relay.Start()
	}
	if err != nil {
		h.logger.Warn("chat stream failed", "request_id", middleware.RequestIDFrom(ctx), "error", err)
		relay.Fail(err)
		return
	}
	if err := relay.End(res.Usage); err != nil {
		h.logger.Debug("chat stream client gone", "error", err)
	}
}

func (req chatRequest) turn() (usecase.TurnRequest, error) {
	if strings.TrimSpace(req.Message) == "" {
		return usecase.TurnRequest{}, domain.NewDomainError("chat", domain.ErrInvalidInput, "message is required")
	}
	turn := usecase.TurnRequest{Message: req.Message, History: req.History, UseTools: req.Tools}
	if req.Tier != "" {
		tier, ok := domain.ParseModelTier(req.Tier)
		if !ok {
			return usecase.TurnRequest{}, domain.NewDomainError("chat", domain.ErrInvalidInput,
				fmt.Sprintf("unknown tier %q", req.Tier))
		}
		turn.Tier = tier
	}
	if err := domain.ValidateConversation(req.History); err != nil {
		return usecase.TurnRequest{}, err
	}
	return turn, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := "invalid JSON: " + err.Error()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large (max 1MB)"
		}
		writeError(w, domain.NewDomainError("decode", domain.ErrInvalidInput, msg))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrMaxIterations):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAuthInvalid), errors.Is(err, domain.ErrBadRequest),
		errors.Is(err, domain.ErrServer), errors.Is(err, domain.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
