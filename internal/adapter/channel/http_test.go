package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"careloop-ai/internal/adapter/stream"
	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/usecase"
)

// fakeAssistant replays a fixed turn and records requests.
type fakeAssistant struct {
	mu       sync.Mutex
	route    domain.RouteResult
	reply    string
	usage    domain.TokenUsage
	toolCall *domain.ToolUseBlock
	err      error
	turns    []usecase.TurnRequest
}

func (f *fakeAssistant) Route(_ context.Context, _ string) domain.RouteResult {
	return f.route
}

func (f *fakeAssistant) Respond(_ context.Context, req usecase.TurnRequest) (*usecase.TurnResult, error) {
	f.mu.Lock()
	f.turns = append(f.turns, req)
	f.mu.Unlock()

	if req.OnRoute != nil {
		req.OnRoute(f.route, "claude-sonnet")
	}
	if f.err != nil {
		return nil, f.err
	}
	if req.OnEvent != nil {
		if f.toolCall != nil {
			req.OnEvent(domain.LoopEvent{Type: domain.LoopEventToolCall, ToolUse: f.toolCall})
			req.OnEvent(domain.LoopEvent{
				Type:       domain.LoopEventToolResult,
				ToolUse:    f.toolCall,
				ToolResult: &domain.ToolResultBlock{ToolUseID: f.toolCall.ID, Content: "on track"},
			})
		}
		req.OnEvent(domain.LoopEvent{Type: domain.LoopEventText, Text: f.reply})
	}
	return &usecase.TurnResult{
		Route:      f.route,
		Model:      "claude-sonnet",
		Reply:      f.reply,
		Iterations: 1,
		Usage:      f.usage,
	}, nil
}

func (f *fakeAssistant) lastTurn() usecase.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[len(f.turns)-1]
}

func newHTTPTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestServer(t *testing.T, a Assistant) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHTTPChannel(config.ServerConfig{Addr: "127.0.0.1:0"}, a, newHTTPTestLogger())
	srv := httptest.NewServer(h.Handler(ctx))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func defaultFake() *fakeAssistant {
	return &fakeAssistant{
		route: domain.RouteResult{
			Classification: domain.ClassificationResult{MessageClass: domain.ClassSimpleTool},
			ModelSelection: domain.ModelSelection{Model: domain.TierBalanced, MessageClass: domain.ClassSimpleTool, Reason: "balanced"},
		},
		reply: "Sam's goals are on track.",
		usage: domain.TokenUsage{InputTokens: 120, OutputTokens: 30},
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPChannelHealth(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var result map[string]string
	json.NewDecoder(resp.Body).Decode(&result)
	if result["status"] != "ok" {
		t.Errorf("status = %q", result["status"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestHTTPChannelRoute(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	resp := post(t, srv.URL+"/api/v1/route", `{"message":"What are Sam's goals?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var route domain.RouteResult
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if route.ModelSelection.Model != domain.TierBalanced {
		t.Errorf("tier = %q", route.ModelSelection.Model)
	}
}

func TestHTTPChannelRouteEmptyMessage(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	resp := post(t, srv.URL+"/api/v1/route", `{"message":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPChannelChat(t *testing.T) {
	fake := defaultFake()
	srv := newTestServer(t, fake)

	body := `{"conversationId":"conv-1","message":"How is Sam doing?","tier":"fast","tools":true,
		"history":[{"role":"user","content":[{"type":"text","text":"Hi"}]},
		{"role":"assistant","content":[{"type":"text","text":"Hello!"}]}]}`
	resp := post(t, srv.URL+"/api/v1/chat", body)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ConversationID != "conv-1" {
		t.Errorf("conversationId = %q", out.ConversationID)
	}
	if out.Content != fake.reply {
		t.Errorf("content = %q", out.Content)
	}
	if out.TokenUsage == nil || out.TokenUsage.InputTokens != 120 {
		t.Errorf("tokenUsage = %+v", out.TokenUsage)
	}

	turn := fake.lastTurn()
	if turn.Tier != domain.TierFast {
		t.Errorf("tier = %q, want fast", turn.Tier)
	}
	if !turn.UseTools {
		t.Error("expected tools to be requested")
	}
	if len(turn.History) != 2 {
		t.Errorf("history len = %d, want 2", len(turn.History))
	}
}

func TestHTTPChannelChatGeneratesConversationID(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	resp := post(t, srv.URL+"/api/v1/chat", `{"message":"hi"}`)
	var out chatResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.ConversationID == "" {
		t.Error("expected a generated conversation id")
	}
}

func TestHTTPChannelInvalidRequests(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"empty message", `{"message":""}`},
		{"unknown tier", `{"message":"hi","tier":"turbo"}`},
		{"orphan tool result", `{"message":"hi","history":[{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_9","content":"x"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/api/v1/chat", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var er errorResponse
			json.NewDecoder(resp.Body).Decode(&er)
			if er.Code != domain.CodeInvalidInput {
				t.Errorf("code = %q, want %q", er.Code, domain.CodeInvalidInput)
			}
		})
	}
}

func TestHTTPChannelBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	big := `{"message":"` + strings.Repeat("a", maxBodyBytes+1) + `"}`
	resp, err := http.Post(srv.URL+"/api/v1/chat", "application/json", bytes.NewReader([]byte(big)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPChannelChatErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.RateLimitError{Provider: "anthropic", Message: "slow down"}, http.StatusTooManyRequests},
		{&domain.ToolLoopExceededError{MaxIterations: 3}, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("llm: %w", domain.ErrCircuitOpen), http.StatusServiceUnavailable},
		{&domain.AuthenticationError{Provider: "anthropic", Message: "bad key"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			fake := defaultFake()
			fake.err = tt.err
			srv := newTestServer(t, fake)

			resp := post(t, srv.URL+"/api/v1/chat", `{"message":"hi"}`)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHTTPChannelChatStream(t *testing.T) {
	fake := defaultFake()
	fake.toolCall = &domain.ToolUseBlock{ID: "tu_1", Name: "get_goals", Input: json.RawMessage(`{"child_id":"c-1"}`)}
	srv := newTestServer(t, fake)

	resp := post(t, srv.URL+"/api/v1/chat/stream", `{"conversationId":"conv-7","message":"How is Sam?","tools":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != stream.ContentType {
		t.Errorf("content-type = %q", ct)
	}

	var types []stream.EventType
	var events []stream.Event
	for evt, err := range stream.NewDecoder(resp.Body).Events() {
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		types = append(types, evt.Type)
		events = append(events, evt)
	}

	want := []stream.EventType{
		stream.EventMessageStart,
		stream.EventToolCallStart,
		stream.EventToolResult,
		stream.EventContentDelta,
		stream.EventMessageEnd,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if events[0].ConversationID != "conv-7" || events[0].Model != "claude-sonnet" {
		t.Errorf("message_start = %+v", events[0])
	}
	if events[3].Delta != fake.reply {
		t.Errorf("delta = %q", events[3].Delta)
	}
	if events[4].TokenUsage == nil || events[4].TokenUsage.OutputTokens != 30 {
		t.Errorf("message_end usage = %+v", events[4].TokenUsage)
	}
}

func TestHTTPChannelChatStreamError(t *testing.T) {
	fake := defaultFake()
	fake.err = &domain.ServerError{Provider: "anthropic", StatusCode: 503, Message: "overloaded"}
	srv := newTestServer(t, fake)

	resp := post(t, srv.URL+"/api/v1/chat/stream", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var events []stream.Event
	for evt, err := range stream.NewDecoder(resp.Body).Events() {
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		events = append(events, evt)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].Type != stream.EventError || !strings.Contains(events[1].Message, "overloaded") {
		t.Errorf("last event = %+v", events[1])
	}
}

func TestHTTPChannelChatStreamInvalid(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	resp := post(t, srv.URL+"/api/v1/chat/stream", `{"message":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPChannelMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, defaultFake())

	resp, err := http.Get(srv.URL + "/api/v1/chat")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHTTPChannelWebSocket(t *testing.T) {
	fake := defaultFake()
	srv := newTestServer(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEvent := func() stream.Event {
		t.Helper()
		var evt stream.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		return evt
	}

	if err := wsjson.Write(ctx, conn, chatRequest{Message: ""}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if evt := readEvent(); evt.Type != stream.EventError {
		t.Errorf("invalid request event = %q, want error", evt.Type)
	}

	if err := wsjson.Write(ctx, conn, chatRequest{ConversationID: "ws-1", Message: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	start := readEvent()
	if start.Type != stream.EventMessageStart || start.ConversationID != "ws-1" {
		t.Errorf("start = %+v", start)
	}
	if delta := readEvent(); delta.Delta != fake.reply {
		t.Errorf("delta = %+v", delta)
	}
	if end := readEvent(); end.Type != stream.EventMessageEnd {
		t.Errorf("end = %+v", end)
	}
}

func TestHTTPChannelStartStop(t *testing.T) {
	h := NewHTTPChannel(config.ServerConfig{Addr: "127.0.0.1:0"}, defaultFake(), newHTTPTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + h.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestHTTPChannelRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHTTPChannel(config.ServerConfig{RateLimitPerMin: 1, RateLimitBurst: 1}, defaultFake(), newHTTPTestLogger())
	srv := httptest.NewServer(h.Handler(ctx))
	defer srv.Close()

	var limited bool
	for range 3 {
		resp, err := http.Get(srv.URL + "/api/v1/health")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("expected a 429 after exceeding the burst")
	}
}
