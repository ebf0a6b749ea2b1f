package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/tracer"
)

// AssistantDeps holds injected dependencies for the assistant.
type AssistantDeps struct {
	Router *RouterService
	Chat   *ChatService
	Tools  domain.ToolExecutor // optional, nil = no tools
	Logger *slog.Logger

	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	ParallelTools bool
	Timeout       time.Duration // per turn, 0 = none
}

// Assistant answers one user message: it routes the message to a tier,
// runs the tool loop on that tier's model and prices the whole turn.
type Assistant struct {
	deps AssistantDeps
}

// NewAssistant creates an assistant with the given dependencies.
func NewAssistant(deps AssistantDeps) *Assistant {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Assistant{deps: deps}
}

// TurnRequest is one user message with optional prior conversation.
type TurnRequest struct {
	Message string
	History []domain.Message
	// Tier skips classification when set.
	Tier domain.ModelTier
	// UseTools offers the configured tools to the model.
	UseTools bool
	// OnEvent observes streamed text and tool activity.
	OnEvent func(domain.LoopEvent)
	// OnRoute is called once the model has been chosen, before generation.
	OnRoute func(route domain.RouteResult, model string)
}

// TurnResult is the outcome of one answered message.
type TurnResult struct {
	Route      domain.RouteResult
	Model      string
	Reply      string
	Messages   []domain.Message
	Iterations int
	Usage      domain.TokenUsage
	Cost       domain.CostSummary
}

// Route classifies text and selects a tier without generating a reply.
func (a *Assistant) Route(ctx context.Context, text string) domain.RouteResult {
	return a.deps.Router.RouteMessage(ctx, text)
}

// Respond answers req.Message.
func (a *Assistant) Respond(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, domain.NewDomainError("Assistant.Respond", domain.ErrInvalidInput, "message is required")
	}
	if a.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.Timeout)
		defer cancel()
	}

	ctx, span := tracer.StartSpan(ctx, "assistant.respond")
	defer span.End()

	route := a.route(ctx, req)
	model := a.deps.Router.ModelID(route.ModelSelection.Model)
	span.SetAttributes(
		tracer.StringAttr("router.tier", string(route.ModelSelection.Model)),
		tracer.StringAttr("llm.model", model),
	)
	if req.OnRoute != nil {
		req.OnRoute(route, model)
	}

	messages := append(slices.Clone(req.History), domain.NewTextMessage(domain.RoleUser, req.Message))

	loopReq := ToolLoopRequest{
		ChatRequest: ChatRequest{
			Model:       model,
			Messages:    messages,
			System:      a.deps.SystemPrompt,
			MaxTokens:   a.deps.MaxTokens,
			Temperature: a.deps.Temperature,
		},
		ExecuteToolCall: a.toolCallFunc(),
		MaxIterations:   a.deps.MaxIterations,
		Parallel:        a.deps.ParallelTools,
		OnEvent:         req.OnEvent,
	}
	if req.UseTools && a.deps.Tools != nil {
		loopReq.Tools = a.deps.Tools.Definitions()
	}
	span.SetAttributes(tracer.BoolAttr("assistant.tools", len(loopReq.Tools) > 0))

	out, err := a.deps.Chat.ExecuteToolLoop(ctx, loopReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	res := &TurnResult{
		Route:      route,
		Model:      model,
		Reply:      lastAssistantText(out.Messages),
		Messages:   out.Messages,
		Iterations: out.Iterations,
		Usage:      out.Usage,
		Cost:       a.deps.Router.CalculateCostSummary(route.Classification.RouterUsage, out.Usage, route.ModelSelection.Model),
	}

	span.SetAttributes(
		tracer.IntAttr("assistant.iterations", res.Iterations),
		tracer.FloatAttr("assistant.cost_usd", res.Cost.TotalCost.TotalCost),
	)
	a.deps.Logger.Info("turn completed",
		"class", route.Classification.MessageClass,
		"tier", route.ModelSelection.Model,
		"iterations", res.Iterations,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"total_cost", res.Cost.TotalCost.TotalCost,
	)
	tracer.SetOK(span)
	return res, nil
}

func (a *Assistant) route(ctx context.Context, req TurnRequest) domain.RouteResult {
	if req.Tier == "" {
		return a.deps.Router.RouteMessage(ctx, req.Message)
	}
	sel := domain.ModelSelection{
		Model:        req.Tier,
		MessageClass: domain.FallbackClass,
		Reason:       "tier requested by caller",
	}
	trace.SpanFromContext(ctx).AddEvent("router.skipped")
	return domain.RouteResult{
		Classification: domain.ClassificationResult{MessageClass: domain.FallbackClass},
		ModelSelection: sel,
	}
}

func (a *Assistant) toolCallFunc() domain.ToolCallFunc {
	if a.deps.Tools != nil {
		return a.deps.Tools.Execute
	}
	return func(_ context.Context, name string, _ json.RawMessage) (any, error) {
		return nil, domain.NewDomainError("Assistant.ExecuteTool", domain.ErrToolNotFound, name)
	}
}

func lastAssistantText(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i].Text()
		}
	}
	return ""
}
