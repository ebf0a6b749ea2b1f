package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/infra/tracer"
)

// cacheReadDiscount is the share of the input price refunded for tokens
// served from the prompt cache.
const cacheReadDiscount = 0.9

// routerTier is the tier every classification call is billed on.
const routerTier = domain.TierFast

type tierChoice struct {
	tier   domain.ModelTier
	reason string
}

// classTiers is the fixed class→tier mapping.
var classTiers = map[domain.MessageClass]tierChoice{
	domain.ClassSimpleTool: {domain.TierFast, "fast and cheap for simple tool calls"},
	domain.ClassAnalysis:   {domain.TierBalanced, "balanced tier for data analysis and interpretation"},
	domain.ClassPlanning:   {domain.TierReasoning, "reasoning tier for complex multi-step planning"},
	domain.ClassChitchat:   {domain.TierFast, "fast and cheap for casual conversation"},
}

// RouterDeps holds injected dependencies for the router service.
type RouterDeps struct {
	Chat              Completer
	Models            map[domain.ModelTier]string // tier → provider model id
	Pricing           domain.PricingTable         // nil uses domain.DefaultPricing
	ClassifierTimeout time.Duration
	Logger            *slog.Logger
}

// RouterService classifies messages, picks a model tier and prices calls.
// It holds only immutable configuration and is safe for concurrent use.
type RouterService struct {
	classifier *Classifier
	models     map[domain.ModelTier]string
	pricing    domain.PricingTable
	logger     *slog.Logger
}

// NewRouterService validates the pricing table and model map and builds a
// router.
func NewRouterService(deps RouterDeps) (*RouterService, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	pricing := deps.Pricing
	if pricing == nil {
		pricing = domain.DefaultPricing()
	}
	if err := pricing.Validate(); err != nil {
		return nil, err
	}

	models := make(map[domain.ModelTier]string, len(domain.ModelTiers))
	for _, t := range domain.ModelTiers {
		id := deps.Models[t]
		if id == "" {
			return nil, domain.NewDomainError("NewRouterService", domain.ErrInvalidInput,
				fmt.Sprintf("no model configured for tier %q", t))
		}
		models[t] = id
	}

	priced := make(domain.PricingTable, len(pricing))
	for t, p := range pricing {
		priced[t] = p
	}

	return &RouterService{
		classifier: NewClassifier(deps.Chat, models[routerTier], deps.ClassifierTimeout, deps.Logger),
		models:     models,
		pricing:    priced,
		logger:     deps.Logger,
	}, nil
}

// ClassifyMessage classifies text, measuring wall-clock latency. Router usage
// is zero when the classifier call failed or timed out.
func (r *RouterService) ClassifyMessage(ctx context.Context, text string) domain.ClassificationResult {
	ctx, span := tracer.StartSpan(ctx, "router.classify")
	defer span.End()

	start := time.Now()
	out := r.classifier.Classify(ctx, text)
	latency := time.Since(start)

	span.SetAttributes(
		tracer.StringAttr("router.class", string(out.Class)),
		tracer.Int64Attr("router.latency_ms", latency.Milliseconds()),
		tracer.StringAttr("router.fallback", out.FallbackReason),
	)
	tracer.SetOK(span)

	return domain.ClassificationResult{
		MessageClass:   out.Class,
		RouterUsage:    out.Usage,
		LatencyMs:      latency.Milliseconds(),
		FallbackReason: out.FallbackReason,
	}
}

// SelectModel maps a message class to a tier. Unknown classes are treated
// as domain.FallbackClass.
func (r *RouterService) SelectModel(class domain.MessageClass) domain.ModelSelection {
	choice, ok := classTiers[class]
	if !ok {
		class = domain.FallbackClass
		choice = classTiers[class]
	}
	return domain.ModelSelection{Model: choice.tier, MessageClass: class, Reason: choice.reason}
}

// CalculateCost prices usage on tier. Cache-read tokens are already part of
// InputTokens and are refunded down to 10% of the input price.
func (r *RouterService) CalculateCost(usage domain.TokenUsage, tier domain.ModelTier) domain.CostBreakdown {
	price, ok := r.pricing[tier]
	if !ok {
		price = r.pricing[domain.TierBalanced]
	}

	inputCost := float64(usage.InputTokens) / 1e6 * price.InputPerMillion
	outputCost := float64(usage.OutputTokens) / 1e6 * price.OutputPerMillion
	discount := float64(usage.CacheReadInputTokens) / 1e6 * price.InputPerMillion * cacheReadDiscount

	return domain.CostBreakdown{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  inputCost + outputCost - discount,
		Model:      tier,
	}
}

// CalculateCostSummary prices the router call on the fast tier and the
// execution on execModel. TotalCost is the exact sum of both.
func (r *RouterService) CalculateCostSummary(routerUsage, execUsage domain.TokenUsage, execModel domain.ModelTier) domain.CostSummary {
	routerCost := r.CalculateCost(routerUsage, routerTier)
	execCost := r.CalculateCost(execUsage, execModel)

	return domain.CostSummary{
		RouterCost:    routerCost,
		ExecutionCost: execCost,
		TotalCost: domain.CostBreakdown{
			InputCost:  routerCost.InputCost + execCost.InputCost,
			OutputCost: routerCost.OutputCost + execCost.OutputCost,
			TotalCost:  routerCost.TotalCost + execCost.TotalCost,
			Model:      execModel,
		},
		Models: domain.SummaryModels{Router: routerTier, Execution: execModel},
	}
}

// RouteMessage classifies text, selects a tier and prices the router call.
func (r *RouterService) RouteMessage(ctx context.Context, text string) domain.RouteResult {
	classification := r.ClassifyMessage(ctx, text)
	selection := r.SelectModel(classification.MessageClass)

	r.logger.Info("message routed",
		"class", classification.MessageClass,
		"tier", selection.Model,
		"latency_ms", classification.LatencyMs,
		"fallback", classification.FallbackReason,
	)

	return domain.RouteResult{
		Classification: classification,
		ModelSelection: selection,
		RouterCost:     r.CalculateCost(classification.RouterUsage, routerTier),
	}
}

// ModelID returns the provider model id configured for tier. Unknown tiers
// resolve to the balanced model.
func (r *RouterService) ModelID(tier domain.ModelTier) string {
	if id, ok := r.models[tier]; ok {
		return id
	}
	return r.models[domain.TierBalanced]
}

// Pricing returns a copy of the pricing table.
func (r *RouterService) Pricing() domain.PricingTable {
	out := make(domain.PricingTable, len(r.pricing))
	for t, p := range r.pricing {
		out[t] = p
	}
	return out
}

// ModelsFromConfig converts configured model ids to a tier map.
func ModelsFromConfig(cfg config.ModelsConfig) map[domain.ModelTier]string {
	return map[domain.ModelTier]string{
		domain.TierFast:      cfg.Fast,
		domain.TierBalanced:  cfg.Balanced,
		domain.TierReasoning: cfg.Reasoning,
	}
}

// PricingFromConfig applies configured price overrides to the default
// table. Override keys may be tier names or aliases.
func PricingFromConfig(overrides map[string]config.PriceConfig) (domain.PricingTable, error) {
	table := domain.DefaultPricing()
	for key, p := range overrides {
		tier, ok := domain.ParseModelTier(key)
		if !ok {
			return nil, domain.NewSubSystemError("config", "PricingFromConfig", domain.ErrInvalidInput,
				fmt.Sprintf("unknown tier %q", key))
		}
		table[tier] = domain.TierPrice{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
