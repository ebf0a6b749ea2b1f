package domain

import (
	"fmt"
	"strings"
)

// MessageClass is the category a classifier assigns to a user message.
type MessageClass string

const (
	ClassSimpleTool MessageClass = "SIMPLE_TOOL"
	ClassAnalysis   MessageClass = "ANALYSIS"
	ClassPlanning   MessageClass = "PLANNING"
	ClassChitchat   MessageClass = "CHITCHAT"
)

// FallbackClass is used whenever classification fails.
const FallbackClass = ClassAnalysis

// MessageClasses lists the closed set of classes.
var MessageClasses = []MessageClass{ClassSimpleTool, ClassAnalysis, ClassPlanning, ClassChitchat}

// ParseMessageClass trims and uppercases s and matches it against the closed set.
func ParseMessageClass(s string) (MessageClass, bool) {
	c := MessageClass(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range MessageClasses {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// ModelTier is a named cost/capability class of model.
type ModelTier string

const (
	TierFast      ModelTier = "fast"
	TierBalanced  ModelTier = "balanced"
	TierReasoning ModelTier = "reasoning"
)

// ModelTiers lists tiers from cheapest to most capable.
var ModelTiers = []ModelTier{TierFast, TierBalanced, TierReasoning}

// Alias returns the internal model family name of the tier.
func (t ModelTier) Alias() string {
	switch t {
	case TierFast:
		return "haiku"
	case TierBalanced:
		return "sonnet"
	case TierReasoning:
		return "opus"
	default:
		return string(t)
	}
}

// ParseModelTier accepts a tier name or its alias.
func ParseModelTier(s string) (ModelTier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range ModelTiers {
		if s == string(t) || s == t.Alias() {
			return t, true
		}
	}
	return "", false
}

// TierPrice is the USD price per million tokens of a tier.
type TierPrice struct {
	InputPerMillion  float64 `yaml:"input" json:"input"`
	OutputPerMillion float64 `yaml:"output" json:"output"`
}

// PricingTable maps every tier to its price.
type PricingTable map[ModelTier]TierPrice

// DefaultPricing returns the built-in pricing table.
func DefaultPricing() PricingTable {
	return PricingTable{
		TierFast:      {InputPerMillion: 0.80, OutputPerMillion: 4.00},
		TierBalanced:  {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		TierReasoning: {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	}
}

// Validate checks that every tier is priced, prices increase strictly with
// tier, and output is never cheaper than input.
func (p PricingTable) Validate() error {
	var prev *TierPrice
	for _, t := range ModelTiers {
		price, ok := p[t]
		if !ok {
			return NewDomainError("PricingTable.Validate", ErrInvalidInput, fmt.Sprintf("missing tier %q", t))
		}
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return NewDomainError("PricingTable.Validate", ErrInvalidInput, fmt.Sprintf("tier %q: negative price", t))
		}
		if price.OutputPerMillion < price.InputPerMillion {
			return NewDomainError("PricingTable.Validate", ErrInvalidInput, fmt.Sprintf("tier %q: output price below input price", t))
		}
		if prev != nil && (price.InputPerMillion <= prev.InputPerMillion || price.OutputPerMillion <= prev.OutputPerMillion) {
			return NewDomainError("PricingTable.Validate", ErrInvalidInput, fmt.Sprintf("tier %q: prices must increase with tier", t))
		}
		prev = &price
	}
	return nil
}

// Fallback reasons reported by the classifier.
const (
	FallbackNone         = ""
	FallbackTimeout      = "timeout"
	FallbackError        = "error"
	FallbackEmpty        = "empty"
	FallbackUnrecognized = "unrecognized"
)

// ClassificationResult is the outcome of routing classification.
type ClassificationResult struct {
	MessageClass   MessageClass `json:"message_class"`
	RouterUsage    TokenUsage   `json:"router_usage"`
	LatencyMs      int64        `json:"latency_ms"`
	FallbackReason string       `json:"fallback_reason,omitempty"`
}

// ModelSelection is the tier chosen for a message class.
type ModelSelection struct {
	Model        ModelTier    `json:"model"`
	MessageClass MessageClass `json:"message_class"`
	Reason       string       `json:"reason"`
}

// CostBreakdown is the USD cost of one completion.
type CostBreakdown struct {
	InputCost  float64   `json:"input_cost"`
	OutputCost float64   `json:"output_cost"`
	TotalCost  float64   `json:"total_cost"`
	Model      ModelTier `json:"model"`
}

// SummaryModels names the tiers billed in a CostSummary.
type SummaryModels struct {
	Router    ModelTier `json:"router"`
	Execution ModelTier `json:"execution"`
}

// CostSummary reconciles router and execution cost.
type CostSummary struct {
	RouterCost    CostBreakdown `json:"router_cost"`
	ExecutionCost CostBreakdown `json:"execution_cost"`
	TotalCost     CostBreakdown `json:"total_cost"`
	Models        SummaryModels `json:"models"`
}

// RouteResult combines classification, selection and router cost.
type RouteResult struct {
	Classification ClassificationResult `json:"classification"`
	ModelSelection ModelSelection       `json:"model_selection"`
	RouterCost     CostBreakdown        `json:"router_cost"`
}

// ToolLoopResult is the outcome of a finished tool loop.
type ToolLoopResult struct {
	Messages   []Message  `json:"messages"`
	Iterations int        `json:"iterations"`
	Usage      TokenUsage `json:"usage"`
}
