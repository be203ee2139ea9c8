package llm

import (
	"math"
	"sync"

	"loom/internal/domain"
	"loom/internal/logging"
)

// Fallback model ids per tier when config carries no override.
var defaultModels = map[domain.ModelTier]string{
	domain.TierHaiku:  "claude-haiku-4-5-20251001",
	domain.TierSonnet: "claude-sonnet-4-6",
	domain.TierOpus:   "claude-opus-4-6",
}

const defaultOllamaModel = "qwen2.5-coder:14b"

// Pricing holds per-million-token USD rates for one model.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Published list rates. Config may add or override entries; models priced
// nowhere cost $0.00 with a one-time warning.
var defaultPricing = map[string]Pricing{
	"claude-haiku-4-5-20251001": {InputPerMTok: 1.0, OutputPerMTok: 5.0},
	"claude-sonnet-4-6":         {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-opus-4-6":           {InputPerMTok: 15.0, OutputPerMTok: 75.0},
}

// RouterConfig adjusts model resolution and pricing.
type RouterConfig struct {
	// Models maps tier names ("haiku", "sonnet", "opus") to model ids.
	Models map[string]string
	// OllamaModel is the local model id; empty uses the built-in default.
	OllamaModel string
	// Pricing adds or overrides per-model rates.
	Pricing map[string]Pricing
}

// Router resolves tiers to model ids and prices token usage.
type Router struct {
	models      map[domain.ModelTier]string
	ollamaModel string
	pricing     map[string]Pricing
	logger      logging.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewRouter builds a Router from config overrides layered on the defaults.
func NewRouter(cfg RouterConfig, logger logging.Logger) *Router {
	models := make(map[domain.ModelTier]string, len(defaultModels))
	for tier, id := range defaultModels {
		models[tier] = id
	}
	for name, id := range cfg.Models {
		tier := domain.ModelTier(name)
		if id == "" || !domain.ValidModelTier(name) || tier == domain.TierOllama {
			continue
		}
		models[tier] = id
	}

	ollamaModel := cfg.OllamaModel
	if ollamaModel == "" {
		ollamaModel = defaultOllamaModel
	}

	pricing := make(map[string]Pricing, len(defaultPricing)+len(cfg.Pricing))
	for model, rates := range defaultPricing {
		pricing[model] = rates
	}
	for model, rates := range cfg.Pricing {
		pricing[model] = rates
	}

	return &Router{
		models:      models,
		ollamaModel: ollamaModel,
		pricing:     pricing,
		logger:      logging.OrNop(logger),
		warned:      make(map[string]struct{}),
	}
}

// ModelID resolves a tier to the concrete model identifier.
func (r *Router) ModelID(tier domain.ModelTier) string {
	if tier == domain.TierOllama {
		return r.ollamaModel
	}
	if id, ok := r.models[tier]; ok {
		return id
	}
	return "claude-" + string(tier)
}

// Cost prices a completed call in USD, rounded to six decimals. Unknown
// models price at zero and warn once.
func (r *Router) Cost(model string, promptTokens, completionTokens int) float64 {
	rates, ok := r.pricing[model]
	if !ok {
		r.warnUnknownModel(model)
		return 0
	}
	inputCost := float64(promptTokens) / 1e6 * rates.InputPerMTok
	outputCost := float64(completionTokens) / 1e6 * rates.OutputPerMTok
	return round6(inputCost + outputCost)
}

// EstimateCost prices a call before dispatch, assuming worst-case output.
// Local tiers are free.
func (r *Router) EstimateCost(tier domain.ModelTier, inputTokens, maxOutputTokens int) float64 {
	if tier == domain.TierOllama {
		return 0
	}
	return r.Cost(r.ModelID(tier), inputTokens, maxOutputTokens)
}

func (r *Router) warnUnknownModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.warned[model]; seen {
		return
	}
	r.warned[model] = struct{}{}
	r.logger.Warn("Unknown model '%s', cost recorded as $0.00", model)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// tierTable maps task shape to the cheapest tier expected to handle it.
var tierTable = map[domain.TaskType]map[domain.Complexity]domain.ModelTier{
	domain.TypeCode: {
		domain.ComplexitySimple:  domain.TierHaiku,
		domain.ComplexityMedium:  domain.TierSonnet,
		domain.ComplexityComplex: domain.TierSonnet,
	},
	domain.TypeResearch: {
		domain.ComplexitySimple:  domain.TierOllama,
		domain.ComplexityMedium:  domain.TierHaiku,
		domain.ComplexityComplex: domain.TierSonnet,
	},
	domain.TypeAnalysis: {
		domain.ComplexitySimple:  domain.TierOllama,
		domain.ComplexityMedium:  domain.TierHaiku,
		domain.ComplexityComplex: domain.TierSonnet,
	},
	domain.TypeAsset: {
		domain.ComplexitySimple:  domain.TierOllama,
		domain.ComplexityMedium:  domain.TierOllama,
		domain.ComplexityComplex: domain.TierOllama,
	},
	domain.TypeIntegration: {
		domain.ComplexitySimple:  domain.TierHaiku,
		domain.ComplexityMedium:  domain.TierHaiku,
		domain.ComplexityComplex: domain.TierSonnet,
	},
	domain.TypeDocumentation: {
		domain.ComplexitySimple:  domain.TierOllama,
		domain.ComplexityMedium:  domain.TierHaiku,
		domain.ComplexityComplex: domain.TierSonnet,
	},
}

// RecommendTier picks the tier for a task type and complexity grade,
// defaulting to haiku for unknown combinations.
func RecommendTier(taskType domain.TaskType, complexity domain.Complexity) domain.ModelTier {
	if byComplexity, ok := tierTable[taskType]; ok {
		if tier, ok := byComplexity[complexity]; ok {
			return tier
		}
	}
	return domain.TierHaiku
}

var toolTable = map[domain.TaskType][]string{
	domain.TypeCode:          {"search_knowledge", "lookup_type", "local_llm", "read_file", "write_file"},
	domain.TypeResearch:      {"search_knowledge", "lookup_type", "local_llm"},
	domain.TypeAnalysis:      {"search_knowledge", "local_llm", "read_file"},
	domain.TypeAsset:         {"local_llm", "generate_image"},
	domain.TypeIntegration:   {"read_file", "write_file", "local_llm"},
	domain.TypeDocumentation: {"search_knowledge", "local_llm", "read_file", "write_file"},
}

// RecommendTools returns the default tool set for a task type. The result is
// a copy the caller may keep.
func RecommendTools(taskType domain.TaskType) []string {
	if tools, ok := toolTable[taskType]; ok {
		return append([]string(nil), tools...)
	}
	return []string{"search_knowledge", "local_llm"}
}
