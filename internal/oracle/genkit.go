package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otelpkg "github.com/basket/go-swarm/internal/otel"
)

const (
	decomposeSystem = `You are the planning component of a team of software agents.
Split the task you are given into subtasks that can run on the listed workers.
Respond with a single JSON object and nothing else.`

	generateSystem = `You are a worker agent in a team. Complete the subtask you are given
and reply with the finished output only. Be concrete and complete.`
)

var defaultModels = map[string]string{
	"google":            "gemini-2.5-flash",
	"anthropic":         "claude-sonnet-4-5",
	"openai":            "gpt-4o-mini",
	"openai_compatible": "gpt-4o-mini",
	"openrouter":        "openrouter/auto",
}

// Config selects the provider behind a Genkit oracle.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint. Required for openai_compatible.
	BaseURL string
	// CompatibleProvider names the openai_compatible plugin instance.
	CompatibleProvider string
}

// Options carries the ambient dependencies of a Genkit oracle.
type Options struct {
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer
}

// Genkit calls a model through a Genkit instance configured with one provider
// plugin.
type Genkit struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool

	logger  *slog.Logger
	metrics *otelpkg.Metrics
	tracer  trace.Tracer
}

// NewGenkit initializes Genkit with the configured provider. Supported:
// google (Gemini), anthropic, openai, openai_compatible, openrouter. Without
// an API key the oracle is built but every call returns ErrUnavailable.
func NewGenkit(ctx context.Context, cfg Config, opts Options) *Genkit {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = otelpkg.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = otelpkg.NoopTracer()
	}
	logger := opts.Logger.With("component", "oracle")

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModels[provider]
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKey(provider)
	}

	o := &Genkit{provider: provider, model: model, logger: logger, metrics: opts.Metrics, tracer: opts.Tracer}

	if apiKey == "" {
		o.g = genkit.Init(ctx)
		logger.Warn("LLM API key missing; oracle unavailable", "provider", provider)
		return o
	}

	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		o.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
		o.llmOn = true

	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		o.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
		o.llmOn = true

	case "openai_compatible":
		o.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
		o.llmOn = true

	case "openrouter":
		o.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
		o.llmOn = true

	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		o.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
		o.llmOn = true

	default:
		o.g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider; oracle unavailable", "provider", provider)
		return o
	}

	logger.Info("oracle initialized", "provider", provider, "model", o.ModelName())
	return o
}

// Available reports whether a provider plugin is configured.
func (o *Genkit) Available() bool { return o.llmOn }

// ModelName is the provider-qualified model name passed to Genkit.
func (o *Genkit) ModelName() string {
	return ModelNameForProvider(o.provider, o.model)
}

func (o *Genkit) Decompose(ctx context.Context, prompt string) (string, error) {
	return o.call(ctx, "decompose", decomposeSystem, prompt)
}

func (o *Genkit) Generate(ctx context.Context, prompt string) (string, error) {
	return o.call(ctx, "generate", generateSystem, prompt)
}

func (o *Genkit) call(ctx context.Context, op, system, prompt string) (string, error) {
	if !o.llmOn {
		return "", ErrUnavailable
	}
	modelName := o.ModelName()
	attrs := []attribute.KeyValue{
		otelpkg.AttrOracleOp.String(op),
		otelpkg.AttrModel.String(modelName),
	}
	ctx, span := otelpkg.StartClientSpan(ctx, o.tracer, "oracle."+op, attrs...)
	defer span.End()

	start := time.Now()
	resp, err := genkit.Generate(ctx, o.g,
		ai.WithModelName(modelName),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	)
	o.metrics.OracleCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.OracleErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		o.logger.Error("oracle call failed", "op", op, "model", modelName, "class", ClassifyError(err), "error", err)
		return "", fmt.Errorf("oracle %s: %w", op, err)
	}
	return resp.Text(), nil
}

// EnvAPIKey reads the conventional API key variable for provider.
func EnvAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// ModelNameForProvider prefixes model with the Genkit plugin namespace.
// openai_compatible and openrouter take the model name as given.
func ModelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
