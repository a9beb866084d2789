package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Config selects and configures the LLM provider behind the generator.
type Config struct {
	// Provider is "google", "anthropic", "openai", or "openai_compatible".
	// Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey overrides the provider's environment variable.
	APIKey string

	// MaxRetries is the schema-repair retry budget, default 2.
	MaxRetries int

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitGenerator is the Genkit-backed Generator. Without an API key it runs
// in deterministic mode: every call returns its fallback, which keeps the
// whole pipeline runnable offline.
type GenkitGenerator struct {
	g          *genkit.Genkit
	cfg        Config
	modelName  string
	maxRetries int
	llmOn      bool
	logger     *slog.Logger
}

// NewGenkitGenerator initializes Genkit with the configured LLM provider.
func NewGenkitGenerator(ctx context.Context, cfg Config, logger *slog.Logger) *GenkitGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
		}
	default:
		logger.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}
	if g == nil {
		g = genkit.Init(ctx)
	}
	if llmOn {
		logger.Info("inference initialized", "provider", provider, "model", cfg.Model)
	} else {
		logger.Warn("no LLM API key configured; agents use deterministic fallbacks", "provider", provider)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &GenkitGenerator{
		g:          g,
		cfg:        cfg,
		modelName:  modelNameForProvider(provider, cfg.Model),
		maxRetries: maxRetries,
		llmOn:      llmOn,
		logger:     logger,
	}
}

// LLMOn reports whether a real provider is configured.
func (p *GenkitGenerator) LLMOn() bool {
	return p.llmOn
}

// GenerateStructured calls the model and validates its output against the
// request schema, asking the model to repair invalid output up to the retry
// budget. Exhausted retries fall back to the request's deterministic output.
func (p *GenkitGenerator) GenerateStructured(ctx context.Context, req Request) (json.RawMessage, error) {
	if len(req.Fallback) == 0 {
		return nil, fmt.Errorf("structured request requires a fallback")
	}
	if !p.llmOn {
		return req.Fallback, nil
	}

	validator, err := NewStructuredValidator(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("structured request schema: %w", err)
	}

	// Escape % to survive fmt expansion inside ai.WithSystem.
	system := strings.ReplaceAll(req.System, "%", "%%")
	prompt := fmt.Sprintf("%s\n\nRespond with a single JSON document matching this schema:\n```json\n%s\n```",
		req.Prompt, string(req.Schema))

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err := genkit.Generate(ctx, p.g,
			ai.WithModelName(p.modelName),
			ai.WithSystem(system),
			ai.WithPrompt(prompt),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("generate failed", "attempt", attempt, "error", err)
			continue
		}
		out, verr := validator.Validate(resp.Text())
		if verr == nil {
			return out, nil
		}
		p.logger.Warn("model output failed schema validation", "attempt", attempt, "error", verr)
		prompt = fmt.Sprintf("Your previous response was rejected: %s\n\nRespond again with ONLY a JSON document matching this schema:\n```json\n%s\n```",
			verr.Error(), string(req.Schema))
	}

	p.logger.Warn("retry budget exhausted, using deterministic fallback")
	return req.Fallback, nil
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		return "anthropic/" + model
	case "openai":
		if model == "" {
			model = "gpt-4o"
		}
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		if model == "" {
			model = "gemini-2.5-flash"
		}
		return "googleai/" + model
	}
}
