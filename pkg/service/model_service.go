package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	arkemb "github.com/cloudwego/eino-ext/components/embedding/ark"
	"github.com/cloudwego/eino-ext/components/embedding/dashscope"
	geminiemb "github.com/cloudwego/eino-ext/components/embedding/gemini"
	ollamaemb "github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiemb "github.com/cloudwego/eino-ext/components/embedding/openai"
	qianfanemb "github.com/cloudwego/eino-ext/components/embedding/qianfan"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qianfan"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	"github.com/cloudwego/eino/components/embedding"
	einoModel "github.com/cloudwego/eino/components/model"
	chromem "github.com/philippgille/chromem-go"
	"google.golang.org/genai"

	"github.com/infirad/hadi/pkg/config"
	"github.com/infirad/hadi/pkg/utils"
)

// SupportedChatProviders lists the values accepted in llm.provider.
var SupportedChatProviders = []string{"deepseek", "openai", "custom", "ark", "anthropic", "ollama", "google", "qianfan", "qwen"}

// SupportedEmbeddingProviders lists the values accepted in embedding.provider.
var SupportedEmbeddingProviders = []string{"openai", "custom", "ollama", "ark", "dashscope", "google", "qianfan"}

// ModelService builds completion and embedding clients from config.
type ModelService struct {
	logger *slog.Logger
}

func NewModelService() *ModelService {
	return &ModelService{
		logger: utils.GetLogger(),
	}
}

// CreateChatModel creates an eino chat model for the configured provider.
func (m *ModelService) CreateChatModel(ctx context.Context, cfg config.LLMConfig) (einoModel.BaseChatModel, error) {
	temperature := cfg.Temperature
	maxTokens := cfg.MaxTokens

	switch cfg.Provider {
	case "deepseek":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("deepseek api key is empty (set llm.api_key or DEEPSEEK_API_KEY)")
		}
		chatModel, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Timeout:     cfg.Timeout,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DeepSeek model: %w", err)
		}
		return chatModel, nil

	case "openai", "custom":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Timeout:     cfg.Timeout,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
		}
		return chatModel, nil

	case "ark":
		timeout := cfg.Timeout
		retries := 0
		chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Region:      cfg.Extra["region"],
			Timeout:     &timeout,
			RetryTimes:  &retries,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ark model: %w", err)
		}
		return chatModel, nil

	case "anthropic":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			BaseURL:     baseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude model: %w", err)
		}
		return chatModel, nil

	case "ollama":
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama model: %w", err)
		}
		return chatModel, nil

	case "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client:      genaiClient,
			Model:       cfg.Model,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini model: %w", err)
		}
		return chatModel, nil

	case "qianfan":
		qianfanConfig := qianfan.GetQianfanSingletonConfig()
		qianfanConfig.BaseURL = cfg.BaseURL
		qianfanConfig.BearerToken = cfg.APIKey
		chatModel, err := qianfan.NewChatModel(ctx, &qianfan.ChatModelConfig{
			Model:       cfg.Model,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qianfan model: %w", err)
		}
		return chatModel, nil

	case "qwen":
		chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Timeout:     cfg.Timeout,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen model: %w", err)
		}
		return chatModel, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

// CreateEmbedder creates an eino embedder for the configured provider.
func (m *ModelService) CreateEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (embedding.Embedder, error) {
	switch cfg.Provider {
	case "openai", "custom":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai embedding api key is empty")
		}
		return openaiemb.NewEmbedder(ctx, &openaiemb.EmbeddingConfig{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: 30 * time.Second,
		})

	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollamaemb.NewEmbedder(ctx, &ollamaemb.EmbeddingConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
			Timeout: 30 * time.Second,
		})

	case "ark":
		return arkemb.NewEmbedder(ctx, &arkemb.EmbeddingConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Region:  cfg.Region,
			Model:   cfg.Model,
		})

	case "dashscope":
		return dashscope.NewEmbedder(ctx, &dashscope.EmbeddingConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: 30 * time.Second,
		})

	case "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return geminiemb.NewEmbedder(ctx, &geminiemb.EmbeddingConfig{
			Client: genaiClient,
			Model:  cfg.Model,
		})

	case "qianfan":
		// The chat and embedding clients share the SDK-wide credentials.
		qianfanConfig := qianfan.GetQianfanSingletonConfig()
		qianfanConfig.BaseURL = cfg.BaseURL
		qianfanConfig.BearerToken = cfg.APIKey
		return qianfanemb.NewEmbedder(ctx, &qianfanemb.EmbeddingConfig{
			Model: cfg.Model,
		})

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// CreateEmbeddingFunc returns a chromem embedding function for cfg. It
// prefers the eino embedder and falls back to chromem's built-in OpenAI and
// Ollama clients. A nil function with nil error means embeddings are off.
func (m *ModelService) CreateEmbeddingFunc(ctx context.Context, cfg config.EmbeddingConfig) (chromem.EmbeddingFunc, error) {
	if cfg.Provider == "" || cfg.Provider == "none" {
		return nil, nil
	}

	embedder, err := m.CreateEmbedder(ctx, cfg)
	if err == nil && embedder != nil {
		return EmbeddingFuncFromEmbedder(embedder), nil
	}
	m.logger.Warn("Failed to create embedder, trying chromem built-in", "provider", cfg.Provider, "error", err)

	switch cfg.Provider {
	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, err
		}
		model := cfg.Model
		if model == "" {
			model = string(chromem.EmbeddingModelOpenAI3Small)
		}
		return chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(model)), nil
	case "ollama":
		url := cfg.BaseURL
		if url == "" {
			url = "http://localhost:11434/api"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return chromem.NewEmbeddingFuncOllama(model, url), nil
	}
	return nil, err
}

// EmbeddingFuncFromEmbedder wraps an eino Embedder as chromem.EmbeddingFunc
func EmbeddingFuncFromEmbedder(embedder embedding.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		embeddings, err := embedder.EmbedStrings(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		// Convert []float64 to []float32
		result := make([]float32, len(embeddings[0]))
		for i, v := range embeddings[0] {
			result[i] = float32(v)
		}
		return result, nil
	}
}
