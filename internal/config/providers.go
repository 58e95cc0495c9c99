package config

import (
	"fmt"
	"os"
	"time"
)

// ProviderKind selects which kind-specific block a provider entry carries.
type ProviderKind string

const (
	KindSpeechHTTP ProviderKind = "speech_http"
	KindOpenAI     ProviderKind = "openai"
	KindGemini     ProviderKind = "gemini"
	KindChatLLM    ProviderKind = "chatllm"
	KindVideoHTTP  ProviderKind = "video_http"
	KindVeo        ProviderKind = "veo"
)

// SpeechHTTPConfig configures a standalone HTTP text-to-speech service.
type SpeechHTTPConfig struct {
	BaseURL       string  `toml:"base_url"`
	Language      string  `toml:"language"`
	Temperature   float64 `toml:"temperature"`
	MaxTextLength int     `toml:"max_text_length"`
}

// OpenAIConfig configures the OpenAI speech endpoint.
type OpenAIConfig struct {
	Model   string `toml:"model"`
	Voice   string `toml:"voice"`
	Format  string `toml:"format"`
	BaseURL string `toml:"base_url"`
}

// GeminiConfig configures Gemini audio generation.
type GeminiConfig struct {
	Model string `toml:"model"`
	Voice string `toml:"voice"`
}

// ChatLLMConfig configures the local chatllm binary.
type ChatLLMConfig struct {
	BinaryPath        string   `toml:"binary_path"`
	ModelPath         string   `toml:"model_path"`
	SnacModelPath     string   `toml:"snac_model_path"`
	Voices            []string `toml:"voices"`
	Seed              int      `toml:"seed"`
	NGL               int      `toml:"n_gpu_layers"`
	TopP              float64  `toml:"top_p"`
	RepetitionPenalty float64  `toml:"repetition_penalty"`
	Temperature       float64  `toml:"temperature"`
}

// VideoHTTPConfig configures an asynchronous REST video generation API.
type VideoHTTPConfig struct {
	BaseURL            string   `toml:"base_url"`
	MaxDurationSeconds int      `toml:"max_duration_seconds"`
	Qualities          []string `toml:"qualities"`
}

// VeoConfig configures Google Veo video generation.
type VeoConfig struct {
	Model              string `toml:"model"`
	MaxDurationSeconds int    `toml:"max_duration_seconds"`
	AspectRatio        string `toml:"aspect_ratio"`
}

// ProviderConfig is one [[providers]] entry: the shared base plus exactly one
// kind-specific block, matching Kind.
type ProviderConfig struct {
	Name           string       `toml:"name"`
	Kind           ProviderKind `toml:"kind"`
	Priority       int          `toml:"priority"`
	TimeoutSeconds int          `toml:"timeout_seconds"`
	RetryCount     int          `toml:"retry_count"`
	APIKey         string       `toml:"api_key"`
	APIKeyEnv      string       `toml:"api_key_env"`

	SpeechHTTP *SpeechHTTPConfig `toml:"speech_http"`
	OpenAI     *OpenAIConfig     `toml:"openai"`
	Gemini     *GeminiConfig     `toml:"gemini"`
	ChatLLM    *ChatLLMConfig    `toml:"chatllm"`
	VideoHTTP  *VideoHTTPConfig  `toml:"video_http"`
	Veo        *VeoConfig        `toml:"veo"`
}

// Timeout is the provider's per-attempt timeout, zero when unset.
func (p ProviderConfig) Timeout() time.Duration {
	return seconds(p.TimeoutSeconds)
}

// Credential resolves the API key, preferring the inline value over the environment.
func (p ProviderConfig) Credential() string {
	if p.APIKey != "" {
		return p.APIKey
	}

	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}

	return ""
}

// RequiresCredential reports whether the provider kind cannot run without an API key.
func (p ProviderConfig) RequiresCredential() bool {
	switch p.Kind {
	case KindOpenAI, KindGemini, KindVeo, KindVideoHTTP:
		return true
	default:
		return false
	}
}

// HasCredentials reports whether the provider may be enabled.
func (p ProviderConfig) HasCredentials() bool {
	return !p.RequiresCredential() || p.Credential() != ""
}

// Validate checks that exactly the block matching Kind is populated.
func (p ProviderConfig) Validate() error {
	if p.Name == "" {
		return ErrProviderNameEmpty
	}

	blocks := map[ProviderKind]bool{
		KindSpeechHTTP: p.SpeechHTTP != nil,
		KindOpenAI:     p.OpenAI != nil,
		KindGemini:     p.Gemini != nil,
		KindChatLLM:    p.ChatLLM != nil,
		KindVideoHTTP:  p.VideoHTTP != nil,
		KindVeo:        p.Veo != nil,
	}

	present, known := blocks[p.Kind]
	if !known {
		return fmt.Errorf("%w: provider '%s' has kind '%s'", ErrUnknownProviderKind, p.Name, p.Kind)
	}

	if !present {
		return fmt.Errorf("%w: provider '%s' of kind '%s' has no [%s] block", ErrProviderBlockMissing, p.Name, p.Kind, p.Kind)
	}

	for kind, set := range blocks {
		if set && kind != p.Kind {
			return fmt.Errorf("%w: provider '%s' of kind '%s' also sets [%s]", ErrProviderKindMismatch, p.Name, p.Kind, kind)
		}
	}

	if p.TimeoutSeconds < 0 || p.RetryCount < 0 {
		return fmt.Errorf("%w: provider '%s'", ErrNegativeValue, p.Name)
	}

	return p.validateBlock()
}

func (p ProviderConfig) validateBlock() error {
	switch p.Kind {
	case KindSpeechHTTP:
		if p.SpeechHTTP.BaseURL == "" {
			return fmt.Errorf("%w: provider '%s' base_url", ErrRequiredField, p.Name)
		}
	case KindChatLLM:
		if p.ChatLLM.ModelPath == "" || p.ChatLLM.SnacModelPath == "" {
			return fmt.Errorf("%w: provider '%s' model_path and snac_model_path", ErrRequiredField, p.Name)
		}
	case KindVideoHTTP:
		if p.VideoHTTP.BaseURL == "" {
			return fmt.Errorf("%w: provider '%s' base_url", ErrRequiredField, p.Name)
		}
	case KindOpenAI, KindGemini, KindVeo:
	}

	return nil
}
