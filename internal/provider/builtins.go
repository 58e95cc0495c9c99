package provider

import (
	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/provider/chatllm"
	"github.com/book-expert/media-service/internal/provider/geminitts"
	"github.com/book-expert/media-service/internal/provider/openaitts"
	"github.com/book-expert/media-service/internal/provider/speechhttp"
	"github.com/book-expert/media-service/internal/provider/veo"
	"github.com/book-expert/media-service/internal/provider/videohttp"
)

// RegisterBuiltins installs the factories of every provider kind shipped with the service.
func RegisterBuiltins(r *Registry) {
	r.Register(config.KindSpeechHTTP, func(cfg config.ProviderConfig, deps Deps) (core.Provider, error) {
		return speechhttp.New(cfg, deps.HTTPClient)
	})
	r.Register(config.KindOpenAI, func(cfg config.ProviderConfig, deps Deps) (core.Provider, error) {
		return openaitts.New(cfg, deps.HTTPClient)
	})
	r.Register(config.KindGemini, func(cfg config.ProviderConfig, deps Deps) (core.Provider, error) {
		return geminitts.New(cfg, deps.HTTPClient)
	})
	r.Register(config.KindChatLLM, func(cfg config.ProviderConfig, deps Deps) (core.Provider, error) {
		return chatllm.New(cfg, deps.Log)
	})
	r.Register(config.KindVideoHTTP, func(cfg config.ProviderConfig, deps Deps) (core.Provider, error) {
		return videohttp.New(cfg, deps.HTTPClient, deps.CallbackURL(cfg.Name))
	})
	r.Register(config.KindVeo, func(cfg config.ProviderConfig, deps Deps) (core.Provider, error) {
		return veo.New(cfg, deps.HTTPClient)
	})
}
