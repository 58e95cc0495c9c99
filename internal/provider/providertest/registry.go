package providertest

import (
	"context"
	"testing"

	"github.com/book-expert/media-service/internal/config"
	"github.com/book-expert/media-service/internal/core"
	"github.com/book-expert/media-service/internal/provider"
	"github.com/stretchr/testify/require"
)

// NewRegistry configures fakes in a fresh registry with priorities 1, 2, 3...
// in argument order.
func NewRegistry(t testing.TB, fakes ...*Fake) *provider.Registry {
	t.Helper()

	registry := provider.NewRegistry(nil)
	factory := Factory(fakes...)

	registry.Register(config.KindSpeechHTTP, func(cfg config.ProviderConfig, _ provider.Deps) (core.Provider, error) {
		return factory(cfg)
	})

	for i, fake := range fakes {
		require.NoError(t, registry.Configure(context.Background(), Config(fake.ProviderName, i+1)))
	}

	return registry
}
