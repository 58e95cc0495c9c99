package valkey_test

import (
	"testing"

	"github.com/book-expert/media-service/internal/valkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresAddress(t *testing.T) {
	t.Parallel()

	client, err := valkey.NewClient(valkey.Config{Address: "", Password: "", DB: 0, KeyPrefix: "", ConnectTimeout: 0})

	require.ErrorIs(t, err, valkey.ErrAddressEmpty)
	assert.Nil(t, client)
}

func TestClient_Key(t *testing.T) {
	t.Parallel()

	client := valkey.Wrap(nil, "media")

	assert.Equal(t, "media:cache:abc", client.Key("cache", "abc"))
	assert.Equal(t, "media", client.Key())

	bare := valkey.Wrap(nil, "")
	assert.Equal(t, "cache", bare.Key("cache"))
}
