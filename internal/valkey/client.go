// Package valkey wraps the valkey-go client with a key prefix and a bounded
// connection check.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

// DefaultConnectTimeout bounds the initial ping.
const DefaultConnectTimeout = 5 * time.Second

// ErrAddressEmpty indicates a missing server address.
var ErrAddressEmpty = errors.New("valkey address cannot be empty")

// Config holds the connection settings.
type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// Client is a prefixed Valkey connection. Create it with NewClient and Close it when done.
type Client struct {
	inner     valkeylib.Client
	keyPrefix string
}

// NewClient connects and pings the server within the connect timeout.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, ErrAddressEmpty
	}

	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pingErr := inner.Do(ctx, inner.B().Ping().Build()).Error()
	if pingErr != nil {
		inner.Close()

		return nil, fmt.Errorf("failed to ping valkey at %s (timeout: %v): %w", cfg.Address, timeout, pingErr)
	}

	return &Client{inner: inner, keyPrefix: normalizePrefix(cfg.KeyPrefix)}, nil
}

// Wrap builds a Client around an existing connection.
func Wrap(inner valkeylib.Client, keyPrefix string) *Client {
	return &Client{inner: inner, keyPrefix: normalizePrefix(keyPrefix)}
}

func normalizePrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		return prefix + ":"
	}

	return prefix
}

// Inner returns the underlying valkey-go client.
func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

// Key joins parts with ':' under the configured prefix.
func (c *Client) Key(parts ...string) string {
	if len(parts) == 0 {
		return strings.TrimSuffix(c.keyPrefix, ":")
	}

	return c.keyPrefix + strings.Join(parts, ":")
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// Close releases the connection.
func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// IsNil reports whether err is a Valkey NIL reply, i.e. a missing key.
func IsNil(err error) bool {
	return valkeylib.IsValkeyNil(err)
}
