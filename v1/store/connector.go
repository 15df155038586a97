package store

import (
	"context"
	"log/slog"

	"github.com/mirkobrombin/go-opskit/v1/config"
)

// Connector acquires a Client for one logical unit of work. The caller must
// release it with Release once the unit completes.
type Connector func(ctx context.Context) (*Client, error)

// DialConnector returns a Connector opening a fresh connection per unit of work.
func DialConnector(cfg config.Config) Connector {
	return func(ctx context.Context) (*Client, error) {
		return Dial(ctx, cfg)
	}
}

// Reuse returns a Connector handing out non-owning views of c, for callers
// that keep one long-lived client.
func Reuse(c *Client) Connector {
	return func(context.Context) (*Client, error) {
		return c.Borrow(), nil
	}
}

// Release closes c. Close failures are logged and swallowed so they never
// mask the result of the work done with c.
func Release(c *Client) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("opskit: store close failed", "prefix", c.prefix, "error", err)
	}
}
