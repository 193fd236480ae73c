// Package credential supplies the platform session token. The token is an
// opaque cookie value; how it was obtained (browser, login form, operator)
// is not this package's concern.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable means no usable session token exists.
var ErrUnavailable = errors.New("no session token available")

// Provider returns the current session token or ErrUnavailable.
type Provider interface {
	SessionToken(ctx context.Context) (string, error)
}

// Static is a fixed token, typically from the environment.
type Static string

// SessionToken implements Provider.
func (s Static) SessionToken(context.Context) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrUnavailable
	}
	return tok, nil
}

// Func adapts a function to Provider.
type Func func(ctx context.Context) (string, error)

// SessionToken implements Provider.
func (f Func) SessionToken(ctx context.Context) (string, error) { return f(ctx) }

// Store reads persisted tokens by name. db.TokenStore implements it.
type Store interface {
	GetSessionToken(ctx context.Context, name string) (token string, expiresAt time.Time, err error)
}

// StoreProvider reads the token named Name from Store. Expired or missing
// tokens are reported as ErrUnavailable.
type StoreProvider struct {
	Store Store
	Name  string
}

// SessionToken implements Provider.
func (p StoreProvider) SessionToken(ctx context.Context) (string, error) {
	tok, exp, err := p.Store.GetSessionToken(ctx, p.Name)
	if err != nil {
		return "", fmt.Errorf("load session token %q: %w", p.Name, err)
	}
	if tok == "" {
		return "", ErrUnavailable
	}
	if !exp.IsZero() && time.Now().After(exp) {
		slog.Warn("stored session token expired", slog.String("name", p.Name), slog.Time("expires_at", exp))
		return "", ErrUnavailable
	}
	return tok, nil
}

// Cached memoizes Source for TTL. A reset can be reserved so the next
// connect starts from a freshly read token.
type Cached struct {
	Source Provider
	TTL    time.Duration

	mu            sync.RWMutex
	token         string
	fetchedAt     time.Time
	resetReserved bool
}

// SessionToken returns the cached token or reads a fresh one.
func (c *Cached) SessionToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != "" && c.fresh() {
		tok := c.token
		c.mu.RUnlock()
		return tok, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.fresh() {
		return c.token, nil
	}
	tok, err := c.Source.SessionToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.fetchedAt = time.Now()
	return tok, nil
}

// fresh must be called with mu held.
func (c *Cached) fresh() bool {
	return c.TTL <= 0 || time.Since(c.fetchedAt) < c.TTL
}

// ReserveReset marks the cached token to be dropped at the next
// ApplyReservedReset.
func (c *Cached) ReserveReset() {
	c.mu.Lock()
	c.resetReserved = true
	c.mu.Unlock()
	slog.Debug("reserved to clear session token")
}

// ApplyReservedReset drops the cached token if a reset was reserved and
// reports whether it did.
func (c *Cached) ApplyReservedReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resetReserved {
		return false
	}
	c.resetReserved = false
	c.token = ""
	c.fetchedAt = time.Time{}
	slog.Debug("cleared session token")
	return true
}
