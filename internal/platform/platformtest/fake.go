// Package platformtest provides in-memory platform connections for tests.
package platformtest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
	"github.com/teresa-solution/tenant-client-manager/internal/platform"
)

// Connection is a scriptable platform.Connection that records its calls
type Connection struct {
	ConnectErr error
	InvokeErr  error
	CloseErr   error
	// ConnectDelay stretches Connect so callers can pile up behind it
	ConnectDelay time.Duration
	// Block, when set, holds every Invoke until it is closed
	Block chan struct{}

	Connects atomic.Int32
	Invokes  atomic.Int32
	Closes   atomic.Int32

	active    atomic.Int32
	maxActive atomic.Int32

	mu     sync.Mutex
	starts []time.Time
}

func (c *Connection) Connect(ctx context.Context) error {
	c.Connects.Add(1)
	if c.ConnectDelay > 0 {
		select {
		case <-time.After(c.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.ConnectErr
}

func (c *Connection) Invoke(ctx context.Context, req platform.Request) (platform.Response, error) {
	c.Invokes.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		max := c.maxActive.Load()
		if n <= max || c.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	c.mu.Lock()
	c.starts = append(c.starts, time.Now())
	c.mu.Unlock()

	if c.Block != nil {
		select {
		case <-c.Block:
		case <-ctx.Done():
			return platform.Response{}, ctx.Err()
		}
	}
	if c.InvokeErr != nil {
		return platform.Response{}, c.InvokeErr
	}
	return platform.Response{Result: req.Method}, nil
}

func (c *Connection) Close(ctx context.Context) error {
	c.Closes.Add(1)
	return c.CloseErr
}

// Active returns the number of Invoke calls in progress
func (c *Connection) Active() int32 { return c.active.Load() }

// MaxActive returns the highest number of simultaneous Invoke calls seen
func (c *Connection) MaxActive() int32 { return c.maxActive.Load() }

// Starts returns the start time of every Invoke call
func (c *Connection) Starts() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.starts...)
}

// Factory is a platform.ConnectorFactory that hands out fake connections and
// remembers them per tenant
type Factory struct {
	// Configure, when set, adjusts each new connection pair before it is returned
	Configure func(tenantID string, bot, raw *Connection)
	// Err, when set, fails every build
	Err error

	mu      sync.Mutex
	built   map[string][]Pair
	secrets map[string]model.Secrets
}

// Pair is one built set of connections
type Pair struct {
	Bot *Connection
	Raw *Connection
}

func (f *Factory) Build(tenantID string, secrets model.Secrets, logger zerolog.Logger) (platform.Connections, error) {
	if f.Err != nil {
		return platform.Connections{}, f.Err
	}
	bot, raw := &Connection{}, &Connection{}
	if f.Configure != nil {
		f.Configure(tenantID, bot, raw)
	}

	f.mu.Lock()
	if f.built == nil {
		f.built = make(map[string][]Pair)
		f.secrets = make(map[string]model.Secrets)
	}
	f.built[tenantID] = append(f.built[tenantID], Pair{Bot: bot, Raw: raw})
	f.secrets[tenantID] = secrets
	f.mu.Unlock()

	return platform.Connections{Bot: bot, Raw: raw}, nil
}

// Built returns the connection pairs built for a tenant, oldest first
func (f *Factory) Built(tenantID string) []Pair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Pair(nil), f.built[tenantID]...)
}

// Secrets returns the decrypted secrets last passed for a tenant
func (f *Factory) Secrets(tenantID string) model.Secrets {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secrets[tenantID]
}

// Connects counts Connect calls on the bot connections built for a tenant
func (f *Factory) Connects(tenantID string) int {
	n := 0
	for _, p := range f.Built(tenantID) {
		n += int(p.Bot.Connects.Load())
	}
	return n
}
