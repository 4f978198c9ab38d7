package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/rs/zerolog"
)

// MTProto methods supported by MTProtoConnection
const (
	MethodHelpGetConfig   = "help.getConfig"
	MethodUsersGetSelf    = "users.getSelf"
	MethodUpdatesGetState = "updates.getState"
)

// MTProtoConfig holds configuration for MTProtoConnection
type MTProtoConfig struct {
	APIID   int
	APIHash string
	// BotToken authorizes a fresh session when no stored session is authorized
	BotToken    string
	SessionBlob []byte
	Logger      zerolog.Logger
}

// MTProtoConnection wraps a gotd/td client. The client loop runs in its own
// goroutine for as long as the connection is open.
type MTProtoConnection struct {
	cfg     MTProtoConfig
	storage *memorySession
	logger  zerolog.Logger

	mu      sync.RWMutex
	client  *telegram.Client
	cancel  context.CancelFunc
	runDone chan struct{}
}

// NewMTProtoConnection creates an unconnected MTProto handle
func NewMTProtoConnection(cfg MTProtoConfig) *MTProtoConnection {
	return &MTProtoConnection{
		cfg:     cfg,
		storage: newMemorySession(cfg.SessionBlob),
		logger:  cfg.Logger.With().Str("component", "mtproto_connection").Logger(),
	}
}

// Connect starts the client loop and waits until the session is authorized
func (c *MTProtoConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	client := telegram.NewClient(c.cfg.APIID, c.cfg.APIHash, telegram.Options{
		SessionStorage: c.storage,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to check auth status: %w", err)
			}
			if !status.Authorized {
				if c.cfg.BotToken == "" {
					return ErrUnauthorized
				}
				if _, err := client.Auth().Bot(ctx, c.cfg.BotToken); err != nil {
					return fmt.Errorf("%w: %v", ErrUnauthorized, err)
				}
			}

			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case errCh <- err:
		default:
		}
	}()

	if err := awaitReady(ctx, ready, errCh, runDone, cancel); err != nil {
		return err
	}
	c.client = client
	c.cancel = cancel
	c.runDone = runDone
	c.logger.Debug().Msg("mtproto connection ready")
	return nil
}

// awaitReady waits for the client loop to report readiness. On any failure
// the loop is cancelled and has exited by the time it returns.
func awaitReady(ctx context.Context, ready <-chan struct{}, errCh <-chan error, runDone <-chan struct{}, cancel context.CancelFunc) error {
	select {
	case <-ready:
		return nil
	case err := <-errCh:
		cancel()
		<-runDone
		if err == nil {
			err = ErrNotConnected
		}
		return fmt.Errorf("failed to connect: %w", err)
	case <-ctx.Done():
		cancel()
		<-runDone
		return ctx.Err()
	}
}

// Invoke dispatches an MTProto call
func (c *MTProtoConnection) Invoke(ctx context.Context, req Request) (Response, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return Response{}, ErrNotConnected
	}

	switch req.Method {
	case MethodHelpGetConfig:
		cfg, err := client.API().HelpGetConfig(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Result: cfg}, nil

	case MethodUsersGetSelf:
		self, err := client.Self(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Result: self}, nil

	case MethodUpdatesGetState:
		state, err := client.API().UpdatesGetState(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Result: state}, nil
	}

	return Response{}, fmt.Errorf("%w: mtproto %s", ErrUnsupportedMethod, req.Method)
}

// Close stops the client loop and waits for it, bounded by ctx
func (c *MTProtoConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel, runDone := c.cancel, c.runDone
	c.client, c.cancel, c.runDone = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-runDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mtproto client did not stop: %w", ctx.Err())
	}
}

// Session returns the latest session bytes stored by the client
func (c *MTProtoConnection) Session() []byte {
	return c.storage.snapshot()
}

// memorySession implements session.Storage over a byte slice seeded from the
// tenant's stored session; it never touches disk.
type memorySession struct {
	mu   sync.Mutex
	data []byte
}

func newMemorySession(seed []byte) *memorySession {
	s := &memorySession{}
	if len(seed) > 0 {
		s.data = append([]byte(nil), seed...)
	}
	return s
}

func (s *memorySession) LoadSession(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memorySession) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *memorySession) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}
