// Package platform defines the connection contract used to reach the external
// messaging platform, plus the Telegram adapters implementing it.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

// Target selects which of a tenant's connections serves a request
type Target string

const (
	// TargetBot is the conventional client authenticated by the primary token
	TargetBot Target = "bot"
	// TargetRaw is the raw protocol client authenticated by api id/hash
	TargetRaw Target = "raw"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrInvalidParams     = errors.New("invalid request params")
	ErrNotConnected      = errors.New("connection is not established")
	ErrUnauthorized      = errors.New("platform rejected credentials")
)

// Request is one outbound call on behalf of a tenant
type Request struct {
	Target Target
	Method string
	Params map[string]interface{}
}

// Response carries the SDK result of a call
type Response struct {
	Result interface{}
}

// Connection is an opaque handle to the platform
type Connection interface {
	Connect(ctx context.Context) error
	Invoke(ctx context.Context, req Request) (Response, error)
	Close(ctx context.Context) error
}

// Connections are the two handles owned by a tenant instance. Raw is nil when
// the tenant has no protocol credentials.
type Connections struct {
	Bot Connection
	Raw Connection
}

// ConnectorFactory builds unconnected handles from decrypted secrets
type ConnectorFactory func(tenantID string, secrets model.Secrets, logger zerolog.Logger) (Connections, error)

// TelegramOptions configure the Telegram adapters
type TelegramOptions struct {
	// BotServerURL overrides the Bot API endpoint (tests, local bot API servers)
	BotServerURL string
}

// NewTelegramFactory returns a ConnectorFactory backed by go-telegram/bot and gotd/td
func NewTelegramFactory(opts TelegramOptions) ConnectorFactory {
	return func(tenantID string, secrets model.Secrets, logger zerolog.Logger) (Connections, error) {
		if secrets.PrimaryToken == "" {
			return Connections{}, fmt.Errorf("tenant %s: primary token is required", tenantID)
		}

		conns := Connections{
			Bot: NewBotConnection(secrets.PrimaryToken, opts.BotServerURL, logger),
		}
		if secrets.ProtocolAPIID != 0 && secrets.ProtocolAPIHash != "" {
			conns.Raw = NewMTProtoConnection(MTProtoConfig{
				APIID:       secrets.ProtocolAPIID,
				APIHash:     secrets.ProtocolAPIHash,
				BotToken:    secrets.PrimaryToken,
				SessionBlob: secrets.SessionBlob,
				Logger:      logger,
			})
		}
		return conns, nil
	}
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidParams, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidParams, key)
	}
	return s, nil
}

func intParam(params map[string]interface{}, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidParams, key)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidParams, key)
}

// chatParam accepts a numeric chat id or an @username
func chatParam(params map[string]interface{}, key string) (interface{}, error) {
	if s, err := stringParam(params, key); err == nil {
		return s, nil
	}
	id, err := intParam(params, key)
	if err != nil {
		return nil, err
	}
	return id, nil
}
