package platform

import (
	"context"
	"fmt"
	"sync"

	tgbot "github.com/go-telegram/bot"
	"github.com/rs/zerolog"
)

// Bot API methods supported by BotConnection
const (
	MethodGetMe         = "getMe"
	MethodSendMessage   = "sendMessage"
	MethodDeleteMessage = "deleteMessage"
)

// BotConnection wraps a go-telegram/bot client
type BotConnection struct {
	token     string
	serverURL string
	logger    zerolog.Logger

	mu  sync.RWMutex
	bot *tgbot.Bot
}

// NewBotConnection creates an unconnected Bot API handle
func NewBotConnection(token, serverURL string, logger zerolog.Logger) *BotConnection {
	return &BotConnection{
		token:     token,
		serverURL: serverURL,
		logger:    logger.With().Str("component", "bot_connection").Logger(),
	}
}

// Connect creates the client and validates the token with getMe
func (c *BotConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bot != nil {
		return nil
	}

	opts := []tgbot.Option{tgbot.WithSkipGetMe()}
	if c.serverURL != "" {
		opts = append(opts, tgbot.WithServerURL(c.serverURL))
	}

	b, err := tgbot.New(c.token, opts...)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("%w: getMe: %v", ErrUnauthorized, err)
	}

	c.bot = b
	c.logger.Debug().Int64("bot_id", me.ID).Str("username", me.Username).Msg("bot connection ready")
	return nil
}

// Invoke dispatches a Bot API call
func (c *BotConnection) Invoke(ctx context.Context, req Request) (Response, error) {
	c.mu.RLock()
	b := c.bot
	c.mu.RUnlock()
	if b == nil {
		return Response{}, ErrNotConnected
	}

	switch req.Method {
	case MethodGetMe:
		me, err := b.GetMe(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Result: me}, nil

	case MethodSendMessage:
		chatID, err := chatParam(req.Params, "chat_id")
		if err != nil {
			return Response{}, err
		}
		text, err := stringParam(req.Params, "text")
		if err != nil {
			return Response{}, err
		}
		msg, err := b.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text})
		if err != nil {
			return Response{}, err
		}
		return Response{Result: msg}, nil

	case MethodDeleteMessage:
		chatID, err := chatParam(req.Params, "chat_id")
		if err != nil {
			return Response{}, err
		}
		messageID, err := intParam(req.Params, "message_id")
		if err != nil {
			return Response{}, err
		}
		ok, err := b.DeleteMessage(ctx, &tgbot.DeleteMessageParams{ChatID: chatID, MessageID: int(messageID)})
		if err != nil {
			return Response{}, err
		}
		return Response{Result: ok}, nil
	}

	return Response{}, fmt.Errorf("%w: bot %s", ErrUnsupportedMethod, req.Method)
}

// Close drops the client; the Bot API is stateless over HTTP
func (c *BotConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	c.bot = nil
	c.mu.Unlock()
	return nil
}
