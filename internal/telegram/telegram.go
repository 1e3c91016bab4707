// Package telegram hosts the Telegram client, routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_affiliate_tracker_bot/internal/config"
	conv "tg_affiliate_tracker_bot/internal/feature/conversation"
	"tg_affiliate_tracker_bot/internal/logging"
	"tg_affiliate_tracker_bot/internal/notify"
)

// Commands routed to the conversation machine.
const (
	commandStart   = "/start"
	commandRestart = "/restart"
	commandStats   = "/stats"
)

type botRunner interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"callback_query",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}
)

type stateMachine interface {
	StartCommand(ctx context.Context, chatID int64) (conv.Outcome, error)
	ButtonPress(ctx context.Context, chatID int64, buttonID string) (conv.Outcome, error)
	FreeText(ctx context.Context, chatID int64, body string) (conv.Outcome, error)
	Restart(ctx context.Context, chatID int64) (conv.Outcome, error)
	Stats(ctx context.Context, chatID int64) (conv.Outcome, error)
}

type deliverer interface {
	Deliver(ctx context.Context, msg notify.Message) notify.DeliveryResult
}

// Client wraps the Telegram bot instance and routes updates into the
// conversation state machine.
type Client struct {
	bot        botRunner
	machine    stateMachine
	dispatcher deliverer
	logger     *logrus.Entry
}

// NewClient initializes the Telegram bot with long polling and update routing.
// The client itself is the message sender for the notification dispatcher;
// attach the dispatcher with SetDispatcher once it is constructed, before
// Start is called.
func NewClient(cfg config.Config, machine stateMachine, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if machine == nil {
		return nil, errors.New("conversation machine is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	client := &Client{
		machine: machine,
		logger:  logger,
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(client.handleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	client.bot = tgBot
	return client, nil
}

// SetDispatcher attaches the outbound dispatcher. Updates arriving before a
// dispatcher is attached are handled but their replies are dropped with a log.
func (c *Client) SetDispatcher(dispatcher deliverer) {
	c.dispatcher = dispatcher
}

// SendMessage sends through the underlying bot; it is the delivery primitive
// the notification dispatcher classifies errors from.
func (c *Client) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	if c == nil || c.bot == nil {
		return nil, errors.New("telegram client is not initialized")
	}

	return c.bot.SendMessage(ctx, params)
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

// handleUpdate routes one update into the conversation machine and delivers
// the outcome. Handler errors are absorbed and logged; nothing from here may
// take the poller down.
func (c *Client) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, b, update.CallbackQuery)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *models.Message) {
	chatID := msg.Chat.ID
	if chatID == 0 {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	var (
		outcome conv.Outcome
		err     error
	)

	switch command(text) {
	case commandStart:
		outcome, err = c.machine.StartCommand(ctx, chatID)
	case commandRestart:
		outcome, err = c.machine.Restart(ctx, chatID)
	case commandStats:
		outcome, err = c.machine.Stats(ctx, chatID)
	default:
		outcome, err = c.machine.FreeText(ctx, chatID, text)
	}

	c.finish(ctx, chatID, outcome, err)
}

func (c *Client) handleCallback(ctx context.Context, b *bot.Bot, query *models.CallbackQuery) {
	chatID := messageChatID(query.Message)
	if chatID == 0 {
		return
	}

	if b != nil {
		if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: query.ID,
		}); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":   "callback_ack_error",
				"chat_id": chatID,
			}).WithError(err).Warn("failed to acknowledge callback query")
		}
	}

	outcome, err := c.machine.ButtonPress(ctx, chatID, strings.TrimSpace(query.Data))
	c.finish(ctx, chatID, outcome, err)
}

func (c *Client) finish(ctx context.Context, chatID int64, outcome conv.Outcome, err error) {
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "conversation_error",
			"chat_id": chatID,
		}).WithError(err).Error("chat event handling failed")
		return
	}

	if outcome.Text == "" {
		return
	}

	if c.dispatcher == nil {
		c.logger.WithFields(logging.Fields{
			"event":   "dispatcher_missing",
			"chat_id": chatID,
		}).Error("dropping reply, no dispatcher attached")
		return
	}

	c.dispatcher.Deliver(ctx, notify.Message{
		ChatID:      chatID,
		Text:        outcome.Text,
		ReplyMarkup: outcome.Markup,
	})
}

// command extracts the leading bot command of a message, stripping the
// @botname suffix used in group mentions.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}

	head := text
	if idx := strings.IndexAny(head, " \t\n"); idx > 0 {
		head = head[:idx]
	}
	if idx := strings.Index(head, "@"); idx > 0 {
		head = head[:idx]
	}

	return head
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return msg.Message.Chat.ID
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return msg.InaccessibleMessage.Chat.ID
	default:
		return 0
	}
}
