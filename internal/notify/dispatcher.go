// Package notify delivers outbound messages to chats with failure
// classification, bounded retry, and operator escalation.
package notify

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_affiliate_tracker_bot/internal/logging"
)

const (
	// Rate-limit waits are honored once, clamped to this ceiling.
	maxRetryWait     = 30 * time.Second
	defaultRetryWait = time.Second
)

// DeliveryResult classifies the outcome of a delivery attempt.
type DeliveryResult int

const (
	// Delivered means the message reached the chat, possibly after the
	// single rate-limit retry.
	Delivered DeliveryResult = iota
	// Blocked means the chat permanently refuses messages; the record's
	// delivery flag has been set.
	Blocked
	// Failed covers everything else; no automatic retry.
	Failed
)

// Message is one outbound delivery.
type Message struct {
	ChatID      int64
	Text        string
	ReplyMarkup models.ReplyMarkup
}

type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

type blockMarker interface {
	MarkDeliveryBlocked(ctx context.Context, chatID int64) error
}

// Dispatcher sends messages through the Telegram API and escalates failures
// to the operator chat. Escalation reuses the same delivery path but is
// depth-limited to one level: a failing operator delivery is only logged.
type Dispatcher struct {
	sender         messageSender
	blocks         blockMarker
	operatorChatID int64
	logger         *logrus.Entry

	// wait is overridable for tests.
	wait func(ctx context.Context, d time.Duration)
}

// NewDispatcher constructs a Dispatcher. blocks may be nil when no record
// store is attached (operator-only dispatchers).
func NewDispatcher(sender messageSender, blocks blockMarker, operatorChatID int64, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Dispatcher{
		sender:         sender,
		blocks:         blocks,
		operatorChatID: operatorChatID,
		logger:         logger,
		wait:           sleepCtx,
	}
}

// Deliver sends msg to its chat and classifies the outcome. Rate-limited
// sends wait the reported duration once and retry exactly once. Permanently
// undeliverable chats are flagged on their record and reported to the
// operator. Unknown failures are reported to the operator without retry.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) DeliveryResult {
	return d.deliver(ctx, msg, 0)
}

// Alert sends text to the operator chat. Alerts never escalate further, so a
// broken operator chat cannot loop the dispatcher back into itself.
func (d *Dispatcher) Alert(ctx context.Context, text string) {
	d.deliver(ctx, Message{ChatID: d.operatorChatID, Text: text}, 1)
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message, depth int) DeliveryResult {
	if d == nil || d.sender == nil {
		return Failed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if msg.ChatID == 0 || msg.Text == "" {
		d.logger.WithFields(logging.Fields{
			"event":   "delivery_invalid",
			"chat_id": msg.ChatID,
		}).Warn("dropping delivery with missing chat or text")
		return Failed
	}

	err := d.send(ctx, msg)
	if err == nil {
		return Delivered
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		wait := retryWait(tooMany.RetryAfter)

		d.logger.WithFields(logging.Fields{
			"event":      "delivery_rate_limited",
			"chat_id":    msg.ChatID,
			"wait_after": wait.String(),
		}).Warn("rate limited, retrying once")

		d.wait(ctx, wait)

		if err = d.send(ctx, msg); err == nil {
			return Delivered
		}
	}

	return d.classifyFailure(ctx, msg, err, depth)
}

func (d *Dispatcher) classifyFailure(ctx context.Context, msg Message, err error, depth int) DeliveryResult {
	if errors.Is(err, bot.ErrorForbidden) {
		d.logger.WithFields(logging.Fields{
			"event":   "delivery_blocked",
			"chat_id": msg.ChatID,
		}).WithError(err).Warn("chat permanently undeliverable")

		if d.blocks != nil {
			if markErr := d.blocks.MarkDeliveryBlocked(ctx, msg.ChatID); markErr != nil {
				d.logger.WithFields(logging.Fields{
					"event":   "delivery_flag_error",
					"chat_id": msg.ChatID,
				}).WithError(markErr).Error("failed to flag record as undeliverable")
			}
		}

		d.escalate(ctx, depth, logging.Fields{
			"chat_id": msg.ChatID,
			"reason":  "blocked",
		})

		return Blocked
	}

	d.logger.WithFields(logging.Fields{
		"event":   "delivery_failed",
		"chat_id": msg.ChatID,
	}).WithError(err).Error("message delivery failed")

	d.escalate(ctx, depth, logging.Fields{
		"chat_id": msg.ChatID,
		"reason":  err.Error(),
	})

	return Failed
}

func (d *Dispatcher) escalate(ctx context.Context, depth int, details logging.Fields) {
	if depth > 0 {
		d.logger.WithField("event", "escalation_suppressed").WithFields(details).
			Error("operator delivery failed, not escalating further")
		return
	}
	if d.operatorChatID == 0 {
		return
	}

	text := "⚠️ delivery problem"
	if chatID, ok := details["chat_id"].(int64); ok {
		text += " for chat " + formatChatID(chatID)
	}
	if reason, ok := details["reason"].(string); ok && reason != "" {
		text += ": " + reason
	}

	d.deliver(ctx, Message{ChatID: d.operatorChatID, Text: text}, depth+1)
}

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	params := &bot.SendMessageParams{
		ChatID: msg.ChatID,
		Text:   msg.Text,
	}
	if msg.ReplyMarkup != nil {
		params.ReplyMarkup = msg.ReplyMarkup
	}

	_, err := d.sender.SendMessage(ctx, params)
	return err
}

func retryWait(retryAfterSeconds int) time.Duration {
	wait := time.Duration(retryAfterSeconds) * time.Second
	if wait <= 0 {
		return defaultRetryWait
	}
	if wait > maxRetryWait {
		return maxRetryWait
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func formatChatID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
