// Package conversation implements the chat-driven side of the referral
// lifecycle: commands, button presses, and free-text account ids.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_affiliate_tracker_bot/internal/domain"
	"tg_affiliate_tracker_bot/internal/logging"
)

// ButtonReady is the callback data of the welcome prompt's button.
const ButtonReady = "ready"

type recordStore interface {
	Get(ctx context.Context, chatID int64) (domain.UserRecord, bool, error)
	Upsert(ctx context.Context, chatID int64, mutate func(*domain.UserRecord)) (domain.UserRecord, error)
	Reset(ctx context.Context, chatID int64) (domain.UserRecord, error)
}

type statsProvider interface {
	CountRecords(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status domain.Status) (int64, error)
	CountDeliveryBlocked(ctx context.Context) (int64, error)
}

// Outcome is what a chat event produced: the reply to render and optional
// inline markup. An empty Text means nothing should be sent.
type Outcome struct {
	Text   string
	Markup models.ReplyMarkup
}

// Machine applies chat events to user records. Every mutation goes through
// the record store's atomic upsert, and every status move through the
// forward-only lifecycle rule, so duplicate or out-of-order chat events can
// never regress a record.
type Machine struct {
	store            recordStore
	stats            statsProvider
	referralLinkBase string
	operatorChatID   int64
	logger           *logrus.Entry
}

// NewMachine constructs the conversation state machine.
func NewMachine(store recordStore, stats statsProvider, referralLinkBase string, operatorChatID int64, logger *logrus.Entry) *Machine {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Machine{
		store:            store,
		stats:            stats,
		referralLinkBase: referralLinkBase,
		operatorChatID:   operatorChatID,
		logger:           logger,
	}
}

// StartCommand handles /start. A fresh or never-seen chat moves to
// awaiting_action and receives the welcome prompt; a confirmed chat gets the
// already-registered reply; anything in between is re-prompted for its
// current stage without a state change.
func (m *Machine) StartCommand(ctx context.Context, chatID int64) (Outcome, error) {
	if err := m.check(ctx, chatID); err != nil {
		return Outcome{}, err
	}

	record, found, err := m.store.Get(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}

	if !found || record.Status == domain.StatusNew {
		record, err = m.store.Upsert(ctx, chatID, func(r *domain.UserRecord) {
			domain.Apply(r, domain.StatusAwaitingAction)
		})
		if err != nil {
			return Outcome{}, err
		}

		m.logger.WithFields(logging.Fields{
			"event":   "conversation_started",
			"chat_id": chatID,
		}).Info("started referral conversation")

		return welcomeOutcome(), nil
	}

	if domain.Rank(record.Status) >= domain.Rank(domain.StatusAccountConfirmed) {
		return Outcome{Text: confirmedText(record)}, nil
	}

	return m.statusPrompt(record), nil
}

// ButtonPress handles an inline button callback. The ready button is only
// meaningful from awaiting_action, where it hands out the tracked
// registration link; from any later stage it re-emits the stage prompt.
func (m *Machine) ButtonPress(ctx context.Context, chatID int64, buttonID string) (Outcome, error) {
	if err := m.check(ctx, chatID); err != nil {
		return Outcome{}, err
	}

	if buttonID != ButtonReady {
		m.logger.WithFields(logging.Fields{
			"event":   "unknown_button",
			"chat_id": chatID,
			"button":  buttonID,
		}).Warn("ignoring unknown button press")
		return Outcome{}, nil
	}

	record, found, err := m.store.Get(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return Outcome{Text: startFirstText}, nil
	}

	if record.Status == domain.StatusAwaitingAction {
		record, err = m.store.Upsert(ctx, chatID, func(r *domain.UserRecord) {
			domain.Apply(r, domain.StatusAwaitingAccountID)
		})
		if err != nil {
			return Outcome{}, err
		}

		return Outcome{Text: registrationLinkText(m.referralLinkBase, chatID)}, nil
	}

	return m.statusPrompt(record), nil
}

// FreeText handles a plain message. A digits-only body is treated as an
// affiliate account id and bound to the record when submission is still open;
// anything else gets format guidance and changes nothing.
func (m *Machine) FreeText(ctx context.Context, chatID int64, body string) (Outcome, error) {
	if err := m.check(ctx, chatID); err != nil {
		return Outcome{}, err
	}

	accountID := strings.TrimSpace(body)
	if !isAccountID(accountID) {
		return Outcome{Text: accountIDGuidanceText}, nil
	}

	record, found, err := m.store.Get(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}

	if found && domain.Rank(record.Status) >= domain.Rank(domain.StatusAccountConfirmed) {
		return Outcome{Text: confirmedText(record)}, nil
	}

	if found && record.Status == domain.StatusAccountIDSubmitted && record.AccountID == accountID {
		return Outcome{Text: alreadyPendingText(accountID)}, nil
	}

	rebound := found && record.Status == domain.StatusAccountIDSubmitted

	record, err = m.store.Upsert(ctx, chatID, func(r *domain.UserRecord) {
		if r.AccountBindable() {
			r.AccountID = accountID
		}
		domain.Apply(r, domain.StatusAccountIDSubmitted)
	})
	if err != nil {
		return Outcome{}, err
	}

	m.logger.WithFields(logging.Fields{
		"event":      "account_id_submitted",
		"chat_id":    chatID,
		"account_id": accountID,
		"rebound":    rebound,
	}).Info("bound affiliate account id")

	return Outcome{Text: pendingText(accountID)}, nil
}

// Restart handles /restart: the record's account binding and status are
// cleared and a new lifecycle begins for the same chat.
func (m *Machine) Restart(ctx context.Context, chatID int64) (Outcome, error) {
	if err := m.check(ctx, chatID); err != nil {
		return Outcome{}, err
	}

	if _, err := m.store.Reset(ctx, chatID); err != nil {
		return Outcome{}, err
	}

	return Outcome{Text: restartedText}, nil
}

// Stats handles /stats for the operator chat. Other chats get no reply.
func (m *Machine) Stats(ctx context.Context, chatID int64) (Outcome, error) {
	if err := m.check(ctx, chatID); err != nil {
		return Outcome{}, err
	}
	if chatID != m.operatorChatID || m.stats == nil {
		return Outcome{}, nil
	}

	total, err := m.stats.CountRecords(ctx)
	if err != nil {
		return Outcome{}, err
	}

	lines := []string{fmt.Sprintf("Tracked chats: %d", total)}
	for _, status := range []domain.Status{
		domain.StatusAwaitingAction,
		domain.StatusAwaitingAccountID,
		domain.StatusAccountIDSubmitted,
		domain.StatusAccountConfirmed,
		domain.StatusDepositConfirmed,
	} {
		count, err := m.stats.CountByStatus(ctx, status)
		if err != nil {
			return Outcome{}, err
		}
		lines = append(lines, fmt.Sprintf("  %s: %d", status, count))
	}

	blocked, err := m.stats.CountDeliveryBlocked(ctx)
	if err != nil {
		return Outcome{}, err
	}
	lines = append(lines, fmt.Sprintf("Delivery blocked: %d", blocked))

	return Outcome{Text: strings.Join(lines, "\n")}, nil
}

func (m *Machine) check(ctx context.Context, chatID int64) error {
	if m == nil || m.store == nil {
		return errors.New("conversation machine is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if chatID == 0 {
		return errors.New("chat_id is required")
	}
	return nil
}

func (m *Machine) statusPrompt(record domain.UserRecord) Outcome {
	switch record.Status {
	case domain.StatusNew:
		return Outcome{Text: startFirstText}
	case domain.StatusAwaitingAction:
		return welcomeOutcome()
	case domain.StatusAwaitingAccountID:
		return Outcome{Text: registrationLinkText(m.referralLinkBase, record.ChatID)}
	case domain.StatusAccountIDSubmitted:
		return Outcome{Text: alreadyPendingText(record.AccountID)}
	default:
		return Outcome{Text: confirmedText(record)}
	}
}

func isAccountID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

const (
	welcomeText = "Welcome! Press the button below when you are ready to register with our partner."

	startFirstText = "Send /start to begin."

	accountIDGuidanceText = "An account ID consists of digits only. Send just the ID, for example: 123456."

	restartedText = "Your registration was reset. Send /start to begin again."
)

func welcomeOutcome() Outcome {
	return Outcome{
		Text: welcomeText,
		Markup: &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{
					{Text: "I'm ready", CallbackData: ButtonReady},
				},
			},
		},
	}
}

func registrationLinkText(base string, chatID int64) string {
	link := base + "&sub1=" + strconv.FormatInt(chatID, 10)
	return "Register via this link:\n" + link + "\n\nAfter registering, send me your account ID."
}

func pendingText(accountID string) string {
	return "🕐 ID " + accountID + " is being verified. I will message you as soon as the registration is confirmed."
}

func alreadyPendingText(accountID string) string {
	return "📝 You already sent this ID: " + accountID + ". It is still being verified."
}

func confirmedText(record domain.UserRecord) string {
	if record.Status == domain.StatusDepositConfirmed {
		return "✅ Your registration and deposit are confirmed for ID " + record.AccountID + "."
	}
	return "✅ Your registration is confirmed for ID " + record.AccountID + "."
}
