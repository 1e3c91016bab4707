// Package reconcile applies affiliate-network postback events to tracked
// user records and pushes the resulting notifications.
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_affiliate_tracker_bot/internal/domain"
	"tg_affiliate_tracker_bot/internal/logging"
	"tg_affiliate_tracker_bot/internal/notify"
)

// Affiliate event literals with a lifecycle meaning. Anything else is
// informational: it is forwarded to the user but never moves the lifecycle.
const (
	EventRegistration = "registration"
	EventDeposit      = "deposit"
)

// ReasonMalformedChatID rejects a postback whose sub1 is not a positive
// decimal integer.
const ReasonMalformedChatID = "malformed_chat_id"

// notifications must finish inside this window even with the dispatcher's
// single rate-limit retry.
const deliverTimeout = 45 * time.Second

// OutcomeKind classifies what a postback did.
type OutcomeKind int

const (
	// Applied means the record changed (status move, account binding, or
	// first-contact creation) and a notification was handed off.
	Applied OutcomeKind = iota
	// NoChange means the lifecycle rule kept the stored status; the
	// postback is still acknowledged as success since networks redeliver.
	NoChange
	// Unmatched means an informational event arrived for a chat that was
	// never seen; no record is created for those.
	Unmatched
	// Rejected means the postback was malformed and nothing was touched.
	Rejected
)

// Outcome is the result of reconciling one postback.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Record domain.UserRecord
}

type recordStore interface {
	Get(ctx context.Context, chatID int64) (domain.UserRecord, bool, error)
	Upsert(ctx context.Context, chatID int64, mutate func(*domain.UserRecord)) (domain.UserRecord, error)
}

type deliverer interface {
	Deliver(ctx context.Context, msg notify.Message) notify.DeliveryResult
	Alert(ctx context.Context, text string)
}

// Reconciler folds postback events into the record store and triggers
// notifications. Deliveries run detached from the caller: a postback response
// never waits on the Telegram API.
type Reconciler struct {
	store      recordStore
	dispatcher deliverer
	logger     *logrus.Entry

	// detach runs fn without blocking the caller; overridable for tests.
	detach func(fn func())
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store recordStore, dispatcher deliverer, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Reconciler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		detach:     func(fn func()) { go fn() },
	}
}

// Reconcile applies one postback. chatIDRaw is the sub1 tracking parameter
// carrying the chat id as a decimal string; accountID is the affiliate
// account the network reports; amount is only meaningful for deposit events.
func (r *Reconciler) Reconcile(ctx context.Context, chatIDRaw, accountID, event, amount string) (Outcome, error) {
	if r == nil || r.store == nil {
		return Outcome{}, errors.New("reconciler is not initialized")
	}
	if ctx == nil {
		return Outcome{}, errors.New("context is required")
	}

	chatID, err := parseChatID(chatIDRaw)
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"event": "postback_rejected",
			"sub1":  chatIDRaw,
		}).Warn("postback sub1 is not a valid chat id")

		r.alert("⚠️ postback with malformed sub1 " + strconv.Quote(chatIDRaw) + " for account " + accountID)

		return Outcome{Kind: Rejected, Reason: ReasonMalformedChatID}, nil
	}

	event = strings.TrimSpace(event)
	target, statusBearing := targetStatus(event)

	if !statusBearing {
		return r.reconcileInformational(ctx, chatID, accountID, event)
	}

	var moved, bound bool
	record, err := r.store.Upsert(ctx, chatID, func(rec *domain.UserRecord) {
		if accountID != "" && rec.AccountID != accountID && rec.AccountBindable() {
			rec.AccountID = accountID
			bound = true
		}
		moved = domain.Apply(rec, target)
	})
	if err != nil {
		return Outcome{}, err
	}

	if !moved && !bound {
		r.logger.WithFields(logging.Fields{
			"event":      "postback_no_change",
			"chat_id":    chatID,
			"account_id": accountID,
			"pb_event":   event,
		}).Debug("postback kept existing record state")

		return Outcome{Kind: NoChange, Record: record}, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":      "postback_applied",
		"chat_id":    chatID,
		"account_id": record.AccountID,
		"pb_event":   event,
		"status":     record.Status,
	}).Info("applied postback to record")

	if moved {
		r.notify(chatID, notificationText(event, record.AccountID, amount))
	}

	return Outcome{Kind: Applied, Record: record}, nil
}

func (r *Reconciler) reconcileInformational(ctx context.Context, chatID int64, accountID, event string) (Outcome, error) {
	record, found, err := r.store.Get(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		r.logger.WithFields(logging.Fields{
			"event":    "postback_unmatched",
			"chat_id":  chatID,
			"pb_event": event,
		}).Warn("informational postback for unknown chat")

		return Outcome{Kind: Unmatched}, nil
	}

	if accountID == "" {
		accountID = record.AccountID
	}

	r.notify(chatID, notificationText(event, accountID, ""))

	return Outcome{Kind: Applied, Record: record}, nil
}

// notify hands a message to the dispatcher on a detached goroutine so the
// postback caller gets its acknowledgement immediately.
func (r *Reconciler) notify(chatID int64, text string) {
	if r.dispatcher == nil {
		return
	}

	r.detach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()

		r.dispatcher.Deliver(ctx, notify.Message{ChatID: chatID, Text: text})
	})
}

func (r *Reconciler) alert(text string) {
	if r.dispatcher == nil {
		return
	}

	r.detach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()

		r.dispatcher.Alert(ctx, text)
	})
}

func parseChatID(raw string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if chatID <= 0 {
		return 0, errors.New("chat id must be positive")
	}
	return chatID, nil
}

func targetStatus(event string) (domain.Status, bool) {
	switch event {
	case EventRegistration:
		return domain.StatusAccountConfirmed, true
	case EventDeposit:
		return domain.StatusDepositConfirmed, true
	default:
		return "", false
	}
}

func notificationText(event, accountID, amount string) string {
	switch event {
	case EventRegistration:
		return "✅ Registration confirmed for ID " + accountID
	case EventDeposit:
		return "💰 Deposit of " + sanitizeAmount(amount) + " confirmed for ID " + accountID
	default:
		return "📩 Event " + event + " for ID " + accountID
	}
}

func sanitizeAmount(amount string) string {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return "0"
	}
	if _, err := strconv.ParseFloat(amount, 64); err != nil {
		return "0"
	}
	return amount
}
