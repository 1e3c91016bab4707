package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-telegram/bot/models"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_affiliate_tracker_bot/internal/domain"
)

type fakeRecordStore struct {
	records map[int64]domain.UserRecord
	err     error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: map[int64]domain.UserRecord{}}
}

func (f *fakeRecordStore) Get(_ context.Context, chatID int64) (domain.UserRecord, bool, error) {
	if f.err != nil {
		return domain.UserRecord{}, false, f.err
	}
	record, found := f.records[chatID]
	return record, found, nil
}

func (f *fakeRecordStore) Upsert(_ context.Context, chatID int64, mutate func(*domain.UserRecord)) (domain.UserRecord, error) {
	if f.err != nil {
		return domain.UserRecord{}, f.err
	}
	record, found := f.records[chatID]
	if !found {
		record = domain.UserRecord{ChatID: chatID, Status: domain.StatusNew}
	}
	mutate(&record)
	record.ChatID = chatID
	f.records[chatID] = record
	return record, nil
}

func (f *fakeRecordStore) Reset(_ context.Context, chatID int64) (domain.UserRecord, error) {
	return f.Upsert(context.Background(), chatID, func(r *domain.UserRecord) {
		r.AccountID = ""
		r.Status = domain.StatusNew
		r.DeliveryBlocked = false
	})
}

type fakeStatsProvider struct {
	total    int64
	byStatus map[domain.Status]int64
	blocked  int64
}

func (f *fakeStatsProvider) CountRecords(context.Context) (int64, error) {
	return f.total, nil
}

func (f *fakeStatsProvider) CountByStatus(_ context.Context, status domain.Status) (int64, error) {
	return f.byStatus[status], nil
}

func (f *fakeStatsProvider) CountDeliveryBlocked(context.Context) (int64, error) {
	return f.blocked, nil
}

func newTestMachine(store *fakeRecordStore, stats statsProvider) *Machine {
	logger, _ := logtest.NewNullLogger()
	return NewMachine(store, stats, "https://partner.example/track?aff=7", 99, logger.WithField("test", true))
}

func TestStartCommandCreatesRecordWithWelcomePrompt(t *testing.T) {
	store := newFakeRecordStore()
	machine := newTestMachine(store, nil)

	outcome, err := machine.StartCommand(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != welcomeText {
		t.Fatalf("expected welcome text, got %q", outcome.Text)
	}

	markup, ok := outcome.Markup.(*models.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("expected inline keyboard markup, got %T", outcome.Markup)
	}
	if len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 1 {
		t.Fatalf("expected a single inline button, got %v", markup.InlineKeyboard)
	}
	if markup.InlineKeyboard[0][0].CallbackData != ButtonReady {
		t.Fatalf("expected callback data %q, got %q", ButtonReady, markup.InlineKeyboard[0][0].CallbackData)
	}

	record := store.records[42]
	if record.Status != domain.StatusAwaitingAction {
		t.Fatalf("expected status %s, got %s", domain.StatusAwaitingAction, record.Status)
	}
}

func TestStartCommandAfterConfirmationDoesNotRegress(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, AccountID: "555", Status: domain.StatusAccountConfirmed}
	machine := newTestMachine(store, nil)

	outcome, err := machine.StartCommand(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(outcome.Text, "555") {
		t.Fatalf("expected confirmation reply to mention the account id, got %q", outcome.Text)
	}
	if store.records[42].Status != domain.StatusAccountConfirmed {
		t.Fatalf("expected status unchanged, got %s", store.records[42].Status)
	}
}

func TestStartCommandMidFlowRepromptsCurrentStage(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, Status: domain.StatusAwaitingAccountID}
	machine := newTestMachine(store, nil)

	outcome, err := machine.StartCommand(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(outcome.Text, "&sub1=42") {
		t.Fatalf("expected registration link prompt, got %q", outcome.Text)
	}
	if store.records[42].Status != domain.StatusAwaitingAccountID {
		t.Fatalf("expected status unchanged, got %s", store.records[42].Status)
	}
}

func TestButtonPressHandsOutTrackedLink(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, Status: domain.StatusAwaitingAction}
	machine := newTestMachine(store, nil)

	outcome, err := machine.ButtonPress(context.Background(), 42, ButtonReady)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(outcome.Text, "https://partner.example/track?aff=7&sub1=42") {
		t.Fatalf("expected link with sub1, got %q", outcome.Text)
	}
	if store.records[42].Status != domain.StatusAwaitingAccountID {
		t.Fatalf("expected status %s, got %s", domain.StatusAwaitingAccountID, store.records[42].Status)
	}
}

func TestButtonPressWithoutRecordAsksToStart(t *testing.T) {
	machine := newTestMachine(newFakeRecordStore(), nil)

	outcome, err := machine.ButtonPress(context.Background(), 42, ButtonReady)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != startFirstText {
		t.Fatalf("expected start prompt, got %q", outcome.Text)
	}
}

func TestButtonPressUnknownButtonIsIgnored(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, Status: domain.StatusAwaitingAction}
	machine := newTestMachine(store, nil)

	outcome, err := machine.ButtonPress(context.Background(), 42, "other")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != "" {
		t.Fatalf("expected no reply, got %q", outcome.Text)
	}
}

func TestButtonPressDuplicateRepromptsWithoutRegression(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, AccountID: "555", Status: domain.StatusAccountIDSubmitted}
	machine := newTestMachine(store, nil)

	outcome, err := machine.ButtonPress(context.Background(), 42, ButtonReady)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != alreadyPendingText("555") {
		t.Fatalf("expected pending reminder, got %q", outcome.Text)
	}
	if store.records[42].Status != domain.StatusAccountIDSubmitted {
		t.Fatalf("expected status unchanged, got %s", store.records[42].Status)
	}
}

func TestFreeTextBindsAccountID(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, Status: domain.StatusAwaitingAccountID}
	machine := newTestMachine(store, nil)

	outcome, err := machine.FreeText(context.Background(), 42, " 123456 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != pendingText("123456") {
		t.Fatalf("expected pending reply, got %q", outcome.Text)
	}

	record := store.records[42]
	if record.AccountID != "123456" {
		t.Fatalf("expected account id bound, got %q", record.AccountID)
	}
	if record.Status != domain.StatusAccountIDSubmitted {
		t.Fatalf("expected status %s, got %s", domain.StatusAccountIDSubmitted, record.Status)
	}
}

func TestFreeTextNonNumericGetsGuidance(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, Status: domain.StatusAwaitingAccountID}
	machine := newTestMachine(store, nil)

	outcome, err := machine.FreeText(context.Background(), 42, "my id is 123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != accountIDGuidanceText {
		t.Fatalf("expected guidance, got %q", outcome.Text)
	}
	if store.records[42].Status != domain.StatusAwaitingAccountID {
		t.Fatalf("expected status unchanged, got %s", store.records[42].Status)
	}
}

func TestFreeTextDuplicateIDReportsPending(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, AccountID: "123456", Status: domain.StatusAccountIDSubmitted}
	machine := newTestMachine(store, nil)

	outcome, err := machine.FreeText(context.Background(), 42, "123456")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != alreadyPendingText("123456") {
		t.Fatalf("expected already-pending reply, got %q", outcome.Text)
	}
}

func TestFreeTextRebindsBeforeConfirmation(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, AccountID: "111", Status: domain.StatusAccountIDSubmitted}
	machine := newTestMachine(store, nil)

	outcome, err := machine.FreeText(context.Background(), 42, "222")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != pendingText("222") {
		t.Fatalf("expected pending reply, got %q", outcome.Text)
	}
	if store.records[42].AccountID != "222" {
		t.Fatalf("expected rebound account id, got %q", store.records[42].AccountID)
	}
}

func TestFreeTextAfterConfirmationKeepsBinding(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, AccountID: "111", Status: domain.StatusAccountConfirmed}
	machine := newTestMachine(store, nil)

	outcome, err := machine.FreeText(context.Background(), 42, "222")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(outcome.Text, "111") {
		t.Fatalf("expected confirmation reply with original id, got %q", outcome.Text)
	}
	if store.records[42].AccountID != "111" {
		t.Fatalf("expected account id unchanged, got %q", store.records[42].AccountID)
	}
}

func TestRestartResetsRecord(t *testing.T) {
	store := newFakeRecordStore()
	store.records[42] = domain.UserRecord{ChatID: 42, AccountID: "111", Status: domain.StatusDepositConfirmed, DeliveryBlocked: true}
	machine := newTestMachine(store, nil)

	outcome, err := machine.Restart(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != restartedText {
		t.Fatalf("expected restart reply, got %q", outcome.Text)
	}

	record := store.records[42]
	if record.Status != domain.StatusNew || record.AccountID != "" || record.DeliveryBlocked {
		t.Fatalf("expected cleared record, got %+v", record)
	}
}

func TestStatsForOperatorChat(t *testing.T) {
	stats := &fakeStatsProvider{
		total: 12,
		byStatus: map[domain.Status]int64{
			domain.StatusAccountIDSubmitted: 3,
			domain.StatusDepositConfirmed:   2,
		},
		blocked: 1,
	}
	machine := newTestMachine(newFakeRecordStore(), stats)

	outcome, err := machine.Stats(context.Background(), 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Tracked chats: 12", "account_id_submitted: 3", "deposit_confirmed: 2", "Delivery blocked: 1"} {
		if !strings.Contains(outcome.Text, want) {
			t.Fatalf("expected stats to contain %q, got %q", want, outcome.Text)
		}
	}
}

func TestStatsIgnoresNonOperatorChat(t *testing.T) {
	machine := newTestMachine(newFakeRecordStore(), &fakeStatsProvider{total: 12})

	outcome, err := machine.Stats(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Text != "" {
		t.Fatalf("expected no reply for non-operator chat, got %q", outcome.Text)
	}
}

func TestMachineValidatesInput(t *testing.T) {
	machine := newTestMachine(newFakeRecordStore(), nil)

	if _, err := machine.StartCommand(nil, 42); err == nil {
		t.Fatalf("expected error for nil context")
	}
	if _, err := machine.StartCommand(context.Background(), 0); err == nil {
		t.Fatalf("expected error for missing chat id")
	}

	var nilMachine *Machine
	if _, err := nilMachine.StartCommand(context.Background(), 42); err == nil {
		t.Fatalf("expected error for nil machine")
	}
}

func TestMachinePropagatesStoreErrors(t *testing.T) {
	store := newFakeRecordStore()
	store.err = errors.New("mongo unavailable")
	machine := newTestMachine(store, nil)

	if _, err := machine.StartCommand(context.Background(), 42); err == nil {
		t.Fatalf("expected store error to propagate")
	}
}
