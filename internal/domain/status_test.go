package domain

import "testing"

func TestRankOrdersLifecycle(t *testing.T) {
	ordered := []Status{
		StatusNew,
		StatusAwaitingAction,
		StatusAwaitingAccountID,
		StatusAccountIDSubmitted,
		StatusAccountConfirmed,
		StatusDepositConfirmed,
	}

	for i := 1; i < len(ordered); i++ {
		if Rank(ordered[i]) <= Rank(ordered[i-1]) {
			t.Fatalf("expected %s to rank above %s", ordered[i], ordered[i-1])
		}
	}

	if Rank(Status("bogus")) >= Rank(StatusNew) {
		t.Fatalf("expected unknown status to rank below %s", StatusNew)
	}
}

func TestApplyMovesForwardOnly(t *testing.T) {
	record := UserRecord{ChatID: 1, Status: StatusAwaitingAccountID}

	if !Apply(&record, StatusAccountConfirmed) {
		t.Fatalf("expected forward move to apply")
	}
	if record.Status != StatusAccountConfirmed {
		t.Fatalf("expected status %s, got %s", StatusAccountConfirmed, record.Status)
	}

	if Apply(&record, StatusAccountIDSubmitted) {
		t.Fatalf("expected backward move to be rejected")
	}
	if record.Status != StatusAccountConfirmed {
		t.Fatalf("expected status retained after rejected move, got %s", record.Status)
	}
}

func TestApplySameStatusIsNoOp(t *testing.T) {
	record := UserRecord{ChatID: 1, Status: StatusAccountConfirmed}

	if Apply(&record, StatusAccountConfirmed) {
		t.Fatalf("expected re-applying current status to report no change")
	}
	if record.Status != StatusAccountConfirmed {
		t.Fatalf("expected status unchanged, got %s", record.Status)
	}
}

func TestApplyRejectsUnknownStatus(t *testing.T) {
	record := UserRecord{ChatID: 1, Status: StatusNew}

	if Apply(&record, Status("bogus")) {
		t.Fatalf("expected unknown status to be rejected")
	}
	if record.Status != StatusNew {
		t.Fatalf("expected status unchanged, got %s", record.Status)
	}
}

func TestApplyAnyEventSequenceEndsAtMaxValidRank(t *testing.T) {
	sequences := [][]Status{
		{StatusAccountConfirmed, StatusAwaitingAction, StatusDepositConfirmed, StatusNew},
		{StatusDepositConfirmed, StatusAccountConfirmed, StatusAccountConfirmed},
		{StatusAwaitingAction, StatusAwaitingAccountID, StatusAwaitingAction, StatusAccountIDSubmitted},
	}
	expected := []Status{
		StatusDepositConfirmed,
		StatusDepositConfirmed,
		StatusAccountIDSubmitted,
	}

	for i, seq := range sequences {
		record := UserRecord{ChatID: 1, Status: StatusNew}
		for _, candidate := range seq {
			Apply(&record, candidate)
		}
		if record.Status != expected[i] {
			t.Fatalf("sequence %d: expected final status %s, got %s", i, expected[i], record.Status)
		}
	}
}

func TestAccountBindableUntilConfirmation(t *testing.T) {
	for _, status := range []Status{StatusNew, StatusAwaitingAction, StatusAwaitingAccountID, StatusAccountIDSubmitted} {
		record := UserRecord{Status: status}
		if !record.AccountBindable() {
			t.Fatalf("expected account to be bindable at %s", status)
		}
	}

	for _, status := range []Status{StatusAccountConfirmed, StatusDepositConfirmed} {
		record := UserRecord{Status: status}
		if record.AccountBindable() {
			t.Fatalf("expected account to be immutable at %s", status)
		}
	}
}
