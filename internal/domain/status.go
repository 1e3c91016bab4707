// Package domain defines the tracked-user record and its lifecycle statuses.
package domain

// Status is a lifecycle stage of a referred user. Statuses form a total
// order and only ever move forward; see Apply.
type Status string

const (
	// StatusNew marks a record that exists but has not progressed yet.
	StatusNew Status = "new"
	// StatusAwaitingAction means the user received the welcome prompt and
	// has not pressed the registration button.
	StatusAwaitingAction Status = "awaiting_action"
	// StatusAwaitingAccountID means the registration link was handed out
	// and the bot is waiting for the user's affiliate account id.
	StatusAwaitingAccountID Status = "awaiting_account_id"
	// StatusAccountIDSubmitted means the user sent an account id that has
	// not been confirmed by the affiliate network yet.
	StatusAccountIDSubmitted Status = "account_id_submitted"
	// StatusAccountConfirmed means the network reported a registration for
	// the tracked account.
	StatusAccountConfirmed Status = "account_confirmed"
	// StatusDepositConfirmed means the network reported a deposit.
	StatusDepositConfirmed Status = "deposit_confirmed"
)

var statusRanks = map[Status]int{
	StatusNew:                0,
	StatusAwaitingAction:     1,
	StatusAwaitingAccountID:  2,
	StatusAccountIDSubmitted: 3,
	StatusAccountConfirmed:   4,
	StatusDepositConfirmed:   5,
}

// Rank returns the ordinal position of the status in the lifecycle order.
// Unknown statuses rank below StatusNew so they can never displace a known one.
func Rank(s Status) int {
	rank, ok := statusRanks[s]
	if !ok {
		return -1
	}
	return rank
}

// Valid reports whether s is one of the known lifecycle statuses.
func Valid(s Status) bool {
	_, ok := statusRanks[s]
	return ok
}

// Apply moves the record's status to candidate only when that is a forward
// move. Re-applying the current status is an accepted no-op; a backward move
// is rejected and the stored status retained. The returned bool reports
// whether the record changed.
func Apply(record *UserRecord, candidate Status) bool {
	if record == nil || !Valid(candidate) {
		return false
	}
	if candidate == record.Status {
		return false
	}
	if Rank(candidate) < Rank(record.Status) {
		return false
	}

	record.Status = candidate
	return true
}
