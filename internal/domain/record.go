package domain

import "time"

// UserRecord is the tracked relationship between a Telegram chat and an
// affiliate account. Exactly one record exists per chat; a restart resets the
// same record rather than creating a second one.
type UserRecord struct {
	ChatID          int64     `bson:"chat_id" json:"chat_id"`
	AccountID       string    `bson:"account_id" json:"account_id"`
	Status          Status    `bson:"status" json:"status"`
	DeliveryBlocked bool      `bson:"delivery_blocked" json:"delivery_blocked"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updated_at"`
}

// AccountBindable reports whether the record's account id may still change.
// Once the affiliate network confirms the account the id is immutable.
func (r UserRecord) AccountBindable() bool {
	return Rank(r.Status) < Rank(StatusAccountConfirmed)
}
