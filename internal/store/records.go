package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_affiliate_tracker_bot/internal/domain"
	"tg_affiliate_tracker_bot/internal/logging"
)

type recordCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// RecordStore is the single synchronization point for UserRecord mutations.
// Both the chat handlers and the postback endpoint mutate records exclusively
// through Upsert, which serializes read-modify-write cycles per chat_id. The
// process runs as a single instance, so an in-process keyed lock around the
// Mongo round trip is the serialization primitive.
type RecordStore struct {
	records recordCollection
	logger  *logrus.Entry

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewRecordStore constructs a RecordStore over the users collection.
func NewRecordStore(records recordCollection, logger *logrus.Entry) *RecordStore {
	if logger == nil {
		logger = logging.Logger()
	}

	return &RecordStore{
		records: records,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// Get fetches the record for a chat. The second return value reports whether
// a record exists.
func (s *RecordStore) Get(ctx context.Context, chatID int64) (domain.UserRecord, bool, error) {
	if s == nil || s.records == nil {
		return domain.UserRecord{}, false, errors.New("record store is not initialized")
	}
	if ctx == nil {
		return domain.UserRecord{}, false, errors.New("context is required")
	}
	if chatID == 0 {
		return domain.UserRecord{}, false, errors.New("chat_id is required")
	}

	record, found, err := s.load(ctx, chatID)
	if err != nil {
		return domain.UserRecord{}, false, err
	}

	return record, found, nil
}

// Upsert applies mutate to the chat's record inside a per-chat critical
// section and persists the result, creating the record at StatusNew when it
// does not exist yet. Two concurrent Upserts for the same chat never
// interleave their read and write halves; no ordering is promised across
// different chats.
func (s *RecordStore) Upsert(ctx context.Context, chatID int64, mutate func(*domain.UserRecord)) (domain.UserRecord, error) {
	if s == nil || s.records == nil {
		return domain.UserRecord{}, errors.New("record store is not initialized")
	}
	if ctx == nil {
		return domain.UserRecord{}, errors.New("context is required")
	}
	if chatID == 0 {
		return domain.UserRecord{}, errors.New("chat_id is required")
	}
	if mutate == nil {
		return domain.UserRecord{}, errors.New("mutator is required")
	}

	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)

	record, found, err := s.load(ctx, chatID)
	if err != nil {
		return domain.UserRecord{}, err
	}
	if !found {
		record = domain.UserRecord{
			ChatID:    chatID,
			Status:    domain.StatusNew,
			CreatedAt: now,
		}
	}

	mutate(&record)
	record.ChatID = chatID
	record.UpdatedAt = now

	if _, err := s.records.ReplaceOne(ctx,
		bson.M{"chat_id": chatID},
		record,
		options.Replace().SetUpsert(true),
	); err != nil {
		return domain.UserRecord{}, fmt.Errorf("replace record: %w", err)
	}

	if !found {
		s.logger.WithFields(logging.Fields{
			"event":   "record_created",
			"chat_id": chatID,
			"status":  record.Status,
		}).Info("created tracked user record")
	}

	return record, nil
}

// Reset starts a fresh lifecycle for the chat: account binding, status, and
// the delivery flag are cleared while the record row itself survives.
func (s *RecordStore) Reset(ctx context.Context, chatID int64) (domain.UserRecord, error) {
	record, err := s.Upsert(ctx, chatID, func(r *domain.UserRecord) {
		r.AccountID = ""
		r.Status = domain.StatusNew
		r.DeliveryBlocked = false
	})
	if err != nil {
		return domain.UserRecord{}, err
	}

	s.logger.WithFields(logging.Fields{
		"event":   "record_reset",
		"chat_id": chatID,
	}).Info("reset tracked user record")

	return record, nil
}

// MarkDeliveryBlocked flags an existing record as undeliverable. Missing
// records are left alone: a record must exist before anything is sent to its
// chat, so there is nothing to flag.
func (s *RecordStore) MarkDeliveryBlocked(ctx context.Context, chatID int64) error {
	if s == nil || s.records == nil {
		return errors.New("record store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if chatID == 0 {
		return errors.New("chat_id is required")
	}

	lock := s.lockFor(chatID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := s.records.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		bson.M{"$set": bson.M{
			"delivery_blocked": true,
			"updated_at":       now,
		}},
	); err != nil {
		return fmt.Errorf("mark delivery blocked: %w", err)
	}

	return nil
}

func (s *RecordStore) load(ctx context.Context, chatID int64) (domain.UserRecord, bool, error) {
	result := s.records.FindOne(ctx, bson.M{"chat_id": chatID})
	if result == nil {
		return domain.UserRecord{}, false, errors.New("find record returned no result")
	}

	var record domain.UserRecord
	if err := result.Decode(&record); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.UserRecord{}, false, nil
		}
		return domain.UserRecord{}, false, fmt.Errorf("decode record: %w", err)
	}

	return record, true, nil
}

func (s *RecordStore) lockFor(chatID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[chatID] = lock
	}

	return lock
}
