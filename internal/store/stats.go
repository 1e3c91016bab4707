package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_affiliate_tracker_bot/internal/domain"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// StatsProvider exposes record counts for operator diagnostics without
// leaking MongoDB internals to callers.
type StatsProvider struct {
	records countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the users collection.
func NewStatsProvider(records countCollection) *StatsProvider {
	return &StatsProvider{records: records}
}

// CountRecords returns the number of tracked user records.
func (p *StatsProvider) CountRecords(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.records == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.records.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}

	return count, nil
}

// CountByStatus returns the number of records currently at the given status.
func (p *StatsProvider) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.records == nil {
		return 0, errors.New("stats provider is not initialized")
	}
	if !domain.Valid(status) {
		return 0, fmt.Errorf("unknown status %q", status)
	}

	count, err := p.records.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		return 0, fmt.Errorf("count records by status: %w", err)
	}

	return count, nil
}

// CountDeliveryBlocked returns the number of records flagged undeliverable.
func (p *StatsProvider) CountDeliveryBlocked(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.records == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.records.CountDocuments(ctx, bson.M{"delivery_blocked": true})
	if err != nil {
		return 0, fmt.Errorf("count delivery blocked records: %w", err)
	}

	return count, nil
}
