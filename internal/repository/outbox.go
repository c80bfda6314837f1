package repository

import (
	"context"
	"errors"
	"time"

	"taskorch/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReplaySelector picks outbox rows to reset. IDs and Failed may be combined.
type ReplaySelector struct {
	IDs    []int64
	Failed bool
}

func (s ReplaySelector) Empty() bool {
	return len(s.IDs) == 0 && !s.Failed
}

type OutboxInterface interface {
	Create(ctx context.Context, event *model.OutboxEvent) error
	GetByID(ctx context.Context, id int64) (*model.OutboxEvent, error)
	ListByAggregate(ctx context.Context, aggregateType string, aggregateID uint64) ([]model.OutboxEvent, error)
	ClaimPending(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id int64, owner string, at time.Time) (bool, error)
	MarkRetry(ctx context.Context, id int64, owner string, attempts int, availableAt time.Time, lastErr string) (bool, error)
	MarkFailed(ctx context.Context, id int64, owner string, attempts int, failedAt time.Time, lastErr string) (bool, error)
	Replay(ctx context.Context, sel ReplaySelector, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error)
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, event *model.OutboxEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *OutboxRepository) GetByID(ctx context.Context, id int64) (*model.OutboxEvent, error) {
	var event model.OutboxEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *OutboxRepository) ListByAggregate(ctx context.Context, aggregateType string, aggregateID uint64) ([]model.OutboxEvent, error) {
	var events []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// ClaimPending leases up to limit due rows to owner. Rows already leased by a live
// worker are skipped, so two workers never hold the same row at once.
func (r *OutboxRepository) ClaimPending(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.OutboxEvent, error) {
	var claimed []model.OutboxEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int64
		if err := tx.Model(&model.OutboxEvent{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND available_at <= ?", model.OutboxPending, now).
			Where("lease_expires IS NULL OR lease_expires < ?", now).
			Order("id ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		expires := now.Add(lease)
		if err := tx.Model(&model.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"lease_owner":   owner,
				"lease_expires": expires,
			}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Order("id ASC").Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// The Mark* methods only touch rows still leased by owner and report whether the
// lease was still held.

func (r *OutboxRepository) MarkDelivered(ctx context.Context, id int64, owner string, at time.Time) (bool, error) {
	return r.release(ctx, id, owner, map[string]any{
		"status":       model.OutboxDelivered,
		"delivered_at": at,
		"last_error":   "",
	})
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, id int64, owner string, attempts int, availableAt time.Time, lastErr string) (bool, error) {
	return r.release(ctx, id, owner, map[string]any{
		"status":       model.OutboxPending,
		"attempts":     attempts,
		"available_at": availableAt,
		"last_error":   lastErr,
	})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, owner string, attempts int, failedAt time.Time, lastErr string) (bool, error) {
	return r.release(ctx, id, owner, map[string]any{
		"status":     model.OutboxFailed,
		"attempts":   attempts,
		"failed_at":  failedAt,
		"last_error": lastErr,
	})
}

func (r *OutboxRepository) release(ctx context.Context, id int64, owner string, updates map[string]any) (bool, error) {
	updates["lease_owner"] = ""
	updates["lease_expires"] = nil
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Replay resets the selected rows to pending and makes them due immediately.
func (r *OutboxRepository) Replay(ctx context.Context, sel ReplaySelector, now time.Time) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}
	query := r.db.WithContext(ctx).Model(&model.OutboxEvent{})
	switch {
	case len(sel.IDs) > 0 && sel.Failed:
		query = query.Where("id IN ? OR status = ?", sel.IDs, model.OutboxFailed)
	case len(sel.IDs) > 0:
		query = query.Where("id IN ?", sel.IDs)
	default:
		query = query.Where("status = ?", model.OutboxFailed)
	}
	res := query.Updates(map[string]any{
		"status":        model.OutboxPending,
		"attempts":      0,
		"available_at":  now,
		"failed_at":     nil,
		"lease_owner":   "",
		"lease_expires": nil,
	})
	return res.RowsAffected, res.Error
}

func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	var rows []struct {
		Status model.OutboxStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx}
}
