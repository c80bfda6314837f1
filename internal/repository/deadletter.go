package repository

import (
	"context"
	"errors"

	"taskorch/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeadLetterFilter struct {
	Reason          model.FailureReason
	IncludeResolved bool
	Offset          int
	Limit           int
}

type DeadLetterInterface interface {
	Create(ctx context.Context, entry *model.DeadLetterEntry) error
	GetByID(ctx context.Context, id uint64) (*model.DeadLetterEntry, error)
	GetForUpdate(ctx context.Context, id uint64) (*model.DeadLetterEntry, error)
	Save(ctx context.Context, entry *model.DeadLetterEntry) error
	List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, int64, error)
	WithTx(tx *gorm.DB) DeadLetterInterface
}

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Create(ctx context.Context, entry *model.DeadLetterEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *DeadLetterRepository) GetByID(ctx context.Context, id uint64) (*model.DeadLetterEntry, error) {
	return r.get(r.db.WithContext(ctx), id)
}

func (r *DeadLetterRepository) GetForUpdate(ctx context.Context, id uint64) (*model.DeadLetterEntry, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *DeadLetterRepository) get(db *gorm.DB, id uint64) (*model.DeadLetterEntry, error) {
	var entry model.DeadLetterEntry
	if err := db.First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *DeadLetterRepository) Save(ctx context.Context, entry *model.DeadLetterEntry) error {
	return r.db.WithContext(ctx).Save(entry).Error
}

func (r *DeadLetterRepository) List(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, int64, error) {
	var entries []model.DeadLetterEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.DeadLetterEntry{})
	if filter.Reason != "" {
		query = query.Where("failure_reason = ?", filter.Reason)
	}
	if !filter.IncludeResolved {
		query = query.Where("dismissed = ? AND retried = ?", false, false)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if err := query.Offset(filter.Offset).Limit(limit).Order("id DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *DeadLetterRepository) WithTx(tx *gorm.DB) DeadLetterInterface {
	return &DeadLetterRepository{db: tx}
}
