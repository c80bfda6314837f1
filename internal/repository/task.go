package repository

import (
	"context"
	"errors"
	"time"

	"taskorch/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskFilter narrows List. Zero values match everything.
type TaskFilter struct {
	ProjectID int64
	MrIID     *int64
	Type      model.TaskType
	Status    model.TaskStatus
	Offset    int
	Limit     int
}

// TaskInterface defines persistence for tasks. Methods ending in ForUpdate take a
// row lock and are only meaningful on a repository bound to a transaction.
type TaskInterface interface {
	Create(ctx context.Context, task *model.Task) error
	GetByID(ctx context.Context, id uint64) (*model.Task, error)
	GetForUpdate(ctx context.Context, id uint64) (*model.Task, error)
	ListActiveByConflictKeyForUpdate(ctx context.Context, projectID, mrIID int64, taskType model.TaskType) ([]*model.Task, error)
	Save(ctx context.Context, task *model.Task) error
	List(ctx context.Context, filter TaskFilter) ([]model.Task, int64, error)
	ListStale(ctx context.Context, status model.TaskStatus, before time.Time, limit int) ([]model.Task, error)
	ListUnenqueued(ctx context.Context, now time.Time, limit int) ([]model.Task, error)
	LockConflictKey(ctx context.Context, key string) error
	MarkEnqueued(ctx context.Context, id uint64, at time.Time) error
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error)
	WithTx(tx *gorm.DB) TaskInterface
}

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// GetByID returns nil, nil when the task does not exist.
func (r *TaskRepository) GetByID(ctx context.Context, id uint64) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) GetForUpdate(ctx context.Context, id uint64) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&task, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// ListActiveByConflictKeyForUpdate locks every non-terminal webhook task sharing the
// (project, merge request, type) conflict key, oldest first.
func (r *TaskRepository) ListActiveByConflictKeyForUpdate(ctx context.Context, projectID, mrIID int64, taskType model.TaskType) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ? AND mr_iid = ? AND type = ? AND origin = ?", projectID, mrIID, taskType, model.OriginWebhook).
		Where("status IN ?", model.ActiveTaskStatuses).
		Order("id ASC").
		Find(&tasks).Error
	return tasks, err
}

func (r *TaskRepository) Save(ctx context.Context, task *model.Task) error {
	return r.db.WithContext(ctx).Save(task).Error
}

func (r *TaskRepository) List(ctx context.Context, filter TaskFilter) ([]model.Task, int64, error) {
	var tasks []model.Task
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Task{})
	if filter.ProjectID != 0 {
		query = query.Where("project_id = ?", filter.ProjectID)
	}
	if filter.MrIID != nil {
		query = query.Where("mr_iid = ?", *filter.MrIID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if err := query.Offset(filter.Offset).Limit(limit).Order("id DESC").Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListStale returns tasks in status whose last movement happened before the cutoff.
// Running tasks age from started_at, everything else from updated_at.
func (r *TaskRepository) ListStale(ctx context.Context, status model.TaskStatus, before time.Time, limit int) ([]model.Task, error) {
	var tasks []model.Task
	query := r.db.WithContext(ctx).Where("status = ?", status)
	if status == model.TaskRunning {
		query = query.Where("started_at < ?", before)
	} else {
		query = query.Where("updated_at < ?", before)
	}
	err := query.Order("id ASC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// ListUnenqueued returns due queued tasks that never reached the execution queue,
// either because the push failed or because they wait out a retry backoff.
func (r *TaskRepository) ListUnenqueued(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("status = ? AND available_at <= ? AND enqueued_at IS NULL", model.TaskQueued, now).
		Order("id ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// LockConflictKey takes the dispatch lock row for key, creating it on first use.
// Held until the surrounding transaction ends.
func (r *TaskRepository) LockConflictKey(ctx context.Context, key string) error {
	lock := model.DispatchLock{ConflictKey: key}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&lock, "conflict_key = ?", key).Error
}

func (r *TaskRepository) MarkEnqueued(ctx context.Context, id uint64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskQueued).
		Update("enqueued_at", at).Error
}

func (r *TaskRepository) CountByStatus(ctx context.Context) (map[model.TaskStatus]int64, error) {
	var rows []struct {
		Status model.TaskStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.TaskStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *TaskRepository) WithTx(tx *gorm.DB) TaskInterface {
	return &TaskRepository{db: tx}
}

// PingContext checks the underlying database connection.
func (r *TaskRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
