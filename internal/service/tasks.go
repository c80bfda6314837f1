package service

import (
	"context"
	"fmt"
	"time"

	"taskorch/internal/model"
	"taskorch/internal/repository"
	v1 "taskorch/pkg/api/v1"
)

// TaskQueryService backs the read side of the task API and the runner claim
// endpoint.
type TaskQueryService struct {
	taskRepo   repository.TaskInterface
	outboxRepo repository.OutboxInterface
	queue      repository.QueueInterface
}

func NewTaskQueryService(taskRepo repository.TaskInterface, outboxRepo repository.OutboxInterface, queue repository.QueueInterface) *TaskQueryService {
	return &TaskQueryService{taskRepo: taskRepo, outboxRepo: outboxRepo, queue: queue}
}

func (s *TaskQueryService) Get(ctx context.Context, id uint64) (*model.Task, error) {
	task, err := s.taskRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *TaskQueryService) List(ctx context.Context, filter repository.TaskFilter) ([]model.Task, int64, error) {
	return s.taskRepo.List(ctx, filter)
}

// Events returns the outbox history of one task, oldest first.
func (s *TaskQueryService) Events(ctx context.Context, id uint64) ([]model.OutboxEvent, error) {
	return s.outboxRepo.ListByAggregate(ctx, model.AggregateTask, id)
}

// Claim waits up to wait for the next assignment of mode. nil means none arrived.
func (s *TaskQueryService) Claim(ctx context.Context, mode model.ExecutionMode, wait time.Duration) (*v1.TaskAssignment, error) {
	return s.queue.Dequeue(ctx, mode, wait)
}

// Stats summarizes task and outbox row counts by status, and the depth of
// every "<mode>:<priority>" execution queue.
type Stats struct {
	Tasks  map[model.TaskStatus]int64   `json:"tasks"`
	Outbox map[model.OutboxStatus]int64 `json:"outbox"`
	Queues map[string]int64             `json:"queues"`
}

func (s *TaskQueryService) Stats(ctx context.Context) (*Stats, error) {
	tasks, err := s.taskRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	outbox, err := s.outboxRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	queues := make(map[string]int64)
	for _, mode := range []model.ExecutionMode{model.ExecutionRunner, model.ExecutionServer} {
		for _, p := range model.Priorities {
			name := model.QueueName(mode, p)
			depth, err := s.queue.Depth(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("queue depth %s: %w", name, err)
			}
			queues[name] = depth
		}
	}
	return &Stats{Tasks: tasks, Outbox: outbox, Queues: queues}, nil
}
