// Package taskprocessor drains the notification outbox into Kafka.
package taskprocessor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gitlab.ozon.dev/qwestard/marketplace/internal/kafka"
	"gitlab.ozon.dev/qwestard/marketplace/internal/models"
	"gitlab.ozon.dev/qwestard/marketplace/internal/repository"
)

type Config struct {
	Topic        string
	PollInterval time.Duration
	Batch        int
	MaxAttempts  int
	// RetryDelay doubles with every failed attempt.
	RetryDelay time.Duration
}

type TaskProcessor struct {
	repo     repository.TaskRepository
	producer kafka.Publisher
	cfg      Config
}

func NewTaskProcessor(repo repository.TaskRepository, producer kafka.Publisher, cfg Config) *TaskProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &TaskProcessor{repo: repo, producer: producer, cfg: cfg}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessPendingTasks(ctx)
		}
	}
}

// ProcessPendingTasks publishes one batch and returns how many notifications
// went out. Delivery is at-least-once: a crash between publish and delete
// resends the task.
func (p *TaskProcessor) ProcessPendingTasks(ctx context.Context) int {
	tasks, err := p.repo.GetPendingTasks(ctx, p.cfg.Batch, p.cfg.MaxAttempts)
	if err != nil {
		log.Printf("Error fetching pending notifications: %v", err)
		return 0
	}
	sent := 0
	for _, task := range tasks {
		var n models.Notification
		if err := json.Unmarshal(task.Payload, &n); err != nil || n.Recipient == "" {
			log.Printf("Notification task %d has no recipient, parking it", task.ID)
			p.park(ctx, task)
			continue
		}
		if err := p.repo.MarkTaskProcessing(ctx, task.ID); err != nil {
			log.Printf("Error marking task %d as PROCESSING: %v", task.ID, err)
			continue
		}
		if err := p.producer.Publish(p.cfg.Topic, []byte(n.Recipient), task.Payload); err != nil {
			p.retry(ctx, task, err)
			continue
		}
		sent++
		log.Printf("Notification %s for %s published (task %d)", n.Kind, n.Recipient, task.ID)
		if err := p.repo.DeleteTask(ctx, task.ID); err != nil {
			log.Printf("Error deleting task %d after successful publish: %v", task.ID, err)
		}
	}
	return sent
}

func (p *TaskProcessor) retry(ctx context.Context, task *repository.Task, cause error) {
	attempt := task.AttemptCount + 1
	status := repository.TaskStatusFailed
	if attempt >= p.cfg.MaxAttempts {
		status = repository.TaskStatusNoAttemptsLeft
	}
	next := time.Now().Add(p.cfg.RetryDelay << (attempt - 1))
	if err := p.repo.UpdateTaskFailure(ctx, task.ID, attempt, status, next); err != nil {
		log.Printf("Error updating task %d on failure: %v", task.ID, err)
	}
	log.Printf("Failed to publish task %d (attempt %d/%d): %v", task.ID, attempt, p.cfg.MaxAttempts, cause)
}

// park takes an undeliverable payload out of rotation without publishing it.
func (p *TaskProcessor) park(ctx context.Context, task *repository.Task) {
	if err := p.repo.UpdateTaskFailure(ctx, task.ID, p.cfg.MaxAttempts, repository.TaskStatusNoAttemptsLeft, time.Now()); err != nil {
		log.Printf("Error parking task %d: %v", task.ID, err)
	}
}
