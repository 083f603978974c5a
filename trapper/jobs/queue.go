package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Enqueue persists a pending task. Passing the request transaction makes the task
// durable together with the rows it refers to.
func Enqueue(txn *gorm.DB, kind string, userId *uuid.UUID, args interface{}) (schema.Task, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return schema.Task{}, fmt.Errorf("error encoding task arguments: %w", err)
	}

	task := schema.Task{
		Id:     uuid.New(),
		Kind:   kind,
		Args:   datatypes.JSON(data),
		State:  schema.TaskPending,
		UserId: userId,
	}
	if err := txn.Create(&task).Error; err != nil {
		slog.Error("sql error creating task", "kind", kind, "error", err)
		return schema.Task{}, schema.ErrDbAccessFailed
	}
	tasksEnqueued.WithLabelValues(kind).Inc()
	return task, nil
}

var ErrTaskFinished = errors.New("task already finished")

// Cancel revokes a pending task immediately and asks a running one to stop at its
// next checkpoint.
func Cancel(db *gorm.DB, taskId uuid.UUID) (schema.Task, error) {
	var task schema.Task
	err := db.Transaction(func(txn *gorm.DB) error {
		result := txn.Clauses(clause.Locking{Strength: "UPDATE"}).Limit(1).Find(&task, "id = ?", taskId)
		if result.Error != nil {
			slog.Error("sql error loading task to cancel", "task_id", taskId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			return schema.ErrTaskNotFound
		}
		if schema.TaskFinished(task.State) {
			return ErrTaskFinished
		}

		updates := map[string]interface{}{"cancel_requested": true}
		if task.State == schema.TaskPending {
			now := time.Now().UTC()
			updates["state"] = schema.TaskRevoked
			updates["finished_at"] = now
			task.State = schema.TaskRevoked
			task.FinishedAt = &now
		}
		if err := txn.Model(&task).Updates(updates).Error; err != nil {
			slog.Error("sql error cancelling task", "task_id", taskId, "error", err)
			return schema.ErrDbAccessFailed
		}
		task.CancelRequested = true
		return nil
	})
	if err != nil {
		return schema.Task{}, err
	}
	return task, nil
}

type claimPolicy struct {
	maxAttempts int
	staleAfter  time.Duration
}

// claimNext locks the oldest runnable task and marks it running. A running task whose
// heartbeat is older than staleAfter is reclaimed while it has attempts left.
func claimNext(db *gorm.DB, policy claimPolicy) (*schema.Task, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-policy.staleAfter)

	var claimed *schema.Task
	err := db.Transaction(func(txn *gorm.DB) error {
		var task schema.Task
		err := txn.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(state = ? AND cancel_requested = ?) OR (state = ? AND attempts < ? AND heartbeat_at < ?)",
				schema.TaskPending, false, schema.TaskRunning, policy.maxAttempts, staleCutoff).
			Order("created_at ASC").
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		err = txn.Model(&schema.Task{}).Where("id = ?", task.Id).Updates(map[string]interface{}{
			"state":        schema.TaskRunning,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
		}).Error
		if err != nil {
			return err
		}
		task.State = schema.TaskRunning
		task.Attempts++
		task.LockedAt, task.HeartbeatAt = &now, &now
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error claiming task: %w", err)
	}
	return claimed, nil
}

// failStale gives up on running tasks that lost their worker and have no attempts left.
func failStale(db *gorm.DB, policy claimPolicy) error {
	now := time.Now().UTC()
	return db.Model(&schema.Task{}).
		Where("state = ? AND attempts >= ? AND heartbeat_at < ?", schema.TaskRunning, policy.maxAttempts, now.Add(-policy.staleAfter)).
		Updates(map[string]interface{}{
			"state":       schema.TaskFailure,
			"error":       "task worker stopped responding",
			"finished_at": now,
		}).Error
}

func finish(db *gorm.DB, task *schema.Task, state string, result interface{}, taskErr error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":       state,
		"finished_at": now,
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			slog.Error("error encoding task result", "task_id", task.Id, "error", err)
		} else {
			updates["result"] = datatypes.JSON(data)
		}
	}
	if taskErr != nil {
		updates["error"] = taskErr.Error()
	}

	if err := db.Model(&schema.Task{}).Where("id = ?", task.Id).Updates(updates).Error; err != nil {
		slog.Error("sql error finishing task", "task_id", task.Id, "state", state, "error", err)
		return
	}
	task.State = state
	task.FinishedAt = &now
}

func ListTasks(db *gorm.DB, userId *uuid.UUID, states []string) ([]schema.Task, error) {
	query := db.Order("created_at DESC")
	if userId != nil {
		query = query.Where("user_id = ?", *userId)
	}
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	var tasks []schema.Task
	if err := query.Find(&tasks).Error; err != nil {
		slog.Error("sql error listing tasks", "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return tasks, nil
}
