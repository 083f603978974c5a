package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trapper_platform/trapper/schema"

	"gorm.io/gorm"
)

var ErrTaskCancelled = errors.New("task cancelled")

// Context is the handle a handler gets for a single claimed task.
type Context struct {
	ctx  context.Context
	db   *gorm.DB
	task schema.Task
}

func NewContext(ctx context.Context, db *gorm.DB, task schema.Task) *Context {
	return &Context{ctx: ctx, db: db, task: task}
}

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) DB() *gorm.DB { return c.db.WithContext(c.ctx) }

func (c *Context) Task() schema.Task { return c.task }

func (c *Context) DecodeArgs(dest interface{}) error {
	if len(c.task.Args) == 0 {
		return fmt.Errorf("task %v has no arguments", c.task.Id)
	}
	if err := json.Unmarshal(c.task.Args, dest); err != nil {
		return fmt.Errorf("invalid arguments for task %v: %w", c.task.Id, err)
	}
	return nil
}

// Cancelled reports whether cancellation was requested for the task.
func (c *Context) Cancelled() bool {
	var requested bool
	err := c.db.Model(&schema.Task{}).Select("cancel_requested").Where("id = ?", c.task.Id).Scan(&requested).Error
	if err != nil {
		slog.Error("sql error checking task cancellation", "task_id", c.task.Id, "error", err)
		return false
	}
	return requested
}

// Progress records that done of total units are complete and refreshes the heartbeat.
// It returns ErrTaskCancelled once cancellation was requested, handlers stop at that point.
func (c *Context) Progress(done, total int) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := c.db.Model(&schema.Task{}).Where("id = ?", c.task.Id).Updates(map[string]interface{}{
		"progress":     done,
		"total":        total,
		"heartbeat_at": now,
	}).Error
	if err != nil {
		slog.Error("sql error updating task progress", "task_id", c.task.Id, "error", err)
	}
	c.task.Progress, c.task.Total = done, total

	if c.Cancelled() {
		return ErrTaskCancelled
	}
	return nil
}
