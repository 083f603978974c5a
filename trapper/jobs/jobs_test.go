package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"trapper_platform/trapper/jobs"
	"trapper_platform/trapper/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDb.Close() })
	require.NoError(t, db.AutoMigrate(&schema.Task{}))
	return db
}

type countArgs struct {
	Items int `json:"items"`
}

type countHandler struct {
	seen    int
	onStep  func(i int)
	failure error
}

func (h *countHandler) Kind() string { return "count" }

func (h *countHandler) Run(tc *jobs.Context) (interface{}, error) {
	var args countArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return nil, err
	}
	for i := 0; i < args.Items; i++ {
		if h.onStep != nil {
			h.onStep(i)
		}
		if err := tc.Progress(i+1, args.Items); err != nil {
			return map[string]int{"seen": h.seen}, err
		}
		h.seen++
	}
	if h.failure != nil {
		return nil, h.failure
	}
	return map[string]int{"seen": h.seen}, nil
}

type panicHandler struct{}

func (panicHandler) Kind() string { return "panic" }

func (panicHandler) Run(*jobs.Context) (interface{}, error) { panic("boom") }

func newWorker(db *gorm.DB, handlers ...jobs.Handler) *jobs.Worker {
	registry := jobs.NewRegistry()
	registry.MustRegister(handlers...)
	return jobs.NewWorker(db, registry, jobs.WorkerOptions{Workers: 1, PollInterval: 10 * time.Millisecond})
}

func TestTaskRunsToSuccess(t *testing.T) {
	db := setupDb(t)
	handler := &countHandler{}
	worker := newWorker(db, handler)

	task, err := jobs.Enqueue(db, "count", nil, countArgs{Items: 3})
	require.NoError(t, err)

	ran, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	stored, err := schema.GetTask(task.Id, db)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskSuccess, stored.State)
	assert.Equal(t, 3, stored.Progress)
	assert.Equal(t, 3, stored.Total)
	assert.JSONEq(t, `{"seen":3}`, string(stored.Result))
	assert.Equal(t, 1, stored.Attempts)

	ran, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestCancelPendingTaskIsRevoked(t *testing.T) {
	db := setupDb(t)
	worker := newWorker(db, &countHandler{})

	task, err := jobs.Enqueue(db, "count", nil, countArgs{Items: 3})
	require.NoError(t, err)

	cancelled, err := jobs.Cancel(db, task.Id)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskRevoked, cancelled.State)

	ran, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	_, err = jobs.Cancel(db, task.Id)
	assert.ErrorIs(t, err, jobs.ErrTaskFinished)
}

func TestCancelRunningTaskStopsAtCheckpoint(t *testing.T) {
	db := setupDb(t)

	var task schema.Task
	handler := &countHandler{}
	handler.onStep = func(i int) {
		if i == 1 {
			_, err := jobs.Cancel(db, task.Id)
			require.NoError(t, err)
		}
	}
	worker := newWorker(db, handler)

	task, err := jobs.Enqueue(db, "count", nil, countArgs{Items: 5})
	require.NoError(t, err)

	_, err = worker.RunOnce(context.Background())
	require.NoError(t, err)

	stored, err := schema.GetTask(task.Id, db)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskRevoked, stored.State)
	assert.Equal(t, 1, handler.seen)
}

func TestFailingAndPanickingTasks(t *testing.T) {
	db := setupDb(t)
	worker := newWorker(db, &countHandler{failure: errors.New("bad input")}, panicHandler{})

	failing, err := jobs.Enqueue(db, "count", nil, countArgs{Items: 1})
	require.NoError(t, err)
	panicking, err := jobs.Enqueue(db, "panic", nil, struct{}{})
	require.NoError(t, err)
	unknown, err := jobs.Enqueue(db, "unknown", nil, struct{}{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := worker.RunOnce(context.Background())
		require.NoError(t, err)
	}

	for _, id := range []schema.Task{failing, panicking, unknown} {
		stored, err := schema.GetTask(id.Id, db)
		require.NoError(t, err)
		assert.Equal(t, schema.TaskFailure, stored.State)
		assert.NotEmpty(t, stored.Error)
	}
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	db := setupDb(t)
	handler := &countHandler{}
	worker := newWorker(db, handler)

	task, err := jobs.Enqueue(db, "count", nil, countArgs{Items: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	require.Eventually(t, func() bool {
		stored, err := schema.GetTask(task.Id, db)
		return err == nil && stored.State == schema.TaskSuccess
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	worker.Wait()
}
