package client_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"trapper_platform/client"
	"trapper_platform/trapper/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestUploadAndWait(t *testing.T) {
	taskId := uuid.New()
	var polls atomic.Int32

	r := chi.NewRouter()
	r.Get("/api/v2/user/login", func(w http.ResponseWriter, r *http.Request) {
		email, password, ok := r.BasicAuth()
		if !ok || email != "a@mail.com" || password != "pwd" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeJson(w, map[string]string{"access_token": "token"})
	})
	r.Post("/api/v2/collections/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if r.FormValue("definition") != "collections: []\n" {
			http.Error(w, "unexpected definition", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("archive")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "upload.zip" || string(data) != "zip bytes" {
			http.Error(w, "unexpected archive", http.StatusBadRequest)
			return
		}
		writeJson(w, map[string]uuid.UUID{"task_id": taskId})
	})
	r.Get("/api/v2/tasks/{task_id}", func(w http.ResponseWriter, r *http.Request) {
		state := schema.TaskRunning
		if polls.Add(1) >= 3 {
			state = schema.TaskSuccess
		}
		writeJson(w, map[string]interface{}{"id": taskId, "state": state})
	})

	server := httptest.NewServer(r)
	defer server.Close()

	dir := t.TempDir()
	definition := filepath.Join(dir, "definition.yaml")
	archive := filepath.Join(dir, "upload.zip")
	require.NoError(t, os.WriteFile(definition, []byte("collections: []\n"), 0644))
	require.NoError(t, os.WriteFile(archive, []byte("zip bytes"), 0644))

	c := client.New(server.URL + "/api/v2")

	err := c.Login("a@mail.com", "wrong")
	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))

	require.NoError(t, c.Login("a@mail.com", "pwd"))

	id, err := c.Upload(definition, archive)
	require.NoError(t, err)
	assert.Equal(t, taskId, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := c.WaitForTask(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskSuccess, task.State)
	assert.EqualValues(t, 3, polls.Load())
}

func TestWaitForTaskStopsWithContext(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/tasks/{task_id}", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, map[string]interface{}{"state": schema.TaskPending})
	})
	server := httptest.NewServer(r)
	defer server.Close()

	c := client.New(server.URL)
	c.UseToken("token")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitForTask(ctx, uuid.New(), 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
