// Package client talks to a running trapper server over its http api.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"trapper_platform/trapper/schema"
	"trapper_platform/trapper/services"

	"github.com/google/uuid"
)

type TrapperClient struct {
	baseUrl   string
	authToken string
	http      *http.Client
}

// New expects the url the api is mounted on, e.g. https://host/api/v2.
func New(baseUrl string) *TrapperClient {
	return &TrapperClient{baseUrl: baseUrl, http: &http.Client{Timeout: 10 * time.Minute}}
}

func (c *TrapperClient) request(method, endpoint string) *httpRequest {
	r := &httpRequest{client: c.http, method: method, baseUrl: c.baseUrl, endpoint: endpoint}
	if c.authToken != "" {
		r.Auth(c.authToken)
	}
	return r
}

func (c *TrapperClient) Login(email, password string) error {
	var res struct {
		AccessToken string `json:"access_token"`
	}
	r := c.request("GET", "/user/login")
	r.basicAuth = [2]string{email, password}
	if err := r.Do(&res); err != nil {
		return err
	}
	c.authToken = res.AccessToken
	return nil
}

// UseToken authenticates with an already issued access token.
func (c *TrapperClient) UseToken(token string) {
	c.authToken = token
}

// Upload sends a collection definition and the archive holding its files. The returned
// task id can be passed to WaitForTask.
func (c *TrapperClient) Upload(definitionPath, archivePath string) (uuid.UUID, error) {
	definition, err := os.ReadFile(definitionPath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error reading definition: %w", err)
	}
	archive, err := os.Open(archivePath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error opening archive: %w", err)
	}
	defer archive.Close()

	var res struct {
		TaskId uuid.UUID `json:"task_id"`
	}
	err = c.request("POST", "/collections/upload").
		Multipart(map[string]string{"definition": string(definition)}, formFile{field: "archive", filename: filepath.Base(archivePath), content: archive}).
		Do(&res)
	return res.TaskId, err
}

func (c *TrapperClient) Task(taskId uuid.UUID) (services.TaskInfo, error) {
	var res services.TaskInfo
	err := c.request("GET", fmt.Sprintf("/tasks/%v", taskId)).Do(&res)
	return res, err
}

// WaitForTask polls until the task finished or ctx is done.
func (c *TrapperClient) WaitForTask(ctx context.Context, taskId uuid.UUID, interval time.Duration) (services.TaskInfo, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := c.Task(taskId)
		if err != nil {
			return task, err
		}
		if schema.TaskFinished(task.State) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *TrapperClient) Inbox() ([]services.MessageInfo, error) {
	var res []services.MessageInfo
	err := c.request("GET", "/messages/inbox").Do(&res)
	return res, err
}

// DownloadPackage copies a finished data package to w.
func (c *TrapperClient) DownloadPackage(packageId uuid.UUID, w io.Writer) error {
	return c.request("GET", fmt.Sprintf("/data-packages/%v/download", packageId)).Process(func(body io.Reader) error {
		_, err := io.Copy(w, body)
		return err
	})
}
