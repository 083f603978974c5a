package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// StatusError is returned for any response other than 200.
type StatusError struct {
	Method   string
	Endpoint string
	Code     int
	Content  string
}

func (e *StatusError) Error() string {
	if e.Content == "" {
		return fmt.Sprintf("%v request to endpoint %v returned status %d", e.Method, e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%v request to endpoint %v returned status %d, content '%v'", e.Method, e.Endpoint, e.Code, e.Content)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Code == code
}

type httpRequest struct {
	client *http.Client

	method      string
	baseUrl     string
	endpoint    string
	headers     map[string]string
	queryParams url.Values
	json        interface{}
	body        io.Reader
	basicAuth   [2]string
}

func (r *httpRequest) Header(key, value string) *httpRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpRequest) Auth(token string) *httpRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpRequest) Json(data interface{}) *httpRequest {
	r.json = data
	return r
}

func (r *httpRequest) Param(key, value string) *httpRequest {
	if r.queryParams == nil {
		r.queryParams = url.Values{}
	}
	r.queryParams.Add(key, value)
	return r
}

type formFile struct {
	field, filename string
	content         io.Reader
}

// Multipart streams fields and files as multipart/form-data.
func (r *httpRequest) Multipart(fields map[string]string, files ...formFile) *httpRequest {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			for k, v := range fields {
				if err := writer.WriteField(k, v); err != nil {
					return err
				}
			}
			for _, f := range files {
				part, err := writer.CreateFormFile(f.field, f.filename)
				if err != nil {
					return err
				}
				if _, err := io.Copy(part, f.content); err != nil {
					return err
				}
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()

	r.body = pr
	return r.Header("Content-Type", writer.FormDataContentType())
}

func (r *httpRequest) Process(resultHandler func(io.Reader) error) error {
	fullEndpoint, err := url.JoinPath(r.baseUrl, r.endpoint)
	if err != nil {
		return fmt.Errorf("error formatting url for endpoint %v: %w", r.endpoint, err)
	}

	if r.json != nil {
		body := new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(r.json); err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
		r.Header("Content-Type", "application/json")
	}

	req, err := http.NewRequest(r.method, fullEndpoint, r.body)
	if err != nil {
		return fmt.Errorf("error creating %v request for endpoint %v: %w", r.method, r.endpoint, err)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	if r.basicAuth[0] != "" {
		req.SetBasicAuth(r.basicAuth[0], r.basicAuth[1])
	}
	if r.queryParams != nil {
		req.URL.RawQuery = r.queryParams.Encode()
	}

	start := time.Now()
	res, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %v request to endpoint %v: %w", r.method, r.endpoint, err)
	}
	defer res.Body.Close()

	slog.Debug("trapper client", "method", r.method, "endpoint", r.endpoint, "status", res.StatusCode, "duration", time.Since(start).String())

	if res.StatusCode != http.StatusOK {
		content, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Method: r.method, Endpoint: r.endpoint, Code: res.StatusCode, Content: string(bytes.TrimSpace(content))}
	}

	if resultHandler != nil {
		if err := resultHandler(res.Body); err != nil {
			return fmt.Errorf("error processing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}
	return nil
}

func (r *httpRequest) Do(result interface{}) error {
	return r.Process(func(body io.Reader) error {
		if result == nil {
			return nil
		}
		if err := json.NewDecoder(body).Decode(result); err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
		return nil
	})
}
