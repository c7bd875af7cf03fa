package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"subsync/internal/apperror"

	"go.uber.org/zap"
)

// Client is a stateless wrapper over the remote analysis API. Every failure
// is normalized to *model.AppError before it propagates; callers never see
// raw transport errors. Retry policy lives in the store and sync queue, not
// here.
type Client struct {
	baseURL   string
	wsBaseURL string
	token     string
	http      *http.Client
	log       *zap.Logger
}

func NewClient(baseURL, wsBaseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		wsBaseURL: wsBaseURL,
		token:     token,
		http:      &http.Client{Timeout: timeout},
		log:       log,
	}
}

// FileInfo is the upstream's view of an uploaded file.
type FileInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	UploadedAt  string `json:"uploaded_at"`
}

// QueryInfo is the upstream's view of a submitted query.
type QueryInfo struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// QueryStatus is the polled status of a query.
type QueryStatus struct {
	ID                 string  `json:"id"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	CurrentStep        string  `json:"current_step"`
	TotalSteps         int     `json:"total_steps"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}

// UploadProgress is reported to the progress callback on each transport
// progress event. Percent is only computed when the total is known.
type UploadProgress struct {
	BytesSent  int64
	BytesTotal int64
	Percent    float64
	TotalKnown bool
}

// UploadFile uploads a staged blob as multipart form data. onProgress may
// be nil.
func (c *Client) UploadFile(ctx context.Context, filename, contentType string, r io.Reader, size int64, onProgress func(UploadProgress)) (*FileInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		src := io.Reader(r)
		if onProgress != nil {
			src = newProgressReader(r, size, onProgress)
		}
		if _, err := io.Copy(part, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", pr)
	if err != nil {
		return nil, apperror.Normalize(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var info FileInfo
	if err := c.send(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) FileStatus(ctx context.Context, id string) (*FileInfo, error) {
	var info FileInfo
	if err := c.get(ctx, "/files/"+id+"/status", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo
	if err := c.get(ctx, "/files", &files); err != nil {
		return nil, err
	}
	return files, nil
}

// DeleteFile is fire-and-forget for callers, but failures still surface
// normalized.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/files/"+id, nil)
	if err != nil {
		return apperror.Normalize(err)
	}
	return c.send(req, nil)
}

func (c *Client) SubmitQuery(ctx context.Context, text string, params map[string]interface{}) (*QueryInfo, error) {
	body, err := json.Marshal(map[string]interface{}{
		"text":       text,
		"parameters": params,
	})
	if err != nil {
		return nil, apperror.Normalize(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/queries", bytes.NewReader(body))
	if err != nil {
		return nil, apperror.Normalize(err)
	}
	req.Header.Set("Content-Type", "application/json")

	var info QueryInfo
	if err := c.send(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) QueryStatus(ctx context.Context, id string) (*QueryStatus, error) {
	var status QueryStatus
	if err := c.get(ctx, "/queries/"+id+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) QueryResults(ctx context.Context, id string) (map[string]interface{}, error) {
	var results map[string]interface{}
	if err := c.get(ctx, "/queries/"+id+"/results", &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) CancelQuery(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/queries/"+id+"/cancel", nil)
	if err != nil {
		return apperror.Normalize(err)
	}
	return c.send(req, nil)
}

func (c *Client) ListQueries(ctx context.Context) ([]QueryInfo, error) {
	var queries []QueryInfo
	if err := c.get(ctx, "/queries", &queries); err != nil {
		return nil, err
	}
	return queries, nil
}

// Health probes the upstream and returns the round-trip time.
func (c *Client) Health(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return 0, apperror.Normalize(err)
	}

	start := time.Now()
	err = c.send(req, nil)
	rtt := time.Since(start)
	if err != nil {
		return rtt, err
	}
	return rtt, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperror.Normalize(err)
	}
	return c.send(req, out)
}

// send performs the request, times it, and funnels any failure through the
// error normalizer.
func (c *Client) send(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)

	if err != nil {
		appErr := apperror.Normalize(err)
		c.log.Debug("Upstream request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("duration", duration),
			zap.String("kind", string(appErr.Kind)),
		)
		return appErr
	}
	defer resp.Body.Close()

	c.log.Debug("Upstream request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return apperror.FromResponse(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.Normalize(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
