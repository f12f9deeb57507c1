// Package api talks to the remote recording API that owns recording jobs.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"camrelay/native/internal/domain"
	xlog "camrelay/native/internal/log"
)

const defaultTimeout = 15 * time.Second

// Client registers and stops recording jobs. It implements domain.JobRegistry.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates an API client for the API rooted at base.
func NewClient(base string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: defaultTimeout},
		logger: xlog.WithComponent("api"),
	}
}

// RegisterJob creates a recording job. The returned video path is where the
// remote recorder writes the negotiated stream.
func (c *Client) RegisterJob(ctx context.Context) (*domain.Job, error) {
	respBody, err := c.do(ctx, http.MethodPost, c.base+"/video/", []byte("{}"))
	if err != nil {
		return nil, fmt.Errorf("register job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(respBody, &job); err != nil {
		return nil, fmt.Errorf("%w: register job: unmarshal response: %w", domain.ErrNetwork, err)
	}
	if job.ID == "" || job.VideoPath == "" {
		return nil, fmt.Errorf("%w: register job: response missing id or video_path", domain.ErrNetwork)
	}

	c.logger.Info().Str("job_id", job.ID).Str("video_path", job.VideoPath).Msg("job registered")
	return &job, nil
}

// StopJob marks the job as stopped.
func (c *Client) StopJob(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("stop job: empty id")
	}
	if _, err := c.do(ctx, http.MethodPut, c.base+"/video/"+url.PathEscape(id)+"/stop", nil); err != nil {
		return fmt.Errorf("stop job %s: %w", id, err)
	}
	c.logger.Info().Str("job_id", id).Msg("job stopped")
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http %d: %s", domain.ErrNetwork, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
