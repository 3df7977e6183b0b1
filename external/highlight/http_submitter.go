package highlight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foxseedlab/partyroom/internal/highlight"
)

const maxResponseBytes = 1 << 20

type HTTPSubmitter struct {
	serviceURL string
	client     *http.Client
}

func NewHTTPSubmitter(serviceURL string) highlight.Submitter {
	return &HTTPSubmitter{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, job highlight.Job) (string, error) {
	if s.serviceURL == "" {
		return "", highlight.ErrDisabled
	}

	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serviceURL, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return "", fmt.Errorf("highlight service returned status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode highlight job response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("highlight service returned an empty job id")
	}
	return out.JobID, nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
