package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// postResponse is the shape all adapters decode platform create-responses
// into. Platforms disagree on field names for the permalink, so both are
// tried.
type postResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Permalink string `json:"permalink"`
}

func (p postResponse) link() string {
	if p.URL != "" {
		return p.URL
	}
	return p.Permalink
}

// restClient is the shared HTTP plumbing behind every adapter: JSON encode,
// bearer auth, bounded response reads, and uniform error classification.
type restClient struct {
	http *http.Client
}

// maxBodyBytes caps how much of a platform response is read; create
// responses are small and anything larger is hostile or broken.
const maxBodyBytes = 1 << 20

// postJSON sends a JSON POST and decodes a postResponse on 2xx. Non-2xx and
// transport errors come back pre-classified as a Result; ok is false in that
// case.
func (rc *restClient) postJSON(ctx context.Context, url, token string, headers map[string]string, payload any) (postResponse, Result, bool) {
	body, err := json.Marshal(payload)
	if err != nil {
		return postResponse{}, Permanent(fmt.Sprintf("encode payload: %v", err)), false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return postResponse{}, Permanent(fmt.Sprintf("build request: %v", err)), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := rc.http.Do(req)
	if err != nil {
		return postResponse{}, classifyTransportErr(err), false
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return postResponse{}, classifyStatus(resp.StatusCode, raw), false
	}

	var out postResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
		// A 2xx without a post id cannot be safely retried blind; treat it
		// as retryable so the idempotency key dedupes the re-attempt.
		return postResponse{}, Retryable("malformed create response"), false
	}
	return out, Result{}, true
}

// getJSON performs the lookup half of pre-check-then-create flows. found is
// true when the resource exists; a miss is not an error.
func (rc *restClient) getJSON(ctx context.Context, url, token string, out any) (found bool, res Result, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, Permanent(fmt.Sprintf("build request: %v", err)), false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := rc.http.Do(req)
	if err != nil {
		return false, classifyTransportErr(err), false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, Result{}, true
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err := json.Unmarshal(raw, out); err != nil {
			return false, Retryable("malformed lookup response"), false
		}
		return true, Result{}, true
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return false, classifyStatus(resp.StatusCode, raw), false
	}
}

// classifyTransportErr maps network-level failures. Timeouts and connection
// problems are transient; anything context-cancelled is treated the same way
// since the dispatch loop owns the deadline.
func classifyTransportErr(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retryable("call timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable("call timed out")
	}
	return Retryable(fmt.Sprintf("network error: %v", err))
}

// classifyStatus applies the engine's error-classification policy:
// throttling and server errors are retryable; auth failures, content-policy
// rejections, and missing destinations are permanent.
func classifyStatus(code int, body []byte) Result {
	reason := fmt.Sprintf("platform returned %d: %s", code, truncateBody(body))
	switch {
	case code == http.StatusTooManyRequests:
		return Retryable(reason)
	case code >= 500:
		return Retryable(reason)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return Permanent("authorization revoked: " + reason)
	case code == http.StatusNotFound, code == http.StatusGone:
		return Permanent("destination not found: " + reason)
	case code == http.StatusUnprocessableEntity:
		return Permanent("content rejected: " + reason)
	default:
		return Permanent(reason)
	}
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}
