// Package httpretry guards outbound calls to the FL server, Policy Engine
// and SDN controller: bounded retries with exponential backoff for
// idempotent GETs, and a small circuit breaker that stops a persistently
// failing poll target from being hammered every tick.
package httpretry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrBreakerOpen is returned while a target's breaker is cooling down.
var ErrBreakerOpen = errors.New("breaker open: target cooling down")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

// Retryable reports whether a status code warrants a retry of an
// idempotent request.
func Retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout
}

// GetJSON fetches url and decodes the JSON body into out. Retries up to
// three times with exponential backoff on 5xx/408 and transport errors.
func GetJSON(ctx context.Context, client *http.Client, url string, out any) error {
	const maxRetries = 3
	delay := 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode %s: %w", url, err)
			}
			return nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &StatusError{Status: resp.StatusCode, URL: url}
		if !Retryable(resp.StatusCode) {
			return lastErr
		}
	}
	return lastErr
}

// PostJSON posts body as JSON and decodes the response into out (when out
// is non-nil). Never retries: POST targets here are not idempotent.
func PostJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, URL: url}
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
