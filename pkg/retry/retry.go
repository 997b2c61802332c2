package retry

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Options describes the retry behavior for a single outbound call.
type Options struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	// OnRetry is invoked before each re-attempt, if set.
	OnRetry func()
}

// StatusError is returned when the final response carries a non-success
// status. Callers inspect Status to tell permanent token rejections apart
// from generic provider failures.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// Do executes the request produced by build and retries rate-limited
// responses (429 and 503) with exponential backoff until the retry budget
// or the delay ceiling is exhausted. build is called once per attempt so
// request bodies are never replayed from a consumed reader.
//
// A response with status < 400 is returned to the caller, who owns the
// body. Any other terminal status is drained and surfaced as *StatusError.
func Do(ctx context.Context, client *http.Client, opts Options, build func() (*http.Request, error)) (*http.Response, error) {
	if opts.MinDelay <= 0 {
		opts.MinDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 4
	}

	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 400 {
			return resp, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusServiceUnavailable
		if !retryable || attempt >= opts.MaxRetries {
			return nil, failure(resp)
		}

		delay := retryDelay(resp, attempt, opts.MinDelay)
		if delay > opts.MaxDelay {
			return nil, failure(resp)
		}
		drain(resp)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if opts.OnRetry != nil {
			opts.OnRetry()
		}
	}
}

// retryDelay prefers the server-provided Retry-After header, either as an
// integer number of seconds or as an HTTP date, and falls back to jittered
// exponential backoff.
func retryDelay(resp *http.Response, attempt int, minDelay time.Duration) time.Duration {
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if delay := time.Until(at); delay > 0 {
				return delay
			}
		}
	}
	return time.Duration(float64(int64(1)<<uint(attempt)) * float64(minDelay) * (1 + rand.Float64()))
}

func failure(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	resp.Body.Close()
	return &StatusError{
		Status: resp.StatusCode,
		Body:   body,
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 16*1024))
	resp.Body.Close()
}
