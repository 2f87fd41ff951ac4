package client

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// defaultBackoffs is the wait before each retry. Its length is the number
// of retries after the first attempt.
var defaultBackoffs = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

// maxRetryAfter caps a server-supplied Retry-After.
const maxRetryAfter = 30 * time.Second

// retryable reports whether a response status means the server may succeed
// on a later attempt. 500 is excluded: the API returns it for errors that
// repeat.
func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// doWithRetry sends req, retrying transport errors and retryable statuses
// after each backoff. The final response is returned as-is, whatever its
// status. Requests with a body are only retried when GetBody is set.
func doWithRetry(hc *http.Client, req *http.Request, backoffs []time.Duration) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		send := req
		if attempt > 0 {
			var err error
			if send, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err := hc.Do(send)
		last := attempt == len(backoffs)
		if err == nil && (!retryable(resp.StatusCode) || last) {
			return resp, nil
		}
		if err != nil && (last || ctx.Err() != nil) {
			return nil, err
		}
		if req.Body != nil && req.GetBody == nil {
			return resp, err
		}

		wait := backoffs[attempt]
		if err == nil {
			wait = retryAfter(resp, wait)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			slog.Debug("retrying request", "method", req.Method, "url", req.URL.Redacted(),
				"status", resp.StatusCode, "attempt", attempt+1, "wait", wait)
		} else {
			slog.Debug("retrying request", "method", req.Method, "url", req.URL.Redacted(),
				"error", err, "attempt", attempt+1, "wait", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// rewind prepares a fresh copy of req for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("client: rewind body: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}

// retryAfter honours a Retry-After header given in seconds, never waiting
// less than fallback.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	if d < fallback {
		return fallback
	}
	return d
}
