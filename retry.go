package esi

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// retryLoop drives one logical request through repeated exchanges,
// retrying 502/503/504 responses and transport errors under an
// attempts+deadline budget (spec §4.4).
type retryLoop struct {
	cfg      Config
	exchange *exchange
}

func newRetryLoop(cfg Config, ex *exchange) *retryLoop {
	return &retryLoop{cfg: cfg, exchange: ex}
}

// run executes path/opts, retrying transient failures up to cfg.MaxRetries
// times within cfg.MaxTime. Fresh backoff generators are built per call so a
// prior call's delays never bias this one (spec §9).
func (rl *retryLoop) run(ctx context.Context, path string, opts RequestOptions) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, rl.cfg.MaxTime)
	defer cancel()

	lowDelays := rl.cfg.RetryDelayLow()
	highDelays := rl.cfg.RetryDelayHigh()

	attempts := *rl.cfg.MaxRetries + 1
	var lastResp Response
	haveLastResp := false

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := rl.exchange.do(ctx, path, opts)
		if err != nil {
			logAttempt(rl.cfg.Logger, opts.method(), path, attempt, 0, err)
			if ctx.Err() != nil || attempt == attempts-1 {
				return Response{}, err
			}
			rl.cfg.Metrics.incRetry()
			if !waitOrDone(ctx, lowDelays.Next()) {
				return Response{}, ctx.Err()
			}
			continue
		}
		logAttempt(rl.cfg.Logger, opts.method(), path, attempt, resp.Status, nil)

		switch classifyStatus(resp.Status) {
		case statusSuccess:
			return resp, nil
		case statusRetryable:
			lastResp, haveLastResp = resp, true
			if attempt == attempts-1 {
				return Response{}, NewRetryLimitError(resp)
			}
			rl.cfg.Metrics.incRetry()
			delay := retryDelay(resp, lowDelays, highDelays)
			if !waitOrDone(ctx, delay) {
				return Response{}, NewRetryLimitError(resp)
			}
		default:
			return Response{}, NewHttpError(resp, errorMessageFromBody(resp))
		}
	}

	if haveLastResp {
		return Response{}, NewRetryLimitError(lastResp)
	}
	return Response{}, NewRetryLimitError(Response{})
}

// waitOrDone sleeps for d, reporting false if ctx ends first.
func waitOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type statusClass int

const (
	statusSuccess statusClass = iota
	statusRetryable
	statusOther
)

// classifyStatus buckets a response status per spec §4.4's dispatch table.
func classifyStatus(status int) statusClass {
	switch {
	case status >= 200 && status < 300:
		return statusSuccess
	case status == 502, status == 503, status == 504:
		return statusRetryable
	default:
		return statusOther
	}
}

// retryDelay picks between the low and high backoff generators. Presence of
// x-esi-error-limit-reset signals the endpoint's shared error budget is
// exhausted and warrants the longer "high" backoff; an explicit
// Retry-After (seconds, or an HTTP-date) overrides both when present (spec
// §4.4).
func retryDelay(resp Response, low, high DelayIterator) time.Duration {
	if ra, ok := resp.Headers.Get("retry-after"); ok {
		if d, ok := parseRetryAfter(ra, resp.Headers); ok {
			return d
		}
	}
	if _, ok := resp.Headers.Get("x-esi-error-limit-reset"); ok {
		return high.Next()
	}
	return low.Next()
}

// parseRetryAfter parses a retry-after value per spec §4.4 step 1: an
// integer is seconds; otherwise it is an HTTP-date, and the delay is that
// date minus the response's own `date` header, plus 1000ms — not minus the
// caller's local wall clock, which would be skewed by however long the
// response already took to arrive and decode.
func parseRetryAfter(value string, headers Headers) (time.Duration, bool) {
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	dateStr, ok := headers.Get("date")
	if !ok {
		return 0, false
	}
	responseDate, err := http.ParseTime(dateStr)
	if err != nil {
		return 0, false
	}
	d := t.Sub(responseDate) + time.Second
	if d < 0 {
		d = 0
	}
	return d, true
}
