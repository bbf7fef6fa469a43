package esi

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// redactedHeaderNames never have their values logged verbatim.
var redactedHeaderNames = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
}

// logHeaders builds a slog.Attr suitable for attaching request/response
// headers to a log line, with sensitive values replaced so bearer tokens
// never reach log output.
func logHeaders(key string, h Headers) slog.Attr {
	values := make(map[string]any, h.Len())
	h.Range(func(name, value string) bool {
		if redactedHeaderNames[name] {
			values[name] = "REDACTED"
		} else {
			values[name] = value
		}
		return true
	})
	return slog.Any(key, values)
}

// redactJSONField returns a copy of a JSON body with field's value
// replaced by "REDACTED", used to scrub request bodies before they are
// logged at Debug level. Returns body unchanged if it is not valid JSON or
// field is absent, so logging never fabricates a field that wasn't there.
func redactJSONField(body, field string) string {
	if !gjson.Valid(body) || !gjson.Get(body, field).Exists() {
		return body
	}
	out, err := sjson.Set(body, field, "REDACTED")
	if err != nil {
		return body
	}
	return out
}

// headersFromHTTP converts an http.Header (first value per name) to
// Headers, for feeding logHeaders from a raw *http.Request/*http.Response.
func headersFromHTTP(h http.Header) Headers {
	out := NewHeaders()
	for name, values := range h {
		if len(values) > 0 {
			out.Set(name, values[0])
		}
	}
	return out
}

// loggingRequester wraps a Requester to log every request/response pair at
// Debug level (Warn on transport failure), redacting header values and
// body fields that might carry bearer tokens first.
type loggingRequester struct {
	next   Requester
	logger *slog.Logger
}

// WithLogging wraps next so every request it carries is logged: method,
// URL, headers, and body (all with sensitive values redacted) going out,
// and status/headers coming back. This is opt-in middleware around
// whatever Requester a Client was built with (a Connection, a
// ConnectionPool, or a test stub) — logging is never baked into those
// types themselves.
func WithLogging(next Requester, logger *slog.Logger) Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingRequester{next: next, logger: logger}
}

func (l *loggingRequester) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	l.logger.Debug("esi: sending request",
		"method", req.Method,
		"url", req.URL.String(),
		logHeaders("headers", headersFromHTTP(req.Header)),
		"body", l.redactedRequestBody(req),
	)

	resp, err := l.next.Do(ctx, req)
	if err != nil {
		l.logger.Warn("esi: request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"error", err,
		)
		return nil, err
	}

	l.logger.Debug("esi: received response",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		logHeaders("headers", headersFromHTTP(resp.Header)),
	)
	return resp, nil
}

func (l *loggingRequester) Close() error {
	return l.next.Close()
}

// redactedRequestBody reads req's body (via GetBody, so the real body sent
// to next.Do is untouched) and returns it with a "token" field redacted if
// present, for requests whose JSON body might carry a bearer token rather
// than (or in addition to) the authorization header.
func (l *loggingRequester) redactedRequestBody(req *http.Request) string {
	if req.GetBody == nil {
		return ""
	}
	rc, err := req.GetBody()
	if err != nil {
		return ""
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil || len(raw) == 0 {
		return ""
	}
	return redactJSONField(string(raw), "token")
}

// logAttempt emits one structured line per exchange attempt, at Debug for
// success and Warn for a failed/retryable attempt.
func logAttempt(logger *slog.Logger, method Method, path string, attempt int, status int, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("esi: attempt failed", "method", method, "path", path, "attempt", attempt, "error", err)
		return
	}
	logger.Debug("esi: attempt completed", "method", method, "path", path, "attempt", attempt, "status", status)
}
