// Package esi is a client for EVE Online's ESI API, built around a
// persistent, multiplexed HTTP/2 session instead of one connection per
// request.
//
// # Core concepts
//
// Client is the single entry point. It accepts a path template, expands
// "{name}" placeholders from RequestOptions.Parameters, and dispatches the
// call:
//
//	client, err := esi.NewClient(esi.DefaultConfig())
//	resp, err := client.Get(ctx, "/characters/{character_id}/assets/", esi.RequestOptions{
//		Parameters: map[string]string{"character_id": "12345"},
//		Token:      "a-bearer-token",
//	})
//
// A GET whose response carries an x-pages header greater than 1 is
// transparently fetched across all pages and merged into one Response; a
// POST with BodyPageSize set and an array Body is split into chunks and
// fetched the same way. A 502/503/504 response is retried under an
// attempts and wall-clock budget before a RetryLimitError is returned; any
// other non-2xx status returns an HttpError without retrying.
//
// Connection owns the HTTP/2 session itself: callers never see a
// CONNECTING state, a dropped session, or a reconnect — requests issued
// while reconnecting are queued in arrival order and replayed once a new
// session is READY, or rejected with a ConnectionTimeoutError if they wait
// past max_pending_time.
//
// # Conditional requests
//
// Passing a prior Response as RequestOptions.PreviousResponse attaches its
// ETag as If-None-Match; a 304 response is translated back into the
// previous Response's Data rather than surfaced as an empty body.
package esi
