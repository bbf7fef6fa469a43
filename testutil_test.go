package esi_test

import (
	"context"
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// httpRequester adapts the standard library's *http.Client to esi.Requester,
// used in place of a real Connection/ConnectionPool so retry/pagination/
// client tests can run against an httptest.Server without an HTTP/2 session.
// Its RoundTripper is wrapped with otelhttp so every request these tests
// issue carries a client-side HTTP span, at the one spot in this module
// where requests flow through a plain http.RoundTripper instead of a raw
// http2.ClientConn (a real Connection emits no spans itself).
type httpRequester struct {
	client *http.Client
}

func newHTTPRequester() *httpRequester {
	return &httpRequester{client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}}
}

func (r *httpRequester) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return r.client.Do(req.WithContext(ctx))
}

func (r *httpRequester) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// snoopHandler wraps h with httpsnoop so tests can assert on the status
// code/byte count a handler actually wrote, the way the fixture servers in
// this package's tests observe server-side behavior independently of what
// the client decodes.
func snoopHandler(h http.Handler, onComplete func(httpsnoop.Metrics)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(h, w, r)
		onComplete(m)
	})
}
