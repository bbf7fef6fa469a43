package esi

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	json "github.com/segmentio/encoding/json"
	"github.com/tidwall/gjson"
	"github.com/yosida95/uritemplate/v3"
)

// Decompressor decodes a response body compressed with a particular
// content-encoding. Registered in decompressors so new encodings can be
// added without changing exchange logic (spec §4.2 names gzip/deflate/br;
// this client ships gzip/deflate and leaves br pluggable, see DESIGN.md).
type Decompressor func(io.Reader) (io.Reader, error)

var decompressors = map[string]Decompressor{
	"gzip":    func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"deflate": func(r io.Reader) (io.Reader, error) { return flate.NewReader(r), nil },
}

// RegisterDecompressor installs d for encoding, overriding any built-in
// handler of the same name. Used to add "br" support via a third-party
// brotli decoder without this package depending on one directly.
func RegisterDecompressor(encoding string, d Decompressor) {
	decompressors[strings.ToLower(encoding)] = d
}

// exchange performs a single HTTP request/response cycle over a Requester:
// path expansion, header assembly, token resolution, conditional requests,
// decompression, and the JSON-vs-raw-body decode decision (spec §4.2/4.3).
type exchange struct {
	cfg       Config
	requester Requester
}

func newExchange(cfg Config, requester Requester) *exchange {
	return &exchange{cfg: cfg, requester: requester}
}

func (x *exchange) do(ctx context.Context, path string, opts RequestOptions) (Response, error) {
	req, err := x.buildRequest(ctx, path, opts)
	if err != nil {
		return Response{}, err
	}

	httpResp, err := x.requester.Do(ctx, req)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	return x.parseResponse(httpResp, opts.PreviousResponse)
}

func (x *exchange) buildRequest(ctx context.Context, path string, opts RequestOptions) (*http.Request, error) {
	expanded, err := expandPath(path, opts.Parameters)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(x.cfg.ConnectionSettings.ESIURL)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("invalid esi_url: %v", err))
	}
	u.Path = joinPath(u.Path, expanded)
	q := u.Query()
	for k, v := range x.cfg.DefaultQuery {
		q.Set(k, v)
	}
	for k, v := range opts.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var bodyReader io.Reader
	if opts.Body != nil {
		encoded, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("esi: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, string(opts.method()), u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("esi: building request: %w", err)
	}

	headers := HeadersFromMap(x.cfg.DefaultHeaders).Overlay(opts.Headers)
	headers.Set("accept-encoding", "gzip, deflate")
	if _, ok := headers.Get("x-request-id"); !ok {
		headers.Set("x-request-id", uuid.NewString())
	}
	if bodyReader != nil {
		headers.Set("content-type", "application/json")
	}

	token, err := resolveToken(ctx, opts.Token, x.cfg.Logger, x.cfg.MaxTime)
	if err != nil {
		return nil, err
	}
	if token != "" {
		headers.Set("authorization", "Bearer "+token)
	}

	if opts.PreviousResponse != nil {
		if etag, ok := opts.PreviousResponse.ETag(); ok {
			headers.Set("if-none-match", etag)
		}
	}

	headers.Range(func(name, value string) bool {
		req.Header.Set(name, value)
		return true
	})

	return req, nil
}

// parseResponse turns an *http.Response into a Response, handling 304
// (inherit Data/Body/Status from the previous Response), decompression, and
// the JSON-vs-raw-body decode decision (spec §4.2 step 5).
func (x *exchange) parseResponse(httpResp *http.Response, previous *Response) (Response, error) {
	headers := NewHeaders()
	for name, values := range httpResp.Header {
		if len(values) > 0 {
			headers.Set(name, values[0])
		}
	}
	stripHeaders(headers, x.cfg.StripHeaders)

	if httpResp.StatusCode == http.StatusNotModified && previous != nil {
		return Response{
			Status:  previous.Status,
			Headers: headers,
			Data:    previous.Data,
			Body:    previous.Body,
		}, nil
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("esi: reading response body: %w", err)
	}

	if enc, ok := headers.Get("content-encoding"); ok && enc != "" && enc != "identity" {
		dec, ok := decompressors[strings.ToLower(enc)]
		if !ok {
			return Response{}, NewResponseFormatError(Response{Status: httpResp.StatusCode, Headers: headers}, fmt.Errorf("unsupported content-encoding %q", enc))
		}
		r, err := dec(bytes.NewReader(raw))
		if err != nil {
			return Response{}, fmt.Errorf("esi: decompressing response: %w", err)
		}
		raw, err = io.ReadAll(r)
		if err != nil {
			return Response{}, fmt.Errorf("esi: decompressing response: %w", err)
		}
	}

	resp := Response{Status: httpResp.StatusCode, Headers: headers}
	if len(raw) == 0 {
		return resp, nil
	}

	contentType, _ := headers.Get("content-type")
	if strings.Contains(contentType, "json") {
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			resp.Body = string(raw)
			return resp, NewResponseFormatError(resp, err)
		}
		resp.Data = data
		return resp, nil
	}

	resp.Body = string(raw)
	return resp, nil
}

// expandPath fills "{name}" placeholders in template with params. RFC 6570
// simple expansion (what uritemplate/v3 implements) treats an undefined
// variable as empty rather than an error, so a missing parameter would
// otherwise silently produce a malformed path like "/systems//" instead of
// failing up front; Varnames() is checked against params explicitly so a
// missing placeholder is caught here, before any I/O (spec §4.3/§7).
func expandPath(template string, params map[string]string) (string, error) {
	tmpl, err := uritemplate.New(template)
	if err != nil {
		return "", NewConfigurationError(fmt.Sprintf("invalid path template %q: %v", template, err))
	}
	for _, name := range tmpl.Varnames() {
		if _, ok := params[name]; !ok {
			return "", NewConfigurationError(fmt.Sprintf("missing path parameter %q for %q", name, template))
		}
	}
	values := uritemplate.Values{}
	for k, v := range params {
		values = values.Set(k, uritemplate.String(v))
	}
	expanded, err := tmpl.Expand(values)
	if err != nil {
		return "", NewConfigurationError(fmt.Sprintf("expanding path template %q: %v", template, err))
	}
	return expanded, nil
}

func joinPath(base, suffix string) string {
	if !strings.HasSuffix(base, "/") && !strings.HasPrefix(suffix, "/") {
		return base + "/" + suffix
	}
	return base + suffix
}

// errorMessageFromBody extracts the "error" field from a JSON error body
// (spec §4.4: HttpError's message is derived from response.data.error when
// present), using gjson so retry.go doesn't need the full decoded shape.
func errorMessageFromBody(resp Response) string {
	if resp.IsJSON() {
		if m, ok := resp.Data.(map[string]any); ok {
			if e, ok := m["error"].(string); ok && e != "" {
				return e
			}
		}
	}
	if resp.Body != "" {
		if v := gjson.Get(resp.Body, "error"); v.Exists() {
			return v.String()
		}
	}
	return fmt.Sprintf("Response code %d", resp.Status)
}
