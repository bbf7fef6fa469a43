package esi

// Response is the immutable result of a logical request: either a single
// exchange, or a merged view over a paginated fetch.
//
// Invariants (spec §3): exactly one of {Data, Body} is populated for a
// non-304, non-empty response; a 304 Response carries Data inherited
// (referentially) from PreviousResponse.Data and Status equal to
// PreviousResponse.Status; for a merged Response, Responses is non-empty
// and Data equals the concatenation, in page order, of each sub-Response's
// Data (each of which must be a []any).
type Response struct {
	// Status is the HTTP status code of this response, or of page 1 for a
	// merged Response.
	Status int

	// Headers are the (lowercased) response headers. For a merged
	// Response this is the intersection across all pages (commonHeaders).
	Headers Headers

	// Data is the parsed JSON body, when the response was JSON. For a
	// merged Response it is the page-order concatenation of each
	// sub-Response's Data.
	Data any

	// Body is the raw response body, populated only when the response was
	// non-empty and not JSON.
	Body string

	// Responses holds the ordered (by page number) sub-Responses of a
	// paginated fetch. Nil for a single-exchange Response.
	Responses []Response
}

// IsJSON reports whether Data was populated (as opposed to Body, or
// neither for an empty response).
func (r Response) IsJSON() bool {
	return r.Data != nil
}

// IsPaginated reports whether this Response was assembled from multiple
// page/chunk sub-Responses.
func (r Response) IsPaginated() bool {
	return len(r.Responses) > 0
}

// ETag returns the response's etag header, if present.
func (r Response) ETag() (string, bool) {
	return r.Headers.Get("etag")
}
