package esi

// Method is an HTTP method RequestOptions may specify (spec §3).
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// RequestOptions is the per-call configuration described in spec §3.
type RequestOptions struct {
	// Method defaults to MethodGet when empty.
	Method Method

	// Headers is merged over DefaultHeaders (spec §4.3).
	Headers Headers

	// Parameters fills "{name}" placeholders in the path template.
	Parameters map[string]string

	// Query is merged over Config.DefaultQuery, with Query winning on
	// conflict.
	Query map[string]string

	// Body is an arbitrary JSON-serializable value.
	Body any

	// BodyPageSize, when positive and Method is MethodPost and Body is a
	// slice, enables POST pagination (spec §3, §4.5).
	BodyPageSize int

	// Token is a Token (string | oauth2.TokenSource | TokenFunc).
	Token Token

	// PreviousResponse enables conditional requests: its ETag is sent as
	// if-none-match, and for paginated requests its Responses supply
	// positional previous_response values for each page (spec §4.5).
	PreviousResponse *Response
}

// bodyAsSlice reports whether opts.Body is a []any and returns it, for the
// POST-pagination eligibility check in spec §4.6's dispatch table. Slices
// of any other element type (such as []int64) are not recognised.
func bodyAsSlice(body any) ([]any, bool) {
	switch v := body.(type) {
	case []any:
		return v, true
	default:
		return nil, false
	}
}

// WantsPostPagination implements spec §4.6's dispatch predicate: method is
// POST, BodyPageSize is a positive integer, and Body is an array. Spec
// §4.6 Open Question (c): when Body is truthy but not an array, fall
// through to a direct single exchange.
func (o RequestOptions) WantsPostPagination() ([]any, bool) {
	if o.Method != MethodPost || o.BodyPageSize <= 0 {
		return nil, false
	}
	items, ok := bodyAsSlice(o.Body)
	return items, ok
}

func (o RequestOptions) method() Method {
	if o.Method == "" {
		return MethodGet
	}
	return o.Method
}
