package model

// Response is the single reply to a request. Exactly one of Data and Errors
// is populated, never both and never neither.
type Response struct {
	Protocol Protocol `json:"protocol"`
	ID       string   `json:"id"`
	Data     any      `json:"data,omitempty"`
	Errors   []*Error `json:"errors,omitempty"`
	Meta     *Meta    `json:"meta,omitempty"`
}

// Meta carries response metadata such as server-side processing duration.
type Meta struct {
	// DurationMS is wall-clock handling time in milliseconds.
	DurationMS int64 `json:"duration,omitempty"`
}

// NewResult builds a success response echoing the given correlation id.
func NewResult(version Protocol, id string, data any) *Response {
	if data == nil {
		data = struct{}{}
	}
	return &Response{Protocol: version, ID: id, Data: data}
}

// NewErrorResponse builds a failure response echoing the given correlation
// id. At least one error must be supplied; a nil or empty list is replaced
// with an opaque internal error so the exactly-one-of invariant holds.
func NewErrorResponse(version Protocol, id string, errs ...*Error) *Response {
	if len(errs) == 0 {
		errs = []*Error{NewInternalError()}
	}
	return &Response{Protocol: version, ID: id, Errors: errs}
}

// OK reports whether the response carries a success payload.
func (r *Response) OK() bool {
	return len(r.Errors) == 0
}
