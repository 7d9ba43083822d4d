package dropin

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// Request is the per-request context handed to HandleRequest.
type Request struct {
	// ID is the request correlation id set by the HTTP layer.
	ID     string
	Method string
	// Path is the remainder below the drop-in route, without leading slash.
	// Empty for the route itself.
	Path  string
	Query url.Values
	Body  []byte
}

// Decode unmarshals the JSON body into v.
func (r *Request) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return BadRequest(ErrBadRequest, "empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return BadRequest(err, "decode body")
	}
	return nil
}

// Response is what a handler returns. Body is JSON encoded.
type Response struct {
	Status int
	Body   interface{}
}

// OK wraps body in a 200 response.
func OK(body interface{}) *Response {
	return &Response{Status: http.StatusOK, Body: body}
}
