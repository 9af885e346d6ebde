package routing

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Request is the mutable view of the inbound call threaded through
// resolution. Resolution stages may rewrite the body's model field; the
// rewritten body is what gets dispatched upstream.
type Request struct {
	Body []byte
	Path string

	// RequestID and VirtualKeyID travel along for audit logging.
	RequestID    string
	VirtualKeyID string
}

// Model returns the model declared in the request body, or "" when the
// body carries none.
func (r *Request) Model() string {
	return gjson.GetBytes(r.Body, "model").String()
}

// SetModel rewrites the body's model field in place. A marshal failure
// leaves the body untouched.
func (r *Request) SetModel(model string) {
	b, err := sjson.SetBytes(r.Body, "model", model)
	if err != nil {
		return
	}
	r.Body = b
}
