// Package message defines the envelopes exchanged between client and server.
//
// An Envelope is the unit a Transport sends and receives. It gets serialized by the
// codec layer and wrapped in a protocol frame when it travels over a byte stream.
package message

// Kind distinguishes request, response and control envelopes.
type Kind byte

const (
	KindRequest   Kind = 0 // Client → Server call
	KindResponse  Kind = 1 // Server → Client result
	KindHeartbeat Kind = 2 // KeepAlive frame, never surfaced to dispatchers
	KindShutdown  Kind = 3 // Client is going away; server drains the connection
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindHeartbeat:
		return "heartbeat"
	case KindShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Envelope carries a single request or response.
//
//   - On request:  Method, Context and Payload (serialized args) are set.
//   - On response: Payload holds the serialized reply; Error is non-empty if the handler failed,
//     Code optionally classifies the failure.
//
// RequestID correlates a response with its request and is unique among the requests
// outstanding on one connection.
type Envelope struct {
	Kind      Kind    `json:"kind"`
	RequestID uint32  `json:"id"`
	Method    string  `json:"method,omitempty"` // Format: "Service.Method", e.g., "Arith.Add"
	Context   Context `json:"context"`
	Payload   []byte  `json:"payload"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
}

// NewRequest builds a request envelope.
func NewRequest(id uint32, method string, ctx Context, payload []byte) *Envelope {
	return &Envelope{
		Kind:      KindRequest,
		RequestID: id,
		Method:    method,
		Context:   ctx,
		Payload:   payload,
	}
}

// NewResponse builds a successful response to the request with the given id.
func NewResponse(id uint32, payload []byte) *Envelope {
	return &Envelope{
		Kind:      KindResponse,
		RequestID: id,
		Payload:   payload,
	}
}

// NewErrorResponse builds a failed response to the request with the given id.
func NewErrorResponse(id uint32, msg, code string) *Envelope {
	return &Envelope{
		Kind:      KindResponse,
		RequestID: id,
		Error:     msg,
		Code:      code,
	}
}

// Failed reports whether a response carries an error instead of a result.
func (e *Envelope) Failed() bool {
	return e.Error != "" || e.Code != ""
}

// Clone returns a deep copy; the payload is not shared with the original.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append(make([]byte, 0, len(e.Payload)), e.Payload...)
	}
	return &c
}
