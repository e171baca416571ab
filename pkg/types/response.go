// Package types defines the wire envelopes every endpoint speaks. Success
// payloads ride under "data"; failures carry a machine-readable code next to
// a human message.
package types

// SuccessEnvelope wraps every 2xx payload.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the failure body. Code is stable for clients to switch on;
// Details appears only for codes whose metadata allows structured context
// out.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorEnvelope wraps every non-2xx response.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
