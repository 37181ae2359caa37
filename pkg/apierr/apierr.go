// Package apierr provides the structured error envelopes returned to proxy
// clients and helpers for writing them to fasthttp responses.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error messages shared across handlers.
const (
	MsgInvalidRequest = "Invalid request data"
	MsgProviderError  = "Provider API error"
	MsgInternalError  = "Internal server error"
)

// Envelope is the JSON error body: {"error": "...", "details": ...}.
// Details is omitted when nil — auth failures, for example, carry no detail.
type Envelope struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// FieldError describes a single validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Write serializes an Envelope to the response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string, details any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{Error: message, Details: details})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 with field-level detail.
func WriteValidation(ctx *fasthttp.RequestCtx, fields []FieldError) {
	Write(ctx, fasthttp.StatusBadRequest, MsgInvalidRequest, fields)
}

// WriteUnauthorized writes a 401 with a plain-text body, matching the
// behaviour callers expect from API-key failures.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(message)
}

// WriteProviderError passes an upstream non-2xx response through with the
// provider's own status code and its error body wrapped in an envelope.
// The provider body is embedded verbatim when it is valid JSON, and as a
// string otherwise.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, providerBody []byte) {
	var details any
	if json.Valid(providerBody) {
		details = json.RawMessage(providerBody)
	} else {
		details = string(providerBody)
	}
	Write(ctx, providerStatus, MsgProviderError, details)
}

// WriteInternal writes a 500 with no detail. The underlying cause is logged
// server-side, never surfaced to the caller.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(MsgInternalError)
}
