// Package envelope maps engine responses and gateway errors onto the uniform
// JSON body every HTTP route returns.
package envelope

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/atat/gateway/internal/engine"
	"github.com/atat/gateway/internal/protocol"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Default messages used when neither the caller nor the engine supplies one.
const (
	DefaultSuccessMessage = "Success"
	DefaultFailureMessage = "Engine request failed"
)

// now is swapped out by tests.
var now = time.Now

// Envelope is the body of every HTTP response.
type Envelope struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
	Errors     interface{} `json:"errors,omitempty"`
	Timestamp  string      `json:"timestamp"`
	StatusCode int         `json:"statusCode"`
}

// Success builds a successful envelope.
func Success(status int, message string, data interface{}) Envelope {
	return Envelope{
		Success:    true,
		Message:    message,
		Data:       data,
		Timestamp:  timestamp(),
		StatusCode: status,
	}
}

// Error builds a failed envelope. errs may be nil.
func Error(status int, message string, errs interface{}) Envelope {
	return Envelope{
		Success:    false,
		Message:    message,
		Errors:     errs,
		Timestamp:  timestamp(),
		StatusCode: status,
	}
}

// Map converts an engine response into an HTTP status and body.
func Map(resp *protocol.EngineResponse) (int, Envelope) {
	return MapWith(resp, "")
}

// MapWith is Map with a caller-supplied success message.
//
// The engine code becomes the HTTP status when it is a valid status code;
// anything else is reported as 500. A failing response never carries data:
// a string payload (or a {"message": ...} object) becomes the message and
// any other payload is returned under errors.
func MapWith(resp *protocol.EngineResponse, successMessage string) (int, Envelope) {
	if resp == nil {
		return http.StatusInternalServerError, Error(http.StatusInternalServerError, "Empty engine response", nil)
	}
	status := resp.Code
	if status < 100 || status > 599 {
		status = http.StatusInternalServerError
	}

	if status < 400 {
		if successMessage == "" {
			successMessage = DefaultSuccessMessage
		}
		return status, Success(status, successMessage, resp.Data)
	}

	message := resp.Message()
	if message == "" {
		message = DefaultFailureMessage
	}
	return status, Error(status, message, failureDetail(resp.Data))
}

// failureDetail returns what is left of a failure payload once its message
// has been lifted out.
func failureDetail(data interface{}) interface{} {
	switch v := data.(type) {
	case nil, string:
		return nil
	case map[string]interface{}:
		if _, ok := v["message"].(string); ok && len(v) == 1 {
			return nil
		}
	}
	return data
}

// MapError converts an error returned by the engine client.
func MapError(err error) (int, Envelope) {
	var (
		connErr    *engine.ConnectError
		timeoutErr *engine.TimeoutError
		malformed  *engine.MalformedResponseError
		protoErr   *engine.ProtocolError
		codecErr   *engine.CodecError
	)
	status, message := http.StatusInternalServerError, "Internal error"
	switch {
	case err == nil:
		message = "Unknown error"
	case errors.As(err, &connErr):
		status, message = http.StatusBadGateway, "Engine unavailable"
	case errors.As(err, &timeoutErr):
		status, message = http.StatusGatewayTimeout, "Engine timed out"
	case errors.As(err, &malformed):
		message = "Malformed engine response"
	case errors.As(err, &protoErr):
		message = "Invalid engine response"
	case errors.As(err, &codecErr):
		status, message = http.StatusBadRequest, "Invalid command"
	case errors.Is(err, context.Canceled):
		message = "Request canceled"
	}
	var detail interface{}
	if err != nil {
		detail = err.Error()
	}
	return status, Error(status, message, detail)
}

func timestamp() string {
	return now().UTC().Format(timestampLayout)
}
