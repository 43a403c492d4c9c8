// Package protocol defines the messages exchanged between the gateway and
// the scanning engine, one request and one response per TCP connection.
package protocol

import "time"

// Command is written by the gateway to the engine.
type Command struct {
	Command string                 `json:"command"`
	Data    map[string]interface{} `json:"data"`
}

// EngineResponse is written by the engine before it closes the connection.
// Code follows HTTP semantics; Data is a payload on success and usually a
// message (string or {"message": ...}) on failure.
type EngineResponse struct {
	Code int         `json:"code"`
	Data interface{} `json:"data"`
}

// OK reports whether the engine considered the command successful.
func (r *EngineResponse) OK() bool {
	return r != nil && r.Code >= 200 && r.Code < 400
}

// Message extracts a human readable message from Data, if there is one.
func (r *EngineResponse) Message() string {
	if r == nil {
		return ""
	}
	switch v := r.Data.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// CallRecord is one gateway-to-engine exchange as kept in the history store.
type CallRecord struct {
	At         time.Time              `json:"at"`
	Command    string                 `json:"command"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Code       int                    `json:"code,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}
