package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineResponseMessage(t *testing.T) {
	tests := []struct {
		name string
		resp *EngineResponse
		want string
	}{
		{name: "nil response", resp: nil, want: ""},
		{name: "string data", resp: &EngineResponse{Code: 400, Data: "Unknown command: x"}, want: "Unknown command: x"},
		{name: "message map", resp: &EngineResponse{Code: 404, Data: map[string]interface{}{"message": "API not found."}}, want: "API not found."},
		{name: "map without message", resp: &EngineResponse{Code: 200, Data: map[string]interface{}{"tags": []interface{}{}}}, want: ""},
		{name: "non-string message", resp: &EngineResponse{Code: 500, Data: map[string]interface{}{"message": 3}}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.Message())
		})
	}
}

func TestEngineResponseOK(t *testing.T) {
	assert.True(t, (&EngineResponse{Code: 200}).OK())
	assert.True(t, (&EngineResponse{Code: 204}).OK())
	assert.False(t, (&EngineResponse{Code: 404}).OK())
	assert.False(t, (&EngineResponse{Code: 0}).OK())
	var nilResp *EngineResponse
	assert.False(t, nilResp.OK())
}

func TestKnownCommands(t *testing.T) {
	known := Known()
	assert.Len(t, known, len(Implemented)+len(Unimplemented))
	assert.IsIncreasing(t, known)

	assert.True(t, IsKnown(CmdScanStart))
	assert.True(t, IsKnown(CmdAuthRegister))
	assert.False(t, IsKnown("nonexistent.command"))

	seen := map[string]bool{}
	for _, c := range Implemented {
		seen[c] = true
	}
	for _, c := range Unimplemented {
		assert.False(t, seen[c], "command %q is both implemented and unimplemented", c)
	}
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "endpoints", Namespace(CmdEndpointsTagsAdd))
	assert.Equal(t, "scan", Namespace(CmdScanList))
	assert.Equal(t, "plain", Namespace("plain"))
	assert.Equal(t, ".hidden", Namespace(".hidden"))
}
