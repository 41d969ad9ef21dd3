package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeVNCURL(t *testing.T) {
	assert.Equal(t, "wss://h/sandboxes/x/ws/livestream", NormalizeVNCURL("wss://h/sandboxes/x/vnc"))
	assert.Equal(t, "wss://h/sandboxes/x/ws/livestream", NormalizeVNCURL("wss://h/sandboxes/x/ws/livestream"))
	assert.Equal(t, "", NormalizeVNCURL(""))
}

func TestDeriveBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://a.example.com/sandboxes/sb-1/ws/automation", "https://a.example.com/sandboxes/sb-1"},
		{"ws://a.example.com/sandboxes/sb-1/ws/automation", "https://a.example.com/sandboxes/sb-1"},
		{"ws://localhost:5000/ws/automation", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveBaseURL(tt.in), tt.in)
	}
}

func TestCompleteEndpoints(t *testing.T) {
	inst := completeEndpoints(Instance{ID: "sb", CDPURL: "wss://x/sandboxes/sb/ws/automation"}, "1", "r")
	assert.Equal(t, "wss://x/sandboxes/sb/ws/automation", inst.CDPURL)
	assert.Equal(t, "wss://1.agentrun-data.r.aliyuncs.com/sandboxes/sb/ws/livestream", inst.VNCURL)
	assert.Equal(t, "https://x/sandboxes/sb", inst.BaseURL)

	bare := completeEndpoints(Instance{ID: "sb"}, "", "")
	assert.Empty(t, bare.CDPURL)
	assert.Empty(t, bare.BaseURL)
}
