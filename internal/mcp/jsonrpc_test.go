package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestNotificationOmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, `"id"`) {
		t.Errorf("notification has id: %s", s)
	}
	if strings.Contains(s, `"params"`) {
		t.Errorf("nil params should be omitted: %s", s)
	}
	if !strings.Contains(s, `"method":"notifications/initialized"`) {
		t.Errorf("missing method: %s", s)
	}
}

func TestRPCErrorIsMethodNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  *RPCError
		want bool
	}{
		{"nil", nil, false},
		{"standard code", &RPCError{Code: CodeMethodNotFound, Message: "nope"}, true},
		{"message only", &RPCError{Code: -1, Message: "Method not found: ping"}, true},
		{"legacy message", &RPCError{Code: -1, Message: "Unknown method ping"}, true},
		{"other error", &RPCError{Code: CodeInvalidParams, Message: "bad params"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.IsMethodNotFound(); got != tt.want {
				t.Errorf("IsMethodNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRPCErrorMessage(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "Method not found"}
	want := "jsonrpc error -32601: Method not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestEnvelopeResponseID(t *testing.T) {
	tests := []struct {
		raw    string
		wantID int64
		wantOK bool
	}{
		{`{"jsonrpc":"2.0","id":7,"result":{}}`, 7, true},
		{`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, 0, false},
		{`{"jsonrpc":"2.0","id":"abc","result":{}}`, 0, false},
		{`{"jsonrpc":"2.0","method":"notifications/progress"}`, 0, false},
	}
	for _, tt := range tests {
		var env envelope
		if err := json.Unmarshal([]byte(tt.raw), &env); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		id, ok := env.responseID()
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("responseID(%s) = (%d, %v), want (%d, %v)", tt.raw, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
