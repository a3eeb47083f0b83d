package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestOmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewRequest(7, "tools/list", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"jsonrpc":"2.0","id":7,"method":"tools/list"}` {
		t.Errorf("marshal = %s", got)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification carries an id: %s", data)
	}
}

func TestRPCErrorString(t *testing.T) {
	err := &RPCError{Code: CodeMethodNotFound, Message: "unknown tool"}
	if got, want := err.Error(), "jsonrpc error -32601: unknown tool"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestInboundKind(t *testing.T) {
	tests := []struct {
		name string
		line string
		want frameKind
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{}}`, frameResponse},
		{"error", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`, frameResponse},
		{"empty response", `{"jsonrpc":"2.0","id":3}`, frameResponse},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`, frameNotification},
		{"server request", `{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`, frameServerRequest},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"notifications/progress"}`, frameNotification},
		{"nothing", `{"jsonrpc":"2.0"}`, frameInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg inbound
			if err := json.Unmarshal([]byte(tt.line), &msg); err != nil {
				t.Fatal(err)
			}
			if got := msg.kind(); got != tt.want {
				t.Errorf("kind() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestServerReplyEchoesStringID(t *testing.T) {
	data, err := json.Marshal(serverReply{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(`"srv-1"`),
		Result:  struct{}{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"jsonrpc":"2.0","id":"srv-1","result":{}}` {
		t.Errorf("marshal = %s", got)
	}
}
