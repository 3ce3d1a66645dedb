package chatsync

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestParseErrorPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ErrorPayload
	}{
		{name: "empty", body: "  ", want: nil},
		{name: "object message", body: `{"status_code":404,"message":"Room not found"}`,
			want: StructuredPayload{StatusCode: 404, Msg: "Room not found"}},
		{name: "object message list", body: `{"message":["a","b"]}`,
			want: StructuredPayload{Errors: []string{"a", "b"}}},
		{name: "object error field", body: `{"error":"Bad Request"}`,
			want: StructuredPayload{Msg: "Bad Request"}},
		{name: "array", body: `["a", 2]`, want: ListPayload{"a", "2"}},
		{name: "json string", body: `"just text"`, want: TextPayload("just text")},
		{name: "plain text", body: `Bad Gateway`, want: TextPayload("Bad Gateway")},
		{name: "broken object", body: `{"message":`, want: TextPayload(`{"message":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseErrorPayload([]byte(tt.body))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseErrorPayload(%q) = %#v, want %#v", tt.body, got, tt.want)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "network", err: &TransportError{Kind: KindNetwork, Err: errors.New("dial tcp")}, want: NetworkErrorMessage},
		{name: "payload", err: &TransportError{Kind: KindHTTP4xx, Status: 409, Payload: TextPayload("Room exists")}, want: "Room exists"},
		{name: "status text", err: &TransportError{Kind: KindHTTP5xx, Status: 502}, want: "Bad Gateway"},
		{name: "unknown status", err: &TransportError{Kind: KindHTTP4xx, Status: 499}, want: "Error 499: An unknown error occurred."},
		{name: "session", err: fmt.Errorf("%w: refresh failed", ErrSessionEnded), want: "Your session has ended. Please log in again."},
		{name: "not connected", err: ErrNotConnected, want: "Not connected to the chat server."},
		{name: "other", err: errors.New("boom"), want: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("list rooms: %w", &TransportError{Kind: KindNetwork, Method: "GET", Path: "/rooms", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if !IsKind(err, KindNetwork) || IsKind(err, KindHTTP4xx) {
		t.Error("IsKind mismatch")
	}
	want := "list rooms: GET /rooms: network: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestReporter_DismissesBeforeError(t *testing.T) {
	n := &recordingNotifier{}
	r := &reporter{n: n}

	r.report(nil)
	r.report(&TransportError{Kind: KindNetwork})
	r.report(&TransportError{Kind: KindHTTP4xx, Status: 404, Payload: TextPayload("Room not found")})

	if n.dismissed != 2 {
		t.Errorf("dismissed = %d, want 2", n.dismissed)
	}
	want := []string{NetworkErrorMessage, "Room not found"}
	if !reflect.DeepEqual(n.Errors(), want) {
		t.Errorf("errors = %v, want %v", n.Errors(), want)
	}
}
