package chatsync

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

var (
	// ErrSessionEnded is returned when the access token could not be
	// refreshed. The stored token has been cleared; the user must log in again.
	ErrSessionEnded = errors.New("chatsync: session ended")
	// ErrNotConnected is returned by realtime emits without a live connection.
	ErrNotConnected = errors.New("chatsync: realtime not connected")
	// ErrNotAuthenticated is returned by operations that need a stored token.
	ErrNotAuthenticated = errors.New("chatsync: not authenticated")
)

// NetworkErrorMessage is shown when the server could not be reached.
const NetworkErrorMessage = "Network error: Unable to connect to the server."

// ============================================================================
// Transport errors
// ============================================================================

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindHTTP4xx
	KindHTTP5xx
	KindDecrypt
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTP4xx:
		return "http_4xx"
	case KindHTTP5xx:
		return "http_5xx"
	case KindDecrypt:
		return "decrypt"
	}
	return "unknown"
}

// TransportError is returned by the secure transport for every failed request.
type TransportError struct {
	Kind    ErrorKind
	Method  string
	Path    string
	Status  int
	Payload ErrorPayload
	Err     error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Method, e.Path, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Payload != nil {
		if msg := e.Payload.Message(); msg != "" {
			b.WriteString(": ")
			b.WriteString(msg)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsKind reports whether err is a TransportError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == k
}

// IsStatus reports whether err is a TransportError with HTTP status code.
func IsStatus(err error, code int) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Status == code
}

// ============================================================================
// Error payloads
// ============================================================================

// ErrorPayload is the decoded body of a failed response. It is one of
// TextPayload, ListPayload or StructuredPayload.
type ErrorPayload interface {
	Message() string
	isErrorPayload()
}

// TextPayload is a bare string body.
type TextPayload string

// ListPayload is an array body, typically validation messages.
type ListPayload []string

// StructuredPayload is an object body.
type StructuredPayload struct {
	StatusCode int      `json:"status_code,omitempty"`
	Msg        string   `json:"message"`
	Errors     []string `json:"errors,omitempty"`
}

func (p TextPayload) Message() string { return string(p) }
func (p ListPayload) Message() string { return strings.Join(p, "; ") }

func (p StructuredPayload) Message() string {
	if p.Msg != "" {
		return p.Msg
	}
	return strings.Join(p.Errors, "; ")
}

func (TextPayload) isErrorPayload()       {}
func (ListPayload) isErrorPayload()       {}
func (StructuredPayload) isErrorPayload() {}

// ParseErrorPayload classifies a (decrypted) error body by its first JSON
// token. Bodies that are not JSON become TextPayload. Empty bodies yield nil.
func ParseErrorPayload(body []byte) ErrorPayload {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '{':
		var raw struct {
			StatusCode int             `json:"status_code"`
			Message    json.RawMessage `json:"message"`
			Error      string          `json:"error"`
			Errors     []string        `json:"errors"`
		}
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return TextPayload(trimmed)
		}
		p := StructuredPayload{StatusCode: raw.StatusCode, Errors: raw.Errors}
		// message is a string, or a list of validation messages
		if len(raw.Message) > 0 {
			var s string
			var list []string
			if json.Unmarshal(raw.Message, &s) == nil {
				p.Msg = s
			} else if json.Unmarshal(raw.Message, &list) == nil {
				p.Errors = append(list, p.Errors...)
			}
		}
		if p.Msg == "" && len(p.Errors) == 0 {
			p.Msg = raw.Error
		}
		return p
	case '[':
		var items []any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return TextPayload(trimmed)
		}
		list := make(ListPayload, 0, len(items))
		for _, it := range items {
			if s, ok := it.(string); ok {
				list = append(list, s)
			} else {
				list = append(list, fmt.Sprint(it))
			}
		}
		return list
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return TextPayload(s)
		}
	}
	return TextPayload(trimmed)
}

// UserMessage turns any error into the single string shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrSessionEnded) {
		return "Your session has ended. Please log in again."
	}
	if errors.Is(err, ErrNotConnected) {
		return "Not connected to the chat server."
	}
	var te *TransportError
	if !errors.As(err, &te) {
		return err.Error()
	}
	switch te.Kind {
	case KindNetwork:
		return NetworkErrorMessage
	case KindDecrypt:
		return "Unable to read the server response."
	}
	if te.Payload != nil {
		if msg := te.Payload.Message(); msg != "" {
			return msg
		}
	}
	if text := http.StatusText(te.Status); text != "" {
		return text
	}
	return fmt.Sprintf("Error %d: An unknown error occurred.", te.Status)
}
