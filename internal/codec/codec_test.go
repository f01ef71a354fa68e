package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"system.ping","params":{}}`)

	if err := NewWriter(&buf).WriteMessage(body); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	got, err := NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("expected round-trip body %q, got %q", body, got)
	}
}

func TestReadMessage_ToleratesBareLF(t *testing.T) {
	raw := "Content-Length: 2\n\n{}"
	got, err := NewReader(strings.NewReader(raw)).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("expected body {}, got %q", got)
	}
}

func TestReadMessage_HeaderIsCaseInsensitive(t *testing.T) {
	raw := "content-LENGTH: 2\r\n\r\n{}"
	got, err := NewReader(strings.NewReader(raw)).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("expected body {}, got %q", got)
	}
}

func TestReadMessage_IgnoresUnknownHeaders(t *testing.T) {
	raw := "X-Trace-Id: abc123\r\nContent-Length: 2\r\n\r\n{}"
	got, err := NewReader(strings.NewReader(raw)).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("expected body {}, got %q", got)
	}
}

func TestReadMessage_MissingContentLength(t *testing.T) {
	raw := "\r\n{}"
	_, err := NewReader(strings.NewReader(raw)).ReadMessage()
	if !errors.Is(err, ErrMissingContentLength) {
		t.Errorf("expected ErrMissingContentLength, got %v", err)
	}
}

func TestReadMessage_InvalidContentLength(t *testing.T) {
	raw := "Content-Length: not-a-number\r\n\r\n{}"
	_, err := NewReader(strings.NewReader(raw)).ReadMessage()
	if !errors.Is(err, ErrInvalidContentLength) {
		t.Errorf("expected ErrInvalidContentLength, got %v", err)
	}
}

func TestReadMessage_MessageTooLarge(t *testing.T) {
	raw := "Content-Length: 999999999\r\n\r\n"
	_, err := NewReader(strings.NewReader(raw)).WithMaxMessageBytes(100).ReadMessage()
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestReadMessage_UnexpectedEOF(t *testing.T) {
	raw := "Content-Length: 10\r\n\r\n{}"
	_, err := NewReader(strings.NewReader(raw)).ReadMessage()
	if err == nil {
		t.Fatal("expected an error when body is shorter than Content-Length")
	}
}
