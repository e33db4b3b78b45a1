package wire

import (
	"reflect"
	"testing"
)

func TestParseIncompleteHeader(t *testing.T) {
	_, ok := Parse([]byte("MOO/1 REQUEST foo:1/bar\nRequest-Id: 1\n"))
	if ok {
		t.Fatal("expected ok=false for unterminated header region")
	}
}

func TestParseMalformedFirstLine(t *testing.T) {
	_, ok := Parse([]byte("NOT A FRAME\n\n"))
	if ok {
		t.Fatal("expected ok=false for malformed first line")
	}
}

func TestParseContentLengthExceedsBuffer(t *testing.T) {
	buf := []byte("MOO/1 COMPLETE Success\nRequest-Id: 10\nContent-Type: application/json\nContent-Length: 100\n\n{}")
	_, ok := Parse(buf)
	if ok {
		t.Fatal("expected ok=false when declared Content-Length exceeds remaining bytes")
	}
}

func TestEncodeRequestRoundTrip(t *testing.T) {
	body := map[string]any{"subscription_key": float64(0)}
	buf, err := EncodeRequest(11, "com.roonlabs.transport:2/subscribe_zones", body)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	f, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse failed on freshly encoded frame")
	}
	if f.Verb != VerbRequest {
		t.Fatalf("verb = %q, want REQUEST", f.Verb)
	}
	if f.Name != "com.roonlabs.transport:2/subscribe_zones" {
		t.Fatalf("name = %q", f.Name)
	}
	if f.RequestID != 11 {
		t.Fatalf("request id = %d, want 11", f.RequestID)
	}
	if !f.JSON || !f.HasBody {
		t.Fatal("expected JSON body to round-trip")
	}

	var got map[string]any
	if err := f.DecodeJSON(&got); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if !reflect.DeepEqual(got, body) {
		t.Fatalf("body = %#v, want %#v", got, body)
	}
}

func TestEncodeRequestEmptyBodyRoundTrip(t *testing.T) {
	buf, err := EncodeRequest(3, "com.roonlabs.ping:1/ping", nil)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	f, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse failed")
	}
	if f.HasBody {
		t.Fatal("expected no body")
	}
	if f.RequestID != 3 || f.Verb != VerbRequest {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	buf, err := EncodeResponse(VerbComplete, "Success", 3, nil)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	f, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse failed")
	}
	if f.Verb != VerbComplete || f.Name != "Success" || f.RequestID != 3 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestEncodeResponseRejectsRequestVerb(t *testing.T) {
	if _, err := EncodeResponse(VerbRequest, "Success", 1, nil); err == nil {
		t.Fatal("expected error for REQUEST verb")
	}
}

func TestParseCRLFHeaderRegion(t *testing.T) {
	buf := []byte("MOO/1 CONTINUE Registered\r\nRequest-Id: 10\r\n\r\n")
	f, ok := Parse(buf)
	if !ok {
		t.Fatal("expected CRLF-terminated header region to parse")
	}
	if f.Name != "Registered" || f.RequestID != 10 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestParsePreservesUnknownHeaders(t *testing.T) {
	buf := []byte("MOO/1 COMPLETE Success\nRequest-Id: 5\nX-Extra: hello\n\n")
	f, ok := Parse(buf)
	if !ok {
		t.Fatal("parse failed")
	}
	if f.Headers["X-Extra"] != "hello" {
		t.Fatalf("expected opaque header preserved, got %q", f.Headers["X-Extra"])
	}
}
