package helper

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncoderDecoder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	params, _ := json.Marshal(QueryParams{Name: "bash", Arch: "x86_64"})
	if err := enc.EncodeRequest(&Request{ID: "req-1", Action: ActionWhatInstalled, Params: params}); err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("encoded message is not newline terminated: %q", buf.String())
	}

	dec := NewDecoder(&buf)
	req, err := dec.DecodeRequest()
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.ID != "req-1" || req.Action != ActionWhatInstalled {
		t.Errorf("DecodeRequest() = %+v", req)
	}

	var q QueryParams
	if err := ParseData(req.Params, &q); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if q.Name != "bash" || q.Arch != "x86_64" {
		t.Errorf("params = %+v", q)
	}

	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end = %v, want io.EOF", err)
	}
}

func TestEncoder_RejectsInvalidType(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(MessageType("BOGUS"), nil); err == nil {
		t.Error("Encode() with invalid type should fail")
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be written, got %q", buf.String())
	}
}

func TestDecoder_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: "hello world\n"},
		{name: "empty line", input: "\n"},
		{name: "unknown type", input: `{"type":"NOPE","timestamp":"2024-01-01T00:00:00Z"}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input)).Decode()
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeRequest_WrongType(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeReady(&ReadyMessage{Version: "test"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDecoder(&buf).DecodeRequest(); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeRequest() error = %v, want ErrMalformed", err)
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{name: "valid", req: Request{ID: "1", Action: ActionPing}},
		{name: "missing id", req: Request{Action: ActionPing}, wantErr: true},
		{name: "bad action", req: Request{ID: "1", Action: "install"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
