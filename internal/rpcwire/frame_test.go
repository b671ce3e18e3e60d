package rpcwire

import (
	"strings"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	b, err := EncodeRequest(7, "ping", Object(nil))
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":7,"method":"ping","params":{}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
	if strings.ContainsRune(string(b), '\n') {
		t.Fatal("encoded frame must not contain a newline")
	}
}

func TestEncodeRequestNonObjectParams(t *testing.T) {
	b, err := EncodeRequest(1, "ping", Null())
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if string(b) != `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}` {
		t.Fatalf("got %s", b)
	}
}

func TestDecodeResponseSuccess(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":3,"result":{"status":"pong"}}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind() != KindResponse {
		t.Fatalf("kind: got %s", f.Kind())
	}
	if f.ID == nil || *f.ID != 3 {
		t.Fatalf("id: got %v", f.ID)
	}
	status, _ := f.Result.Field("status")
	if s, _ := status.AsString(); s != "pong" {
		t.Errorf("status: got %q", s)
	}
}

func TestDecodeResponseError(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":9,"error":{"code":-32000,"message":"model not loaded"}}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind() != KindResponse {
		t.Fatalf("kind: got %s", f.Kind())
	}
	if f.Err == nil || f.Err.Code != CodeServerError {
		t.Fatalf("error: got %+v", f.Err)
	}
	if !strings.Contains(f.Err.Error(), "model not loaded") {
		t.Errorf("error text: got %q", f.Err.Error())
	}
}

func TestDecodeNotification(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"progress","params":{"percent":42,"message":"loading"}}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind() != KindNotification {
		t.Fatalf("kind: got %s", f.Kind())
	}
	if f.Method != "progress" {
		t.Errorf("method: got %q", f.Method)
	}
	percent, _ := f.Params.Field("percent")
	if n, _ := percent.AsInt64(); n != 42 {
		t.Errorf("percent: got %d", n)
	}
}

func TestDecodeNullIDError(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind() != KindResponse {
		t.Fatalf("kind: got %s", f.Kind())
	}
	if f.ID != nil {
		t.Error("id should be nil for uncorrelated errors")
	}
	if f.Err == nil || f.Err.Code != CodeParseError {
		t.Errorf("error: got %+v", f.Err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := []string{
		"not json at all",
		`{"jsonrpc":"1.0","id":1,"result":{}}`,
		`{"jsonrpc":"2.0","id":"abc","result":{}}`,
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","id":1}`,
	}
	for _, c := range cases {
		if _, err := DecodeFrame([]byte(c)); err == nil {
			t.Errorf("expected error for %s", c)
		}
	}
}

func TestDecodeResultNull(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":5,"result":null}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind() != KindResponse {
		t.Fatalf("kind: got %s", f.Kind())
	}
	if !f.Result.IsNull() {
		t.Error("result should be null")
	}
}
