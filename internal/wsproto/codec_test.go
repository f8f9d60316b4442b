package wsproto

import (
	"encoding/json"
	"testing"

	"github.com/wsmesh/wsmesh/internal/wsencrypt"
)

func TestParseBinaryFrameBypassesEncryption(t *testing.T) {
	enc, _ := wsencrypt.New(wsencrypt.Config{Key: mustKey(t), Algorithm: wsencrypt.AES256GCM, Enabled: true})
	env := Parse(true, "", []byte{1, 2, 3, 4, 5}, enc)
	if env.Type != TypeBinary {
		t.Fatalf("expected TypeBinary, got %s", env.Type)
	}
	if string(env.BinaryData) != string([]byte{1, 2, 3, 4, 5}) {
		t.Errorf("binary payload mismatch: %v", env.BinaryData)
	}
}

func TestSerializeParseRoundTripPlain(t *testing.T) {
	env, err := NewEventEnvelope("chat", map[string]string{"msg": "hi"}, "cb1")
	if err != nil {
		t.Fatalf("NewEventEnvelope: %v", err)
	}
	text, err := Serialize(env, wsencrypt.Disabled())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	parsed := Parse(false, text, nil, wsencrypt.Disabled())
	if parsed.Type != TypeEvent || parsed.Event != "chat" || parsed.CallbackID != "cb1" {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
	var data map[string]string
	if err := json.Unmarshal(parsed.Data, &data); err != nil || data["msg"] != "hi" {
		t.Errorf("data mismatch: %v %v", data, err)
	}
}

func TestSerializeParseRoundTripEncrypted(t *testing.T) {
	enc, _ := wsencrypt.New(wsencrypt.Config{Key: mustKey(t), Algorithm: wsencrypt.AES256GCM, Enabled: true})
	env, _ := NewEventEnvelope("chat", map[string]string{"msg": "secret"}, "")
	text, err := Serialize(env, enc)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	parsed := Parse(false, text, nil, enc)
	if parsed.Type != TypeEvent || parsed.Event != "chat" {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

func TestParseUnparseableTextSurfacesAsEncryptedEvent(t *testing.T) {
	parsed := Parse(false, "not json at all", nil, wsencrypt.Disabled())
	if parsed.Type != TypeEvent || parsed.Event != "encrypted" {
		t.Fatalf("expected synthetic encrypted event, got %+v", parsed)
	}
}

func TestParseDecryptionFailureOnCiphertextShapedInput(t *testing.T) {
	enc1, _ := wsencrypt.New(wsencrypt.Config{Key: mustKey(t), Algorithm: wsencrypt.AES256GCM, Enabled: true})
	enc2, _ := wsencrypt.New(wsencrypt.Config{Key: mustKey(t), Algorithm: wsencrypt.AES256GCM, Enabled: true})

	env, _ := NewEventEnvelope("chat", map[string]string{"msg": "secret"}, "")
	text, _ := Serialize(env, enc1)

	parsed := Parse(false, text, nil, enc2)
	if parsed.Type != TypeError {
		t.Fatalf("expected TypeError for undecryptable ciphertext-shaped input, got %+v", parsed)
	}
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := wsencrypt.GenerateKey(256)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}
