package wsproto

import (
	"encoding/json"

	"github.com/wsmesh/wsmesh/internal/wsencrypt"
)

// Parse implements spec.md §4.3's parse step. isBinary distinguishes a
// binary WebSocket frame (ArrayBuffer/Blob on the client, []byte here)
// from a text frame; text is carried in text.
func Parse(isBinary bool, text string, binaryPayload []byte, enc *wsencrypt.Encryptor) Envelope {
	if isBinary {
		return NewBinaryEnvelope(binaryPayload)
	}

	candidate := text
	if enc.Enabled() {
		plain, err := enc.Decrypt(text)
		if err != nil {
			if wsencrypt.IsLikelyCiphertext(text) {
				return ErrorEnvelope("decryption failed")
			}
			// Doesn't look like ciphertext either; fall through and
			// try to parse the original text as-is.
		} else {
			candidate = plain
		}
	}

	var env Envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return EncryptedEventEnvelope(candidate)
	}
	return env
}

// Serialize implements spec.md §4.3's serialize step: JSON-encode,
// then encrypt when enc is enabled. Callers must never pass a
// TypeBinary envelope here; binary payloads go straight to the
// transport.
func Serialize(env Envelope, enc *wsencrypt.Encryptor) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if !enc.Enabled() {
		return string(raw), nil
	}
	return enc.Encrypt(string(raw))
}
