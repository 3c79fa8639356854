package feishu

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

type urlVerificationReq struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
}

type encryptedEventReq struct {
	Encrypt string `json:"encrypt"`
}

// NewWebhookHandler builds the HTTP handler for Feishu's event webhook
// push mode: it answers the one-time URL verification challenge, decrypts
// the payload if an encrypt key is configured, and invokes onEvent for
// every "im.message.receive_v1" event.
func NewWebhookHandler(verificationToken, encryptKey string, onEvent func(*MessageEvent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if encryptKey != "" {
			var enc encryptedEventReq
			if err := json.Unmarshal(body, &enc); err == nil && enc.Encrypt != "" {
				plain, err := decryptAESCBC(enc.Encrypt, encryptKey)
				if err != nil {
					slog.Warn("feishu webhook decrypt failed", "error", err)
					http.Error(w, "decrypt failed", http.StatusBadRequest)
					return
				}
				body = plain
			}
		}

		var verify urlVerificationReq
		if err := json.Unmarshal(body, &verify); err == nil && verify.Type == "url_verification" {
			if verificationToken != "" && verify.Token != verificationToken {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"challenge": verify.Challenge})
			return
		}

		var event MessageEvent
		if err := json.Unmarshal(body, &event); err != nil {
			slog.Debug("feishu webhook: parse event failed", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		if verificationToken != "" && event.Header.Token != "" && event.Header.Token != verificationToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusOK)

		if event.Header.EventType == "im.message.receive_v1" {
			onEvent(&event)
		}
	}
}

// decryptAESCBC decrypts a base64 AES-256-CBC payload using Feishu's
// key derivation: the cipher key is sha256(encryptKey), and the first 16
// bytes of the decoded ciphertext are the IV.
func decryptAESCBC(encoded, encryptKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := raw[:aes.BlockSize]
	ciphertext := raw[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned")
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	// Strip PKCS#7 padding.
	if n := len(plain); n > 0 {
		pad := int(plain[n-1])
		if pad > 0 && pad <= aes.BlockSize && pad <= n {
			plain = plain[:n-pad]
		}
	}

	return bytes.TrimSpace(plain), nil
}
