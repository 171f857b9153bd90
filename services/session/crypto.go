package session

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// The upstream wraps every authenticated call in an AES-CBC envelope keyed
// from the session identifier embedded in the JWT access token: the dashless
// session id's first 16 bytes are the key, its last 16 the IV.

var errNoToken = errors.New("no session token")

func deriveKeyIV(token string) (key, iv []byte, err error) {
	if token == "" {
		return nil, nil, errNoToken
	}

	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, nil, fmt.Errorf("malformed token")
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, nil, fmt.Errorf("decode token payload: %w", err)
	}

	var claims struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, nil, fmt.Errorf("parse token payload: %w", err)
	}

	sid := strings.ReplaceAll(claims.SessionID, "-", "")
	if len(sid) < 2*aes.BlockSize {
		return nil, nil, fmt.Errorf("session id too short")
	}

	return []byte(sid[:aes.BlockSize]), []byte(sid[len(sid)-aes.BlockSize:]), nil
}

// encryptEnvelope marshals v as compact JSON and returns the hex-encoded
// AES-CBC ciphertext.
func encryptEnvelope(key, iv []byte, v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("envelope cipher: %w", err)
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(out), nil
}

// decryptEnvelope reverses encryptEnvelope.
func decryptEnvelope(key, iv []byte, encryptedHex string) ([]byte, error) {
	raw, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return nil, fmt.Errorf("decode envelope hex: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("envelope length %d not block-aligned", len(raw))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope cipher: %w", err)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
