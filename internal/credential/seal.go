package credential

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts stored credentials to a single X25519 identity.
type Sealer struct {
	identity  *age.X25519Identity
	ephemeral bool
}

// NewSealer parses an AGE-SECRET-KEY-1... identity. An empty key yields a
// fresh identity that lives only as long as the process, so every stored
// credential becomes unreadable after a restart.
func NewSealer(key string) (*Sealer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generate credential key: %w", err)
		}
		return &Sealer{identity: identity, ephemeral: true}, nil
	}
	identity, err := age.ParseX25519Identity(key)
	if err != nil {
		return nil, fmt.Errorf("parse credential key: %w", err)
	}
	return &Sealer{identity: identity}, nil
}

func (s *Sealer) Ephemeral() bool {
	return s.ephemeral
}

func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plaintext, nil
}
