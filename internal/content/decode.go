package content

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
)

var errInvalidUTF8 = errors.New("body is not valid UTF-8")

// decodeData accepts base64url with or without padding.
func decodeData(data string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-':
			return '+'
		case '_':
			return '/'
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, data)
	if rem := len(cleaned) % 4; rem != 0 {
		cleaned += strings.Repeat("=", 4-rem)
	}
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return decoded, nil
}

func isUTF8Label(label string) bool {
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// decodeBody yields the part's text as UTF-8, converting from the
// declared charset when needed.
func decodeBody(p *Part) (string, error) {
	raw, err := decodeData(p.Body.Data)
	if err != nil {
		return "", err
	}
	if cs := p.Charset(); !isUTF8Label(cs) {
		reader, err := charset.Reader(cs, bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("convert charset %s: %w", cs, err)
		}
		if raw, err = io.ReadAll(reader); err != nil {
			return "", fmt.Errorf("convert charset %s: %w", cs, err)
		}
	}
	if !utf8.Valid(raw) {
		return "", errInvalidUTF8
	}
	return string(raw), nil
}
