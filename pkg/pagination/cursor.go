package pagination

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/illmade-knight/go-asyncops/pkg/store"
)

// ErrPaginationDecode is wrapped by every cursor decoding failure.
var ErrPaginationDecode = errors.New("pagination: invalid cursor")

// DecodeError describes why a cursor was rejected.
type DecodeError struct {
	Cursor string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPaginationDecode, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrPaginationDecode }

// Cursor is the decoded form of a continuation token: the index the query ran
// against and the store's last evaluated key.
type Cursor struct {
	Index string
	Key   store.Key
}

type cursorPayload struct {
	Index string            `json:"i,omitempty"`
	Key   map[string]string `json:"k"`
}

const checksumLen = 4

// EncodeCursor turns a last evaluated key into a URL-safe opaque token. An
// empty key encodes to "", meaning there is no next page.
func EncodeCursor(index string, key store.Key) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	body, err := json.Marshal(cursorPayload{Index: index, Key: key})
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	buf := make([]byte, checksumLen, checksumLen+len(body))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(body))
	buf = append(buf, body...)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeCursor reverses EncodeCursor. Any malformed, truncated or tampered
// token yields a *DecodeError; a partial key is never returned.
func DecodeCursor(token string) (Cursor, error) {
	reject := func(reason string) (Cursor, error) {
		return Cursor{}, &DecodeError{Cursor: token, Reason: reason}
	}
	if token == "" {
		return reject("empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return reject("not url-safe base64")
	}
	if len(raw) <= checksumLen {
		return reject("too short")
	}
	body := raw[checksumLen:]
	if binary.BigEndian.Uint32(raw[:checksumLen]) != crc32.ChecksumIEEE(body) {
		return reject("checksum mismatch")
	}

	var p cursorPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return reject("malformed payload")
	}
	if dec.More() {
		return reject("trailing data")
	}
	if len(p.Key) == 0 {
		return reject("missing key")
	}
	key := make(store.Key, len(p.Key))
	for attr, v := range p.Key {
		if attr == "" {
			return reject("empty key attribute")
		}
		key[attr] = v
	}
	return Cursor{Index: p.Index, Key: key}, nil
}
