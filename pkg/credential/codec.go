package credential

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// Session-string wire format, big-endian, 271 bytes total:
//
//	offset  width  field
//	0       1      dc_id     (uint8)
//	1       4      api_id    (uint32)
//	5       1      test_mode (bool)
//	6       256    auth_key
//	262     8      user_id   (uint64)
//	270     1      is_bot    (bool)
//
// The record is encoded as URL-safe base64 with padding stripped.
// OwnerID is a process-side identity and is not part of the wire form.
const sessionStringRawLen = 1 + 4 + 1 + AuthKeySize + 8 + 1

// EncodeSessionString packs a credential into the session-string format
// the protocol client consumes.
func EncodeSessionString(c *Credential) (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("encoding session string: %w", err)
	}

	buf := make([]byte, sessionStringRawLen)
	buf[0] = byte(c.DCID)
	binary.BigEndian.PutUint32(buf[1:5], uint32(c.APIID))
	if c.TestMode {
		buf[5] = 1
	}
	copy(buf[6:6+AuthKeySize], c.AuthKey)
	binary.BigEndian.PutUint64(buf[262:270], uint64(c.UserID))
	if c.IsBot {
		buf[270] = 1
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeSessionString unpacks a session string. The returned credential
// has OwnerID unset; callers bind it to a tenant themselves.
func DecodeSessionString(s string) (*Credential, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decoding session string: %w", err)
	}
	if len(raw) != sessionStringRawLen {
		return nil, fmt.Errorf("decoding session string: expected %d bytes, got %d", sessionStringRawLen, len(raw))
	}

	c := &Credential{
		DCID:     int(raw[0]),
		APIID:    int(binary.BigEndian.Uint32(raw[1:5])),
		TestMode: raw[5] != 0,
		AuthKey:  make([]byte, AuthKeySize),
		UserID:   int64(binary.BigEndian.Uint64(raw[262:270])),
		IsBot:    raw[270] != 0,
	}
	copy(c.AuthKey, raw[6:6+AuthKeySize])
	return c, nil
}
