package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of a block hash in bytes.
const HashSize = 32

// Hash is a fixed-size chain hash. The zero value means "no hash".
type Hash [HashSize]byte

// NewHash copies b into a Hash. Inputs longer than HashSize are truncated,
// shorter ones are left-aligned.
func NewHash(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// HashFromHex parses a hex-encoded hash, with or without a 0x prefix.
func HashFromHex(s string) (Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("invalid hash length: %d", len(b))
	}
	return NewHash(b), nil
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

// Equal reports byte equality.
func (h Hash) Equal(other Hash) bool { return bytes.Equal(h[:], other[:]) }

func (h Hash) String() string {
	return fmt.Sprintf("%X", h[:])
}

// MarshalText encodes the hash as uppercase hex. This is what makes
// hashes readable in JSON and in logfmt output.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex-encoded hash, with or without a 0x prefix.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
