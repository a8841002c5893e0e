package encoding

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 converts a slice of bytes (WIN1252) to a UTF-8 string.
// Trailing CHAR padding is trimmed
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: return raw string if decoding fails (better than crashing)
		return string(b)
	}

	return strings.TrimSpace(string(decoded))
}

// DecodeValue normalizes a value scanned from Firebird: raw bytes are decoded
// from WIN1252, anything else is returned unchanged
func DecodeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return ToUTF8(b)
	}
	return v
}
