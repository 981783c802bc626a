package registry

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Clarity serialized value type prefixes.
const (
	clarityUInt        byte = 0x01
	clarityTrue        byte = 0x03
	clarityFalse       byte = 0x04
	clarityStringASCII byte = 0x0d
	clarityStringUTF8  byte = 0x0e
)

var errClarity = errors.New("clarity: malformed value")

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errClarity, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", errClarity)
	}
	return b, nil
}

// DecodeString decodes a serialized string-ascii or string-utf8 value.
func DecodeString(s string) (string, error) {
	b, err := decodeHex(s)
	if err != nil {
		return "", err
	}
	if b[0] != clarityStringASCII && b[0] != clarityStringUTF8 {
		return "", fmt.Errorf("%w: type 0x%02x is not a string", errClarity, b[0])
	}
	if len(b) < 5 {
		return "", fmt.Errorf("%w: truncated length", errClarity)
	}
	n := binary.BigEndian.Uint32(b[1:5])
	if uint64(len(b)-5) != uint64(n) {
		return "", fmt.Errorf("%w: length %d does not match %d payload bytes", errClarity, n, len(b)-5)
	}
	out := b[5:]
	if b[0] == clarityStringUTF8 && !utf8.Valid(out) {
		return "", fmt.Errorf("%w: invalid utf-8", errClarity)
	}
	return string(out), nil
}

// DecodeUint decodes a serialized uint128. Values above math.MaxUint64 are
// rejected rather than truncated.
func DecodeUint(s string) (uint64, error) {
	b, err := decodeHex(s)
	if err != nil {
		return 0, err
	}
	if b[0] != clarityUInt {
		return 0, fmt.Errorf("%w: type 0x%02x is not a uint", errClarity, b[0])
	}
	if len(b) != 17 {
		return 0, fmt.Errorf("%w: uint128 must be 16 bytes, got %d", errClarity, len(b)-1)
	}
	for _, hi := range b[1:9] {
		if hi != 0 {
			return 0, fmt.Errorf("%w: uint128 exceeds uint64", errClarity)
		}
	}
	return binary.BigEndian.Uint64(b[9:]), nil
}

// DecodeBool decodes a serialized bool.
func DecodeBool(s string) (bool, error) {
	b, err := decodeHex(s)
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		return false, fmt.Errorf("%w: bool must be 1 byte", errClarity)
	}
	switch b[0] {
	case clarityTrue:
		return true, nil
	case clarityFalse:
		return false, nil
	default:
		return false, fmt.Errorf("%w: type 0x%02x is not a bool", errClarity, b[0])
	}
}
