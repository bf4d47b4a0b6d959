package codec

import (
	"encoding/binary"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"

	"github.com/wippyai/ffi-runtime/errors"
)

func wideEncoding(size int, order binary.ByteOrder) (encoding.Encoding, error) {
	big := order == binary.BigEndian
	switch size {
	case 2:
		e := unicode.LittleEndian
		if big {
			e = unicode.BigEndian
		}
		return unicode.UTF16(e, unicode.IgnoreBOM), nil
	case 4:
		e := utf32.LittleEndian
		if big {
			e = utf32.BigEndian
		}
		return utf32.UTF32(e, utf32.IgnoreBOM), nil
	}
	return nil, errors.Unsupported(errors.PhaseConvert, "wchar size")
}

// EncodeWide encodes s as wchar units without a terminator.
func EncodeWide(s string, size int, order binary.ByteOrder) ([]byte, error) {
	enc, err := wideEncoding(size, order)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConvert, errors.KindConversion, err, "encode wide string")
	}
	return out, nil
}

// DecodeWide decodes wchar units. Malformed units decode as U+FFFD.
func DecodeWide(b []byte, size int, order binary.ByteOrder) (string, error) {
	enc, err := wideEncoding(size, order)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.Wrap(errors.PhaseConvert, errors.KindConversion, err, "decode wide string")
	}
	return string(out), nil
}

// WideLen returns the number of bytes before the first NUL unit.
func WideLen(b []byte, size int) int {
	for i := 0; i+size <= len(b); i += size {
		zero := true
		for _, c := range b[i : i+size] {
			if c != 0 {
				zero = false
				break
			}
		}
		if zero {
			return i
		}
	}
	return len(b) - len(b)%size
}
