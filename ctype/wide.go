package ctype

import (
	"github.com/wippyai/ffi-runtime/ctype/internal/codec"
	"github.com/wippyai/ffi-runtime/errors"
)

func (t *Type) wideUnit() (*Type, error) {
	u := t
	if t.kind != KindScalar {
		u = t.Elem()
	}
	if u == nil || u.kind != KindScalar || u.code != CodeWChar {
		return nil, errors.Unsupported(errors.PhaseConvert, "wide string access on "+t.name)
	}
	return u, nil
}

// EncodeWide encodes s in the wchar_t representation of t, which must be
// c_wchar or an array of or pointer to it. No terminator is added.
func (t *Type) EncodeWide(s string) ([]byte, error) {
	u, err := t.wideUnit()
	if err != nil {
		return nil, err
	}
	return codec.EncodeWide(s, int(u.size), u.order)
}

// DecodeWide decodes b up to the first NUL unit.
func (t *Type) DecodeWide(b []byte) (string, error) {
	u, err := t.wideUnit()
	if err != nil {
		return "", err
	}
	return codec.DecodeWide(b[:codec.WideLen(b, int(u.size))], int(u.size), u.order)
}
