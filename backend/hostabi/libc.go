package hostabi

import (
	"bytes"
	"context"
	"unicode"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// LibcName is the library RegisterLibc installs.
const LibcName = "c"

// RegisterLibc installs a small C library under LibcName: abs, labs,
// strlen, wcslen, strcmp, toupper, memset, memcpy and qsort.
func (m *Machine) RegisterLibc() error {
	return m.RegisterLibrary(LibcName,
		Symbol{Name: "abs", Routine: libcAbs, Ordinal: 1},
		Symbol{Name: "labs", Routine: libcAbs, Ordinal: 2},
		Symbol{Name: "strlen", Routine: libcStrlen, Ordinal: 3},
		Symbol{Name: "wcslen", Routine: libcWcslen, Ordinal: 4},
		Symbol{Name: "strcmp", Routine: libcStrcmp, Ordinal: 5},
		Symbol{Name: "toupper", Routine: libcToupper, Ordinal: 6},
		Symbol{Name: "memset", Routine: libcMemset, Ordinal: 7},
		Symbol{Name: "memcpy", Routine: libcMemcpy, Ordinal: 8},
		Symbol{Name: "qsort", Routine: libcQsort, Ordinal: 9},
	)
}

func libcAbs(_ context.Context, f *Frame) error {
	v := f.Int(0)
	if v < 0 {
		v = -v
	}
	f.SetInt(v)
	return nil
}

func libcStrlen(_ context.Context, f *Frame) error {
	s, err := f.CString(0)
	if err != nil {
		return err
	}
	f.SetUint(uint64(len(s)))
	return nil
}

func libcWcslen(_ context.Context, f *Frame) error {
	unit := uint64(f.Target().WCharSize)
	s, err := f.m.scan(f.Pointer(0), unit)
	if err != nil {
		return err
	}
	f.SetUint(uint64(len(s)) / unit)
	return nil
}

func libcStrcmp(_ context.Context, f *Frame) error {
	a, err := f.CString(0)
	if err != nil {
		return err
	}
	b, err := f.CString(1)
	if err != nil {
		return err
	}
	f.SetInt(int64(bytes.Compare(a, b)))
	return nil
}

func libcToupper(_ context.Context, f *Frame) error {
	c := f.Int(0)
	if c >= 0 && c < 0x80 {
		c = int64(unicode.ToUpper(rune(c)))
	}
	f.SetInt(c)
	return nil
}

func libcMemset(_ context.Context, f *Frame) error {
	dst := f.Pointer(0)
	if err := f.Memory().Fill(dst, byte(f.Int(1)), f.Uint(2)); err != nil {
		return err
	}
	f.SetPointer(dst)
	return nil
}

func libcMemcpy(_ context.Context, f *Frame) error {
	dst := f.Pointer(0)
	if err := f.Memory().Move(dst, f.Pointer(1), f.Uint(2)); err != nil {
		return err
	}
	f.SetPointer(dst)
	return nil
}

// libcQsort sorts in place with an insertion sort, calling the comparator
// with pointers into the array like the C routine does.
func libcQsort(_ context.Context, f *Frame) error {
	base, n, size, cmp := f.Pointer(0), f.Uint(1), f.Uint(2), f.Pointer(3)
	if cmp == ffiruntime.Null {
		return errors.NullPointer(errors.PhaseCall, "comparator")
	}
	mem := f.Memory()
	at := func(i uint64) ffiruntime.Addr { return base + ffiruntime.Addr(i*size) }
	less := func(i, j uint64) (bool, error) {
		out, err := f.Call(cmp, abiSint32, f.PointerArg(at(i)), f.PointerArg(at(j)))
		if err != nil {
			return false, err
		}
		return int32(f.m.order.Uint32(out)) < 0, nil
	}
	swap := func(i, j uint64) error {
		a, err := mem.Read(at(i), size)
		if err != nil {
			return err
		}
		b, err := mem.Read(at(j), size)
		if err != nil {
			return err
		}
		if err := mem.Write(at(i), b); err != nil {
			return err
		}
		return mem.Write(at(j), a)
	}
	for i := uint64(1); i < n; i++ {
		for j := i; j > 0; j-- {
			ok, err := less(j, j-1)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := swap(j, j-1); err != nil {
				return err
			}
		}
	}
	return nil
}
