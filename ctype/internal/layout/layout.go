package layout

import "fmt"

// Member is one field to be placed.
type Member struct {
	Size    uint64
	Align   uint64
	BitSize int // 0 for ordinary fields
}

// Placement is where a member landed.
type Placement struct {
	Offset   uint64 // byte offset of the field, or of its storage unit for bitfields
	BitShift int    // shift of a bitfield inside its storage unit value
}

// Info is the computed layout of an aggregate.
type Info struct {
	Members []Placement
	Size    uint64
	Align   uint64
}

// Options controls aggregate placement.
type Options struct {
	Pack      uint64 // maximum member alignment, 0 for natural
	MinAlign  uint64 // explicit alignment request
	Start     uint64 // first free byte, the size of a base aggregate
	BaseAlign uint64
	Union     bool
	BigEndian bool // bitfields are numbered from the most significant bit
}

// ErrorKind enumerates layout failures.
type ErrorKind uint8

const (
	ErrBadPack ErrorKind = iota + 1
	ErrBadAlign
	ErrBitWidth
	ErrNegativeLength
	ErrOverflow
)

// Error is a layout computation failure.
type Error struct {
	Kind   ErrorKind
	Member int
	Value  int64
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ErrBadPack:
		return fmt.Sprintf("pack must be a non-negative power of two, got %d", e.Value)
	case ErrBadAlign:
		return fmt.Sprintf("align must be a non-negative power of two, got %d", e.Value)
	case ErrBitWidth:
		return fmt.Sprintf("number of bits invalid for bit field %d: %d", e.Member, e.Value)
	case ErrNegativeLength:
		return fmt.Sprintf("array length must be >= 0, not %d", e.Value)
	case ErrOverflow:
		return "array too large"
	default:
		return fmt.Sprintf("layout error kind=%d", e.Kind)
	}
}

// AlignUp rounds n up to a multiple of align.
func AlignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	r := n % align
	if r == 0 {
		return n
	}
	return n + (align - r)
}

func powerOfTwo(n uint64) bool {
	return n&(n-1) == 0
}

// Compute places members in declaration order.
//
// Ordinary members are aligned to min(align, pack). A bitfield occupies bits
// of a storage unit the size of its declared type; it starts at the next free
// bit unless it would straddle a unit boundary, in which case it moves to the
// next unit. Union members all start at offset zero.
func Compute(members []Member, opts Options) (Info, error) {
	if !powerOfTwo(opts.Pack) {
		return Info{}, &Error{Kind: ErrBadPack, Value: int64(opts.Pack)}
	}
	if !powerOfTwo(opts.MinAlign) {
		return Info{}, &Error{Kind: ErrBadAlign, Value: int64(opts.MinAlign)}
	}

	info := Info{Members: make([]Placement, len(members)), Align: 1}
	if opts.BaseAlign > info.Align {
		info.Align = opts.BaseAlign
	}
	bitpos := opts.Start * 8
	var size uint64

	for i, m := range members {
		align := m.Align
		if align == 0 {
			align = 1
		}
		if opts.Pack > 0 && align > opts.Pack {
			align = opts.Pack
		}
		if align > info.Align {
			info.Align = align
		}

		if m.BitSize != 0 {
			unitBits := m.Size * 8
			if m.BitSize < 0 || uint64(m.BitSize) > unitBits {
				return Info{}, &Error{Kind: ErrBitWidth, Member: i, Value: int64(m.BitSize)}
			}
			pos := bitpos
			if opts.Union {
				pos = 0
			}
			unit := (pos / 8) &^ (align - 1)
			inner := pos - unit*8
			if inner+uint64(m.BitSize) > unitBits {
				pos = AlignUp(pos, align*8)
				unit = pos / 8
				inner = 0
			}
			shift := int(inner)
			if opts.BigEndian {
				shift = int(unitBits - inner - uint64(m.BitSize))
			}
			info.Members[i] = Placement{Offset: unit, BitShift: shift}
			end := pos + uint64(m.BitSize)
			if opts.Union {
				size = max(size, unit+m.Size)
			} else {
				bitpos = end
				size = max(size, unit+m.Size)
			}
			continue
		}

		if opts.Union {
			info.Members[i] = Placement{Offset: 0}
			size = max(size, m.Size)
			continue
		}
		off := AlignUp((bitpos+7)/8, align)
		info.Members[i] = Placement{Offset: off}
		bitpos = (off + m.Size) * 8
		size = max(size, off+m.Size)
	}

	if !opts.Union {
		size = max(size, (bitpos+7)/8)
	}
	if opts.MinAlign > info.Align {
		info.Align = opts.MinAlign
	}
	size = max(size, opts.Start)
	info.Size = AlignUp(size, info.Align)
	return info, nil
}

// ArraySize returns elemSize*length, rejecting results above limit.
func ArraySize(elemSize uint64, length int, limit uint64) (uint64, error) {
	if length < 0 {
		return 0, &Error{Kind: ErrNegativeLength, Value: int64(length)}
	}
	n := uint64(length)
	if elemSize != 0 && n > limit/elemSize {
		return 0, &Error{Kind: ErrOverflow, Value: int64(length)}
	}
	return elemSize * n, nil
}
