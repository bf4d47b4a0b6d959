package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/ffi-runtime/ctype"
)

// declFile is a set of aggregate declarations:
//
//	[[type]]
//	name = "node"
//	fields = [
//	  { name = "value", type = "c_int" },
//	  { name = "flags", type = "c_uint", bits = 3 },
//	  { name = "label", type = "c_char[16]" },
//	  { name = "next",  type = "node*" },
//	]
//
// Types may refer to each other in any order through pointers.
type declFile struct {
	Types []typeDecl `toml:"type"`
}

type typeDecl struct {
	Name      string      `toml:"name"`
	Kind      string      `toml:"kind"` // "struct" (default) or "union"
	Base      string      `toml:"base"`
	ByteOrder string      `toml:"byte_order"`
	Anonymous []string    `toml:"anonymous"`
	Fields    []fieldDecl `toml:"fields"`
	Pack      int         `toml:"pack"`
	Align     int         `toml:"align"`
}

type fieldDecl struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
	Bits int    `toml:"bits"`
}

// declare parses TOML declarations into s and returns the declared types
// in file order.
func declare(s *ctype.Store, data string) ([]*ctype.Type, error) {
	var f declFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("parse declarations: %w", err)
	}

	types := make([]*ctype.Type, len(f.Types))
	for i, d := range f.Types {
		if d.Base != "" {
			continue
		}
		t, err := d.newAggregate(s, nil, nil)
		if err != nil {
			return nil, err
		}
		types[i] = t
	}

	for i, d := range f.Types {
		fields := make([]ctype.FieldSpec, 0, len(d.Fields))
		for _, fd := range d.Fields {
			ft, err := parseType(s, fd.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", d.Name, fd.Name, err)
			}
			fields = append(fields, ctype.FieldSpec{Name: fd.Name, Type: ft, Bits: fd.Bits})
		}

		if d.Base == "" {
			if err := s.SetFields(types[i], fields); err != nil {
				return nil, err
			}
			continue
		}
		base, err := s.Lookup(d.Base)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name, err)
		}
		t, err := d.newAggregate(s, base, fields)
		if err != nil {
			return nil, err
		}
		types[i] = t
	}
	return types, nil
}

func (d typeDecl) newAggregate(s *ctype.Store, base *ctype.Type, fields []ctype.FieldSpec) (*ctype.Type, error) {
	spec := ctype.StructSpec{
		Name:      d.Name,
		Base:      base,
		ByteOrder: d.ByteOrder,
		Fields:    fields,
		Anonymous: d.Anonymous,
		Pack:      d.Pack,
		Align:     d.Align,
	}
	switch d.Kind {
	case "", "struct":
		return s.NewStruct(spec)
	case "union":
		return s.NewUnion(spec)
	default:
		return nil, fmt.Errorf("%s: unknown kind %q", d.Name, d.Kind)
	}
}

// parseType resolves a type expression: a type name followed by any
// sequence of "*" (pointer to) and "[N]" (array of N), applied left to
// right. "c_int[3][2]" is two arrays of three ints; "void*" is c_void_p.
func parseType(s *ctype.Store, expr string) (*ctype.Type, error) {
	expr = strings.TrimSpace(expr)
	end := strings.IndexAny(expr, "*[")
	if end < 0 {
		end = len(expr)
	}
	name := strings.TrimSpace(expr[:end])
	if name == "" {
		return nil, fmt.Errorf("type expression %q has no name", expr)
	}

	var t *ctype.Type
	void := name == "void"
	if !void {
		var err error
		if t, err = s.Lookup(name); err != nil {
			return nil, err
		}
	}

	rest := expr[end:]
	for rest != "" {
		switch rest[0] {
		case ' ':
			rest = rest[1:]
			continue
		case '*':
			p, err := s.PointerTo(t)
			if err != nil {
				return nil, err
			}
			t, void = p, false
			rest = rest[1:]
		case '[':
			closing := strings.IndexByte(rest, ']')
			if closing < 0 {
				return nil, fmt.Errorf("type expression %q: unterminated '['", expr)
			}
			n, err := strconv.Atoi(strings.TrimSpace(rest[1:closing]))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("type expression %q: bad array length", expr)
			}
			if void {
				return nil, fmt.Errorf("type expression %q: array of void", expr)
			}
			if t, err = s.ArrayOf(t, n); err != nil {
				return nil, err
			}
			rest = rest[closing+1:]
		default:
			return nil, fmt.Errorf("type expression %q: unexpected %q", expr, rest[0])
		}
	}
	if void {
		return nil, fmt.Errorf("type expression %q: void is only valid as a pointer target", expr)
	}
	return t, nil
}
