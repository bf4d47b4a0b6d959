package cdata

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/errors"
)

// pickleSchema is bumped whenever the payload layout changes.
const pickleSchema uint16 = 1

type picklePayload struct {
	Attrs  map[string]any `msgpack:"attrs"`
	Type   string         `msgpack:"type"`
	Raw    []byte         `msgpack:"raw"`
	Schema uint16         `msgpack:"schema"`
}

func picklable(t *ctype.Type) error {
	if t.Has(ctype.FlagPointer | ctype.FlagHasPointer) {
		return errors.New(errors.PhasePickle, errors.KindUnsupported).
			Type(t.Name()).
			Detail("ctypes objects containing pointers cannot be pickled").
			Build()
	}
	return nil
}

// Pickle serializes o as its type name, its attributes and a copy of its
// memory. Types holding addresses are rejected.
func Pickle(o *Object) ([]byte, error) {
	if err := picklable(o.typ); err != nil {
		return nil, err
	}
	raw, err := o.Bytes()
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(&picklePayload{
		Schema: pickleSchema,
		Type:   o.typ.Name(),
		Attrs:  o.attrSnapshot(),
		Raw:    raw,
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhasePickle, errors.KindConversion, err, "encode pickle")
	}
	return data, nil
}

// Unpickle recreates an owned object from Pickle output. The type is
// resolved by name in the environment's store.
func (e *Env) Unpickle(data []byte) (*Object, error) {
	var p picklePayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.PhasePickle, errors.KindConversion, err, "decode pickle")
	}
	if p.Schema != pickleSchema {
		return nil, errors.New(errors.PhasePickle, errors.KindUnsupported).
			Value(p.Schema).
			Detail("pickle schema %d, want %d", p.Schema, pickleSchema).
			Build()
	}
	t, err := e.Store.Lookup(p.Type)
	if err != nil {
		return nil, err
	}
	if err := picklable(t); err != nil {
		return nil, err
	}
	if uint64(len(p.Raw)) < t.Size() {
		return nil, errors.BufferTooSmall(errors.PhasePickle, t.Size(), uint64(len(p.Raw)))
	}
	o, err := e.New(t)
	if err != nil {
		return nil, err
	}
	if n := uint64(len(p.Raw)); n > t.Size() {
		if err := Resize(o, n); err != nil {
			return nil, err
		}
	}
	if err := o.write(0, p.Raw); err != nil {
		return nil, err
	}
	for k, v := range p.Attrs {
		o.SetAttr(k, v)
	}
	return o, nil
}
