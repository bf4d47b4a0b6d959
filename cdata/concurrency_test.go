package cdata

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/ffi-runtime/ctype"
)

// Workers share one root buffer through element views: each writes its own
// element and pointer field, reads the whole array, while the root is resized.
func TestConcurrentViewsOfOneRoot(t *testing.T) {
	env, _ := newTestEnv(t)
	cint := scalar(t, env, ctype.CodeInt)
	node := mustStruct(t, env, ctype.StructSpec{
		Name: "node",
		Fields: []ctype.FieldSpec{
			{Name: "x", Type: cint},
			{Name: "p", Type: mustPointer(t, env, cint)},
		},
	})
	const workers, rounds = 8, 200
	arr := mustNew(t, env, mustArray(t, env, node, workers))

	g, _ := errgroup.WithContext(context.Background())
	for w := range workers {
		g.Go(func() error {
			for i := range rounds {
				v, err := arr.Index(w)
				if err != nil {
					return err
				}
				elem := v.(*Object)
				want := int64(w*1000 + i)
				if err := elem.SetField("x", want); err != nil {
					return err
				}
				got, err := elem.Field("x")
				if err != nil {
					return err
				}
				if got != want {
					return fmt.Errorf("worker %d read x = %v, want %d", w, got, want)
				}

				target, err := env.New(cint, i)
				if err != nil {
					return err
				}
				p, err := Pointer(target)
				if err != nil {
					return err
				}
				if err := elem.SetField("p", p); err != nil {
					return err
				}
				if _, err := arr.Slice(0, workers); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := range 20 {
			if err := Resize(arr, arr.Type().Size()+uint64(16*(i+1))); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for w := range workers {
		v, err := arr.Index(w)
		if err != nil {
			t.Fatal(err)
		}
		elem := v.(*Object)
		if got := field(t, elem, "x"); got != int64(w*1000+rounds-1) {
			t.Errorf("node %d x = %v", w, got)
		}
		c, err := field(t, elem, "p").(*Object).Contents()
		if err != nil {
			t.Fatal(err)
		}
		if got := value(t, c); got != int64(rounds-1) {
			t.Errorf("node %d *p = %v", w, got)
		}
	}
}
