package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wippyai/ffi-runtime/ctype"
	"github.com/wippyai/ffi-runtime/runtime"
)

var callCmd = &cobra.Command{
	Use:   "call <function> [arg...]",
	Short: "Call a native function with scalar arguments",
	Long: `Resolves a function in a library and calls it. Without --wasm the
in-process C library subset is used; with --wasm the function is an
export of the given module.

  ffi call --argtypes c_int --restype c_int abs -- -7
  ffi call --argtypes c_char_p --restype c_size_t strlen hello`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().String("lib", "c", "library to open")
	callCmd.Flags().String("wasm", "", "wasm module providing the library")
	callCmd.Flags().StringSlice("argtypes", nil, "argument types, comma separated")
	callCmd.Flags().String("restype", "c_int", "result type, or \"void\"")
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var rt *runtime.Runtime
	if path, _ := cmd.Flags().GetString("wasm"); path != "" {
		wasm, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read module: %w", err)
		}
		rt, err = runtime.NewWasm(ctx, cfg, wasm)
		if err != nil {
			return err
		}
	} else {
		rt, err = runtime.New(cfg)
		if err != nil {
			return err
		}
	}
	defer rt.Close(ctx)

	store := rt.Store()
	argNames, _ := cmd.Flags().GetStringSlice("argtypes")
	argtypes := make([]*ctype.Type, len(argNames))
	for i, name := range argNames {
		if argtypes[i], err = parseType(store, name); err != nil {
			return err
		}
	}
	var restype *ctype.Type
	if name, _ := cmd.Flags().GetString("restype"); name != "void" {
		if restype, err = parseType(store, name); err != nil {
			return err
		}
	}
	ftype, err := store.FuncType(ctype.FuncSpec{Args: argtypes, Restype: restype})
	if err != nil {
		return err
	}

	libName, _ := cmd.Flags().GetString("lib")
	lib, err := rt.Open(libName)
	if err != nil {
		return err
	}
	defer lib.Close()
	fn, err := lib.Func(args[0], ftype)
	if err != nil {
		return err
	}

	values := make([]any, len(args)-1)
	for i, raw := range args[1:] {
		var t *ctype.Type
		if i < len(argtypes) {
			t = argtypes[i]
		}
		if values[i], err = parseArg(t, raw); err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
	}

	result, err := fn.Call(ctx, values...)
	if err != nil {
		return err
	}
	if b, ok := result.([]byte); ok {
		result = string(b)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}

// parseArg converts a command line word for an argument of type t. Words
// for untyped arguments are integers when they parse as one.
func parseArg(t *ctype.Type, raw string) (any, error) {
	if t == nil {
		if n, err := strconv.ParseInt(raw, 0, 64); err == nil {
			return n, nil
		}
		return raw, nil
	}
	if t.Kind() != ctype.KindScalar {
		return nil, fmt.Errorf("%s arguments cannot be given on the command line", t.Name())
	}
	switch t.Code() {
	case ctype.CodeFloat, ctype.CodeDouble:
		return strconv.ParseFloat(raw, 64)
	case ctype.CodeCharP:
		return []byte(raw), nil
	case ctype.CodeWCharP:
		return raw, nil
	case ctype.CodeBool:
		return strconv.ParseBool(raw)
	case ctype.CodeChar:
		if len(raw) != 1 {
			return nil, fmt.Errorf("c_char takes one byte, got %q", raw)
		}
		return []byte(raw), nil
	case ctype.CodeUByte, ctype.CodeUShort, ctype.CodeUInt, ctype.CodeULong, ctype.CodeULongLong:
		return strconv.ParseUint(raw, 0, 64)
	default:
		return strconv.ParseInt(raw, 0, 64)
	}
}
