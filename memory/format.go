package memory

import (
	"strconv"

	ffiruntime "github.com/wippyai/ffi-runtime"
)

func hexAddr(a ffiruntime.Addr) string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}
