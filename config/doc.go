// Package config loads runtime configuration from TOML.
//
// A configuration file has five sections:
//
//	[target]                # data model of the native side
//	pointer_size = 8
//	long_size = 8
//	wchar_size = 4
//	byte_order = "little"
//
//	[memory]                # simulated address space
//	base_address = 0x10000
//	guard_bytes = 16
//
//	[log]
//	level = "info"
//	development = false
//
//	[audit]
//	enabled = true
//	deny = ["ctypes.dlopen"]
//
//	[wasm]
//	heap_base = 0x10000
//	memory_limit_pages = 256
//
// Keys not listed above are rejected.
package config
