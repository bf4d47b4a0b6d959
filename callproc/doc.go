// Package callproc implements function-pointer objects and the call
// marshaller.
//
// A FuncPtr is a cdata object of a function signature type. It holds the
// entry address of a native routine, a virtual-table slot resolved from the
// first argument at call time, or a trampoline that calls back into Go.
//
// Calling a FuncPtr converts each managed argument with the from_param
// rules of its declared argument type, hands the resulting call arguments
// to the ABI backend and rebuilds the result through the restype. With
// parameter flags, output parameters are allocated by the marshaller and
// returned in declared order:
//
//	fp.SetParamFlags([]callproc.Param{
//		{Flags: callproc.ParamIn, Name: "x"},
//		{Flags: callproc.ParamOut, Name: "result"},
//	})
//	v, err := fp.Call(ctx, 21)
//
// No lock is held while the backend runs. Aggregates passed by value are
// snapshotted into their call arguments first.
package callproc
