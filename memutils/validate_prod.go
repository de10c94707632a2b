//go:build !debug_mem_utils

package memutils

// DebugValidate panics if the block fails its own consistency checks. It only does anything in
// builds with the debug_mem_utils tag.
func DebugValidate(block interface{ Validate() error }) {
}

// DebugCheckPow2 panics if value is not a power of two, in debug_mem_utils builds only
func DebugCheckPow2[T Number](value T, name string) {
}
