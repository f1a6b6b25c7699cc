package helpers

import (
	"runtime"
)

// WipeBytes overwrites b with zeros.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// Ensure the compiler/runtime keeps 'b' alive until after the overwrite.
	runtime.KeepAlive(b)
}

// WipeAll zeroes every chunk.
func WipeAll(chunks ...[]byte) {
	for _, c := range chunks {
		WipeBytes(c)
	}
}

func ConcatBytes(chunks ...[]byte) []byte {
	// Compute total size
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	// Single allocation
	out := make([]byte, total)

	i := 0
	for _, c := range chunks {
		i += copy(out[i:], c)
	}
	return out
}

// CloneBytes returns a copy of b, or nil for an empty slice.
func CloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
