package buffer

import "fmt"

// Appender merges a stored incomplete chunk with newly arrived data.
type Appender interface {
	Append(stored, next any) any
}

// AppenderFunc adapts a function to the Appender interface.
type AppenderFunc func(stored, next any) any

// Append implements Appender.
func (f AppenderFunc) Append(stored, next any) any { return f(stored, next) }

// Bytes merges byte chunks. Both sides may be []byte or [][]byte; the result
// is always a freshly allocated []byte so the stored chunk never aliases a
// transport buffer that is about to be reused.
var Bytes Appender = AppenderFunc(appendBytes)

func appendBytes(stored, next any) any {
	a := Flatten(stored)
	b := Flatten(next)
	out := make([]byte, len(a)+len(b))
	copy(out, a)
	copy(out[len(a):], b)
	return out
}

// Flatten returns the bytes held by v, which must be nil, []byte, [][]byte
// or Pooled.
func Flatten(v any) []byte {
	switch m := v.(type) {
	case nil:
		return nil
	case []byte:
		return m
	case Pooled:
		return Flatten([][]byte(m))
	case [][]byte:
		if len(m) == 1 {
			return m[0]
		}
		n := 0
		for _, p := range m {
			n += len(p)
		}
		out := make([]byte, 0, n)
		for _, p := range m {
			out = append(out, p...)
		}
		return out
	default:
		panic(fmt.Sprintf("buffer: cannot flatten %T", v))
	}
}

// Size reports the number of bytes held by v. Values that are not byte
// slices have size zero.
func Size(v any) int {
	switch m := v.(type) {
	case []byte:
		return len(m)
	case Pooled:
		return Size([][]byte(m))
	case [][]byte:
		n := 0
		for _, p := range m {
			n += len(p)
		}
		return n
	default:
		return 0
	}
}
