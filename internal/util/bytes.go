package util

// CopyBytes returns a copy of src that shares no memory with it. A nil src
// yields an empty, non-nil slice.
func CopyBytes(src []byte) []byte {
	return append(make([]byte, 0, len(src)), src...)
}

// WipeBytes zeroes b in place. It is best effort: the runtime may already
// hold other copies.
func WipeBytes(b []byte) {
	clear(b)
}
