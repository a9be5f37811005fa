// Package bytebuf provides the byte sequence types shared by the arq and
// streamed packages: ByteArray, a cheaply concatenatable sequence of bytes,
// and Channel, a cursor view used to drain a ByteArray into a socket piece
// by piece.
package bytebuf

// ByteArray is a sequence of bytes built from one or more chunks. Concat and
// Sub do not copy; a contiguous form is materialized lazily the first time
// Bytes is called and cached afterwards.
type ByteArray struct {
	chunks [][]byte
	length int

	// flat caches the contiguous form, nil until first requested.
	flat []byte
}

// From wraps the given slice without copying. The caller must not modify the
// slice afterwards.
func From(b []byte) *ByteArray {
	return &ByteArray{
		chunks: [][]byte{b},
		length: len(b),
		flat:   b,
	}
}

// Copy duplicates the given slice into a fresh ByteArray.
func Copy(b []byte) *ByteArray {
	dup := make([]byte, len(b))
	copy(dup, b)
	return From(dup)
}

// Len returns the total number of bytes.
func (a *ByteArray) Len() int {
	if a == nil {
		return 0
	}
	return a.length
}

// Concat returns a ByteArray holding the bytes of a followed by the bytes of
// o. Neither operand is copied or modified; when one operand is empty the
// other one is returned as is.
func (a *ByteArray) Concat(o *ByteArray) *ByteArray {
	if a == nil || a.length == 0 {
		return o
	}
	if o == nil || o.length == 0 {
		return a
	}
	chunks := make([][]byte, 0, len(a.chunks)+len(o.chunks))
	chunks = append(chunks, a.chunks...)
	chunks = append(chunks, o.chunks...)
	return &ByteArray{chunks: chunks, length: a.length + o.length}
}

// Bytes returns the contiguous form. The result is built on first use and
// must be treated as read-only.
func (a *ByteArray) Bytes() []byte {
	if a == nil {
		return nil
	}
	if a.flat == nil {
		flat := make([]byte, 0, a.length)
		for _, c := range a.chunks {
			flat = append(flat, c...)
		}
		a.flat = flat
	}
	return a.flat
}

// Sub returns a view of length bytes starting at off.
func (a *ByteArray) Sub(off, length int) *ByteArray {
	if off < 0 || length < 0 || off+length > a.Len() {
		panic("bytebuf: Sub out of range")
	}
	if length == 0 {
		return &ByteArray{}
	}
	// fast path: the range lies inside a single chunk
	skip := off
	for _, c := range a.chunks {
		if skip < len(c) {
			if skip+length <= len(c) {
				return From(c[skip : skip+length])
			}
			break
		}
		skip -= len(c)
	}
	return From(a.Bytes()[off : off+length])
}

// At returns the byte at index i.
func (a *ByteArray) At(i int) byte {
	if i < 0 || i >= a.Len() {
		panic("bytebuf: At out of range")
	}
	for _, c := range a.chunks {
		if i < len(c) {
			return c[i]
		}
		i -= len(c)
	}
	panic("unreachable")
}
