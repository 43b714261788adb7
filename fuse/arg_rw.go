package fuse

import (
	"bytes"
	"unsafe"

	"github.com/rfratto/fine"
)

// argReader pops FUSE arguments off the front of a message. Reading past the
// end of the message panics with errIncomplete; decodeRequest recovers it.
type argReader struct {
	data []byte
	off  int
}

// take consumes and returns the next n bytes without copying.
func (ar *argReader) take(n int) []byte {
	if n < 0 || len(ar.data)-ar.off < n {
		panic(errIncomplete)
	}
	b := ar.data[ar.off : ar.off+n : ar.off+n]
	ar.off += n
	return b
}

// String pops a NUL-terminated string.
func (ar *argReader) String() string {
	nul := bytes.IndexByte(ar.data[ar.off:], 0)
	if nul == -1 {
		panic(errIncomplete)
	}
	s := string(ar.take(nul))
	ar.take(1)
	return s
}

// Bytes pops a copy of the next n bytes.
func (ar *argReader) Bytes(n int) []byte {
	return append([]byte(nil), ar.take(n)...)
}

// Pointer pops sz bytes and returns a pointer to them inside the message.
func (ar *argReader) Pointer(sz uintptr) unsafe.Pointer {
	b := ar.take(int(sz))
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// readArg pops a fixed-size kernel struct of type T.
func readArg[T any](ar *argReader) T {
	var v T
	return *(*T)(ar.Pointer(unsafe.Sizeof(v)))
}

// writeArg appends a fixed-size kernel struct.
func writeArg[T any](aw *argWriter, v T) {
	*(*T)(aw.Pointer(unsafe.Sizeof(v))) = v
}

// argWriter builds a response message. The out header is reserved up front
// and its length is filled in by Finish.
type argWriter struct {
	rawHeader rawOutHeader
	buf       []byte
}

func newArgWriter(hdr fine.ResponseHeader) *argWriter {
	aw := &argWriter{
		rawHeader: rawOutHeader{
			Error:  int32(hdr.Error),
			Unique: hdr.RequestID,
		},
		buf: make([]byte, 0, 256),
	}
	aw.reserve(int(unsafe.Sizeof(rawOutHeader{})))
	return aw
}

// reserve grows the message by n zeroed bytes and returns them. Slices
// returned by earlier calls may no longer alias the message.
func (aw *argWriter) reserve(n int) []byte {
	off := len(aw.buf)
	if cap(aw.buf)-off < n {
		grown := make([]byte, off, 2*cap(aw.buf)+n)
		copy(grown, aw.buf)
		aw.buf = grown
	}
	aw.buf = aw.buf[:off+n]
	out := aw.buf[off:]
	for i := range out {
		out[i] = 0
	}
	return out
}

// String writes s followed by a NUL byte.
func (aw *argWriter) String(s string) {
	copy(aw.reserve(len(s)+1), s)
}

// Bytes writes b as-is.
func (aw *argWriter) Bytes(b []byte) {
	copy(aw.reserve(len(b)), b)
}

// Pad writes n zero bytes.
func (aw *argWriter) Pad(n int) {
	if n > 0 {
		aw.reserve(n)
	}
}

// Pointer reserves sz bytes and returns a pointer to them for the caller to
// fill in immediately. The pointer is invalidated by the next write.
func (aw *argWriter) Pointer(sz uintptr) unsafe.Pointer {
	b := aw.reserve(int(sz))
	return unsafe.Pointer(&b[0])
}

// Finish stamps the final length into the out header and returns the
// message.
func (aw *argWriter) Finish() []byte {
	aw.rawHeader.Len = uint32(len(aw.buf))
	*(*rawOutHeader)(unsafe.Pointer(&aw.buf[0])) = aw.rawHeader
	return aw.buf
}
