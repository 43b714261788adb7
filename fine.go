// Package fine implements FUSE with network-layer support. FINE stands for
// "FIlesystem over NEtwork." It's not a perfect translation of FUSE, but
// it's... FINE.
//
// fine can be used with any kind of transport. Supported transports are
// the Linux kernel (via `/dev/fuse`) or gRPC. See the fuse and grpcfine
// packages respectively.
//
// The package holds the protocol model shared by every transport: message
// types, opcodes, reply capabilities, and the KernelConfig used to negotiate
// connection limits during the INIT handshake. Filesystems are written
// against the interfaces in the server package.
//
// fine was initially written against FUSE 7.31.
package fine

import "fmt"

// Request is used for protocol request messages which are sent by a kernel to
// the filesystem driver.
type Request interface {
	fineRequest()
}

// Response is used for protocol response message types which are sent from the
// filesystem driver after processing a request.
type Response interface {
	fineResponse()
}

// Transports are used to transmit FINE protocol messages. See subpackages for
// available transports.
type Transport interface {
	// RecvRequest will get the next request from the other side of the
	// connection. There will always be a request header, but some operations may
	// have empty (nil) requests.
	RecvRequest() (RequestHeader, Request, error)

	// SendResponse sends r to the other side of the connection. There must
	// always be a response header, but some operations do not have responses.
	SendResponse(h ResponseHeader, r Response) error

	// Close the connection.
	Close() error
}

// DecodeError is returned by Transport.RecvRequest when a message arrived
// but its body couldn't be decoded. The connection is still usable. Header
// holds whatever was read; a zero RequestID means the header itself was
// unreadable and no reply can be addressed.
type DecodeError struct {
	Header RequestHeader
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s request %d: %v", e.Header.Op, e.Header.RequestID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DefaultMaxWrite is the largest write payload used when a Transport doesn't
// report its own limit. Linux 4.2.0 caps this value at 128kB.
const DefaultMaxWrite uint32 = 128 * 1024

// MaxWriter is implemented by transports which have a fixed receive buffer.
// MaxWrite returns the largest write payload the transport can receive.
type MaxWriter interface {
	MaxWrite() uint32
}

// TransportMaxWrite returns the max write size supported by t.
func TransportMaxWrite(t Transport) uint32 {
	if mw, ok := t.(MaxWriter); ok {
		if n := mw.MaxWrite(); n > 0 {
			return n
		}
	}
	return DefaultMaxWrite
}
