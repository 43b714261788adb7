package fine

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// ReplyFunc receives the outcome of a request. err is nil for successful
// replies; resp is nil for failures and for successes without a payload.
type ReplyFunc func(resp Response, err error)

// Reply is the write-once handle through which a filesystem answers a single
// request. Exactly one terminal method must be called before the filesystem
// returns from the operation. Later calls are logged and dropped.
//
// Filesystems receive one of the typed Reply* wrappers, which restrict the
// success payloads to the ones legal for the operation. Every wrapper also
// exposes Error.
type Reply struct {
	log  log.Logger
	op   Op
	sent atomic.Bool
	fn   ReplyFunc
}

// NewReply creates a Reply for op which passes its outcome to fn.
func NewReply(l log.Logger, op Op, fn ReplyFunc) *Reply {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Reply{log: l, op: op, fn: fn}
}

// Op returns the operation the reply is for.
func (r *Reply) Op() Op { return r.op }

// Sent returns true once a terminal method has been called.
func (r *Reply) Sent() bool { return r.sent.Load() }

// Error fails the request with err. Errors are converted into an errno by the
// dispatcher; use a fine.Error to pick a specific code. A nil err is treated
// as ErrorIO.
func (r *Reply) Error(err error) {
	if err == nil {
		level.Warn(r.log).Log("msg", "reply failed with nil error, replying with EIO", "op", r.op)
		err = ErrorIO
	}
	r.send(nil, err)
}

func (r *Reply) send(resp Response, err error) {
	if !r.sent.CAS(false, true) {
		level.Error(r.log).Log("msg", "dropping duplicate reply", "op", r.op, "err", err)
		return
	}
	if r.fn != nil {
		r.fn(resp, err)
	}
}

// Typed reply capabilities.
type (
	// ReplyEmpty answers operations which only report success or failure.
	ReplyEmpty struct{ *Reply }
	// ReplyData answers with raw bytes (Read, Readlink).
	ReplyData struct{ *Reply }
	// ReplyEntry answers with a directory entry (Lookup, Mknod, Mkdir,
	// Symlink, Link).
	ReplyEntry struct{ *Reply }
	// ReplyAttr answers with node attributes (Getattr, Setattr).
	ReplyAttr struct{ *Reply }
	// ReplyOpen answers Open and Opendir.
	ReplyOpen struct{ *Reply }
	// ReplyWrite answers with a count of written bytes (Write,
	// CopyFileRange).
	ReplyWrite struct{ *Reply }
	// ReplyStatfs answers Statfs.
	ReplyStatfs struct{ *Reply }
	// ReplyCreate answers Create.
	ReplyCreate struct{ *Reply }
	// ReplyLock answers Getlk.
	ReplyLock struct{ *Reply }
	// ReplyBmap answers Bmap.
	ReplyBmap struct{ *Reply }
	// ReplyIoctl answers Ioctl.
	ReplyIoctl struct{ *Reply }
	// ReplyPoll answers Poll.
	ReplyPoll struct{ *Reply }
	// ReplyLseek answers Lseek.
	ReplyLseek struct{ *Reply }
	// ReplyXTimes answers Getxtimes.
	ReplyXTimes struct{ *Reply }
)

// Ok succeeds the request.
func (r ReplyEmpty) Ok() { r.send(nil, nil) }

// Data succeeds the request with data. Reads must reply with exactly the
// requested number of bytes except at the end of the file.
func (r ReplyData) Data(data []byte) { r.send(&ReadResponse{Data: data}, nil) }

// Entry succeeds the request with e.
func (r ReplyEntry) Entry(e Entry) { r.send(&EntryResponse{Entry: e}, nil) }

// Attr succeeds the request with attributes which are valid for ttl.
func (r ReplyAttr) Attr(ttl time.Duration, a Attrib) {
	r.send(&AttrResponse{TTL: ttl, Attrib: a}, nil)
}

// Opened succeeds the request with a handle for the opened node.
func (r ReplyOpen) Opened(h Handle, flags OpenedFlags) {
	r.send(&OpenedResponse{Handle: h, OpenedFlags: flags}, nil)
}

// Written succeeds the request, reporting n accepted bytes.
func (r ReplyWrite) Written(n uint32) { r.send(&WriteResponse{Written: n}, nil) }

// Statfs succeeds the request with filesystem statistics.
func (r ReplyStatfs) Statfs(s Statfs) { r.send(&StatfsResponse{Statfs: s}, nil) }

// Created succeeds the request with the created node and its open handle.
func (r ReplyCreate) Created(e Entry, h Handle, flags OpenedFlags) {
	r.send(&CreateResponse{Entry: e, Handle: h, OpenedFlags: flags}, nil)
}

// Locked succeeds the request with the conflicting lock, or a lock of type
// LockTypeUnlock if there is no conflict.
func (r ReplyLock) Locked(l Lock) { r.send(&LockResponse{Lock: l}, nil) }

// Block succeeds the request with a device block index.
func (r ReplyBmap) Block(block uint64) { r.send(&BmapResponse{Block: block}, nil) }

// Ioctl succeeds the request with the ioctl result and output data.
func (r ReplyIoctl) Ioctl(result int32, data []byte) {
	r.send(&IoctlResponse{Result: result, Data: data}, nil)
}

// Events succeeds the request with the ready poll events.
func (r ReplyPoll) Events(ev PollEvents) { r.send(&PollResponse{Events: ev}, nil) }

// Offset succeeds the request with the resulting file offset.
func (r ReplyLseek) Offset(off uint64) { r.send(&LseekResponse{Offset: off}, nil) }

// XTimes succeeds the request with the backup and creation times of a node.
func (r ReplyXTimes) XTimes(backup, create time.Time) {
	r.send(&XTimesResponse{Backup: backup, Create: create}, nil)
}

// ReplyXattr answers Getxattr and Listxattr. The reply knows the size the
// kernel asked for: a zero size is a probe for the size of the value.
type ReplyXattr struct {
	*Reply
	size uint32
}

// NewReplyXattr creates a ReplyXattr for a request that asked for size bytes.
func NewReplyXattr(r *Reply, size uint32) ReplyXattr {
	return ReplyXattr{Reply: r, size: size}
}

// RequestedSize returns the size the kernel asked for.
func (r ReplyXattr) RequestedSize() uint32 { return r.size }

// Size succeeds a size probe, reporting that the value needs n bytes.
func (r ReplyXattr) Size(n uint32) { r.send(&XattrResponse{Size: n}, nil) }

// Data succeeds the request with data. If the request was a size probe, only
// the length of data is sent. If data doesn't fit in the requested size, the
// request fails with ErrorRange.
func (r ReplyXattr) Data(data []byte) {
	switch {
	case r.size == 0:
		r.Size(uint32(len(data)))
	case uint32(len(data)) > r.size:
		r.Error(ErrorRange)
	default:
		if data == nil {
			// A nil Data is encoded as a size probe.
			data = []byte{}
		}
		r.send(&XattrResponse{Size: uint32(len(data)), Data: data}, nil)
	}
}

// Encoded sizes of directory entries. Each entry is padded to 8 bytes.
const (
	direntHeaderSize = 24  // ino, off, namelen, type
	entryOutSize     = 128 // entry_out preceding a dirent in READDIRPLUS
)

func align8(n int) int { return (n + 7) &^ 7 }

// DirentSize returns the encoded size of a READDIR entry with the given name.
func DirentSize(name string) int { return align8(direntHeaderSize + len(name)) }

// DirentPlusSize returns the encoded size of a READDIRPLUS entry with the
// given name.
func DirentPlusSize(name string) int { return entryOutSize + DirentSize(name) }

// ReplyDirectory answers Readdir. Entries are buffered with Add until the
// budget given by the kernel is used up, then sent with Ok.
type ReplyDirectory struct {
	*Reply
	buf *dirBuffer
}

type dirBuffer struct {
	size, used int
	entries    []DirEntry
	plus       []DirPlusEntry
}

func (b *dirBuffer) reserve(n int) bool {
	if b.used+n > b.size {
		return false
	}
	b.used += n
	return true
}

// NewReplyDirectory creates a ReplyDirectory which holds at most size bytes
// of encoded entries.
func NewReplyDirectory(r *Reply, size uint32) ReplyDirectory {
	return ReplyDirectory{Reply: r, buf: &dirBuffer{size: int(size)}}
}

// Add buffers an entry. Add returns true if the buffer is full, in which case
// ent was not added and the filesystem should call Ok.
func (r ReplyDirectory) Add(ent DirEntry) (full bool) {
	if !r.buf.reserve(DirentSize(ent.Name)) {
		return true
	}
	r.buf.entries = append(r.buf.entries, ent)
	return false
}

// Ok sends the buffered entries. Sending no entries marks the end of the
// directory.
func (r ReplyDirectory) Ok() {
	r.send(&ReaddirResponse{Entries: r.buf.entries}, nil)
}

// ReplyDirectoryPlus answers Readdirplus. It works like ReplyDirectory, but
// each entry carries a full Entry for the node.
type ReplyDirectoryPlus struct {
	*Reply
	buf *dirBuffer
}

// NewReplyDirectoryPlus creates a ReplyDirectoryPlus which holds at most size
// bytes of encoded entries.
func NewReplyDirectoryPlus(r *Reply, size uint32) ReplyDirectoryPlus {
	return ReplyDirectoryPlus{Reply: r, buf: &dirBuffer{size: int(size)}}
}

// Add buffers an entry. Add returns true if the buffer is full, in which case
// ent was not added and the filesystem should call Ok.
func (r ReplyDirectoryPlus) Add(ent DirPlusEntry) (full bool) {
	if !r.buf.reserve(DirentPlusSize(ent.DirEntry.Name)) {
		return true
	}
	r.buf.plus = append(r.buf.plus, ent)
	return false
}

// Ok sends the buffered entries.
func (r ReplyDirectoryPlus) Ok() {
	r.send(&ReaddirplusResponse{Entries: r.buf.plus}, nil)
}
