package fuse

import "github.com/rfratto/fine"

// Raw FUSE types from Linux. These must match Linux's definitions verbatim,
// including padding fields, as their values are (unsafely) populated directly
// from a buf.
//
// `_` fields are used for padding, as structs must be 64-bit aligned.

// Protocol minor versions which changed the size of a message.
const (
	umaskMinor   = 12 // MKNOD and CREATE gained a umask.
	initOutMinor = 23 // INIT reply grew to its current size.
)

type rawAttr struct {
	Inode     uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	ATimeNsec uint32
	MTimeNsec uint32
	CTimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	RDev      uint32
	BlockSize uint32
	_         uint32
}

type rawEntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           rawAttr
}

type rawForgetIn struct {
	NLookup uint64
}

type rawForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

type rawBatchForgetIn struct {
	Count uint32
	_     uint32
}

type rawGetattrIn struct {
	GetattrFlags uint32
	_            uint32
	Fh           uint64
}

type rawAttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	_             uint32
	Attr          rawAttr
}

type rawMknodIn struct {
	Mode  uint32
	Rdev  uint32
	Umask uint32
	_     uint32
}

// rawMknodInCompat is sent by peers older than 7.12, which have no umask.
type rawMknodInCompat struct {
	Mode uint32
	Rdev uint32
}

type rawMkdirIn struct {
	Mode  uint32
	Umask uint32
}

type rawRenameIn struct {
	Newdir uint64
}

type rawRename2In struct {
	Newdir uint64
	Flags  uint32
	_      uint32
}

type rawLinkIn struct {
	OldNodeID uint64
}

type rawSetattrIn struct {
	Valid     uint32
	_         uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	_         uint32
	UID       uint32
	GID       uint32
	_         uint32
}

type rawOpenIn struct {
	Flags uint32
	_     uint32
}

type rawCreateIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32
	Padding uint32
}

// rawCreateInCompat is sent by peers older than 7.12.
type rawCreateInCompat struct {
	Flags uint32
	Mode  uint32
}

type rawOpenOut struct {
	Fh        uint64
	OpenFlags uint32
	_         uint32
}

type rawReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type rawFlushIn struct {
	Fh        uint64
	_         uint32
	_         uint32
	LockOwner uint64
}

type rawReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

type rawWriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

type rawWriteOut struct {
	Size uint32
	_    uint32
}

type rawKstatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	_       uint32
	_       [6]uint32
}

type rawStatfsOut struct {
	St rawKstatfs
}

type rawFsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	_          uint32
}

type rawSetxattrIn struct {
	Size  uint32
	Flags uint32
}

type rawGetxattrIn struct {
	Size uint32
	_    uint32
}

type rawGetxattrOut struct {
	Size uint32
	_    uint32
}

type rawFileLock struct {
	Start uint64
	End   uint64
	Type  uint32
	PID   uint32
}

type rawLkIn struct {
	Fh      uint64
	Owner   uint64
	Lk      rawFileLock
	LkFlags uint32
	_       uint32
}

type rawLkOut struct {
	Lk rawFileLock
}

type rawAccessIn struct {
	Mask uint32
	_    uint32
}

type rawInitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type rawInitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	MapAlignment        uint16
	_                   [8]uint32
}

// rawInitOutCompat is the INIT reply understood by peers older than 7.23.
type rawInitOutCompat struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
}

type rawInterruptIn struct {
	Unique uint64
}

type rawBmapIn struct {
	Block     uint64
	BlockSize uint32
	_         uint32
}

type rawBmapOut struct {
	Block uint64
}

type rawIoctlIn struct {
	Fh      uint64
	Flags   uint32
	Cmd     uint32
	Arg     uint64
	InSize  uint32
	OutSize uint32
}

type rawIoctlOut struct {
	Result  int32
	Flags   uint32
	InIovs  uint32
	OutIovs uint32
}

type rawPollIn struct {
	Fh     uint64
	Kh     uint64
	Flags  uint32
	Events uint32
}

type rawPollOut struct {
	Revents uint32
	_       uint32
}

type rawFallocateIn struct {
	Fh     uint64
	Offset uint64
	Length uint64
	Mode   uint32
	_      uint32
}

type rawInHeader struct {
	Len    uint32
	Opcode fine.Op
	Unique uint64
	NodeID uint64
	UID    uint32
	GID    uint32
	PID    uint32
	_      uint32
}

type rawOutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

type rawDirent struct {
	Ino     uint64
	Offset  uint64 // Offset of the next entry.
	NameLen uint32
	Type    uint32

	// Linux defines `char name[]` here, which has no size. The name is written
	// separately after the struct.
}

type rawLseekIn struct {
	Fh     uint64
	Offset uint64
	Whence uint32
	_      uint32
}

type rawLseekOut struct {
	Offset uint64
}

type rawCopyFileRangeIn struct {
	FhIn      uint64
	OffIn     uint64
	NodeIDOut uint64
	FhOut     uint64
	OffOut    uint64
	Len       uint64
	Flags     uint64
}

// macOS only.

type rawExchangeIn struct {
	OldDir  uint64
	NewDir  uint64
	Options uint64
}

type rawGetxtimesOut struct {
	Bkuptime     uint64
	Crtime       uint64
	BkuptimeNsec uint32
	CrtimeNsec   uint32
}
