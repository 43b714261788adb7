package fine

import (
	"fmt"
	"os"
	"time"
)

var (
	// ProtocolVersion is the version of the protocol implemented by the
	// package. Peers speaking a newer minor version are negotiated down to it.
	ProtocolVersion = Version{Major: 7, Minor: 31}

	// MinVersion is the oldest protocol version a peer may negotiate. 7.9
	// is the oldest layout of GETATTR, READ, WRITE and attribute replies
	// that the fuse codec can decode.
	MinVersion = Version{Major: 7, Minor: 9}

	// RootNode represents the root filesystem. It always has inode ID 1.
	RootNode Node = Node(1)
)

// Version of the protocol.
type Version struct{ Major, Minor uint32 }

// String implements fmt.Stringer.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less returns true if v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// AtLeast returns true if v has the same major version as the protocol and a
// minor version of at least minor.
func (v Version) AtLeast(minor uint32) bool {
	return v.Major == ProtocolVersion.Major && v.Minor >= minor
}

// Identifiers which live for the duration of a session.
type (
	// Node identifies a file for as long as the kernel holds a lookup
	// reference to it. 0 is never valid and RootNode always exists.
	Node uint64

	// Handle identifies an open file or directory of a Node. A Handle is
	// unique until it is released and may then be reused.
	Handle uint64

	// LockOwner identifies the owner of a POSIX lock. Its value is opaque.
	LockOwner uint64
)

type (
	// RequestHeader precedes every request.
	RequestHeader struct {
		Op        Op
		RequestID uint64 // Echoed back in the ResponseHeader.
		Node      Node   // Target of the request; 0 for session-wide ops.

		// Credentials of the calling process.
		UID, GID, PID uint32
	}

	// ResponseHeader precedes every response. A non-zero Error means the
	// response carries no body.
	ResponseHeader struct {
		Op        Op
		RequestID uint64
		Error     Error
	}

	// Entry binds a Node to a name in the kernel's dentry cache. Every Entry
	// sent to the kernel adds one to the lookup count of Node.
	Entry struct {
		Node Node
		// Generation distinguishes reuses of the same Node value. Only
		// needed by filesystems which reuse Node values or are exported.
		Generation uint64
		EntryTTL   time.Duration // How long the name may be cached.
		AttribTTL  time.Duration // How long Attrib may be cached.
		Attrib     Attrib
	}

	// Attrib holds the stat(2) attributes of a Node.
	Attrib struct {
		Inode  uint64 // Reported st_ino; need not equal the Node.
		Size   uint64
		Blocks uint64 // In 512-byte units.

		LastAccess, LastModify, LastChange time.Time

		Mode      os.FileMode
		HardLinks uint32
		UID, GID  uint32
		DeviceID  uint32 // rdev of device nodes.
		BlockSize uint32 // Preferred I/O size.
	}

	// DirEntry is one entry of a Readdir reply. Offset is the position of the
	// next entry; the kernel passes it back as the offset of the following
	// Readdir.
	DirEntry struct {
		Inode  uint64
		Offset uint64
		Type   EntryType
		Name   string
	}

	// DirPlusEntry is one entry of a Readdirplus reply. A non-zero
	// Entry.Node counts as a lookup, the same as a Lookup reply.
	DirPlusEntry struct {
		Entry    Entry
		DirEntry DirEntry
	}

	// Lock describes a byte range lock over [Start, End].
	Lock struct {
		Start, End uint64
		Type       LockType
		PID        uint32 // Process holding the lock, for Getlk replies.
	}

	// BatchForgetItem is a single forget within a BatchForgetRequest.
	BatchForgetItem struct {
		Node       Node
		NumLookups uint64
	}

	// Statfs describes filesystem-wide usage.
	Statfs struct {
		Blocks          uint64 // Total data blocks, in FragmentSize units.
		BlocksFree      uint64 // Free blocks.
		BlocksAvailable uint64 // Free blocks available to unprivileged users.
		Files           uint64 // Total file nodes.
		FilesFree       uint64 // Free file nodes.
		BlockSize       uint32 // Preferred block size.
		NameLength      uint32 // Maximum length of file names.
		FragmentSize    uint32 // Fundamental block size.
	}
)

type (
	// EntryType is the file type stored in a directory entry. The values
	// match the DT_* constants of dirent.h.
	EntryType uint32

	// LockType is the l_type of a POSIX lock.
	LockType uint32
)

const (
	EntryUnknown    EntryType = 0x0
	EntryPipe       EntryType = 0x1
	EntryCharacter  EntryType = 0x2
	EntryDirectory  EntryType = 0x4
	EntryBlock      EntryType = 0x6
	EntryRegular    EntryType = 0x8
	EntryLink       EntryType = 0xa
	EntryUnixSocket EntryType = 0xc
	EntryWhiteout   EntryType = 0xe

	LockTypeRead   LockType = 0x0 // F_RDLCK
	LockTypeWrite  LockType = 0x1 // F_WRLCK
	LockTypeUnlock LockType = 0x2 // F_UNLCK; also "no conflict" in Getlk replies
)

// Bitmasks carried in requests and replies.
type (
	GetAttribFlags uint32 // Flags of a GetattrRequest.
	AttribMask     uint32 // Which fields of a SetattrRequest are set.
	FileFlags      uint32 // open(2) flags.
	OpenedFlags    uint32 // Flags of an Open or Create reply.
	ReadFlags      uint32
	WriteFlags     uint32
	ReleaseFlags   uint32
	SyncFlags      uint32

	// ExtendedAttribFlags are the XATTR_* flags of setxattr(2).
	ExtendedAttribFlags uint32

	// InitFlags are capabilities exchanged during the handshake. See
	// KernelConfig.
	InitFlags uint32

	LockFlags          uint32
	DeviceControlFlags uint32 // ioctl flags.
	PollFlags          uint32
	PollEvents         uint32 // poll(2) event bits.

	// RenameFlags are the RENAME_* flags of renameat2(2). Filesystems which
	// don't understand a flag should fail with ErrorInvalid.
	RenameFlags   uint32
	CUSEInitFlags uint32
)

const (
	// GetAttribFlagHandle request attributes for a handle instead of the node.
	GetAttribFlagHandle GetAttribFlags = (1 << 0)

	AttribMaskMode          AttribMask = 1 << 0  // The Mode field can be used
	AttribMaskUID           AttribMask = 1 << 1  // The UID field can be used
	AttribMaskGID           AttribMask = 1 << 2  // The GID field can be used
	AttribMaskSize          AttribMask = 1 << 3  // The Size field can be used
	AttribMaskLastAccess    AttribMask = 1 << 4  // The LastAccess field can be used
	AttribMaskLastModify    AttribMask = 1 << 5  // The LastModify field can be used
	AttribMaskFileHandle    AttribMask = 1 << 6  // The FileHandle field can be used
	AttribMaskLastAccessNow AttribMask = 1 << 7  // Update LastAccess to the current time
	AttribMaskLastModifyNow AttribMask = 1 << 8  // Update LastModify to the current time
	AttribMaskLockOwner     AttribMask = 1 << 9  // The LockOwner field can be used
	AttribMaskLastChange    AttribMask = 1 << 10 // The LastChange field can be used

	OpenReadOnly  FileFlags = 0x0 // Open the file for reading.
	OpenWriteOnly FileFlags = 0x1 // Open the file for writing.
	OpenReadWrite FileFlags = 0x2 // Open the file for reading and writing.
	OpenAccesMode FileFlags = 0x3 // Open the file to get access mode bits.

	OpenCreate    FileFlags = 0x40     // Create the file if it doesn't exist.
	OpenExclusive FileFlags = 0x80     // Open the file with an exclusive lock.
	OpenTruncate  FileFlags = 0x200    // Truncate file contents before opening for writing
	OpenAppend    FileFlags = 0x400    // Open with the file seeked to the end.
	OpenNonblock  FileFlags = 0x800    // Enable non-blocking IO against the open file.
	OpenDirectory FileFlags = 0x10000  // Open the file as a directory.
	OpenSync      FileFlags = 0x101000 // Enable synchronous writes

	OpenedDirectIO    OpenedFlags = 1 << 0 // Page cache should be bypassed when writing
	OpenedKeepCache   OpenedFlags = 1 << 1 // Existing page cache should be kept intact
	OpenedNonSeekable OpenedFlags = 1 << 2 // File does not support seeking
	OpenedCacheDir    OpenedFlags = 1 << 3 // Allow caching directory
	OpenedStream      OpenedFlags = 1 << 4 // The file is stream-like (it has no position)

	ReadLockOwner ReadFlags = 1 << 1 // Use LockOwner to check exclusive lock

	WriteCache     WriteFlags = 1 << 0 // Delayed write from cache
	WriteLockOwner WriteFlags = 1 << 1 // Lock owner field may be used for validating lock
	WriteKillPriv  WriteFlags = 1 << 2 // Kill suid and gid bits

	ReleaseFlush  ReleaseFlags = 1 << 0 // Flush the file after releasing
	ReleaseUnlock ReleaseFlags = 1 << 1 // Remove the lock after releasing

	SyncDataOnly SyncFlags = 1 << 0 // Only sync data, not file metadata

	ExtendedAttribCreate ExtendedAttribFlags = 0x1 // Fail if the attrib already exists
	ExtendedAttribReplace ExtendedAttribFlags = 0x2 // Fail if the attrib doesn't already exist

	InitAsyncRead               InitFlags = 1 << 0  // Use asynchronous read requests
	InitPOSIXLocks              InitFlags = 1 << 1  // Use POSIX file locks
	InitFileOps                 InitFlags = 1 << 2  // Kernel sends a file handle
	InitAtomicTruncate          InitFlags = 1 << 3  // OpenTruncate is handled in the filesystem
	InitExportSupport           InitFlags = 1 << 4  // Filesystem can handle "." and ".."
	InitBigWrites               InitFlags = 1 << 5  // Filesystem can handle writes larger than 4K
	InitNoUmask                 InitFlags = 1 << 6  // Don't apply Umask to file mode on create operations
	InitSpliceWrite             InitFlags = 1 << 7  // Kernel supports splice write on the device
	InitSpliceMove              InitFlags = 1 << 8  // Kernel supports splice move on the device
	InitSpliceRead              InitFlags = 1 << 9  // Kernel supports splice read on the device
	InitBSDLocks                InitFlags = 1 << 10 // Use BSD style locks
	InitDirIoctl                InitFlags = 1 << 11 // Kernel supports running ioctl on directories
	InitAutoInvalidateCache     InitFlags = 1 << 12 // Automatically invalidate cached pages
	InitUseReadDirPlus          InitFlags = 1 << 13 // Use ReadDirPlus instead of ReadDir
	InitAdaptiveReadDirPlus     InitFlags = 1 << 14 // Adaptive ReadDirPlus
	InitAsyncDIO                InitFlags = 1 << 15 // Asynchronous direct I/O submission
	InitWritebackCache          InitFlags = 1 << 16 // Use writeback cache for buffered writes
	InitZeroOpenSupport         InitFlags = 1 << 17 // Kernel supports zero-message opens
	InitParallelDirOps          InitFlags = 1 << 18 // Allow parallel operations on directories
	InitHandleKillpriv          InitFlags = 1 << 19 // Filesystem will kill suid/sgid/cap on write/chown/trunc
	InitACLSupportPOSIX         InitFlags = 1 << 20 // Filesystem has support for POSIX ACLs
	InitAbortError              InitFlags = 1 << 21 // Reading the device after abort will return ErrorAborted
	InitMaxPages                InitFlags = 1 << 22 // Set max pages on the init response
	InitCacheSymlinks           InitFlags = 1 << 23 // Cache respones for symblic links
	InitZeroOpenDirSupport      InitFlags = 1 << 24 // Kernel supports zero-message open directory
	InitExplicitCacheInvalidate InitFlags = 1 << 25 // Only invalidated caches after explicitly requested
	InitMapAlignment            InitFlags = 1 << 26 // Read MapAlignment field from init response

	// macOS only.
	InitCaseInsensitive InitFlags = 1 << 29 // Filesystem is case insensitive
	InitVolRename       InitFlags = 1 << 30 // Filesystem supports renaming the volume
	InitXTimes          InitFlags = 1 << 31 // Filesystem reports backup and creation times

	LockFlock LockFlags = 1 << 0 // BSD-style lock

	DeviceControlCompat       DeviceControlFlags = 1 << 0 // 32-bit compatible ioctl
	DeviceControlUnrestricted DeviceControlFlags = 1 << 1 // Allow retries
	DeviceControlRetry        DeviceControlFlags = 1 << 2 // Request should be retried
	DeviceControlBitSize32    DeviceControlFlags = 1 << 3 // Use 32bit ioctl
	DeviceControlDirectory    DeviceControlFlags = 1 << 4 // ioctl on a directory
	DeviceControlX32Compat    DeviceControlFlags = 1 << 5 // x32 ioctl on 64bit machine (64bit time_t)

	PollScheduleNotify PollFlags = 1 << 0 // Request poll notify

	PollEventsIn             PollEvents = 0x0001 // Data is available for reading
	PollEventsPriority       PollEvents = 0x0002 // There is an exceptional condition on the file
	PollEventsOut            PollEvents = 0x0004 // Writing is now possible
	PollEventsError          PollEvents = 0x0008 // Some returned error condition
	PollEventsHangup         PollEvents = 0x0010 // Peer closed connection
	PollEventsInvalid        PollEvents = 0x0020 // Invalid request
	PollEventsReadNormal     PollEvents = 0x0040 // There is data to read
	PollEventsReadOutOfBand  PollEvents = 0x0080 // Out of band data can be read
	PollEventsWriteNormal    PollEvents = 0x0100 // Writing is now possible
	PollEventsWriteOutOfBand PollEvents = 0x0200 // Out of band data can be written
	PollEventsReadHangup     PollEvents = 0x2000 // Stream socket peer closed connection
	DefaultPollMask          PollEvents = PollEventsIn | PollEventsOut | PollEventsReadNormal | PollEventsWriteNormal

	RenameNoReplace RenameFlags = 1 << 0 // Don't overwrite NewName if it already exists
	RenameExchange  RenameFlags = 1 << 1 // Atomically exchange the old and new file
	RenameWhiteout  RenameFlags = 1 << 2 // Create a whiteout object at the source.

	CUSEUnrestrictedIoctl CUSEInitFlags = 1 << 0 // Use unrestricted ioctl
)
