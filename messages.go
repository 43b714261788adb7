package fine

import (
	"os"
	"time"
)

// Protocol types. Each type here is used as part of the request or response
// for a specific operation. Empty messages for an opcode can be created with
// NewEmptyRequest and NewEmptyResponse.
type (
	LookupRequest struct {
		Name string
	}
	EntryResponse struct {
		Entry Entry
	}

	ForgetRequest struct {
		NumLookups uint64
	}

	GetattrRequest struct {
		Flags  GetAttribFlags
		Handle Handle
	}
	SetattrRequest struct {
		UpdateMask AttribMask  // Mask indicating which fields to use for the update.
		Handle     Handle      // Handle to set attributes for.
		Size       uint64      // File size.
		LockOwner  LockOwner   // Owner of a lock.
		LastAccess time.Time   // Last time file was accessed.
		LastModify time.Time   // Last time file was modified.
		LastChange time.Time   // Last time file was updated.
		Mode       os.FileMode // File permissions.
		UID        uint32      // Owner UID
		GID        uint32      // Owner GID
	}
	AttrResponse struct {
		TTL    time.Duration // Cache validility of the attributes.
		Attrib Attrib        // Attribute data
	}

	SymlinkRequest struct {
		Source   string // File being created
		LinkName string // File being linked to
	}

	MknodRequest struct {
		Mode     os.FileMode // Permissions for the file
		DeviceID uint32      // Device ID for the special file
		Umask    os.FileMode // Umask of the request
		Name     string      // Name of the file
	}

	MkdirRequest struct {
		Mode  os.FileMode
		Umask os.FileMode
		Name  string
	}

	UnlinkRequest struct {
		Name string
	}

	RmdirRequest struct {
		Name string
	}

	// RenameRequest moves OldName in the request node to NewName in NewDir.
	// Flags are only sent by peers which support RENAME2 and are otherwise 0.
	RenameRequest struct {
		NewDir           Node
		OldName, NewName string
		Flags            RenameFlags
	}

	LinkRequest struct {
		OldNode Node
		NewName string
	}

	OpenRequest struct {
		Flags FileFlags
	}
	OpenedResponse struct {
		Handle      Handle
		OpenedFlags OpenedFlags
	}

	ReadRequest struct {
		Handle    Handle
		Offset    uint64
		Size      uint32
		Flags     ReadFlags
		LockOwner LockOwner
		FileFlags FileFlags
	}
	// ReadResponse holds raw data. It is used for Read and Readlink.
	ReadResponse struct {
		Data []byte
	}

	WriteRequest struct {
		Handle    Handle     // Handle to write to
		Offset    uint64     // Offset in the handle to write
		Data      []byte     // Data to write
		Flags     WriteFlags // Flags for writing
		LockOwner LockOwner  // Owner of the write lock, if one exists.
		FileFlags FileFlags  // Permissions for writing
	}
	WriteResponse struct {
		Written uint32 // Written bytes
	}

	StatfsResponse struct {
		Statfs Statfs
	}

	ReleaseRequest struct {
		Handle    Handle
		Flags     ReleaseFlags
		FileFlags FileFlags
		LockOwner LockOwner
	}

	FsyncRequest struct {
		Handle Handle
		Flags  SyncFlags
	}

	SetxattrRequest struct {
		Name     string
		Value    []byte
		Flags    ExtendedAttribFlags
		Position uint32 // Resource fork offset. macOS only.
	}

	// GetxattrRequest asks for the value of the extended attribute Name. If
	// Size is zero, only the size of the value is requested.
	GetxattrRequest struct {
		Name string
		Size uint32
	}

	// ListxattrRequest asks for the NUL-separated list of attribute names. If
	// Size is zero, only the size of the list is requested.
	ListxattrRequest struct {
		Size uint32
	}

	// XattrResponse holds either a size (when Data is nil) or attribute data.
	XattrResponse struct {
		Size uint32
		Data []byte
	}

	RemovexattrRequest struct {
		Name string
	}

	FlushRequest struct {
		Handle    Handle
		LockOwner LockOwner
	}

	InitRequest struct {
		LatestVersion Version   // LatestVersion supported by the driver
		MaxReadahead  uint32    // Length of data that can be prefetched
		Flags         InitFlags // Flags for the init
	}
	InitResponse struct {
		EarliestVersion     Version   // Earliest version supported by the filesystem
		MaxReadahead        uint32    // Length of data that can be prefetched
		Flags               InitFlags // Response init flags
		MaxBackground       uint16
		CongestionThreshold uint16
		MaxWrite            uint32
		TimeGran            uint32
		MaxPages            uint16
		MapAlignment        uint16
	}

	ReaddirResponse struct {
		Entries []DirEntry
	}

	ReaddirplusResponse struct {
		Entries []DirPlusEntry
	}

	// LockRequest is used by Getlk and Setlk. Sleep is set for SETLKW
	// requests, where the filesystem should wait for a conflicting lock to be
	// released.
	LockRequest struct {
		Handle Handle
		Owner  LockOwner
		Lock   Lock
		Flags  LockFlags
		Sleep  bool
	}
	LockResponse struct {
		Lock Lock
	}

	AccessRequest struct {
		Mask os.FileMode // Validate access for mask
	}

	CreateRequest struct {
		Flags FileFlags   // Flags for creation
		Mode  os.FileMode // File mode
		Umask os.FileMode // Umask for file
		Name  string      // Name of file to create
	}
	CreateResponse struct {
		Handle      Handle      // Handle to newly created node
		OpenedFlags OpenedFlags // Flags used for the create
		Entry       Entry       // Created node entry
	}

	// InterruptRequest interrupts an ongoing request. The interupted request
	// should return with ErrorInterrupted. Filesystems may ignore the context
	// cancelation that comes from an interrupt.
	InterruptRequest struct {
		RequestID uint64 // Request to interrupt
	}

	BmapRequest struct {
		BlockSize uint32
		Block     uint64
	}
	BmapResponse struct {
		Block uint64
	}

	IoctlRequest struct {
		Handle  Handle
		Flags   DeviceControlFlags
		Command uint32
		Arg     uint64
		InData  []byte
		OutSize uint32
	}
	IoctlResponse struct {
		Result int32
		Data   []byte
	}

	PollRequest struct {
		Handle       Handle
		KernelHandle uint64 // Used to send poll notifications.
		Flags        PollFlags
		Events       PollEvents
	}
	PollResponse struct {
		Events PollEvents
	}

	BatchForgetRequest struct {
		Items []BatchForgetItem
	}

	FallocateRequest struct {
		Handle Handle
		Offset uint64
		Length uint64
		Mode   uint32
	}

	LseekRequest struct {
		Handle Handle // Handle to seek in
		Offset uint64 // Offset to seek to, relative to whence
		Whence uint32 // Either seek relative to beginning, current position, or end.
	}
	LseekResponse struct {
		Offset uint64 // New offset in the file
	}

	// CopyFileRangeRequest copies Length bytes from the request node into
	// NodeOut. The response is a WriteResponse.
	CopyFileRangeRequest struct {
		HandleIn  Handle
		OffsetIn  uint64
		NodeOut   Node
		HandleOut Handle
		OffsetOut uint64
		Length    uint64
		Flags     uint64
	}

	// macOS only.

	SetvolnameRequest struct {
		Name string
	}

	ExchangeRequest struct {
		NewDir           Node
		OldName, NewName string
		Options          uint64
	}

	XTimesResponse struct {
		Backup time.Time
		Create time.Time
	}
)

//
// Request / Response type implementations
//

func (*LookupRequest) fineRequest()         {}
func (*EntryResponse) fineResponse()        {}
func (*ForgetRequest) fineRequest()         {}
func (*GetattrRequest) fineRequest()        {}
func (*SetattrRequest) fineRequest()        {}
func (*AttrResponse) fineResponse()         {}
func (*SymlinkRequest) fineRequest()        {}
func (*MknodRequest) fineRequest()          {}
func (*MkdirRequest) fineRequest()          {}
func (*UnlinkRequest) fineRequest()         {}
func (*RmdirRequest) fineRequest()          {}
func (*RenameRequest) fineRequest()         {}
func (*LinkRequest) fineRequest()           {}
func (*OpenRequest) fineRequest()           {}
func (*OpenedResponse) fineResponse()       {}
func (*ReadRequest) fineRequest()           {}
func (*ReadResponse) fineResponse()         {}
func (*WriteRequest) fineRequest()          {}
func (*WriteResponse) fineResponse()        {}
func (*StatfsResponse) fineResponse()       {}
func (*ReleaseRequest) fineRequest()        {}
func (*FsyncRequest) fineRequest()          {}
func (*SetxattrRequest) fineRequest()       {}
func (*GetxattrRequest) fineRequest()       {}
func (*ListxattrRequest) fineRequest()      {}
func (*XattrResponse) fineResponse()        {}
func (*RemovexattrRequest) fineRequest()    {}
func (*FlushRequest) fineRequest()          {}
func (*InitRequest) fineRequest()           {}
func (*InitResponse) fineResponse()         {}
func (*ReaddirResponse) fineResponse()      {}
func (*ReaddirplusResponse) fineResponse()  {}
func (*LockRequest) fineRequest()           {}
func (*LockResponse) fineResponse()         {}
func (*AccessRequest) fineRequest()         {}
func (*CreateRequest) fineRequest()         {}
func (*CreateResponse) fineResponse()       {}
func (*InterruptRequest) fineRequest()      {}
func (*BmapRequest) fineRequest()           {}
func (*BmapResponse) fineResponse()         {}
func (*IoctlRequest) fineRequest()          {}
func (*IoctlResponse) fineResponse()        {}
func (*PollRequest) fineRequest()           {}
func (*PollResponse) fineResponse()         {}
func (*BatchForgetRequest) fineRequest()    {}
func (*FallocateRequest) fineRequest()      {}
func (*LseekRequest) fineRequest()          {}
func (*LseekResponse) fineResponse()        {}
func (*CopyFileRangeRequest) fineRequest()  {}
func (*SetvolnameRequest) fineRequest()     {}
func (*ExchangeRequest) fineRequest()       {}
func (*XTimesResponse) fineResponse()       {}
