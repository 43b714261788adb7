package fine

import "fmt"

// Op is an opcode for a FUSE operation.
type Op uint32

// Supported opcodes.
const (
	OpLookup        Op = 1
	OpForget        Op = 2 // Has no response
	OpGetattr       Op = 3
	OpSetattr       Op = 4
	OpReadlink      Op = 5
	OpSymlink       Op = 6
	OpMknod         Op = 8
	OpMkdir         Op = 9
	OpUnlink        Op = 10
	OpRmdir         Op = 11
	OpRename        Op = 12
	OpLink          Op = 13
	OpOpen          Op = 14
	OpRead          Op = 15
	OpWrite         Op = 16
	OpStatfs        Op = 17
	OpRelease       Op = 18
	OpFsync         Op = 20
	OpSetxattr      Op = 21
	OpGetxattr      Op = 22
	OpListxattr     Op = 23
	OpRemovexattr   Op = 24
	OpFlush         Op = 25
	OpInit          Op = 26
	OpOpendir       Op = 27
	OpReaddir       Op = 28
	OpReleasedir    Op = 29
	OpFsyncDir      Op = 30
	OpGetLock       Op = 31
	OpSetLock       Op = 32
	OpSetLockWait   Op = 33
	OpAccess        Op = 34
	OpCreate        Op = 35
	OpInterrupt     Op = 36
	OpBmap          Op = 37
	OpDestroy       Op = 38
	OpIoctl         Op = 39
	OpPoll          Op = 40
	OpNotifyReply   Op = 41
	OpBatchForget   Op = 42 // Has no response
	OpFallocate     Op = 43
	OpReaddirplus   Op = 44
	OpRename2       Op = 45
	OpLseek         Op = 46
	OpCopyFileRange Op = 47
	OpSetupMapping  Op = 48
	OpRemoveMapping Op = 49

	// macOS only.
	OpSetvolname Op = 61
	OpGetxtimes  Op = 62
	OpExchange   Op = 63

	OpCUSEInit Op = 4096
)

type opInfo struct {
	name     string
	minMinor uint32 // Minimum protocol minor version where the op exists.
}

var opTable = map[Op]opInfo{
	OpLookup:        {"LOOKUP", 0},
	OpForget:        {"FORGET", 0},
	OpGetattr:       {"GETATTR", 0},
	OpSetattr:       {"SETATTR", 0},
	OpReadlink:      {"READLINK", 0},
	OpSymlink:       {"SYMLINK", 0},
	OpMknod:         {"MKNOD", 0},
	OpMkdir:         {"MKDIR", 0},
	OpUnlink:        {"UNLINK", 0},
	OpRmdir:         {"RMDIR", 0},
	OpRename:        {"RENAME", 0},
	OpLink:          {"LINK", 0},
	OpOpen:          {"OPEN", 0},
	OpRead:          {"READ", 0},
	OpWrite:         {"WRITE", 0},
	OpStatfs:        {"STATFS", 0},
	OpRelease:       {"RELEASE", 0},
	OpFsync:         {"FSYNC", 0},
	OpSetxattr:      {"SETXATTR", 0},
	OpGetxattr:      {"GETXATTR", 0},
	OpListxattr:     {"LISTXATTR", 0},
	OpRemovexattr:   {"REMOVEXATTR", 0},
	OpFlush:         {"FLUSH", 0},
	OpInit:          {"INIT", 0},
	OpOpendir:       {"OPENDIR", 0},
	OpReaddir:       {"READDIR", 0},
	OpReleasedir:    {"RELEASEDIR", 0},
	OpFsyncDir:      {"FSYNCDIR", 0},
	OpGetLock:       {"GETLK", 0},
	OpSetLock:       {"SETLK", 0},
	OpSetLockWait:   {"SETLKW", 0},
	OpAccess:        {"ACCESS", 0},
	OpCreate:        {"CREATE", 0},
	OpInterrupt:     {"INTERRUPT", 0},
	OpBmap:          {"BMAP", 0},
	OpDestroy:       {"DESTROY", 0},
	OpIoctl:         {"IOCTL", 11},
	OpPoll:          {"POLL", 11},
	OpNotifyReply:   {"NOTIFY_REPLY", 15},
	OpBatchForget:   {"BATCH_FORGET", 16},
	OpFallocate:     {"FALLOCATE", 19},
	OpReaddirplus:   {"READDIRPLUS", 21},
	OpRename2:       {"RENAME2", 23},
	OpLseek:         {"LSEEK", 24},
	OpCopyFileRange: {"COPY_FILE_RANGE", 28},
	OpSetupMapping:  {"SETUPMAPPING", 31},
	OpRemoveMapping: {"REMOVEMAPPING", 31},
	OpSetvolname:    {"SETVOLNAME", 0},
	OpGetxtimes:     {"GETXTIMES", 0},
	OpExchange:      {"EXCHANGE", 0},
	OpCUSEInit:      {"CUSE_INIT", 0},
}

// String returns the name of the op as used by the kernel headers.
func (o Op) String() string {
	if info, ok := opTable[o]; ok {
		return info.name
	}
	return fmt.Sprintf("OP_%d", uint32(o))
}

// MinMinor returns the minimum protocol minor version in which the kernel may
// send o. Operations which are never gated return 0.
func (o Op) MinMinor() uint32 {
	return opTable[o].minMinor
}

// SupportedBy returns true if o may be sent by a peer which negotiated v.
func (o Op) SupportedBy(v Version) bool {
	return v.Major == ProtocolVersion.Major && v.Minor >= o.MinMinor()
}

// NewEmptyRequest returns an empty request body for op. ErrorUnimplemented is
// returned for ops which have no request body.
func NewEmptyRequest(op Op) (Request, error) {
	switch op {
	case OpLookup:
		return &LookupRequest{}, nil
	case OpForget:
		return &ForgetRequest{}, nil
	case OpGetattr:
		return &GetattrRequest{}, nil
	case OpSetattr:
		return &SetattrRequest{}, nil
	case OpSymlink:
		return &SymlinkRequest{}, nil
	case OpMknod:
		return &MknodRequest{}, nil
	case OpMkdir:
		return &MkdirRequest{}, nil
	case OpUnlink:
		return &UnlinkRequest{}, nil
	case OpRmdir:
		return &RmdirRequest{}, nil
	case OpRename, OpRename2:
		return &RenameRequest{}, nil
	case OpLink:
		return &LinkRequest{}, nil
	case OpOpen, OpOpendir:
		return &OpenRequest{}, nil
	case OpRead, OpReaddir, OpReaddirplus:
		return &ReadRequest{}, nil
	case OpWrite:
		return &WriteRequest{}, nil
	case OpRelease, OpReleasedir:
		return &ReleaseRequest{}, nil
	case OpFsync, OpFsyncDir:
		return &FsyncRequest{}, nil
	case OpSetxattr:
		return &SetxattrRequest{}, nil
	case OpGetxattr:
		return &GetxattrRequest{}, nil
	case OpListxattr:
		return &ListxattrRequest{}, nil
	case OpRemovexattr:
		return &RemovexattrRequest{}, nil
	case OpFlush:
		return &FlushRequest{}, nil
	case OpInit:
		return &InitRequest{}, nil
	case OpGetLock, OpSetLock, OpSetLockWait:
		return &LockRequest{}, nil
	case OpAccess:
		return &AccessRequest{}, nil
	case OpCreate:
		return &CreateRequest{}, nil
	case OpInterrupt:
		return &InterruptRequest{}, nil
	case OpBmap:
		return &BmapRequest{}, nil
	case OpIoctl:
		return &IoctlRequest{}, nil
	case OpPoll:
		return &PollRequest{}, nil
	case OpBatchForget:
		return &BatchForgetRequest{}, nil
	case OpFallocate:
		return &FallocateRequest{}, nil
	case OpLseek:
		return &LseekRequest{}, nil
	case OpCopyFileRange:
		return &CopyFileRangeRequest{}, nil
	case OpSetvolname:
		return &SetvolnameRequest{}, nil
	case OpExchange:
		return &ExchangeRequest{}, nil
	default:
		return nil, ErrorUnimplemented
	}
}

// NewEmptyResponse returns an empty response body for op. ErrorUnimplemented
// is returned for ops which have no response body.
func NewEmptyResponse(op Op) (Response, error) {
	switch op {
	case OpLookup, OpSymlink, OpMknod, OpMkdir, OpLink:
		return &EntryResponse{}, nil
	case OpGetattr, OpSetattr:
		return &AttrResponse{}, nil
	case OpReadlink, OpRead:
		return &ReadResponse{}, nil
	case OpOpen, OpOpendir:
		return &OpenedResponse{}, nil
	case OpWrite, OpCopyFileRange:
		return &WriteResponse{}, nil
	case OpStatfs:
		return &StatfsResponse{}, nil
	case OpGetxattr, OpListxattr:
		return &XattrResponse{}, nil
	case OpInit:
		return &InitResponse{}, nil
	case OpReaddir:
		return &ReaddirResponse{}, nil
	case OpReaddirplus:
		return &ReaddirplusResponse{}, nil
	case OpGetLock:
		return &LockResponse{}, nil
	case OpCreate:
		return &CreateResponse{}, nil
	case OpBmap:
		return &BmapResponse{}, nil
	case OpIoctl:
		return &IoctlResponse{}, nil
	case OpPoll:
		return &PollResponse{}, nil
	case OpLseek:
		return &LseekResponse{}, nil
	case OpGetxtimes:
		return &XTimesResponse{}, nil
	default:
		return nil, ErrorUnimplemented
	}
}
