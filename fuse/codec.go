package fuse

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
)

var errIncomplete = fmt.Errorf("fuse: incomplete message")

// recoverIncomplete converts a panic from argReader or argWriter into an
// error. Other panics are thrown back.
func recoverIncomplete(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if rerr, ok := r.(error); ok && errors.Is(rerr, errIncomplete) {
		*err = rerr
		return
	}
	panic(r)
}

// decodeRequest decodes a single message read from the FUSE device. minor
// is the negotiated protocol minor version, which selects the layout of
// messages that changed size over time. Failures are returned as a
// *fine.DecodeError carrying whatever header could be read.
func decodeRequest(l log.Logger, minor uint32, buf []byte) (hdr fine.RequestHeader, req fine.Request, err error) {
	defer func() {
		if err != nil {
			err = &fine.DecodeError{Header: hdr, Err: err}
		}
	}()
	defer recoverIncomplete(&err)

	ar := argReader{data: buf}

	rawHdr := readArg[rawInHeader](&ar)
	hdr = toRequestHeader(rawHdr)
	if rawHdr.Len != uint32(len(buf)) {
		return hdr, nil, fmt.Errorf("fuse: header length %d doesn't match message %d", rawHdr.Len, len(buf))
	}

	// Each case pops its arguments in the order the kernel lays them out,
	// declared together in a var group. Running out of data panics with
	// errIncomplete, which is turned into an error above.
	switch rawHdr.Opcode {
	default:
		// We purposefully don't implement a few opcodes, but we'd like to log a
		// warning if we come across an opcode we've never seen before.
		if _, known := bodylessOps[rawHdr.Opcode]; !known {
			level.Warn(l).Log("msg", "unknown opcode", "opcode", rawHdr.Opcode)
		}
		// Return an empty request body. The receiver must respond back to the
		// kernel with fine.ErrorUnimplemented, otherwise FUSE might hang.
		return hdr, nil, nil

	case fine.OpLookup:
		var (
			name = ar.String()
		)
		return hdr, &fine.LookupRequest{Name: name}, nil

	case fine.OpForget:
		var (
			in = readArg[rawForgetIn](&ar)
		)
		return hdr, &fine.ForgetRequest{NumLookups: in.NLookup}, nil

	case fine.OpGetattr:
		var (
			in = readArg[rawGetattrIn](&ar)
		)
		return hdr, &fine.GetattrRequest{
			Flags:  fine.GetAttribFlags(in.GetattrFlags),
			Handle: fine.Handle(in.Fh),
		}, nil

	case fine.OpSetattr:
		var (
			in = readArg[rawSetattrIn](&ar)
		)
		return hdr, &fine.SetattrRequest{
			UpdateMask: fine.AttribMask(in.Valid),
			Handle:     fine.Handle(in.Fh),
			Size:       in.Size,
			LockOwner:  fine.LockOwner(in.LockOwner),
			LastAccess: time.Unix(int64(in.Atime), int64(in.AtimeNsec)),
			LastModify: time.Unix(int64(in.Mtime), int64(in.MtimeNsec)),
			LastChange: time.Unix(int64(in.Ctime), int64(in.CtimeNsec)),
			Mode:       fine.ModeFromUnix(in.Mode),
			UID:        in.UID,
			GID:        in.GID,
		}, nil

	case fine.OpReadlink, fine.OpDestroy:
		return hdr, nil, nil

	case fine.OpSymlink:
		var (
			source   = ar.String()
			linkname = ar.String()
		)
		return hdr, &fine.SymlinkRequest{Source: source, LinkName: linkname}, nil

	case fine.OpMknod:
		var in rawMknodIn
		if minor < umaskMinor {
			compat := readArg[rawMknodInCompat](&ar)
			in.Mode, in.Rdev = compat.Mode, compat.Rdev
		} else {
			in = readArg[rawMknodIn](&ar)
		}
		name := ar.String()
		return hdr, &fine.MknodRequest{
			Mode:     fine.ModeFromUnix(in.Mode),
			DeviceID: in.Rdev,
			Umask:    fine.PermFromUnix(in.Umask),
			Name:     name,
		}, nil

	case fine.OpMkdir:
		var (
			in   = readArg[rawMkdirIn](&ar)
			name = ar.String()
		)
		return hdr, &fine.MkdirRequest{
			Mode:  fine.PermFromUnix(in.Mode),
			Umask: fine.PermFromUnix(in.Umask),
			Name:  name,
		}, nil

	case fine.OpUnlink:
		var (
			name = ar.String()
		)
		return hdr, &fine.UnlinkRequest{Name: name}, nil

	case fine.OpRmdir:
		var (
			name = ar.String()
		)
		return hdr, &fine.RmdirRequest{Name: name}, nil

	case fine.OpRename:
		var (
			in      = readArg[rawRenameIn](&ar)
			oldName = ar.String()
			newName = ar.String()
		)
		return hdr, &fine.RenameRequest{
			NewDir:  fine.Node(in.Newdir),
			OldName: oldName,
			NewName: newName,
		}, nil

	case fine.OpRename2:
		var (
			in      = readArg[rawRename2In](&ar)
			oldName = ar.String()
			newName = ar.String()
		)
		return hdr, &fine.RenameRequest{
			NewDir:  fine.Node(in.Newdir),
			OldName: oldName,
			NewName: newName,
			Flags:   fine.RenameFlags(in.Flags),
		}, nil

	case fine.OpLink:
		var (
			in      = readArg[rawLinkIn](&ar)
			newName = ar.String()
		)
		return hdr, &fine.LinkRequest{
			OldNode: fine.Node(in.OldNodeID),
			NewName: newName,
		}, nil

	case fine.OpOpen, fine.OpOpendir:
		var (
			in = readArg[rawOpenIn](&ar)
		)
		return hdr, &fine.OpenRequest{
			Flags: fine.FileFlags(in.Flags),
		}, nil

	case fine.OpRead, fine.OpReaddir, fine.OpReaddirplus:
		var (
			in = readArg[rawReadIn](&ar)
		)
		return hdr, &fine.ReadRequest{
			Handle:    fine.Handle(in.Fh),
			Offset:    in.Offset,
			Size:      in.Size,
			Flags:     fine.ReadFlags(in.ReadFlags),
			LockOwner: fine.LockOwner(in.LockOwner),
			FileFlags: fine.FileFlags(in.Flags),
		}, nil

	case fine.OpWrite:
		var (
			in   = readArg[rawWriteIn](&ar)
			data = ar.Bytes(int(in.Size))
		)
		return hdr, &fine.WriteRequest{
			Handle:    fine.Handle(in.Fh),
			Offset:    in.Offset,
			Flags:     fine.WriteFlags(in.WriteFlags),
			LockOwner: fine.LockOwner(in.LockOwner),
			FileFlags: fine.FileFlags(in.Flags),
			Data:      data,
		}, nil

	case fine.OpStatfs:
		return hdr, nil, nil

	case fine.OpRelease, fine.OpReleasedir:
		var (
			in = readArg[rawReleaseIn](&ar)
		)
		return hdr, &fine.ReleaseRequest{
			Handle:    fine.Handle(in.Fh),
			Flags:     fine.ReleaseFlags(in.ReleaseFlags),
			FileFlags: fine.FileFlags(in.Flags),
			LockOwner: fine.LockOwner(in.LockOwner),
		}, nil

	case fine.OpFsync, fine.OpFsyncDir:
		var (
			in = readArg[rawFsyncIn](&ar)
		)
		return hdr, &fine.FsyncRequest{
			Handle: fine.Handle(in.Fh),
			Flags:  fine.SyncFlags(in.FsyncFlags),
		}, nil

	case fine.OpSetxattr:
		var (
			in    = readArg[rawSetxattrIn](&ar)
			name  = ar.String()
			value = ar.Bytes(int(in.Size))
		)
		return hdr, &fine.SetxattrRequest{
			Name:  name,
			Value: value,
			Flags: fine.ExtendedAttribFlags(in.Flags),
		}, nil

	case fine.OpGetxattr:
		var (
			in   = readArg[rawGetxattrIn](&ar)
			name = ar.String()
		)
		return hdr, &fine.GetxattrRequest{Name: name, Size: in.Size}, nil

	case fine.OpListxattr:
		var (
			in = readArg[rawGetxattrIn](&ar)
		)
		return hdr, &fine.ListxattrRequest{Size: in.Size}, nil

	case fine.OpRemovexattr:
		var (
			name = ar.String()
		)
		return hdr, &fine.RemovexattrRequest{Name: name}, nil

	case fine.OpFlush:
		var (
			in = readArg[rawFlushIn](&ar)
		)
		return hdr, &fine.FlushRequest{
			Handle:    fine.Handle(in.Fh),
			LockOwner: fine.LockOwner(in.LockOwner),
		}, nil

	case fine.OpInit:
		var (
			in = readArg[rawInitIn](&ar)
		)
		return hdr, &fine.InitRequest{
			LatestVersion: fine.Version{Major: in.Major, Minor: in.Minor},
			MaxReadahead:  in.MaxReadahead,
			Flags:         fine.InitFlags(in.Flags),
		}, nil

	case fine.OpGetLock, fine.OpSetLock, fine.OpSetLockWait:
		var (
			in = readArg[rawLkIn](&ar)
		)
		return hdr, &fine.LockRequest{
			Handle: fine.Handle(in.Fh),
			Owner:  fine.LockOwner(in.Owner),
			Lock:   toLock(in.Lk),
			Flags:  fine.LockFlags(in.LkFlags),
			Sleep:  rawHdr.Opcode == fine.OpSetLockWait,
		}, nil

	case fine.OpAccess:
		var (
			in = readArg[rawAccessIn](&ar)
		)
		return hdr, &fine.AccessRequest{
			Mask: fine.PermFromUnix(in.Mask),
		}, nil

	case fine.OpCreate:
		var in rawCreateIn
		if minor < umaskMinor {
			compat := readArg[rawCreateInCompat](&ar)
			in.Flags, in.Mode = compat.Flags, compat.Mode
		} else {
			in = readArg[rawCreateIn](&ar)
		}
		name := ar.String()
		return hdr, &fine.CreateRequest{
			Flags: fine.FileFlags(in.Flags),
			Mode:  fine.ModeFromUnix(in.Mode),
			Umask: fine.PermFromUnix(in.Umask),
			Name:  name,
		}, nil

	case fine.OpInterrupt:
		var (
			in = readArg[rawInterruptIn](&ar)
		)
		return hdr, &fine.InterruptRequest{RequestID: in.Unique}, nil

	case fine.OpBmap:
		var (
			in = readArg[rawBmapIn](&ar)
		)
		return hdr, &fine.BmapRequest{BlockSize: in.BlockSize, Block: in.Block}, nil

	case fine.OpIoctl:
		var (
			in   = readArg[rawIoctlIn](&ar)
			data = ar.Bytes(int(in.InSize))
		)
		return hdr, &fine.IoctlRequest{
			Handle:  fine.Handle(in.Fh),
			Flags:   fine.DeviceControlFlags(in.Flags),
			Command: in.Cmd,
			Arg:     in.Arg,
			InData:  data,
			OutSize: in.OutSize,
		}, nil

	case fine.OpPoll:
		var (
			in = readArg[rawPollIn](&ar)
		)
		return hdr, &fine.PollRequest{
			Handle:       fine.Handle(in.Fh),
			KernelHandle: in.Kh,
			Flags:        fine.PollFlags(in.Flags),
			Events:       fine.PollEvents(in.Events),
		}, nil

	case fine.OpBatchForget:
		// BatchForget sends an array of arguments so we use the final type here
		// and the raw type in the loop.
		var (
			in    = readArg[rawBatchForgetIn](&ar)
			items = make([]fine.BatchForgetItem, 0, in.Count)
		)
		for i := 0; i < int(in.Count); i++ {
			item := readArg[rawForgetOne](&ar)
			items = append(items, fine.BatchForgetItem{
				Node:       fine.Node(item.NodeID),
				NumLookups: item.Nlookup,
			})
		}
		return hdr, &fine.BatchForgetRequest{Items: items}, nil

	case fine.OpFallocate:
		var (
			in = readArg[rawFallocateIn](&ar)
		)
		return hdr, &fine.FallocateRequest{
			Handle: fine.Handle(in.Fh),
			Offset: in.Offset,
			Length: in.Length,
			Mode:   in.Mode,
		}, nil

	case fine.OpLseek:
		var (
			in = readArg[rawLseekIn](&ar)
		)
		return hdr, &fine.LseekRequest{
			Handle: fine.Handle(in.Fh),
			Offset: in.Offset,
			Whence: in.Whence,
		}, nil

	case fine.OpCopyFileRange:
		var (
			in = readArg[rawCopyFileRangeIn](&ar)
		)
		return hdr, &fine.CopyFileRangeRequest{
			HandleIn:  fine.Handle(in.FhIn),
			OffsetIn:  in.OffIn,
			NodeOut:   fine.Node(in.NodeIDOut),
			HandleOut: fine.Handle(in.FhOut),
			OffsetOut: in.OffOut,
			Length:    in.Len,
			Flags:     in.Flags,
		}, nil

	case fine.OpSetvolname:
		var (
			name = ar.String()
		)
		return hdr, &fine.SetvolnameRequest{Name: name}, nil

	case fine.OpExchange:
		var (
			in      = readArg[rawExchangeIn](&ar)
			oldName = ar.String()
			newName = ar.String()
		)
		return hdr, &fine.ExchangeRequest{
			NewDir:  fine.Node(in.NewDir),
			OldName: oldName,
			NewName: newName,
			Options: in.Options,
		}, nil

	case fine.OpGetxtimes:
		return hdr, nil, nil
	}
}

// bodylessOps are known opcodes which are passed on without a request body.
var bodylessOps = map[fine.Op]struct{}{
	fine.OpNotifyReply:   {},
	fine.OpSetupMapping:  {},
	fine.OpRemoveMapping: {},
	fine.OpCUSEInit:      {},
}

// encodeResponse encodes a response to be written to the FUSE device.
func encodeResponse(h fine.ResponseHeader, resp fine.Response) (data []byte, err error) {
	defer recoverIncomplete(&err)

	var aw = newArgWriter(h)
	if aw.rawHeader.Error != 0 || resp == nil {
		return aw.Finish(), nil
	}

	// Arguments follow the header in kernel order. Structs go through
	// writeArg so no pointer into the growing buffer outlives a write.
	switch resp := resp.(type) {
	case *fine.EntryResponse:
		var (
			out = toRawEntryOut(resp.Entry)
		)
		writeArg(aw, out)

	case *fine.AttrResponse:
		var (
			out = rawAttrOut{
				AttrValid:     toSecondFrag(resp.TTL),
				AttrValidNsec: toNanosecondFrag(resp.TTL),
				Attr:          toRawAttr(resp.Attrib),
			}
		)
		writeArg(aw, out)

	case *fine.OpenedResponse:
		var (
			out = rawOpenOut{
				Fh:        uint64(resp.Handle),
				OpenFlags: uint32(resp.OpenedFlags),
			}
		)
		writeArg(aw, out)

	case *fine.ReadResponse:
		var (
			data = resp.Data
		)
		aw.Bytes(data)

	case *fine.WriteResponse:
		var (
			out = rawWriteOut{Size: resp.Written}
		)
		writeArg(aw, out)

	case *fine.StatfsResponse:
		var (
			out = rawStatfsOut{St: rawKstatfs{
				Blocks:  resp.Statfs.Blocks,
				Bfree:   resp.Statfs.BlocksFree,
				Bavail:  resp.Statfs.BlocksAvailable,
				Files:   resp.Statfs.Files,
				Ffree:   resp.Statfs.FilesFree,
				Bsize:   resp.Statfs.BlockSize,
				Namelen: resp.Statfs.NameLength,
				Frsize:  resp.Statfs.FragmentSize,
			}}
		)
		writeArg(aw, out)

	case *fine.XattrResponse:
		// A nil Data means the kernel probed for the size of the value.
		if resp.Data == nil {
			var (
				out = rawGetxattrOut{Size: resp.Size}
			)
			writeArg(aw, out)
			break
		}
		aw.Bytes(resp.Data)

	case *fine.InitResponse:
		var (
			out = rawInitOut{
				Major:               resp.EarliestVersion.Major,
				Minor:               resp.EarliestVersion.Minor,
				MaxReadahead:        resp.MaxReadahead,
				Flags:               uint32(resp.Flags),
				MaxBackground:       resp.MaxBackground,
				CongestionThreshold: resp.CongestionThreshold,
				MaxWrite:            resp.MaxWrite,
				TimeGran:            resp.TimeGran,
				MaxPages:            resp.MaxPages,
				MapAlignment:        resp.MapAlignment,
			}
		)
		if resp.EarliestVersion.Minor < initOutMinor {
			writeArg(aw, rawInitOutCompat{
				Major:               out.Major,
				Minor:               out.Minor,
				MaxReadahead:        out.MaxReadahead,
				Flags:               out.Flags,
				MaxBackground:       out.MaxBackground,
				CongestionThreshold: out.CongestionThreshold,
				MaxWrite:            out.MaxWrite,
			})
			break
		}
		writeArg(aw, out)

	case *fine.ReaddirResponse:
		// Linux expects to receive a list of (rawDirent, name) tuples for each
		// entry. Each tuple must start 64-bit aligned, so padding is added
		// after names when needed.
		for _, ent := range resp.Entries {
			writeDirent(aw, ent)
		}

	case *fine.ReaddirplusResponse:
		// Same as ReaddirResponse, but each dirent is preceded by an entry.
		for _, ent := range resp.Entries {
			var (
				out = toRawEntryOut(ent.Entry)
			)
			writeArg(aw, out)
			writeDirent(aw, ent.DirEntry)
		}

	case *fine.LockResponse:
		var (
			out = rawLkOut{Lk: toRawLock(resp.Lock)}
		)
		writeArg(aw, out)

	case *fine.CreateResponse:
		var (
			ent = toRawEntryOut(resp.Entry)
			out = rawOpenOut{
				Fh:        uint64(resp.Handle),
				OpenFlags: uint32(resp.OpenedFlags),
			}
		)
		writeArg(aw, ent)
		writeArg(aw, out)

	case *fine.BmapResponse:
		var (
			out = rawBmapOut{Block: resp.Block}
		)
		writeArg(aw, out)

	case *fine.IoctlResponse:
		var (
			out  = rawIoctlOut{Result: resp.Result}
			data = resp.Data
		)
		writeArg(aw, out)
		aw.Bytes(data)

	case *fine.PollResponse:
		var (
			out = rawPollOut{Revents: uint32(resp.Events)}
		)
		writeArg(aw, out)

	case *fine.LseekResponse:
		var (
			out = rawLseekOut{Offset: resp.Offset}
		)
		writeArg(aw, out)

	case *fine.XTimesResponse:
		var (
			out = rawGetxtimesOut{
				Bkuptime:     toUnix(resp.Backup),
				Crtime:       toUnix(resp.Create),
				BkuptimeNsec: toUnixNsOffset(resp.Backup),
				CrtimeNsec:   toUnixNsOffset(resp.Create),
			}
		)
		writeArg(aw, out)

	default:
		return nil, fmt.Errorf("unknown response type %T", resp)
	}

	return aw.Finish(), nil
}

// writeDirent writes a single padded directory entry.
func writeDirent(aw *argWriter, ent fine.DirEntry) {
	// The name for a directory entry doesn't have a NUL byte.
	nameBytes := []byte(ent.Name)

	rawEnt := rawDirent{
		Ino:     ent.Inode,
		Offset:  ent.Offset,
		NameLen: uint32(len(nameBytes)),
		Type:    uint32(ent.Type),
	}
	writeArg(aw, rawEnt)
	aw.Bytes(nameBytes)

	aw.Pad(fine.DirentSize(ent.Name) - int(unsafe.Sizeof(rawEnt)) - len(nameBytes))
}

// Convert types

func toSecondFrag(d time.Duration) uint64 {
	return uint64(d / time.Second)
}

func toNanosecondFrag(d time.Duration) uint32 {
	// Remove the seconds from the duration
	rem := d - d.Truncate(time.Second)
	return uint32(rem.Nanoseconds())
}

func toUnix(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func toUnixNsOffset(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Nanosecond())
}

func toRequestHeader(hdr rawInHeader) fine.RequestHeader {
	return fine.RequestHeader{
		Op:        hdr.Opcode,
		RequestID: hdr.Unique,
		Node:      fine.Node(hdr.NodeID),
		UID:       hdr.UID,
		GID:       hdr.GID,
		PID:       hdr.PID,
	}
}

func toRawEntryOut(in fine.Entry) rawEntryOut {
	return rawEntryOut{
		NodeID:         uint64(in.Node),
		Generation:     in.Generation,
		EntryValid:     toSecondFrag(in.EntryTTL),
		AttrValid:      toSecondFrag(in.AttribTTL),
		EntryValidNsec: toNanosecondFrag(in.EntryTTL),
		AttrValidNsec:  toNanosecondFrag(in.AttribTTL),
		Attr:           toRawAttr(in.Attrib),
	}
}

func toRawAttr(in fine.Attrib) rawAttr {
	return rawAttr{
		Inode:     in.Inode,
		Size:      in.Size,
		Blocks:    in.Blocks,
		Atime:     toUnix(in.LastAccess),
		Mtime:     toUnix(in.LastModify),
		Ctime:     toUnix(in.LastChange),
		ATimeNsec: toUnixNsOffset(in.LastAccess),
		MTimeNsec: toUnixNsOffset(in.LastModify),
		CTimeNsec: toUnixNsOffset(in.LastChange),
		Mode:      fine.ModeToUnix(in.Mode),
		Nlink:     in.HardLinks,
		UID:       in.UID,
		GID:       in.GID,
		RDev:      in.DeviceID,
		BlockSize: in.BlockSize,
	}
}

func toLock(in rawFileLock) fine.Lock {
	return fine.Lock{
		Start: in.Start,
		End:   in.End,
		Type:  fine.LockType(in.Type),
		PID:   in.PID,
	}
}

func toRawLock(in fine.Lock) rawFileLock {
	return rawFileLock{
		Start: in.Start,
		End:   in.End,
		Type:  uint32(in.Type),
		PID:   in.PID,
	}
}
