package fuse

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/rfratto/fine"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	var (
		l      = log.NewNopLogger()
		latest = fine.ProtocolVersion.Minor
	)

	t.Run("lookup", func(t *testing.T) {
		hdr, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpLookup, 5, "hello.txt"))
		require.NoError(t, err)
		require.Equal(t, fine.RequestHeader{
			Op:        fine.OpLookup,
			RequestID: 42,
			Node:      5,
			UID:       1000,
			GID:       1001,
			PID:       7,
		}, hdr)
		require.Equal(t, &fine.LookupRequest{Name: "hello.txt"}, req)
	})

	t.Run("rename2 keeps flags", func(t *testing.T) {
		in := rawRename2In{Newdir: 9, Flags: uint32(fine.RenameExchange)}
		_, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpRename2, 1, in, "a", "b"))
		require.NoError(t, err)
		require.Equal(t, &fine.RenameRequest{
			NewDir:  9,
			OldName: "a",
			NewName: "b",
			Flags:   fine.RenameExchange,
		}, req)
	})

	t.Run("setxattr", func(t *testing.T) {
		in := rawSetxattrIn{Size: 3, Flags: uint32(fine.ExtendedAttribCreate)}
		_, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpSetxattr, 1, in, "user.test", []byte("abc")))
		require.NoError(t, err)
		require.Equal(t, &fine.SetxattrRequest{
			Name:  "user.test",
			Value: []byte("abc"),
			Flags: fine.ExtendedAttribCreate,
		}, req)
	})

	t.Run("listxattr size probe", func(t *testing.T) {
		_, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpListxattr, 1, rawGetxattrIn{}))
		require.NoError(t, err)
		require.Equal(t, &fine.ListxattrRequest{Size: 0}, req)
	})

	t.Run("setlkw sleeps", func(t *testing.T) {
		in := rawLkIn{
			Fh:    3,
			Owner: 4,
			Lk:    rawFileLock{Start: 10, End: 20, Type: uint32(fine.LockTypeWrite), PID: 99},
		}
		_, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpSetLockWait, 1, in))
		require.NoError(t, err)
		require.Equal(t, &fine.LockRequest{
			Handle: 3,
			Owner:  4,
			Lock:   fine.Lock{Start: 10, End: 20, Type: fine.LockTypeWrite, PID: 99},
			Sleep:  true,
		}, req)
	})

	t.Run("batch forget", func(t *testing.T) {
		_, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpBatchForget, 0,
			rawBatchForgetIn{Count: 2},
			rawForgetOne{NodeID: 2, Nlookup: 1},
			rawForgetOne{NodeID: 3, Nlookup: 5},
		))
		require.NoError(t, err)
		require.Equal(t, &fine.BatchForgetRequest{Items: []fine.BatchForgetItem{
			{Node: 2, NumLookups: 1},
			{Node: 3, NumLookups: 5},
		}}, req)
	})

	t.Run("mkdir keeps permissions", func(t *testing.T) {
		_, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpMkdir, 1, rawMkdirIn{Mode: 0755, Umask: 0022}, "dir"))
		require.NoError(t, err)
		require.Equal(t, &fine.MkdirRequest{Mode: 0755, Umask: 0022, Name: "dir"}, req)
	})

	t.Run("bodyless op", func(t *testing.T) {
		hdr, req, err := decodeRequest(l, latest, buildRequest(t, fine.OpStatfs, 1))
		require.NoError(t, err)
		require.Equal(t, fine.OpStatfs, hdr.Op)
		require.Nil(t, req)
	})

	t.Run("unknown op", func(t *testing.T) {
		hdr, req, err := decodeRequest(l, latest, buildRequest(t, fine.Op(9999), 1))
		require.NoError(t, err)
		require.Equal(t, fine.Op(9999), hdr.Op)
		require.Nil(t, req)
	})

	t.Run("incomplete message", func(t *testing.T) {
		in := rawWriteIn{Fh: 1, Size: 10}
		_, _, err := decodeRequest(l, latest, buildRequest(t, fine.OpWrite, 1, in, []byte("abcd")))
		require.ErrorIs(t, err, errIncomplete)

		// The header is still available so the request can be failed.
		var de *fine.DecodeError
		require.ErrorAs(t, err, &de)
		require.Equal(t, fine.OpWrite, de.Header.Op)
		require.Equal(t, uint64(42), de.Header.RequestID)
	})

	t.Run("truncated header", func(t *testing.T) {
		buf := buildRequest(t, fine.OpStatfs, 1)
		_, _, err := decodeRequest(l, latest, buf[:10])

		var de *fine.DecodeError
		require.ErrorAs(t, err, &de)
		require.Zero(t, de.Header.RequestID)
	})

	t.Run("mknod before umask", func(t *testing.T) {
		in := rawMknodInCompat{Mode: 0010644, Rdev: 3}
		_, req, err := decodeRequest(l, umaskMinor-1, buildRequest(t, fine.OpMknod, 1, in, "fifo"))
		require.NoError(t, err)
		require.Equal(t, &fine.MknodRequest{
			Mode:     fine.ModeFromUnix(0010644),
			DeviceID: 3,
			Name:     "fifo",
		}, req)
	})

	t.Run("create before umask", func(t *testing.T) {
		in := rawCreateInCompat{Flags: 2, Mode: 0600}
		_, req, err := decodeRequest(l, umaskMinor-1, buildRequest(t, fine.OpCreate, 1, in, "file"))
		require.NoError(t, err)
		require.Equal(t, &fine.CreateRequest{
			Flags: 2,
			Mode:  fine.ModeFromUnix(0600),
			Name:  "file",
		}, req)
	})

	t.Run("create with umask", func(t *testing.T) {
		in := rawCreateIn{Flags: 2, Mode: 0600, Umask: 0022}
		_, req, err := decodeRequest(l, umaskMinor, buildRequest(t, fine.OpCreate, 1, in, "file"))
		require.NoError(t, err)
		require.Equal(t, &fine.CreateRequest{
			Flags: 2,
			Mode:  fine.ModeFromUnix(0600),
			Umask: fine.PermFromUnix(0022),
			Name:  "file",
		}, req)
	})

	t.Run("missing string terminator", func(t *testing.T) {
		_, _, err := decodeRequest(l, latest, buildRequest(t, fine.OpLookup, 1, []byte("no-nul")))
		require.ErrorIs(t, err, errIncomplete)
	})

	t.Run("length mismatch", func(t *testing.T) {
		buf := buildRequest(t, fine.OpLookup, 1, "name")
		_, _, err := decodeRequest(l, latest, buf[:len(buf)-1])
		require.Error(t, err)
	})
}

func TestEncodeResponse(t *testing.T) {
	hdr := fine.ResponseHeader{Op: fine.OpLookup, RequestID: 42}

	t.Run("error only has header", func(t *testing.T) {
		errHdr := hdr
		errHdr.Error = fine.ErrorNotExist

		data, err := encodeResponse(errHdr, &fine.EntryResponse{})
		require.NoError(t, err)

		out := readOutHeader(t, data)
		require.Equal(t, rawOutHeader{
			Len:    uint32(unsafe.Sizeof(rawOutHeader{})),
			Error:  int32(fine.ErrorNotExist),
			Unique: 42,
		}, out)
	})

	t.Run("entry", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.EntryResponse{Entry: fine.Entry{
			Node:      7,
			EntryTTL:  1500 * time.Millisecond,
			AttribTTL: time.Second,
			Attrib:    fine.Attrib{Inode: 7, Size: 12, Mode: 0644, DeviceID: 3},
		}})
		require.NoError(t, err)
		require.Len(t, data, int(unsafe.Sizeof(rawOutHeader{})+unsafe.Sizeof(rawEntryOut{})))

		var out rawEntryOut
		r := bytes.NewReader(data[unsafe.Sizeof(rawOutHeader{}):])
		require.NoError(t, binary.Read(r, binary.LittleEndian, &out))
		require.Equal(t, uint64(7), out.NodeID)
		require.Equal(t, uint64(1), out.EntryValid)
		require.Equal(t, uint32(500*time.Millisecond), out.EntryValidNsec)
		require.Equal(t, uint32(0100644), out.Attr.Mode)
		require.Equal(t, uint32(3), out.Attr.RDev)
	})

	t.Run("readdir uses entry offsets", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.ReaddirResponse{Entries: []fine.DirEntry{
			{Inode: 2, Offset: 1, Type: fine.EntryRegular, Name: "a"},
			{Inode: 3, Offset: 2, Type: fine.EntryDirectory, Name: "hello world!"},
		}})
		require.NoError(t, err)

		body := data[unsafe.Sizeof(rawOutHeader{}):]
		require.Len(t, body, fine.DirentSize("a")+fine.DirentSize("hello world!"))

		r := bytes.NewReader(body)

		var first rawDirent
		require.NoError(t, binary.Read(r, binary.LittleEndian, &first))
		require.Equal(t, rawDirent{Ino: 2, Offset: 1, NameLen: 1, Type: uint32(fine.EntryRegular)}, first)
		_, _ = r.Seek(int64(fine.DirentSize("a")), 0)

		var second rawDirent
		require.NoError(t, binary.Read(r, binary.LittleEndian, &second))
		require.Equal(t, rawDirent{Ino: 3, Offset: 2, NameLen: 12, Type: uint32(fine.EntryDirectory)}, second)
	})

	t.Run("readdirplus", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.ReaddirplusResponse{Entries: []fine.DirPlusEntry{
			{Entry: fine.Entry{Node: 5}, DirEntry: fine.DirEntry{Inode: 5, Offset: 1, Name: "file"}},
		}})
		require.NoError(t, err)
		require.Len(t, data, int(unsafe.Sizeof(rawOutHeader{}))+fine.DirentPlusSize("file"))
	})

	t.Run("xattr size probe", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.XattrResponse{Size: 128})
		require.NoError(t, err)

		var out rawGetxattrOut
		r := bytes.NewReader(data[unsafe.Sizeof(rawOutHeader{}):])
		require.NoError(t, binary.Read(r, binary.LittleEndian, &out))
		require.Equal(t, uint32(128), out.Size)
	})

	t.Run("xattr data", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.XattrResponse{Size: 3, Data: []byte("abc")})
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), data[unsafe.Sizeof(rawOutHeader{}):])
	})

	t.Run("statfs", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.StatfsResponse{Statfs: fine.Statfs{
			Blocks:     100,
			BlockSize:  4096,
			NameLength: 255,
		}})
		require.NoError(t, err)
		require.Equal(t, uint32(len(data)), readOutHeader(t, data).Len)

		var out rawStatfsOut
		r := bytes.NewReader(data[unsafe.Sizeof(rawOutHeader{}):])
		require.NoError(t, binary.Read(r, binary.LittleEndian, &out))
		require.Equal(t, uint64(100), out.St.Blocks)
		require.Equal(t, uint32(4096), out.St.Bsize)
		require.Equal(t, uint32(255), out.St.Namelen)
	})

	t.Run("init", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.InitResponse{
			EarliestVersion: fine.Version{Major: 7, Minor: 31},
			MaxWrite:        128 * 1024,
			MaxPages:        32,
		})
		require.NoError(t, err)

		var out rawInitOut
		r := bytes.NewReader(data[unsafe.Sizeof(rawOutHeader{}):])
		require.NoError(t, binary.Read(r, binary.LittleEndian, &out))
		require.Equal(t, uint32(7), out.Major)
		require.Equal(t, uint32(31), out.Minor)
		require.Equal(t, uint32(128*1024), out.MaxWrite)
		require.Equal(t, uint16(32), out.MaxPages)
	})

	t.Run("init for older peers", func(t *testing.T) {
		data, err := encodeResponse(hdr, &fine.InitResponse{
			EarliestVersion: fine.Version{Major: 7, Minor: initOutMinor - 1},
			MaxWrite:        128 * 1024,
			MaxPages:        32,
		})
		require.NoError(t, err)
		require.Len(t, data, int(unsafe.Sizeof(rawOutHeader{})+unsafe.Sizeof(rawInitOutCompat{})))
		require.Equal(t, uint32(len(data)), readOutHeader(t, data).Len)

		var out rawInitOutCompat
		r := bytes.NewReader(data[unsafe.Sizeof(rawOutHeader{}):])
		require.NoError(t, binary.Read(r, binary.LittleEndian, &out))
		require.Equal(t, uint32(initOutMinor-1), out.Minor)
		require.Equal(t, uint32(128*1024), out.MaxWrite)
	})
}

func TestRawSizes(t *testing.T) {
	// Sizes of the structs in the Linux headers.
	require.Equal(t, uintptr(40), unsafe.Sizeof(rawInHeader{}))
	require.Equal(t, uintptr(16), unsafe.Sizeof(rawOutHeader{}))
	require.Equal(t, uintptr(88), unsafe.Sizeof(rawAttr{}))
	require.Equal(t, uintptr(128), unsafe.Sizeof(rawEntryOut{}))
	require.Equal(t, uintptr(24), unsafe.Sizeof(rawDirent{}))
	require.Equal(t, uintptr(80), unsafe.Sizeof(rawStatfsOut{}))
	require.Equal(t, uintptr(64), unsafe.Sizeof(rawInitOut{}))
	require.Equal(t, uintptr(24), unsafe.Sizeof(rawInitOutCompat{}))
	require.Equal(t, uintptr(8), unsafe.Sizeof(rawMknodInCompat{}))
	require.Equal(t, uintptr(8), unsafe.Sizeof(rawCreateInCompat{}))
	require.Equal(t, uintptr(48), unsafe.Sizeof(rawLkIn{}))
	require.Equal(t, uintptr(56), unsafe.Sizeof(rawCopyFileRangeIn{}))
}

// buildRequest encodes a request as the kernel would send it. Strings are
// NUL-terminated and byte slices are written as-is.
func buildRequest(t *testing.T, op fine.Op, node uint64, args ...interface{}) []byte {
	t.Helper()

	var body bytes.Buffer
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			body.WriteString(arg)
			body.WriteByte(0)
		case []byte:
			body.Write(arg)
		default:
			require.NoError(t, binary.Write(&body, binary.LittleEndian, arg))
		}
	}

	hdr := rawInHeader{
		Len:    uint32(unsafe.Sizeof(rawInHeader{})) + uint32(body.Len()),
		Opcode: op,
		Unique: 42,
		NodeID: node,
		UID:    1000,
		GID:    1001,
		PID:    7,
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func readOutHeader(t *testing.T, data []byte) rawOutHeader {
	t.Helper()

	var out rawOutHeader
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, &out))
	return out
}
