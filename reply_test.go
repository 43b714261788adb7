package fine

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

type capturedReply struct {
	calls int
	resp  Response
	err   error
}

func (c *capturedReply) reply(l log.Logger, op Op) *Reply {
	return NewReply(l, op, func(resp Response, err error) {
		c.calls++
		c.resp, c.err = resp, err
	})
}

func TestReply_Once(t *testing.T) {
	var (
		buf bytes.Buffer
		c   capturedReply
	)
	r := ReplyEntry{c.reply(log.NewLogfmtLogger(&buf), OpLookup)}

	require.False(t, r.Sent())
	r.Entry(Entry{Node: 5})
	require.True(t, r.Sent())

	r.Error(ErrorNotExist)
	r.Entry(Entry{Node: 6})

	require.Equal(t, 1, c.calls)
	require.NoError(t, c.err)
	require.Equal(t, &EntryResponse{Entry: Entry{Node: 5}}, c.resp)
	require.Contains(t, buf.String(), "dropping duplicate reply")
}

func TestReply_NilError(t *testing.T) {
	var c capturedReply
	r := ReplyEmpty{c.reply(nil, OpFlush)}
	r.Error(nil)
	require.Equal(t, ErrorIO, c.err)
}

func TestReplyXattr(t *testing.T) {
	t.Run("size probe", func(t *testing.T) {
		var c capturedReply
		NewReplyXattr(c.reply(nil, OpGetxattr), 0).Data([]byte("hello"))
		require.Equal(t, &XattrResponse{Size: 5}, c.resp)
	})

	t.Run("fits", func(t *testing.T) {
		var c capturedReply
		NewReplyXattr(c.reply(nil, OpGetxattr), 16).Data([]byte("hello"))
		require.Equal(t, &XattrResponse{Size: 5, Data: []byte("hello")}, c.resp)
	})

	t.Run("too small", func(t *testing.T) {
		var c capturedReply
		NewReplyXattr(c.reply(nil, OpGetxattr), 2).Data([]byte("hello"))
		require.Nil(t, c.resp)
		require.Equal(t, ErrorRange, c.err)
	})
}

func TestReplyDirectory(t *testing.T) {
	var c capturedReply

	// Two entries with 8-byte names take 32 bytes each.
	dir := NewReplyDirectory(c.reply(nil, OpReaddir), 70)
	require.False(t, dir.Add(DirEntry{Inode: 2, Offset: 1, Name: "file.txt"}))
	require.False(t, dir.Add(DirEntry{Inode: 3, Offset: 2, Name: "docs.txt"}))
	require.True(t, dir.Add(DirEntry{Inode: 4, Offset: 3, Name: "last.txt"}))
	dir.Ok()

	resp, ok := c.resp.(*ReaddirResponse)
	require.True(t, ok)
	require.Len(t, resp.Entries, 2)
	require.Equal(t, uint64(2), resp.Entries[1].Offset)
}

func TestReplyDirectoryPlus(t *testing.T) {
	var c capturedReply

	dir := NewReplyDirectoryPlus(c.reply(nil, OpReaddirplus), uint32(DirentPlusSize("a")))
	require.False(t, dir.Add(DirPlusEntry{DirEntry: DirEntry{Inode: 2, Offset: 1, Name: "a"}}))
	require.True(t, dir.Add(DirPlusEntry{DirEntry: DirEntry{Inode: 3, Offset: 2, Name: "b"}}))
	dir.Ok()

	resp, ok := c.resp.(*ReaddirplusResponse)
	require.True(t, ok)
	require.Len(t, resp.Entries, 1)
}

func TestDirentSize(t *testing.T) {
	require.Equal(t, 32, DirentSize("a"))
	require.Equal(t, 32, DirentSize("abcdefgh"))
	require.Equal(t, 40, DirentSize("abcdefghi"))
	require.Equal(t, 160, DirentPlusSize("a"))
}
