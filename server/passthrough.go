package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
	"github.com/rfratto/fine/cache"
)

// passthroughTTL is how long the kernel may cache entries and attributes.
const passthroughTTL = time.Minute

// Passthrough creates a new SharedFilesystem which passes through requests to
// the host filesystem. Requests are transformed relative to the provided
// root. Note that this isn't a chroot, and it's possible to read files in
// higher directories via symbolic links.
func Passthrough(l log.Logger, root string) SharedFilesystem {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &passthroughFS{
		log:   l,
		root:  root,
		cache: cache.New(l, &passthroughNode{inode: 1}),
	}
}

type passthroughFS struct {
	UnimplementedSharedFilesystem

	log  log.Logger
	root string

	cache *cache.Cache
}

var (
	_ SharedFilesystem = (*passthroughFS)(nil)
	_ BatchForgetter   = (*passthroughFS)(nil)
)

func (p *passthroughFS) Init(ctx context.Context, _ *fine.RequestHeader, cfg *fine.KernelConfig) error {
	fi, err := os.Stat(p.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("passthrough root %s is not a directory", p.root)
	}

	for _, capability := range passthroughCapabilities {
		if err := cfg.AddCapabilities(capability); err != nil {
			level.Debug(Logger(ctx)).Log("msg", "kernel doesn't support capability", "err", err)
		}
	}
	return nil
}

func (p *passthroughFS) Destroy(ctx context.Context) {
	if err := p.cache.Close(); err != nil {
		level.Warn(Logger(ctx)).Log("msg", "errors when closing passthrough cache", "err", err)
	}
}

// hostPath returns the path on the host for node.
func (p *passthroughFS) hostPath(node fine.Node) (string, error) {
	path, err := p.cache.NodePath(node)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.root, path), nil
}

func (p *passthroughFS) handle(id fine.Handle) (*passthroughHandle, error) {
	_, hdl, err := p.cache.GetHandle(id)
	if err != nil {
		return nil, err
	}
	return hdl.(*passthroughHandle), nil
}

func (p *passthroughFS) Lookup(ctx context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry) {
	entry, err := p.createNodeEntry(hdr.Node, req.Name)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(entry)
}

// createNodeEntry gets the the stats of an existing file and caches it,
// returning an entry.
func (p *passthroughFS) createNodeEntry(parent fine.Node, name string) (fine.Entry, error) {
	dir, err := p.hostPath(parent)
	if err != nil {
		return fine.Entry{}, err
	}
	fi, err := os.Lstat(filepath.Join(dir, name))
	if err != nil {
		return fine.Entry{}, err
	}

	newNode := newPassthroughNode(parent, name)
	nodeInfo, err := p.cache.AddNode(parent, name, newNode)
	if err != nil {
		return fine.Entry{}, err
	}
	return entryForNode(nodeInfo, newNode, fi), nil
}

func (p *passthroughFS) Forget(ctx context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest) {
	err := p.cache.ReleaseNode(hdr.Node, req.NumLookups)
	if err != nil {
		level.Warn(Logger(ctx)).Log("msg", "failed to forget node", "node", hdr.Node, "err", err)
	}
}

func (p *passthroughFS) BatchForget(ctx context.Context, hdr *fine.RequestHeader, req *fine.BatchForgetRequest) {
	for _, item := range req.Items {
		err := p.cache.ReleaseNode(item.Node, item.NumLookups)
		if err != nil {
			level.Warn(Logger(ctx)).Log("msg", "failed to forget node", "node", item.Node, "err", err)
		}
	}
}

func (p *passthroughFS) Getattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.GetattrRequest, reply fine.ReplyAttr) {
	info, node, err := p.cache.GetNode(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	var fi os.FileInfo
	switch {
	case req.Flags&fine.GetAttribFlagHandle != 0: // Get file info from handle
		var ph *passthroughHandle
		if ph, err = p.handle(req.Handle); err == nil {
			fi, err = ph.f.Stat()
		}
	default:
		var path string
		if path, err = p.hostPath(info.ID); err == nil {
			fi, err = os.Lstat(path)
		}
	}
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Attr(passthroughTTL, attrFromInfo(node.(*passthroughNode), fi))
}

func (p *passthroughFS) Setattr(ctx context.Context, hdr *fine.RequestHeader, req *fine.SetattrRequest, reply fine.ReplyAttr) {
	_, node, err := p.cache.GetNode(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	var f *os.File
	if req.UpdateMask&fine.AttribMaskFileHandle != 0 {
		ph, err := p.handle(req.Handle)
		if err != nil {
			reply.Error(err)
			return
		}
		f = ph.f
	}

	if err := p.applySetattr(path, f, req); err != nil {
		reply.Error(err)
		return
	}

	fi, err := os.Lstat(path)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Attr(passthroughTTL, attrFromInfo(node.(*passthroughNode), fi))
}

// applySetattr applies the fields of req selected by its mask. f is used for
// truncation when non-nil.
func (p *passthroughFS) applySetattr(path string, f *os.File, req *fine.SetattrRequest) error {
	mask := req.UpdateMask

	if mask&fine.AttribMaskSize != 0 {
		var err error
		if f != nil {
			err = f.Truncate(int64(req.Size))
		} else {
			err = os.Truncate(path, int64(req.Size))
		}
		if err != nil {
			return err
		}
	}
	if mask&fine.AttribMaskMode != 0 {
		if err := os.Chmod(path, req.Mode); err != nil {
			return err
		}
	}
	if mask&(fine.AttribMaskUID|fine.AttribMaskGID) != 0 {
		uid, gid := -1, -1
		if mask&fine.AttribMaskUID != 0 {
			uid = int(req.UID)
		}
		if mask&fine.AttribMaskGID != 0 {
			gid = int(req.GID)
		}
		if err := os.Lchown(path, uid, gid); err != nil {
			return err
		}
	}

	timeMask := fine.AttribMaskLastAccess | fine.AttribMaskLastModify | fine.AttribMaskLastAccessNow | fine.AttribMaskLastModifyNow
	if mask&timeMask != 0 {
		fi, err := os.Lstat(path)
		if err != nil {
			return err
		}
		var (
			now   = time.Now()
			atime = attrFromInfo(&passthroughNode{}, fi).LastAccess
			mtime = fi.ModTime()
		)
		switch {
		case mask&fine.AttribMaskLastAccessNow != 0:
			atime = now
		case mask&fine.AttribMaskLastAccess != 0:
			atime = req.LastAccess
		}
		switch {
		case mask&fine.AttribMaskLastModifyNow != 0:
			mtime = now
		case mask&fine.AttribMaskLastModify != 0:
			mtime = req.LastModify
		}
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (p *passthroughFS) Readlink(ctx context.Context, hdr *fine.RequestHeader, reply fine.ReplyData) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	res, err := os.Readlink(path)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Data([]byte(res))
}

func (p *passthroughFS) Symlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest, reply fine.ReplyEntry) {
	dir, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := os.Symlink(req.LinkName, filepath.Join(dir, req.Source)); err != nil {
		reply.Error(err)
		return
	}
	p.replyNewEntry(hdr.Node, req.Source, reply)
}

func (p *passthroughFS) replyNewEntry(parent fine.Node, name string, reply fine.ReplyEntry) {
	entry, err := p.createNodeEntry(parent, name)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(entry)
}

func (p *passthroughFS) Mkdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.MkdirRequest, reply fine.ReplyEntry) {
	dir, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := os.Mkdir(filepath.Join(dir, req.Name), req.Mode&^req.Umask); err != nil {
		reply.Error(err)
		return
	}
	p.replyNewEntry(hdr.Node, req.Name, reply)
}

func (p *passthroughFS) Unlink(ctx context.Context, hdr *fine.RequestHeader, req *fine.UnlinkRequest, reply fine.ReplyEmpty) {
	p.remove(hdr.Node, req.Name, reply)
}

func (p *passthroughFS) Rmdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.RmdirRequest, reply fine.ReplyEmpty) {
	p.remove(hdr.Node, req.Name, reply)
}

func (p *passthroughFS) remove(parent fine.Node, name string, reply fine.ReplyEmpty) {
	dir, err := p.hostPath(parent)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

func (p *passthroughFS) Rename(ctx context.Context, hdr *fine.RequestHeader, req *fine.RenameRequest, reply fine.ReplyEmpty) {
	oldDir, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	newDir, err := p.hostPath(req.NewDir)
	if err != nil {
		reply.Error(err)
		return
	}

	var (
		oldPath = filepath.Join(oldDir, req.OldName)
		newPath = filepath.Join(newDir, req.NewName)
	)
	if err := renameWithFlags(oldPath, newPath, req.Flags); err != nil {
		reply.Error(err)
		return
	}

	// Attempt to move the entry in the cache, if it exists.
	_ = p.cache.RenameNode(hdr.Node, req.OldName, req.NewDir, req.NewName, req.Flags&fine.RenameExchange != 0)
	reply.Ok()
}

func (p *passthroughFS) Link(ctx context.Context, hdr *fine.RequestHeader, req *fine.LinkRequest, reply fine.ReplyEntry) {
	dir, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	oldPath, err := p.hostPath(req.OldNode)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := os.Link(oldPath, filepath.Join(dir, req.NewName)); err != nil {
		reply.Error(err)
		return
	}
	p.replyNewEntry(hdr.Node, req.NewName, reply)
}

func (p *passthroughFS) Open(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	f, err := os.OpenFile(path, int(req.Flags&^fine.OpenCreate), 0)
	if err != nil {
		reply.Error(err)
		return
	}

	hi, err := p.cache.AddHandle(newPassthroughHandle(f, path, req.Flags))
	if err != nil {
		_ = f.Close()
		reply.Error(err)
		return
	}
	reply.Opened(hi.ID, 0)
}

func (p *passthroughFS) Read(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyData) {
	ph, err := p.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}

	buf := make([]byte, int(req.Size))
	n, err := ph.f.ReadAt(buf, int64(req.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		// io.EOF is dropped since the kernel detects the end of the file from
		// a short read.
		reply.Error(err)
		return
	}
	reply.Data(buf[:n])
}

func (p *passthroughFS) Write(ctx context.Context, hdr *fine.RequestHeader, req *fine.WriteRequest, reply fine.ReplyWrite) {
	ph, err := p.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}

	var n int
	if ph.flags&fine.OpenAppend != 0 {
		// NOTE(rfratto): WriteAt fails if our file was opened for appending, so we
		// call Write here instead.
		n, err = ph.f.Write(req.Data)
	} else {
		n, err = ph.f.WriteAt(req.Data, int64(req.Offset))
	}
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Written(uint32(n))
}

func (p *passthroughFS) Flush(ctx context.Context, hdr *fine.RequestHeader, req *fine.FlushRequest, reply fine.ReplyEmpty) {
	// Flush may be called multiple times for a file, and we have nothing to
	// flush since writes go straight to the host.
	reply.Ok()
}

func (p *passthroughFS) Release(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	if err := p.cache.ReleaseHandle(req.Handle); err != nil {
		level.Warn(Logger(ctx)).Log("msg", "error when releasing handle", "handle", req.Handle, "err", err)
	}
	reply.Ok()
}

func (p *passthroughFS) Fsync(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	ph, err := p.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	if err := ph.f.Sync(); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

func (p *passthroughFS) Opendir(ctx context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	path, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		reply.Error(err)
		return
	}
	hi, err := p.cache.AddHandle(newPassthroughHandle(f, path, req.Flags))
	if err != nil {
		_ = f.Close()
		reply.Error(err)
		return
	}
	reply.Opened(hi.ID, 0)
}

// readDir returns the entries of an open directory, starting after offset.
// Entry offsets are positions in the sorted listing.
func (p *passthroughFS) readDir(parent fine.Node, id fine.Handle, offset uint64) ([]fine.DirEntry, error) {
	ph, err := p.handle(id)
	if err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(ph.path)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(ents)) {
		return nil, nil
	}

	res := make([]fine.DirEntry, 0, len(ents)-int(offset))
	for i, ent := range ents[offset:] {
		res = append(res, fine.DirEntry{
			Inode:  inodeHash(uint64(parent), ent.Name()),
			Offset: offset + uint64(i) + 1,
			Type:   toFineEntry(ent.Type()),
			Name:   ent.Name(),
		})
	}
	return res, nil
}

func (p *passthroughFS) Readdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectory) {
	ents, err := p.readDir(hdr.Node, req.Handle, req.Offset)
	if err != nil {
		reply.Error(err)
		return
	}
	for _, ent := range ents {
		if reply.Add(ent) {
			break
		}
	}
	reply.Ok()
}

func (p *passthroughFS) Readdirplus(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectoryPlus) {
	ents, err := p.readDir(hdr.Node, req.Handle, req.Offset)
	if err != nil {
		reply.Error(err)
		return
	}
	for _, ent := range ents {
		entry, err := p.createNodeEntry(hdr.Node, ent.Name)
		if err != nil {
			// The file may have been removed since the directory was read.
			level.Debug(Logger(ctx)).Log("msg", "skipping directory entry", "name", ent.Name, "err", err)
			continue
		}
		if reply.Add(fine.DirPlusEntry{Entry: entry, DirEntry: ent}) {
			// The kernel never sees this entry, so it won't forget it either.
			_ = p.cache.ReleaseNode(entry.Node, 1)
			break
		}
	}
	reply.Ok()
}

func (p *passthroughFS) Releasedir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	p.Release(ctx, hdr, req, reply)
}

func (p *passthroughFS) Fsyncdir(ctx context.Context, hdr *fine.RequestHeader, req *fine.FsyncRequest, reply fine.ReplyEmpty) {
	// Fsyncdir is equivalent to Fsync, so we fall back to that.
	p.Fsync(ctx, hdr, req, reply)
}

func (p *passthroughFS) Create(ctx context.Context, hdr *fine.RequestHeader, req *fine.CreateRequest, reply fine.ReplyCreate) {
	dir, err := p.hostPath(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	newPath := filepath.Join(dir, req.Name)
	f, err := os.OpenFile(newPath, int(req.Flags)|os.O_CREATE, req.Mode&^req.Umask)
	if err != nil {
		reply.Error(err)
		return
	}

	// If anything during the Create fails, we want to undo anything saved
	// (closing the file, removing the cache entry, etc).
	entry, err := p.createNodeEntry(hdr.Node, req.Name)
	if err != nil {
		_ = f.Close()
		reply.Error(err)
		return
	}
	hi, err := p.cache.AddHandle(newPassthroughHandle(f, newPath, req.Flags))
	if err != nil {
		_ = f.Close()
		_ = p.cache.ReleaseNode(entry.Node, 1)
		reply.Error(err)
		return
	}
	reply.Created(entry, hi.ID, 0)
}

func (p *passthroughFS) Lseek(ctx context.Context, hdr *fine.RequestHeader, req *fine.LseekRequest, reply fine.ReplyLseek) {
	ph, err := p.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	off, err := ph.f.Seek(int64(req.Offset), int(req.Whence))
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Offset(uint64(off))
}

type passthroughNode struct {
	inode uint64
}

func newPassthroughNode(parent fine.Node, name string) *passthroughNode {
	return &passthroughNode{
		inode: inodeHash(uint64(parent), name),
	}
}

func (n *passthroughNode) Close() error {
	// no-op
	return nil
}

// inodeHash returns a fake inode number given the hash of the file name and
// the parent directory's inode number.
func inodeHash(parent uint64, name string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%02b%s", parent, name)

	var inode uint64
	for {
		inode = h.Sum64()
		if inode != 1 {
			break
		}
		// inode 1 is reserved for the root; try something else.
		h.Write([]byte{'!'})
	}
	return inode
}

type passthroughHandle struct {
	f     *os.File
	path  string
	flags fine.FileFlags
}

func newPassthroughHandle(f *os.File, path string, flags fine.FileFlags) *passthroughHandle {
	return &passthroughHandle{f: f, path: path, flags: flags}
}

func (h *passthroughHandle) Close() error { return h.f.Close() }

func entryForNode(ni cache.NodeInfo, n *passthroughNode, fi fs.FileInfo) fine.Entry {
	return fine.Entry{
		Node:       ni.ID,
		Generation: ni.Generation,
		EntryTTL:   passthroughTTL,
		AttribTTL:  passthroughTTL,
		Attrib:     attrFromInfo(n, fi),
	}
}

func toFineEntry(m os.FileMode) fine.EntryType {
	switch {
	case m&os.ModeNamedPipe != 0:
		return fine.EntryPipe
	case m&os.ModeCharDevice != 0 && m&os.ModeDevice != 0:
		return fine.EntryCharacter
	case m&os.ModeDir != 0:
		return fine.EntryDirectory
	case m&os.ModeDevice != 0:
		return fine.EntryBlock
	case m&os.ModeSymlink != 0:
		return fine.EntryLink
	case m&os.ModeSocket != 0:
		return fine.EntryUnixSocket
	case m&os.ModeType == 0:
		return fine.EntryRegular
	}
	return fine.EntryUnknown
}
