// Package memfs implements an in-memory filesystem.
//
// FS is written against the exclusive server.Filesystem contract: it keeps
// no locks of its own and must be served through server.NewFilesystemAdapter.
package memfs

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/btree"
	"github.com/rfratto/fine"
	"github.com/rfratto/fine/server"
)

const (
	// ttl is how long the kernel may cache entries and attributes.
	ttl = time.Second

	blockSize  = 4096
	nameLength = 255

	// Capacity reported by Statfs and enforced on writes and creates.
	totalBlocks = 1 << 20
	totalFiles  = 1 << 20
	capacity    = totalBlocks * blockSize

	btreeDegree = 8
)

// errNoAddress is ENXIO, returned when seeking past the end of data.
const errNoAddress = fine.Error(-0x06)

// Options configures an FS.
type Options struct {
	// Owner of the root directory.
	UID, GID uint32

	// Mode of the root directory. Defaults to 0755.
	Mode os.FileMode

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// FS is an in-memory filesystem. Nodes live until they are both unlinked and
// forgotten by the kernel.
type FS struct {
	server.UnimplementedFilesystem

	now func() time.Time

	nodes    map[fine.Node]*inode
	lastNode fine.Node
	used     uint64 // Bytes of file data across all nodes.

	handles    map[fine.Handle]*handle
	lastHandle fine.Handle
}

var _ server.Filesystem = (*FS)(nil)

// New creates a new, empty FS.
func New(o Options) *FS {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Mode == 0 {
		o.Mode = 0755
	}

	fs := &FS{
		now:      o.Now,
		nodes:    make(map[fine.Node]*inode),
		lastNode: fine.RootNode,
		handles:  make(map[fine.Handle]*handle),
	}

	root := fs.newInode(fine.RootNode, os.ModeDir|o.Mode.Perm(), o.UID, o.GID)
	root.parent = fine.RootNode
	root.attr.HardLinks = 2
	fs.nodes[fine.RootNode] = root
	return fs
}

type inode struct {
	id   fine.Node
	attr fine.Attrib // Size and Blocks are computed from data.

	data     []byte       // Regular files.
	target   string       // Symlinks.
	children *btree.BTree // Directories; holds dirents.
	parent   fine.Node    // Directories.

	xattrs map[string][]byte

	lookups uint64
	opens   int
}

func (n *inode) isDir() bool { return n.attr.Mode.IsDir() }

func (n *inode) attrib() fine.Attrib {
	a := n.attr
	a.Inode = uint64(n.id)
	a.BlockSize = blockSize
	switch {
	case n.attr.Mode&os.ModeSymlink != 0:
		a.Size = uint64(len(n.target))
	case n.isDir():
		a.Size = blockSize
	default:
		a.Size = uint64(len(n.data))
	}
	a.Blocks = (a.Size + 511) / 512
	return a
}

func (n *inode) child(name string) (fine.Node, bool) {
	item := n.children.Get(dirent{name: name})
	if item == nil {
		return 0, false
	}
	return item.(dirent).node, true
}

// dirent is a named link from a directory to a node, ordered by name.
type dirent struct {
	name string
	node fine.Node
}

func (d dirent) Less(than btree.Item) bool { return d.name < than.(dirent).name }

type handle struct {
	node  *inode
	flags fine.FileFlags

	// Directory listing taken when the directory was opened. Offsets index
	// into it, so they stay valid while the directory changes.
	listing []fine.DirEntry
}

func (fs *FS) newInode(id fine.Node, mode os.FileMode, uid, gid uint32) *inode {
	now := fs.now()
	n := &inode{
		id: id,
		attr: fine.Attrib{
			Mode:       mode,
			UID:        uid,
			GID:        gid,
			LastAccess: now,
			LastModify: now,
			LastChange: now,
		},
	}
	if mode.IsDir() {
		n.children = btree.New(btreeDegree)
	}
	return n
}

func (fs *FS) node(id fine.Node) (*inode, error) {
	n, ok := fs.nodes[id]
	if !ok {
		return nil, fine.ErrorStale
	}
	return n, nil
}

func (fs *FS) dir(id fine.Node) (*inode, error) {
	n, err := fs.node(id)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, fine.ErrorNotDirectory
	}
	return n, nil
}

func (fs *FS) handle(id fine.Handle) (*handle, error) {
	h, ok := fs.handles[id]
	if !ok {
		return nil, fine.ErrorBadHandle
	}
	return h, nil
}

// entry returns an Entry for n, counting a lookup.
func (fs *FS) entry(n *inode) fine.Entry {
	n.lookups++
	return fine.Entry{
		Node:      n.id,
		EntryTTL:  ttl,
		AttribTTL: ttl,
		Attrib:    n.attrib(),
	}
}

// reap removes n once nothing refers to it anymore.
func (fs *FS) reap(n *inode) {
	if n.id == fine.RootNode || n.lookups > 0 || n.attr.HardLinks > 0 || n.opens > 0 {
		return
	}
	delete(fs.nodes, n.id)
	fs.used -= uint64(len(n.data))
}

func (fs *FS) touch(n *inode) {
	now := fs.now()
	n.attr.LastModify = now
	n.attr.LastChange = now
}

// create adds a new node of the given mode to parent.
func (fs *FS) create(hdr *fine.RequestHeader, name string, mode os.FileMode) (*inode, error) {
	parent, err := fs.dir(hdr.Node)
	if err != nil {
		return nil, err
	}
	if len(name) > nameLength {
		return nil, fine.ErrorInvalid
	}
	if _, exists := parent.child(name); exists {
		return nil, fine.ErrorExists
	}
	if len(fs.nodes) >= totalFiles {
		return nil, fine.ErrorNoSpace
	}

	fs.lastNode++
	n := fs.newInode(fs.lastNode, mode, hdr.UID, hdr.GID)
	if parent.attr.Mode&os.ModeSetgid != 0 {
		n.attr.GID = parent.attr.GID
		if n.isDir() {
			n.attr.Mode |= os.ModeSetgid
		}
	}
	fs.nodes[n.id] = n
	fs.link(parent, name, n)
	return n, nil
}

func (fs *FS) link(parent *inode, name string, n *inode) {
	parent.children.ReplaceOrInsert(dirent{name: name, node: n.id})
	n.attr.HardLinks++
	if n.isDir() {
		// "." and the parent's reference.
		n.attr.HardLinks = 2
		n.parent = parent.id
		parent.attr.HardLinks++
	}
	n.attr.LastChange = fs.now()
	fs.touch(parent)
}

func (fs *FS) unlink(parent *inode, name string, n *inode) {
	parent.children.Delete(dirent{name: name})
	if n.isDir() {
		n.attr.HardLinks = 0
		parent.attr.HardLinks--
	} else {
		n.attr.HardLinks--
	}
	n.attr.LastChange = fs.now()
	fs.touch(parent)
	fs.reap(n)
}

func (fs *FS) Init(ctx context.Context, _ *fine.RequestHeader, cfg *fine.KernelConfig) error {
	// Truncating on open saves a SETATTR per O_TRUNC open.
	if err := cfg.AddCapabilities(fine.InitAtomicTruncate); err != nil {
		level.Debug(server.Logger(ctx)).Log("msg", "kernel doesn't support atomic truncate", "err", err)
	}
	return nil
}

func (fs *FS) Destroy(context.Context) {
	fs.handles = make(map[fine.Handle]*handle)
}

func (fs *FS) Lookup(_ context.Context, hdr *fine.RequestHeader, req *fine.LookupRequest, reply fine.ReplyEntry) {
	parent, err := fs.dir(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	id, ok := parent.child(req.Name)
	if !ok {
		reply.Error(fine.ErrorNotExist)
		return
	}
	reply.Entry(fs.entry(fs.nodes[id]))
}

func (fs *FS) Forget(ctx context.Context, hdr *fine.RequestHeader, req *fine.ForgetRequest) {
	n, ok := fs.nodes[hdr.Node]
	if !ok {
		level.Debug(server.Logger(ctx)).Log("msg", "forget for unknown node", "node", hdr.Node)
		return
	}
	if req.NumLookups > n.lookups {
		n.lookups = 0
	} else {
		n.lookups -= req.NumLookups
	}
	fs.reap(n)
}

func (fs *FS) Getattr(_ context.Context, hdr *fine.RequestHeader, _ *fine.GetattrRequest, reply fine.ReplyAttr) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Attr(ttl, n.attrib())
}

func (fs *FS) Setattr(_ context.Context, hdr *fine.RequestHeader, req *fine.SetattrRequest, reply fine.ReplyAttr) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	now := fs.now()
	mask := req.UpdateMask
	if mask&fine.AttribMaskSize != 0 {
		if n.isDir() {
			reply.Error(fine.ErrorIsDirectory)
			return
		}
		if err := fs.truncate(n, req.Size); err != nil {
			reply.Error(err)
			return
		}
		n.attr.LastModify = now
	}
	if mask&fine.AttribMaskMode != 0 {
		n.attr.Mode = n.attr.Mode&os.ModeType | req.Mode&^os.ModeType
	}
	if mask&fine.AttribMaskUID != 0 {
		n.attr.UID = req.UID
	}
	if mask&fine.AttribMaskGID != 0 {
		n.attr.GID = req.GID
	}
	switch {
	case mask&fine.AttribMaskLastAccessNow != 0:
		n.attr.LastAccess = now
	case mask&fine.AttribMaskLastAccess != 0:
		n.attr.LastAccess = req.LastAccess
	}
	switch {
	case mask&fine.AttribMaskLastModifyNow != 0:
		n.attr.LastModify = now
	case mask&fine.AttribMaskLastModify != 0:
		n.attr.LastModify = req.LastModify
	}
	if mask&fine.AttribMaskLastChange != 0 {
		n.attr.LastChange = req.LastChange
	} else {
		n.attr.LastChange = now
	}
	reply.Attr(ttl, n.attrib())
}

// truncate resizes the data of n. Growing fails once the filesystem is out
// of capacity.
func (fs *FS) truncate(n *inode, size uint64) error {
	cur := uint64(len(n.data))
	switch {
	case size <= cur:
		n.data = n.data[:size]
		fs.used -= cur - size
		return nil
	case size > capacity:
		return fine.ErrorFileTooBig
	case size-cur > capacity-fs.used:
		return fine.ErrorNoSpace
	}
	n.data = append(n.data, make([]byte, size-cur)...)
	fs.used += size - cur
	return nil
}

// extent returns off+length, failing if the range ends past the largest
// possible file.
func extent(off, length uint64) (uint64, error) {
	if off > capacity || length > capacity-off {
		return 0, fine.ErrorFileTooBig
	}
	return off + length, nil
}

func (fs *FS) Readlink(_ context.Context, hdr *fine.RequestHeader, reply fine.ReplyData) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if n.attr.Mode&os.ModeSymlink == 0 {
		reply.Error(fine.ErrorInvalid)
		return
	}
	reply.Data([]byte(n.target))
}

func (fs *FS) Mknod(_ context.Context, hdr *fine.RequestHeader, req *fine.MknodRequest, reply fine.ReplyEntry) {
	mode := req.Mode &^ (req.Umask & os.ModePerm)
	if mode.IsDir() || mode&os.ModeSymlink != 0 {
		reply.Error(fine.ErrorNotPermitted)
		return
	}
	n, err := fs.create(hdr, req.Name, mode)
	if err != nil {
		reply.Error(err)
		return
	}
	n.attr.DeviceID = req.DeviceID
	reply.Entry(fs.entry(n))
}

func (fs *FS) Mkdir(_ context.Context, hdr *fine.RequestHeader, req *fine.MkdirRequest, reply fine.ReplyEntry) {
	mode := req.Mode &^ (req.Umask & os.ModePerm) &^ os.ModeType
	n, err := fs.create(hdr, req.Name, os.ModeDir|mode)
	if err != nil {
		reply.Error(err)
		return
	}
	reply.Entry(fs.entry(n))
}

func (fs *FS) Unlink(_ context.Context, hdr *fine.RequestHeader, req *fine.UnlinkRequest, reply fine.ReplyEmpty) {
	parent, err := fs.dir(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	id, ok := parent.child(req.Name)
	if !ok {
		reply.Error(fine.ErrorNotExist)
		return
	}
	n := fs.nodes[id]
	if n.isDir() {
		reply.Error(fine.ErrorIsDirectory)
		return
	}
	fs.unlink(parent, req.Name, n)
	reply.Ok()
}

func (fs *FS) Rmdir(_ context.Context, hdr *fine.RequestHeader, req *fine.RmdirRequest, reply fine.ReplyEmpty) {
	parent, err := fs.dir(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	id, ok := parent.child(req.Name)
	if !ok {
		reply.Error(fine.ErrorNotExist)
		return
	}
	n := fs.nodes[id]
	switch {
	case !n.isDir():
		reply.Error(fine.ErrorNotDirectory)
		return
	case n.children.Len() > 0:
		reply.Error(fine.ErrorNotEmpty)
		return
	}
	fs.unlink(parent, req.Name, n)
	reply.Ok()
}

func (fs *FS) Symlink(_ context.Context, hdr *fine.RequestHeader, req *fine.SymlinkRequest, reply fine.ReplyEntry) {
	n, err := fs.create(hdr, req.Source, os.ModeSymlink|0777)
	if err != nil {
		reply.Error(err)
		return
	}
	n.target = req.LinkName
	reply.Entry(fs.entry(n))
}

func (fs *FS) Rename(_ context.Context, hdr *fine.RequestHeader, req *fine.RenameRequest, reply fine.ReplyEmpty) {
	if err := fs.rename(hdr.Node, req); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

func (fs *FS) rename(oldDir fine.Node, req *fine.RenameRequest) error {
	if req.Flags&^(fine.RenameNoReplace|fine.RenameExchange) != 0 {
		return fine.ErrorInvalid
	}
	src, err := fs.dir(oldDir)
	if err != nil {
		return err
	}
	dst, err := fs.dir(req.NewDir)
	if err != nil {
		return err
	}

	srcID, ok := src.child(req.OldName)
	if !ok {
		return fine.ErrorNotExist
	}
	n := fs.nodes[srcID]
	if n.isDir() && fs.isAncestor(srcID, dst.id) {
		// Can't move a directory into itself.
		return fine.ErrorInvalid
	}
	dstID, exists := dst.child(req.NewName)

	switch {
	case req.Flags&fine.RenameExchange != 0:
		if !exists {
			return fine.ErrorNotExist
		}
		other := fs.nodes[dstID]
		if other.isDir() && fs.isAncestor(dstID, src.id) {
			return fine.ErrorInvalid
		}
		src.children.ReplaceOrInsert(dirent{name: req.OldName, node: dstID})
		dst.children.ReplaceOrInsert(dirent{name: req.NewName, node: srcID})
		fs.reparent(n, src, dst)
		fs.reparent(other, dst, src)
		fs.touch(src)
		fs.touch(dst)
		return nil

	case exists && req.Flags&fine.RenameNoReplace != 0:
		return fine.ErrorExists

	case exists && dstID == srcID:
		// Both names link to the same node.
		return nil

	case exists:
		target := fs.nodes[dstID]
		switch {
		case n.isDir() && !target.isDir():
			return fine.ErrorNotDirectory
		case !n.isDir() && target.isDir():
			return fine.ErrorIsDirectory
		case target.isDir() && target.children.Len() > 0:
			return fine.ErrorNotEmpty
		}
		fs.unlink(dst, req.NewName, target)
	}

	src.children.Delete(dirent{name: req.OldName})
	dst.children.ReplaceOrInsert(dirent{name: req.NewName, node: srcID})
	fs.reparent(n, src, dst)
	n.attr.LastChange = fs.now()
	fs.touch(src)
	fs.touch(dst)
	return nil
}

// reparent moves the ".." link of a directory n from oldParent to newParent.
func (fs *FS) reparent(n, oldParent, newParent *inode) {
	if !n.isDir() || oldParent == newParent {
		return
	}
	oldParent.attr.HardLinks--
	newParent.attr.HardLinks++
	n.parent = newParent.id
}

// isAncestor returns true if dir is id or one of id's parents.
func (fs *FS) isAncestor(dir, id fine.Node) bool {
	for {
		if id == dir {
			return true
		}
		if id == fine.RootNode {
			return false
		}
		n, ok := fs.nodes[id]
		if !ok {
			return false
		}
		id = n.parent
	}
}

func (fs *FS) Link(_ context.Context, hdr *fine.RequestHeader, req *fine.LinkRequest, reply fine.ReplyEntry) {
	parent, err := fs.dir(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	n, err := fs.node(req.OldNode)
	if err != nil {
		reply.Error(err)
		return
	}
	switch {
	case n.isDir():
		reply.Error(fine.ErrorNotPermitted)
		return
	case len(req.NewName) > nameLength:
		reply.Error(fine.ErrorInvalid)
		return
	}
	if _, exists := parent.child(req.NewName); exists {
		reply.Error(fine.ErrorExists)
		return
	}
	fs.link(parent, req.NewName, n)
	reply.Entry(fs.entry(n))
}

func (fs *FS) open(n *inode, flags fine.FileFlags) fine.Handle {
	if flags&fine.OpenTruncate != 0 && flags&fine.OpenAccesMode != fine.OpenReadOnly {
		_ = fs.truncate(n, 0) // Shrinking can't fail.
		fs.touch(n)
	}
	n.opens++
	fs.lastHandle++
	fs.handles[fs.lastHandle] = &handle{node: n, flags: flags}
	return fs.lastHandle
}

func (fs *FS) Open(_ context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if n.isDir() {
		reply.Error(fine.ErrorIsDirectory)
		return
	}
	reply.Opened(fs.open(n, req.Flags), 0)
}

func (fs *FS) Read(_ context.Context, _ *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyData) {
	h, err := fs.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	n := h.node
	n.attr.LastAccess = fs.now()

	if req.Offset >= uint64(len(n.data)) {
		reply.Data(nil)
		return
	}
	end := req.Offset + uint64(req.Size)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	reply.Data(n.data[req.Offset:end])
}

func (fs *FS) Write(_ context.Context, _ *fine.RequestHeader, req *fine.WriteRequest, reply fine.ReplyWrite) {
	h, err := fs.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	if h.flags&fine.OpenAccesMode == fine.OpenReadOnly {
		reply.Error(fine.ErrorBadHandle)
		return
	}

	n := h.node
	off := req.Offset
	if h.flags&fine.OpenAppend != 0 {
		off = uint64(len(n.data))
	}
	if err := fs.writeAt(n, req.Data, off); err != nil {
		reply.Error(err)
		return
	}
	if req.Flags&fine.WriteKillPriv != 0 {
		n.attr.Mode &^= os.ModeSetuid | os.ModeSetgid
	}
	fs.touch(n)
	reply.Written(uint32(len(req.Data)))
}

func (fs *FS) writeAt(n *inode, data []byte, off uint64) error {
	end, err := extent(off, uint64(len(data)))
	if err != nil {
		return err
	}
	if end > uint64(len(n.data)) {
		if err := fs.truncate(n, end); err != nil {
			return err
		}
	}
	copy(n.data[off:], data)
	return nil
}

func (fs *FS) Flush(_ context.Context, _ *fine.RequestHeader, _ *fine.FlushRequest, reply fine.ReplyEmpty) {
	reply.Ok()
}

func (fs *FS) Release(_ context.Context, _ *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	h, err := fs.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	delete(fs.handles, req.Handle)
	h.node.opens--
	fs.reap(h.node)
	reply.Ok()
}

func (fs *FS) Fsync(_ context.Context, _ *fine.RequestHeader, _ *fine.FsyncRequest, reply fine.ReplyEmpty) {
	reply.Ok()
}

func (fs *FS) Opendir(_ context.Context, hdr *fine.RequestHeader, req *fine.OpenRequest, reply fine.ReplyOpen) {
	n, err := fs.dir(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	listing := []fine.DirEntry{
		{Inode: uint64(n.id), Offset: 1, Type: fine.EntryDirectory, Name: "."},
		{Inode: uint64(n.parent), Offset: 2, Type: fine.EntryDirectory, Name: ".."},
	}
	n.children.Ascend(func(i btree.Item) bool {
		ent := i.(dirent)
		child := fs.nodes[ent.node]
		listing = append(listing, fine.DirEntry{
			Inode:  uint64(ent.node),
			Offset: uint64(len(listing) + 1),
			Type:   entryType(child.attr.Mode),
			Name:   ent.name,
		})
		return true
	})

	n.opens++
	fs.lastHandle++
	fs.handles[fs.lastHandle] = &handle{node: n, flags: req.Flags, listing: listing}
	reply.Opened(fs.lastHandle, 0)
}

func entryType(m os.FileMode) fine.EntryType {
	switch {
	case m.IsDir():
		return fine.EntryDirectory
	case m&os.ModeSymlink != 0:
		return fine.EntryLink
	case m&os.ModeNamedPipe != 0:
		return fine.EntryPipe
	case m&os.ModeSocket != 0:
		return fine.EntryUnixSocket
	case m&os.ModeCharDevice != 0:
		return fine.EntryCharacter
	case m&os.ModeDevice != 0:
		return fine.EntryBlock
	default:
		return fine.EntryRegular
	}
}

func (fs *FS) dirListing(req *fine.ReadRequest) ([]fine.DirEntry, error) {
	h, err := fs.handle(req.Handle)
	if err != nil {
		return nil, err
	}
	if h.listing == nil {
		return nil, fine.ErrorNotDirectory
	}
	if req.Offset >= uint64(len(h.listing)) {
		return nil, nil
	}
	h.node.attr.LastAccess = fs.now()
	return h.listing[req.Offset:], nil
}

func (fs *FS) Readdir(_ context.Context, _ *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectory) {
	ents, err := fs.dirListing(req)
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

func (fs *FS) Readdirplus(_ context.Context, _ *fine.RequestHeader, req *fine.ReadRequest, reply fine.ReplyDirectoryPlus) {
	ents, err := fs.dirListing(req)
	if err != nil {
		reply.Error(err)
		return
	}
	for _, ent := range ents {
		var entry fine.Entry
		if ent.Name != "." && ent.Name != ".." {
			n, ok := fs.nodes[fine.Node(ent.Inode)]
			if !ok {
				// Removed since the directory was opened.
				continue
			}
			entry = fs.entry(n)
		}
		if reply.Add(fine.DirPlusEntry{Entry: entry, DirEntry: ent}) {
			if entry.Node != 0 {
				// The kernel never sees this entry, so it won't forget it.
				fs.nodes[entry.Node].lookups--
			}
			break
		}
	}
	reply.Ok()
}

func (fs *FS) Releasedir(ctx context.Context, hdr *fine.RequestHeader, req *fine.ReleaseRequest, reply fine.ReplyEmpty) {
	fs.Release(ctx, hdr, req, reply)
}

func (fs *FS) Fsyncdir(_ context.Context, _ *fine.RequestHeader, _ *fine.FsyncRequest, reply fine.ReplyEmpty) {
	reply.Ok()
}

func (fs *FS) Statfs(_ context.Context, _ *fine.RequestHeader, reply fine.ReplyStatfs) {
	var used uint64
	for _, n := range fs.nodes {
		used += (uint64(len(n.data)) + blockSize - 1) / blockSize
	}
	free := uint64(0)
	if used < totalBlocks {
		free = totalBlocks - used
	}
	filesFree := uint64(0)
	if n := uint64(len(fs.nodes)); n < totalFiles {
		filesFree = totalFiles - n
	}

	reply.Statfs(fine.Statfs{
		Blocks:          totalBlocks,
		BlocksFree:      free,
		BlocksAvailable: free,
		Files:           totalFiles,
		FilesFree:       filesFree,
		BlockSize:       blockSize,
		NameLength:      nameLength,
		FragmentSize:    blockSize,
	})
}

func (fs *FS) Setxattr(_ context.Context, hdr *fine.RequestHeader, req *fine.SetxattrRequest, reply fine.ReplyEmpty) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	_, exists := n.xattrs[req.Name]
	switch {
	case exists && req.Flags&fine.ExtendedAttribCreate != 0:
		reply.Error(fine.ErrorExists)
		return
	case !exists && req.Flags&fine.ExtendedAttribReplace != 0:
		reply.Error(fine.ErrorNoData)
		return
	}

	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[req.Name] = append([]byte(nil), req.Value...)
	n.attr.LastChange = fs.now()
	reply.Ok()
}

func (fs *FS) Getxattr(_ context.Context, hdr *fine.RequestHeader, req *fine.GetxattrRequest, reply fine.ReplyXattr) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	val, ok := n.xattrs[req.Name]
	if !ok {
		reply.Error(fine.ErrorNoData)
		return
	}
	reply.Data(val)
}

func (fs *FS) Listxattr(_ context.Context, hdr *fine.RequestHeader, _ *fine.ListxattrRequest, reply fine.ReplyXattr) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	names := make([]string, 0, len(n.xattrs))
	for name := range n.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := []byte{}
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	reply.Data(buf)
}

func (fs *FS) Removexattr(_ context.Context, hdr *fine.RequestHeader, req *fine.RemovexattrRequest, reply fine.ReplyEmpty) {
	n, err := fs.node(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}
	if _, ok := n.xattrs[req.Name]; !ok {
		reply.Error(fine.ErrorNoData)
		return
	}
	delete(n.xattrs, req.Name)
	n.attr.LastChange = fs.now()
	reply.Ok()
}

// Access only checks that the node exists. Permissions are left to the
// kernel's default_permissions.
func (fs *FS) Access(_ context.Context, hdr *fine.RequestHeader, _ *fine.AccessRequest, reply fine.ReplyEmpty) {
	if _, err := fs.node(hdr.Node); err != nil {
		reply.Error(err)
		return
	}
	reply.Ok()
}

func (fs *FS) Create(_ context.Context, hdr *fine.RequestHeader, req *fine.CreateRequest, reply fine.ReplyCreate) {
	parent, err := fs.dir(hdr.Node)
	if err != nil {
		reply.Error(err)
		return
	}

	var n *inode
	if id, exists := parent.child(req.Name); exists {
		n = fs.nodes[id]
		switch {
		case req.Flags&fine.OpenExclusive != 0:
			reply.Error(fine.ErrorExists)
			return
		case n.isDir():
			reply.Error(fine.ErrorIsDirectory)
			return
		}
	} else {
		mode := req.Mode &^ (req.Umask & os.ModePerm) &^ os.ModeType
		n, err = fs.create(hdr, req.Name, mode)
		if err != nil {
			reply.Error(err)
			return
		}
	}

	h := fs.open(n, req.Flags)
	reply.Created(fs.entry(n), h, 0)
}

func (fs *FS) Fallocate(_ context.Context, _ *fine.RequestHeader, req *fine.FallocateRequest, reply fine.ReplyEmpty) {
	h, err := fs.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	if req.Mode != 0 {
		// Only plain allocation is supported; punching holes and
		// FALLOC_FL_KEEP_SIZE aren't.
		reply.Error(fine.ErrorNotSupported)
		return
	}
	end, err := extent(req.Offset, req.Length)
	if err != nil {
		reply.Error(err)
		return
	}
	if end > uint64(len(h.node.data)) {
		if err := fs.truncate(h.node, end); err != nil {
			reply.Error(err)
			return
		}
		fs.touch(h.node)
	}
	reply.Ok()
}

// Whence values for Lseek which the kernel forwards to the filesystem.
const (
	seekData = 3
	seekHole = 4
)

// Lseek supports SEEK_DATA and SEEK_HOLE. Files have no holes.
func (fs *FS) Lseek(_ context.Context, _ *fine.RequestHeader, req *fine.LseekRequest, reply fine.ReplyLseek) {
	h, err := fs.handle(req.Handle)
	if err != nil {
		reply.Error(err)
		return
	}
	size := uint64(len(h.node.data))
	if req.Offset >= size {
		reply.Error(errNoAddress)
		return
	}

	switch req.Whence {
	case seekData:
		reply.Offset(req.Offset)
	case seekHole:
		reply.Offset(size)
	default:
		reply.Error(fine.ErrorInvalid)
	}
}

func (fs *FS) CopyFileRange(_ context.Context, _ *fine.RequestHeader, req *fine.CopyFileRangeRequest, reply fine.ReplyWrite) {
	in, err := fs.handle(req.HandleIn)
	if err != nil {
		reply.Error(err)
		return
	}
	out, err := fs.handle(req.HandleOut)
	if err != nil {
		reply.Error(err)
		return
	}
	if out.flags&fine.OpenAccesMode == fine.OpenReadOnly {
		reply.Error(fine.ErrorBadHandle)
		return
	}

	src := in.node.data
	if req.OffsetIn >= uint64(len(src)) {
		reply.Written(0)
		return
	}
	end := req.OffsetIn + req.Length
	if end > uint64(len(src)) {
		end = uint64(len(src))
	}
	// Copy first, the source and destination may be the same node.
	chunk := append([]byte(nil), src[req.OffsetIn:end]...)
	if err := fs.writeAt(out.node, chunk, req.OffsetOut); err != nil {
		reply.Error(err)
		return
	}
	fs.touch(out.node)
	reply.Written(uint32(len(chunk)))
}
