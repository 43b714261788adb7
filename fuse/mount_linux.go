package fuse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/fine"
	"golang.org/x/sys/unix"
)

// MountOption customizes the filesystem mount.
type MountOption func(*mountConfig)

type mountConfig struct{ options map[string]string }

// getOptions converts the mount options to be compatible with fusermount's
// `-o` flag.
func (m mountConfig) getOptions() string {
	opts := make([]string, 0, len(m.options))
	for k, v := range m.options {
		opt := k
		if v != "" {
			opt += "=" + v
		}
		// Escape the separator. Backslashes go first so the escapes we add
		// aren't doubled.
		opt = strings.ReplaceAll(opt, `\`, `\\`)
		opt = strings.ReplaceAll(opt, `,`, `\,`)
		opts = append(opts, opt)
	}
	sort.Strings(opts)
	return strings.Join(opts, ",")
}

// FSName sets the fsname that is visible in the list of mounted
// filesystems.
func FSName(name string) MountOption {
	return func(mc *mountConfig) { mc.options["fsname"] = name }
}

// Subtype sets the subtype of the mount. Setting a subtype will have the full
// type appear as `fuse.<subtype>`. The main type cannot be changed.
func Subtype(subtype string) MountOption {
	return func(mc *mountConfig) { mc.options["subtype"] = subtype }
}

// AllowOther allows other users to access the filesystem.
func AllowOther() MountOption {
	return func(mc *mountConfig) { mc.options["allow_other"] = "" }
}

// AllowDev enables interpreting character or block special devices on the
// filesystem.
func AllowDev() MountOption {
	return func(mc *mountConfig) { mc.options["dev"] = "" }
}

// AllowSUID allows SUID and SGID bits to take effect.
func AllowSUID() MountOption {
	return func(mc *mountConfig) { mc.options["suid"] = "" }
}

// DefaultPermissions requests for the kernel to enforce access control based
// on the file mode on files. Without this option, the driver itself must
// implement permission checking.
func DefaultPermissions() MountOption {
	return func(mc *mountConfig) { mc.options["default_permissions"] = "" }
}

// ReadOnly marks the mount as read-only.
func ReadOnly() MountOption {
	return func(mc *mountConfig) { mc.options["ro"] = "" }
}

// AllowNonEmptyMount allows mounting on top of a non-empty directory.
func AllowNonEmptyMount() MountOption {
	return func(mc *mountConfig) { mc.options["nonempty"] = "" }
}

// fusermountBinaries are tried in order. fusermount3 ships with libfuse 3.
var fusermountBinaries = []string{"fusermount3", "fusermount"}

func fusermountPath() (string, error) {
	for _, name := range fusermountBinaries {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("none of %s found in $PATH", strings.Join(fusermountBinaries, ", "))
}

// Mount mounts a FUSE filesystem at dir and returns the Transport that
// receives its requests. Closing the Transport unmounts dir.
func Mount(l log.Logger, dir string, opts ...MountOption) (fine.Transport, error) {
	cfg := mountConfig{options: map[string]string{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	bin, err := fusermountPath()
	if err != nil {
		return nil, err
	}
	f, err := mount(l, bin, dir, cfg.getOptions())
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", dir, err)
	}

	return newDevTransport(l, f, fine.DefaultMaxWrite, func() {
		if err := Unmount(dir); err != nil {
			level.Error(l).Log("msg", "failed to unmount on close", "dir", dir, "err", err)
			return
		}
		level.Debug(l).Log("msg", "volume unmounted", "dir", dir)
	}), nil
}

// Unmount lazily unmounts dir.
func Unmount(dir string) error {
	bin, err := fusermountPath()
	if err != nil {
		return err
	}
	out, err := exec.Command(bin, "-z", "-u", dir).CombinedOutput()
	if msg := bytes.TrimSpace(out); err != nil && len(msg) > 0 {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// mount runs fusermount, which opens /dev/fuse, mounts it and passes the open
// file descriptor back over a socket given to it as _FUSE_COMMFD.
func mount(l log.Logger, bin, dir, options string) (*os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	child := os.NewFile(uintptr(fds[0]), "fusermount-child")
	parent := os.NewFile(uintptr(fds[1]), "fusermount-parent")
	defer child.Close()
	defer parent.Close()

	cmd := exec.Command(bin, "-o", options, "--", dir)
	cmd.ExtraFiles = []*os.File{child} // fd 3 in the child
	cmd.Env = append(os.Environ(), "_FUSE_COMMFD=3")

	if err := runLogged(l, cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", bin, err)
	}
	return receiveFD(int(parent.Fd()))
}

// runLogged runs cmd to completion, logging stdout at debug and stderr at
// warn level.
func runLogged(l log.Logger, cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	forward := func(r io.Reader, lvl level.Value) {
		defer wg.Done()
		ll := log.WithPrefix(l, level.Key(), lvl, "cmd", cmd.Path)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ll.Log("msg", sc.Text())
		}
	}
	wg.Add(2)
	go forward(stdout, level.DebugValue())
	go forward(stderr, level.WarnValue())
	wg.Wait()

	return cmd.Wait()
}

// receiveFD reads the SCM_RIGHTS message carrying the /dev/fuse descriptor.
func receiveFD(sock int) (*os.File, error) {
	var (
		buf = make([]byte, 1)
		oob = make([]byte, unix.CmsgSpace(4))
	)
	_, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("receiving fuse fd: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	} else if len(msgs) != 1 {
		return nil, fmt.Errorf("expected 1 control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("parsing unix rights: %w", err)
	} else if len(fds) != 1 {
		return nil, errors.New("expected exactly 1 file descriptor from fusermount")
	}
	return os.NewFile(uintptr(fds[0]), "/dev/fuse"), nil
}
