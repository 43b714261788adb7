package fine

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// initFlagNames maps each InitFlags bit to the name the kernel headers use,
// without the FUSE_ prefix.
var initFlagNames = map[InitFlags]string{
	InitAsyncRead:               "async_read",
	InitPOSIXLocks:              "posix_locks",
	InitFileOps:                 "file_ops",
	InitAtomicTruncate:          "atomic_o_trunc",
	InitExportSupport:           "export_support",
	InitBigWrites:               "big_writes",
	InitNoUmask:                 "dont_mask",
	InitSpliceWrite:             "splice_write",
	InitSpliceMove:              "splice_move",
	InitSpliceRead:              "splice_read",
	InitBSDLocks:                "flock_locks",
	InitDirIoctl:                "has_ioctl_dir",
	InitAutoInvalidateCache:     "auto_inval_data",
	InitUseReadDirPlus:          "do_readdirplus",
	InitAdaptiveReadDirPlus:     "readdirplus_auto",
	InitAsyncDIO:                "async_dio",
	InitWritebackCache:          "writeback_cache",
	InitZeroOpenSupport:         "no_open_support",
	InitParallelDirOps:          "parallel_dirops",
	InitHandleKillpriv:          "handle_killpriv",
	InitACLSupportPOSIX:         "posix_acl",
	InitAbortError:              "abort_error",
	InitMaxPages:                "max_pages",
	InitCacheSymlinks:           "cache_symlinks",
	InitZeroOpenDirSupport:      "no_opendir_support",
	InitExplicitCacheInvalidate: "explicit_inval_data",
	InitMapAlignment:            "map_alignment",
	InitCaseInsensitive:         "case_insensitive",
	InitVolRename:               "vol_rename",
	InitXTimes:                  "xtimes",
}

// String returns the names of the set bits joined by "|".
func (f InitFlags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for rem := uint32(f); rem != 0; {
		bit := InitFlags(1) << bits.TrailingZeros32(rem)
		rem &^= uint32(bit)

		if name, ok := initFlagNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("%#x", uint32(bit)))
		}
	}
	return strings.Join(names, "|")
}

// ParseInitFlags parses a list of capability names into InitFlags. Names are
// case insensitive and may carry a "fuse_" prefix.
func ParseInitFlags(names []string) (InitFlags, error) {
	var res InitFlags
	for _, name := range names {
		name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "fuse_")

		var found bool
		for bit, known := range initFlagNames {
			if known == name {
				res |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown init flag %q", name)
		}
	}
	return res, nil
}

// InitFlagNames returns every known capability name in sorted order.
func InitFlagNames() []string {
	names := make([]string, 0, len(initFlagNames))
	for _, name := range initFlagNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
