//go:build darwin

package fine

// defaultInitFlags returns the capabilities requested before Init runs.
// macFUSE filesystems are case insensitive by default and report volume
// renames and extended times.
func defaultInitFlags(v Version, capabilities InitFlags) InitFlags {
	return InitAsyncRead | InitCaseInsensitive | InitVolRename | InitXTimes
}
