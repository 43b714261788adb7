//go:build !darwin

package fine

// defaultInitFlags returns the capabilities requested before Init runs.
func defaultInitFlags(v Version, capabilities InitFlags) InitFlags {
	flags := InitAsyncRead
	if v.AtLeast(9) {
		flags |= InitBigWrites
	}
	if v.AtLeast(28) && capabilities&InitMaxPages != 0 {
		flags |= InitMaxPages
	}
	return flags
}
