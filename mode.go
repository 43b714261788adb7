package fine

import "os"

// File type and permission bits used on the wire. They match the values used
// by every Unix the protocol runs on.
const (
	modeTypeMask = 0170000
	modeSocket   = 0140000
	modeSymlink  = 0120000
	modeRegular  = 0100000
	modeBlock    = 0060000
	modeDir      = 0040000
	modeChar     = 0020000
	modeFIFO     = 0010000

	modeSetuid = 04000
	modeSetgid = 02000
	modeSticky = 01000
)

// ModeFromUnix converts a Unix st_mode value into an os.FileMode.
func ModeFromUnix(in uint32) os.FileMode {
	out := os.FileMode(in & 0777)
	switch in & modeTypeMask {
	case modeBlock:
		out |= os.ModeDevice
	case modeChar:
		out |= os.ModeDevice | os.ModeCharDevice
	case modeDir:
		out |= os.ModeDir
	case modeFIFO:
		out |= os.ModeNamedPipe
	case modeSymlink:
		out |= os.ModeSymlink
	case modeRegular:
		// nothing to do
	case modeSocket:
		out |= os.ModeSocket
	case 0:
		// Permission-only values, like umasks and access masks.
	default:
		out |= os.ModeIrregular
	}
	if in&modeSetgid != 0 {
		out |= os.ModeSetgid
	}
	if in&modeSetuid != 0 {
		out |= os.ModeSetuid
	}
	if in&modeSticky != 0 {
		out |= os.ModeSticky
	}
	return out
}

// ModeToUnix converts an os.FileMode into a Unix st_mode value. Modes without
// a type are treated as regular files.
func ModeToUnix(in os.FileMode) uint32 {
	out := uint32(in.Perm())
	switch {
	case in&os.ModeType == 0:
		out |= modeRegular
	case in&os.ModeDir != 0:
		out |= modeDir
	case in&os.ModeDevice != 0 && in&os.ModeCharDevice != 0:
		out |= modeChar
	case in&os.ModeDevice != 0:
		out |= modeBlock
	case in&os.ModeNamedPipe != 0:
		out |= modeFIFO
	case in&os.ModeSymlink != 0:
		out |= modeSymlink
	case in&os.ModeSocket != 0:
		out |= modeSocket
	}
	if in&os.ModeSetuid != 0 {
		out |= modeSetuid
	}
	if in&os.ModeSetgid != 0 {
		out |= modeSetgid
	}
	if in&os.ModeSticky != 0 {
		out |= modeSticky
	}
	return out
}

// PermFromUnix converts permission-only values, such as umasks and access
// masks, without interpreting type bits.
func PermFromUnix(in uint32) os.FileMode {
	return ModeFromUnix(in &^ modeTypeMask)
}
