package lsfs

import "io/fs"

// Raw on-disk inode mode fields pack the file-type tag into the high
// nibble and the permission bits into the low 12 bits, the same layout
// unix stat(2) uses; modeTypeMask isolates the type tag.
const (
	modeTypeMask  = 0xf000
	modeRegular   = 0x8000
	modeDirectory = 0x4000
	modeBlockDev  = 0x6000
	modeCharDev   = 0x2000
	modeNamedPipe = 0x1000
	modeSymlink   = 0xa000
	modeSocket    = 0xc000

	modeSticky = 0x200
	modeSetgid = 0x400
	modeSetuid = 0x800
)

// UnixToMode decodes a raw on-disk mode field into an fs.FileMode.
func UnixToMode(mode uint32) fs.FileMode {
	res := fs.FileMode(mode & 0777)

	switch mode & modeTypeMask {
	case modeCharDev:
		res |= fs.ModeCharDevice
	case modeBlockDev:
		res |= fs.ModeDevice
	case modeDirectory:
		res |= fs.ModeDir
	case modeNamedPipe:
		res |= fs.ModeNamedPipe
	case modeSymlink:
		res |= fs.ModeSymlink
	case modeSocket:
		res |= fs.ModeSocket
	}

	if mode&modeSetgid == modeSetgid {
		res |= fs.ModeSetgid
	}
	if mode&modeSetuid == modeSetuid {
		res |= fs.ModeSetuid
	}
	if mode&modeSticky == modeSticky {
		res |= fs.ModeSticky
	}

	return res
}

// ModeToUnix encodes an fs.FileMode back into a raw on-disk mode field.
func ModeToUnix(mode fs.FileMode) uint32 {
	res := uint32(mode.Perm())

	switch {
	case mode&fs.ModeCharDevice == fs.ModeCharDevice:
		res |= modeCharDev
	case mode&fs.ModeDevice == fs.ModeDevice:
		res |= modeBlockDev
	case mode&fs.ModeDir == fs.ModeDir:
		res |= modeDirectory
	case mode&fs.ModeNamedPipe == fs.ModeNamedPipe:
		res |= modeNamedPipe
	case mode&fs.ModeSymlink == fs.ModeSymlink:
		res |= modeSymlink
	case mode&fs.ModeSocket == fs.ModeSocket:
		res |= modeSocket
	default:
		res |= modeRegular
	}

	if mode&fs.ModeSetgid == fs.ModeSetgid {
		res |= modeSetgid
	}
	if mode&fs.ModeSetuid == fs.ModeSetuid {
		res |= modeSetuid
	}
	if mode&fs.ModeSticky == fs.ModeSticky {
		res |= modeSticky
	}

	return res
}
