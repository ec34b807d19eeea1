package provider

import (
	"os"
	"syscall"
)

// UnixFileInfo extends FileInfo with Unix-specific metadata
type UnixFileInfo interface {
	FileInfo
	UID() uint32
	GID() uint32
	Mode() os.FileMode
	IsSymlink() bool
}

type unixFileInfo struct {
	FileInfo
	uid     uint32
	gid     uint32
	mode    os.FileMode
	symlink bool
}

func (u *unixFileInfo) UID() uint32       { return u.uid }
func (u *unixFileInfo) GID() uint32       { return u.gid }
func (u *unixFileInfo) Mode() os.FileMode { return u.mode }
func (u *unixFileInfo) IsSymlink() bool   { return u.symlink }

// WrapOSFileInfo converts an os.FileInfo into a UnixFileInfo. When info comes
// from Lstat, a symlink reports IsDir false and IsSymlink true.
func WrapOSFileInfo(info os.FileInfo) UnixFileInfo {
	u := &unixFileInfo{
		FileInfo: &basicFileInfo{
			name:    info.Name(),
			size:    info.Size(),
			isDir:   info.IsDir(),
			modTime: info.ModTime(),
		},
		mode:    info.Mode().Perm(),
		symlink: info.Mode()&os.ModeSymlink != 0,
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		u.uid = st.Uid
		u.gid = st.Gid
	}
	return u
}

// IsSymlink reports whether info describes a symbolic link.
func IsSymlink(info FileInfo) bool {
	u, ok := info.(UnixFileInfo)
	return ok && u.IsSymlink()
}

// ApplyMetadata applies permissions and, when preserveOwner is set, ownership
// of fileInfo to path.
func ApplyMetadata(path string, fileInfo FileInfo, preserveOwner bool) error {
	unixInfo, ok := fileInfo.(UnixFileInfo)
	if !ok {
		return nil
	}

	if unixInfo.Mode() != 0 {
		if err := os.Chmod(path, unixInfo.Mode()); err != nil {
			return err
		}
	}

	if preserveOwner {
		if err := os.Lchown(path, int(unixInfo.UID()), int(unixInfo.GID())); err != nil {
			return err
		}
	}

	return nil
}
