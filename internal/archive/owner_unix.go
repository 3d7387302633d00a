//go:build unix

package archive

import (
	"io/fs"
	"os"
	"syscall"
)

func owner(info fs.FileInfo) (int, int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return -1, -1
}

// canChown reports whether restored files can keep their recorded owner.
func canChown() bool {
	return os.Geteuid() == 0
}
