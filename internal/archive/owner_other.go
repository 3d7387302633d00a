//go:build !unix

package archive

import "io/fs"

func owner(fs.FileInfo) (int, int) {
	return -1, -1
}

func canChown() bool {
	return false
}
