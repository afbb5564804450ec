//go:build !linux

package promote

func renameNoReplace(oldpath, newpath string) error {
	return renameChecked(oldpath, newpath)
}
