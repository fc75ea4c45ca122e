package staging

import "syscall"

// freeBytes reports the bytes available to unprivileged writers on the
// filesystem holding dir. Declared as a variable so tests can stub it.
var freeBytes = func(dir string) (int64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		return 0, err
	}
	return int64(fs.Bavail) * int64(fs.Bsize), nil
}
