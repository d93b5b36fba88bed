package diskgate

import "syscall"

func realStatfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize) // #nosec G115 -- block size is always positive
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}
