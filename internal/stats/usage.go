package stats

import (
	"golang.org/x/sys/unix"
)

// DiskUsage describes the filesystem holding the disk root.
type DiskUsage struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// Usage reports usage of the filesystem containing path.
func Usage(path string) (*DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, err
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	used := total - st.Bfree*bsize
	u := &DiskUsage{Total: total, Used: used, Free: free}
	if used+free > 0 {
		u.Percent = float64(used) / float64(used+free) * 100
	}
	return u, nil
}
