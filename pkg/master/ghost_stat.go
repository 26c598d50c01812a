package master

import "golang.org/x/sys/unix"

// statDevIno returns a ghosted directory's device and inode numbers, used
// to detect later tampering (a user removing and recreating the
// directory) without pulling in a full inotify watch per entry (spec
// §4.E).
func statDevIno(path string) (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}
