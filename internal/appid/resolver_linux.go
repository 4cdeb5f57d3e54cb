package appid

import (
	"fmt"
	"os"
	"strings"
)

type linuxResolver struct{}

func newPlatformResolver() Resolver { return &linuxResolver{} }

func (r *linuxResolver) Resolve(pid int32) (*Identity, error) {
	procDir := fmt.Sprintf("/proc/%d", pid)
	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return nil, ErrProcessGone
	}

	id := &Identity{PID: pid}
	if exe, err := os.Readlink(procDir + "/exe"); err == nil {
		// Deleted executables read as "/path (deleted)".
		exe = strings.TrimSuffix(exe, " (deleted)")
		id.Path = exe
		id.Name = baseName(exe)
	}
	if id.Name == "" {
		comm, err := os.ReadFile(procDir + "/comm")
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrProcessGone
			}
			return nil, fmt.Errorf("appid: read comm for pid %d: %w", pid, err)
		}
		id.Name = strings.TrimSpace(string(comm))
	}
	if id.Name == "" {
		return nil, fmt.Errorf("appid: pid %d has no resolvable name", pid)
	}
	return id, nil
}
