package appid

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

type windowsResolver struct{}

func newPlatformResolver() Resolver { return &windowsResolver{} }

func (r *windowsResolver) Resolve(pid int32) (*Identity, error) {
	h, err := windows.OpenProcess(
		windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil, ErrProcessGone
		}
		return nil, fmt.Errorf("appid: open pid %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return nil, fmt.Errorf("appid: query image name for pid %d: %w", pid, err)
	}
	path := windows.UTF16ToString(buf[:size])
	if path == "" {
		return nil, fmt.Errorf("appid: pid %d has no resolvable name", pid)
	}
	return &Identity{PID: pid, Path: path, Name: baseName(path)}, nil
}
