package appid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

type darwinResolver struct{}

func newPlatformResolver() Resolver { return &darwinResolver{} }

func (r *darwinResolver) Resolve(pid int32) (*Identity, error) {
	if _, err := unix.SysctlKinfoProc("kern.proc.pid", int(pid)); err != nil {
		if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENOENT) {
			return nil, ErrProcessGone
		}
		return nil, fmt.Errorf("appid: sysctl pid %d: %w", pid, err)
	}

	// kern.procargs2 carries the full executable path and with it the
	// untruncated name and the bundle root.
	path, err := pidPath(pid)
	if err != nil || path == "" {
		return nil, fmt.Errorf("appid: pid %d has no resolvable name", pid)
	}
	return &Identity{
		PID:      pid,
		Path:     path,
		Name:     baseName(path),
		BundleID: bundleIDForPath(path),
	}, nil
}

// pidPath reads the executable path from kern.procargs2, whose layout is a
// 4-byte argc followed by the NUL-terminated exec path.
func pidPath(pid int32) (string, error) {
	raw, err := unix.SysctlRaw("kern.procargs2", int(pid))
	if err != nil {
		return "", err
	}
	if len(raw) <= 4 {
		return "", fmt.Errorf("appid: short procargs2 for pid %d", pid)
	}
	rest := raw[4:]
	if i := strings.IndexByte(string(rest), 0); i >= 0 {
		rest = rest[:i]
	}
	return string(rest), nil
}

// bundleIDForPath derives the bundle identifier from the .app directory
// enclosing the executable by reading CFBundleIdentifier out of the bundle's
// Info.plist. The plist is parsed loosely; a missing or binary plist yields
// an empty bundle ID and the caller falls back to the executable name.
func bundleIDForPath(execPath string) string {
	dir := execPath
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
		if strings.HasSuffix(dir, ".app") {
			break
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "Contents", "Info.plist"))
	if err != nil {
		return ""
	}
	return plistStringValue(string(data), "CFBundleIdentifier")
}

func plistStringValue(plist, key string) string {
	marker := "<key>" + key + "</key>"
	i := strings.Index(plist, marker)
	if i < 0 {
		return ""
	}
	rest := plist[i+len(marker):]
	open := strings.Index(rest, "<string>")
	if open < 0 {
		return ""
	}
	rest = rest[open+len("<string>"):]
	close := strings.Index(rest, "</string>")
	if close < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:close])
}
