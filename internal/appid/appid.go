// Package appid resolves operating system process IDs to application
// identities. The identity feeds the privacy filter, so resolution failures
// must surface as errors rather than empty identities.
package appid

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrProcessGone is returned when the process exited before resolution.
var ErrProcessGone = errors.New("appid: process no longer exists")

// Identity describes the application owning a window or input event.
type Identity struct {
	// Name is the executable or display name, e.g. "EXCEL.EXE".
	Name string
	// BundleID is the macOS bundle identifier when available, e.g.
	// "com.microsoft.Excel". Empty on other platforms.
	BundleID string
	// Path is the full executable path when resolvable.
	Path string
	PID  int32
}

// CanonicalID is the identifier the privacy filter matches against: the
// bundle identifier where one exists, otherwise the executable name.
func (id *Identity) CanonicalID() string {
	if id == nil {
		return ""
	}
	if id.BundleID != "" {
		return id.BundleID
	}
	return id.Name
}

// Resolver maps a PID to an application identity.
type Resolver interface {
	Resolve(pid int32) (*Identity, error)
}

// New returns the platform resolver wrapped in a small PID cache. Process
// identity is stable for the lifetime of a PID, so cached entries never
// expire; the cache is cleared wholesale when it grows past its bound.
func New() Resolver {
	return &cachingResolver{inner: newPlatformResolver(), cache: make(map[int32]*Identity)}
}

const cacheBound = 4096

type cachingResolver struct {
	inner Resolver

	mu    sync.Mutex
	cache map[int32]*Identity
}

func (r *cachingResolver) Resolve(pid int32) (*Identity, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("appid: invalid pid %d", pid)
	}

	r.mu.Lock()
	if id, ok := r.cache[pid]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := r.inner.Resolve(pid)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.cache) >= cacheBound {
		r.cache = make(map[int32]*Identity)
	}
	r.cache[pid] = id
	r.mu.Unlock()
	return id, nil
}

// StaticResolver serves identities from a fixed table. Test use only.
type StaticResolver struct {
	mu    sync.Mutex
	byPID map[int32]*Identity
}

// NewStaticResolver builds a resolver over the given identities, keyed by
// their PID fields.
func NewStaticResolver(ids ...*Identity) *StaticResolver {
	r := &StaticResolver{byPID: make(map[int32]*Identity)}
	for _, id := range ids {
		r.byPID[id.PID] = id
	}
	return r
}

// Add registers or replaces an identity.
func (r *StaticResolver) Add(id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPID[id.PID] = id
}

func (r *StaticResolver) Resolve(pid int32) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPID[pid]
	if !ok {
		return nil, ErrProcessGone
	}
	return id, nil
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/\\")
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}
