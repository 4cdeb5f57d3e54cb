package filter

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// hardcodedBlocklist names applications that are never captured regardless of
// configuration: password managers and OS credential brokers. Entries are
// lowercase; matching is case-insensitive. Server config can extend this set
// but can never remove from it.
var hardcodedBlocklist = []string{
	// Password managers (process names and bundle identifiers)
	"1password",
	"1password.exe",
	"1password 7",
	"com.1password.1password",
	"com.agilebits.onepassword7",
	"lastpass",
	"lastpass.exe",
	"com.lastpass.lastpass",
	"bitwarden",
	"bitwarden.exe",
	"com.bitwarden.desktop",
	"keepass",
	"keepass.exe",
	"keepassxc",
	"keepassxc.exe",
	"org.keepassxc.keepassxc",

	// OS credential brokers
	"lsass.exe",
	"credentialuibroker.exe",
	"keychain access",
	"com.apple.keychainaccess",
	"com.apple.securityagent",
	"gnome-keyring-daemon",
	"seahorse",
}

// BlockRules is the engagement-scoped allow/block configuration consulted by
// the context filter. Reads and replacements are synchronized; Replace swaps
// the configured sets wholesale so an in-flight event sees either the old or
// the new rule set, never a partial view.
type BlockRules struct {
	mu        sync.RWMutex
	hardcoded map[string]struct{}
	blocked   map[string]struct{}
	blockedGl []glob.Glob
	allowed   map[string]struct{}
	allowedGl []glob.Glob
}

// NewBlockRules builds the rule set from configured blocklist/allowlist
// entries. Entries containing glob metacharacters ("excel*", "com.corp.?")
// are compiled as case-insensitive globs; plain entries match exactly,
// case-insensitively. Invalid glob entries are dropped.
func NewBlockRules(blocklist, allowlist []string) *BlockRules {
	r := &BlockRules{hardcoded: make(map[string]struct{}, len(hardcodedBlocklist))}
	for _, e := range hardcodedBlocklist {
		r.hardcoded[e] = struct{}{}
	}
	r.Replace(blocklist, allowlist)
	return r
}

// Replace swaps the configured blocklist and allowlist atomically.
func (r *BlockRules) Replace(blocklist, allowlist []string) {
	blocked, blockedGl := compile(blocklist)
	allowed, allowedGl := compile(allowlist)

	r.mu.Lock()
	r.blocked = blocked
	r.blockedGl = blockedGl
	r.allowed = allowed
	r.allowedGl = allowedGl
	r.mu.Unlock()
}

func compile(entries []string) (map[string]struct{}, []glob.Glob) {
	exact := make(map[string]struct{}, len(entries))
	var globs []glob.Glob
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.ContainsAny(e, `*?[{`) {
			if g, err := glob.Compile(e); err == nil {
				globs = append(globs, g)
			}
			continue
		}
		exact[e] = struct{}{}
	}
	return exact, globs
}

// HasAllowlist reports whether a non-empty allowlist is configured.
func (r *BlockRules) HasAllowlist() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.allowed)+len(r.allowedGl) > 0
}

// Allowed reports whether id matches the allowlist. Only meaningful when
// HasAllowlist is true.
func (r *BlockRules) Allowed(id string) bool {
	id = strings.ToLower(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.allowed[id]; ok {
		return true
	}
	for _, g := range r.allowedGl {
		if g.Match(id) {
			return true
		}
	}
	return false
}

// Blocked reports whether id matches the hardcoded or configured blocklist.
func (r *BlockRules) Blocked(id string) bool {
	id = strings.ToLower(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.hardcoded[id]; ok {
		return true
	}
	if _, ok := r.blocked[id]; ok {
		return true
	}
	for _, g := range r.blockedGl {
		if g.Match(id) {
			return true
		}
	}
	return false
}
