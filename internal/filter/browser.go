package filter

import "strings"

// browserMarkers maps a browser family (identified by a substring of the
// application identifier) to the window-title markers that indicate a private
// session. Matching is case-insensitive substring matching; the marker tables
// are English-language only, which is a known gap for localized builds.
type browserFamily struct {
	idSubstrings []string
	markers      []string
}

var browserFamilies = []browserFamily{
	{idSubstrings: []string{"firefox", "org.mozilla"}, markers: []string{"private browsing"}},
	{idSubstrings: []string{"safari", "com.apple.safari"}, markers: []string{"private browsing"}},
	{idSubstrings: []string{"edge", "msedge"}, markers: []string{"inprivate"}},
	{idSubstrings: []string{"chrome", "brave", "opera", "vivaldi"}, markers: []string{"incognito", "private"}},
}

// IsPrivateBrowsing reports whether the window title carries the private
// session marker for the browser identified by appID. Unknown applications
// and empty titles return false: this check only ever adds blocking on top of
// the identity checks, it never substitutes for them.
func IsPrivateBrowsing(appID, windowTitle string) bool {
	if appID == "" || windowTitle == "" {
		return false
	}
	id := strings.ToLower(appID)
	title := strings.ToLower(windowTitle)
	for _, fam := range browserFamilies {
		for _, sub := range fam.idSubstrings {
			if strings.Contains(id, sub) {
				for _, marker := range fam.markers {
					if strings.Contains(title, marker) {
						return true
					}
				}
				return false
			}
		}
	}
	return false
}
