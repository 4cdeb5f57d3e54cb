package vce

import (
	"regexp"
	"strings"
	"time"
)

// ScreenState is the coarse classification of what the user is doing at the
// moment of a visual capture. It rides along with the capture so downstream
// mining can bucket frames without re-running OCR.
type ScreenState string

const (
	StateError      ScreenState = "error"
	StateWaiting    ScreenState = "waiting_latency"
	StateQueue      ScreenState = "queue"
	StateSearch     ScreenState = "search"
	StateDataEntry  ScreenState = "data_entry"
	StateReview     ScreenState = "review"
	StateNavigation ScreenState = "navigation"
	StateOther      ScreenState = "other"
)

// Confidence tiers. Keyword hits in the window title are strong signals;
// behavioral heuristics are weaker; the fallback state is weaker still.
const (
	confidenceKeyword   = 0.80
	confidenceHeuristic = 0.65
	confidenceFallback  = 0.40
)

// waitingDwell is the foreground dwell past which a window with no input at
// all reads as waiting on the system rather than on the user.
const waitingDwell = 30 * time.Second

// Classification is the classifier output.
type Classification struct {
	State      ScreenState
	Confidence float64
}

// stateRules are evaluated in priority order: an error dialog in the title
// outranks everything else no matter what the user's hands are doing.
var stateRules = []struct {
	state ScreenState
	re    *regexp.Regexp
}{
	{StateError, regexp.MustCompile(`(?i)\b(error|exception|failed|failure|crash|denied|invalid|fatal)\b`)},
	{StateWaiting, regexp.MustCompile(`(?i)\b(loading|please wait|processing|connecting|synchronizing|syncing|updating)\b`)},
	{StateQueue, regexp.MustCompile(`(?i)\b(queue|inbox|worklist|work list|pending items|backlog|tickets?)\b`)},
	{StateSearch, regexp.MustCompile(`(?i)\b(search|find|lookup|query|results? for)\b`)},
	{StateDataEntry, regexp.MustCompile(`(?i)\b(form|entry|new record|create|register|registration|application form|invoice entry)\b`)},
	{StateReview, regexp.MustCompile(`(?i)\b(review|approve|approval|verify|verification|validate|audit|sign.?off)\b`)},
	{StateNavigation, regexp.MustCompile(`(?i)\b(dashboard|home|menu|overview|portal|navigator)\b`)},
}

// Classify maps the capture context to a screen state. Title keywords win;
// absent a keyword hit, dwell and input behavior around the trigger decide
// between waiting, data entry, review, and navigation; anything else is
// StateOther.
func Classify(cc CaptureContext) Classification {
	title := strings.TrimSpace(cc.WindowTitle)
	if title != "" {
		for _, rule := range stateRules {
			if rule.re.MatchString(title) {
				return Classification{State: rule.state, Confidence: confidenceKeyword}
			}
		}
	}

	switch {
	case cc.Dwell >= waitingDwell && cc.RecentKeystrokes == 0 &&
		cc.RecentClicks == 0 && cc.RecentScrolls == 0:
		return Classification{State: StateWaiting, Confidence: confidenceHeuristic}
	case cc.RecentKeystrokes >= 20:
		// Sustained typing without a telling title reads as form filling.
		return Classification{State: StateDataEntry, Confidence: confidenceHeuristic}
	case cc.RecentScrolls >= 5 && cc.RecentKeystrokes == 0:
		return Classification{State: StateReview, Confidence: confidenceHeuristic}
	case cc.RecentClicks >= 3 && cc.RecentKeystrokes == 0:
		return Classification{State: StateNavigation, Confidence: confidenceHeuristic}
	}
	return Classification{State: StateOther, Confidence: confidenceFallback}
}
