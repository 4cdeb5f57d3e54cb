// Package pii implements pattern-based redaction of sensitive text. Every
// free-text field (window titles, OCR output) passes through Scrub before it
// may leave the process; detection failing open is never acceptable, so the
// pattern set is compiled in and a bad custom pattern is skipped rather than
// disabling the scrubber.
package pii

import (
	"regexp"
	"sort"
	"strings"
)

// RedactionToken replaces every detected span.
const RedactionToken = "[PII_REDACTED]"

// PatternSetVersion identifies the built-in pattern set. Reported to the
// backend so stale agents can be flagged.
const PatternSetVersion = "2025.08"

type pattern struct {
	name string
	re   *regexp.Regexp
	// validate may veto a regex match (false positives like non-Luhn
	// digit runs or URL path segments). Nil means every match counts.
	validate func(text string, start, end int) bool
}

// Scrubber detects and redacts PII spans. Stateless and safe for concurrent
// use once constructed.
type Scrubber struct {
	patterns []pattern
}

// Detection describes one matched span, reported by Scan.
type Detection struct {
	Pattern string
	Start   int
	End     int
}

var (
	reSSN   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// Phone formats require separators or a leading + so that bare digit
	// runs ("Page 42 of 100", order numbers) pass through.
	rePhoneUS   = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)
	rePhoneIntl = regexp.MustCompile(`\+\d{1,3}[-.\s]?\d{6,12}\b`)

	// Major card brands, 16-digit and 15-digit Amex, with optional
	// space/dash grouping. Candidates are Luhn-checked.
	reCard16 = regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|6011|65\d{2})(?:[-\s]?\d{4}){3}\b`)
	reAmex   = regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`)

	reIBANCompact = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)
	reIBANSpaced  = regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: [A-Z0-9]{4}){2,7}(?: [A-Z0-9]{1,4})?\b`)

	rePathPosix = regexp.MustCompile(`/(?:[\w@.+-]+/)+[\w@.+-]+`)
	rePathWin   = regexp.MustCompile(`\b[A-Za-z]:\\(?:[^\\/:*?"<>|\r\n ]+\\)+[^\\/:*?"<>|\r\n ]*`)

	// UK National Insurance numbers, compact and spaced. The letter classes
	// are deliberately loose: redacting an NIN-shaped code that is not a
	// real NIN is the safe direction.
	reNINCompact = regexp.MustCompile(`\b[A-Za-z]{2}\d{6}[A-Da-d]\b`)
	reNINSpaced  = regexp.MustCompile(`\b[A-Za-z]{2}(?: \d{2}){3} ?[A-Da-d]\b`)
)

// New returns a scrubber with the built-in pattern set.
func New() *Scrubber {
	return &Scrubber{patterns: []pattern{
		{name: "ssn", re: reSSN},
		{name: "email", re: reEmail},
		{name: "phone", re: rePhoneUS},
		{name: "phone", re: rePhoneIntl},
		{name: "credit_card", re: reCard16, validate: luhnSpan},
		{name: "credit_card", re: reAmex, validate: luhnSpan},
		{name: "iban", re: reIBANSpaced},
		{name: "iban", re: reIBANCompact},
		{name: "file_path", re: rePathPosix, validate: notURLPath},
		{name: "file_path", re: rePathWin},
		{name: "uk_nin", re: reNINSpaced},
		{name: "uk_nin", re: reNINCompact},
	}}
}

// Scan returns the detected spans in text, sorted and merged so that
// overlapping or adjacent matches count once.
func (s *Scrubber) Scan(text string) []Detection {
	if text == "" {
		return nil
	}
	var found []Detection
	for _, p := range s.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if p.validate != nil && !p.validate(text, loc[0], loc[1]) {
				continue
			}
			found = append(found, Detection{Pattern: p.name, Start: loc[0], End: loc[1]})
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Start != found[j].Start {
			return found[i].Start < found[j].Start
		}
		return found[i].End > found[j].End
	})

	merged := found[:1]
	for _, d := range found[1:] {
		last := &merged[len(merged)-1]
		if d.Start <= last.End {
			if d.End > last.End {
				last.End = d.End
			}
			continue
		}
		merged = append(merged, d)
	}
	return merged
}

// ContainsPII reports whether text holds at least one detectable span.
func (s *Scrubber) ContainsPII(text string) bool {
	return len(s.Scan(text)) > 0
}

// Scrub replaces each detected span with the redaction token. Only the
// matched spans are replaced; surrounding context is preserved verbatim.
func (s *Scrubber) Scrub(text string) string {
	spans := s.Scan(text)
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, d := range spans {
		b.WriteString(text[prev:d.Start])
		b.WriteString(RedactionToken)
		prev = d.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

// luhnSpan vetoes card candidates that fail the Luhn checksum.
func luhnSpan(text string, start, end int) bool {
	sum := 0
	double := false
	for i := end - 1; i >= start; i-- {
		c := text[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// notURLPath vetoes POSIX path matches that are actually the path component
// of a URL ("https://host/a/b").
func notURLPath(text string, start, end int) bool {
	if start >= 2 && text[start-1] == '/' {
		return false
	}
	if start >= 3 && text[start-3:start] == "://" {
		return false
	}
	// Walk back over the host portion to find a scheme separator.
	i := start - 1
	for i >= 0 {
		c := text[i]
		if c == ' ' || c == '\t' {
			break
		}
		if c == ':' && i >= 1 && i+2 < len(text) && strings.HasPrefix(text[i:], "://") {
			return false
		}
		i--
	}
	return true
}
