package prompt

import (
	"regexp"
	"strings"
)

// Level selects how aggressively Sanitize rewrites flagged input.
type Level uint8

const (
	// Permissive detects and reports but never rewrites.
	Permissive Level = iota
	// Moderate removes overt injection markers. The default.
	Moderate
	// Strict additionally strips prompt-keyword tokens and code fences.
	Strict
)

func (l Level) String() string {
	switch l {
	case Permissive:
		return "permissive"
	case Moderate:
		return "moderate"
	case Strict:
		return "strict"
	}
	return "invalid"
}

// maxScan bounds how much input is pattern-matched; anything longer is
// truncated first.
const maxScan = 10000

// Match is one flagged span.
type Match struct {
	// pattern category, e.g. "instruction-override".
	Category string
	// the matched text, capped for log hygiene.
	Excerpt string
}

// pattern couples a category with its regexp and whether Moderate removes
// its matches. Strict removes every category's matches.
type pattern struct {
	category string
	re       *regexp.Regexp
	overt    bool
}

var patterns = []pattern{
	{"instruction-override", regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directives)`), true},
	{"system-impersonation", regexp.MustCompile(`(?i)(^|\n)\s*(system|assistant)\s*:|\[\s*system\s*\]|<\|\s*(system|im_start)\s*\|>`), true},
	{"role-manipulation", regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s|act\s+as\s+(a\s+|an\s+)?(root|admin|system)`), true},
	{"instruction-leak", regexp.MustCompile(`(?i)(show|reveal|print|repeat|tell)\s+(me\s+)?(your|the)\s+(system\s+)?(instructions|prompt|rules)`), true},
	{"jailbreak", regexp.MustCompile(`(?i)\bDAN\s+mode\b|\bdeveloper\s+mode\b|\bjailbreak\b|do\s+anything\s+now`), true},
	{"code-execution", regexp.MustCompile(`(?i)\b(exec|eval|system|popen)\s*\(`), false},
	{"shell-injection", regexp.MustCompile("(?i);\\s*rm\\s+-rf|`[^`\n]+`|\\|\\s*(sh|bash|nc)\\b|\\$\\((?:[^)]*)\\)"), false},
	{"sql-injection", regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1|union\s+select|;\s*drop\s+table`), false},
	{"path-traversal", regexp.MustCompile(`\.\./\.\./`), false},
	{"xss", regexp.MustCompile(`(?i)<\s*script[\s>]|javascript\s*:|onerror\s*=`), false},
}

// strictExtra are additional removals applied only at the Strict level.
var strictExtra = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(system|instructions?|prompts?)\b`),
	regexp.MustCompile("(?s)```.*?```"),
	regexp.MustCompile("```"),
}

// Detector recognizes prompt-injection patterns in untrusted text.
//
// The zero value uses the Moderate level. Methods are pure: no state is
// kept between calls, and valid UTF-8 input never panics.
type Detector struct {
	// rewrite aggressiveness for Sanitize.
	Level Level
	// scan cap override; zero means maxScan.
	MaxLen int
}

func (d *Detector) cap() int {
	if d.MaxLen > 0 {
		return d.MaxLen
	}
	return maxScan
}

// Detect reports every flagged span in s, in pattern-table order.
func (d *Detector) Detect(s string) []Match {
	s = truncate(s, d.cap())
	var out []Match
	for _, p := range patterns {
		for _, m := range p.re.FindAllString(s, -1) {
			out = append(out, Match{Category: p.category, Excerpt: excerpt(m)})
		}
	}
	return out
}

// Sanitize returns s rewritten per the configured level, plus everything
// detected. Permissive returns the input unchanged.
func (d *Detector) Sanitize(s string) (string, []Match) {
	s = truncate(s, d.cap())
	matches := d.Detect(s)
	if d.Level == Permissive || len(matches) == 0 {
		return s, matches
	}
	for _, p := range patterns {
		if !p.overt && d.Level != Strict {
			continue
		}
		s = p.re.ReplaceAllString(s, " ")
	}
	if d.Level == Strict {
		for _, re := range strictExtra {
			s = re.ReplaceAllString(s, " ")
		}
	}
	return strings.Join(strings.Fields(s), " "), matches
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

func excerpt(s string) string {
	const n = 80
	if len(s) <= n {
		return s
	}
	return truncate(s, n) + "…"
}
