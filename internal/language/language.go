// Package language resolves a subscriber's preferred language against a
// newsletter's supported set and builds localized message IDs.
package language

import (
	"regexp"
	"sort"
	"strings"
)

// FormatHTML and FormatText are the two message format preferences.
const (
	FormatHTML = "H"
	FormatText = "T"
)

var langRe = regexp.MustCompile(`^(?i)[a-z]{2,3}(?:-[a-z]{2})?$`)

// Valid reports whether code looks like a language code: 2 or 3 alpha
// characters, optionally followed by a dash and a 2-letter region. The
// empty string is accepted.
func Valid(code string) bool {
	if code == "" {
		return true
	}
	return langRe.MatchString(code)
}

// Primary returns the primary subtag of a language tag ("pt-BR" -> "pt").
func Primary(tag string) string {
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}

// Match resolves a requested language tag against a newsletter's supported
// list. An exact (case-insensitive) full-tag match returns the supported
// entry as stored; a primary-subtag match returns the requested tag's
// primary subtag; otherwise "en", since every newsletter is assumed to
// fall back to English whether or not it lists it.
func Match(requested string, supported []string) string {
	if requested == "" {
		return "en"
	}
	for _, s := range supported {
		if strings.EqualFold(s, requested) {
			if s == requested {
				return requested
			}
			return s
		}
	}
	prim := Primary(requested)
	for _, s := range supported {
		if strings.EqualFold(Primary(s), prim) {
			return prim
		}
	}
	return "en"
}

// MogrifyMessageID builds the vendor message ID for a base message, a
// language, and a format. The language contributes a lower-cased 2-letter
// prefix; text format appends "_T", HTML appends nothing.
//
// ("MESSAGE", "fr", "T") -> "fr_MESSAGE_T"
// ("MESSAGE", "pt-BR", "H") -> "pt_MESSAGE"
// ("MESSAGE", "", "H") -> "MESSAGE"
func MogrifyMessageID(messageID, lang, format string) string {
	result := messageID
	if lang != "" {
		l := strings.ToLower(lang)
		if len(l) > 2 {
			l = l[:2]
		}
		result = l + "_" + messageID
	}
	if format == FormatText {
		result += "_T"
	}
	return result
}

// NormalizeFormat maps a submitted format preference onto "T" or "H".
// Anything starting with t/T means text; everything else is HTML.
func NormalizeFormat(s string) string {
	if s != "" && (s[0] == 't' || s[0] == 'T') {
		return FormatText
	}
	return FormatHTML
}

var acceptTagRe = regexp.MustCompile(`^([A-Za-z]{2,3})(?:-([A-Za-z]{2})(?:-[A-Za-z0-9]+)?)?$`)

type weightedLang struct {
	tag string
	q   float64
	pos int
}

// ParseAcceptLanguage parses an Accept-Language header into an ordered list
// of candidate language tags. Region subtags are kept only when the bare
// primary subtag is not itself in the known set, so obsolete long codes
// like fr-FR collapse to fr.
func ParseAcceptLanguage(header string, known []string) []string {
	header = strings.ReplaceAll(header, "_", "-")

	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[strings.ToLower(k)] = true
	}

	var parsed []weightedLang
	for pos, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag := part
		q := 1.0
		if i := strings.IndexByte(part, ';'); i >= 0 {
			tag = strings.TrimSpace(part[:i])
			params := strings.TrimSpace(part[i+1:])
			if strings.HasPrefix(params, "q=") {
				if v, ok := parseQ(params[2:]); ok {
					q = v
				} else {
					continue
				}
			}
		}
		if tag == "" || q == 0 {
			continue
		}
		parsed = append(parsed, weightedLang{tag: tag, q: q, pos: pos})
	}
	sort.SliceStable(parsed, func(i, j int) bool {
		if parsed[i].q != parsed[j].q {
			return parsed[i].q > parsed[j].q
		}
		return parsed[i].pos < parsed[j].pos
	})

	var languages []string
	seen := make(map[string]bool)
	for _, wl := range parsed {
		m := acceptTagRe.FindStringSubmatch(wl.tag)
		if m == nil {
			continue
		}
		lang := strings.ToLower(m[1])
		if m[2] != "" && !knownSet[lang] {
			lang += "-" + strings.ToUpper(m[2])
		}
		if !seen[lang] {
			seen[lang] = true
			languages = append(languages, lang)
		}
	}
	return languages
}

func parseQ(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	// Accept-Language q-values are 0..1 with up to 3 decimals; anything
	// fancier is a malformed header.
	var v float64
	var seenDot bool
	var digits int
	for _, r := range s {
		switch {
		case r == '.' && !seenDot:
			seenDot = true
		case r >= '0' && r <= '9':
			digits++
			if digits > 4 {
				return 0, false
			}
		default:
			return 0, false
		}
	}
	if digits == 0 {
		return 0, false
	}
	scale := 1.0
	seenDot = false
	for _, r := range s {
		if r == '.' {
			seenDot = true
			continue
		}
		d := float64(r - '0')
		if seenDot {
			scale /= 10
			v += d * scale
		} else {
			v = v*10 + d
		}
	}
	if v > 1 {
		return 0, false
	}
	return v, true
}

// BestLanguage picks the first candidate supported by any newsletter,
// trying full tags first and then bare primary subtags. Falls back to the
// first candidate when nothing matches; returns "" for an empty list.
func BestLanguage(candidates, supported []string) string {
	if len(candidates) == 0 {
		return ""
	}
	contains := func(tag string) bool {
		for _, s := range supported {
			if strings.EqualFold(s, tag) {
				return true
			}
		}
		return false
	}
	for _, lang := range candidates {
		if contains(lang) {
			return lang
		}
	}
	for _, lang := range candidates {
		if p := Primary(lang); contains(p) {
			return p
		}
	}
	return candidates[0]
}
