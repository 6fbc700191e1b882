package corpus

import (
	"strconv"
	"strings"
	"unicode"
)

// Slugify converts heading text to a GitHub-flavored anchor: lowercase,
// letters/digits/hyphens/underscores kept, spaces become hyphens, all
// other punctuation dropped. Inline-markup characters (backticks,
// asterisks) count as punctuation and vanish.
func Slugify(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte('-')
		}
	}
	return b.String()
}

// slugger assigns per-document unique anchors: the first occurrence of
// a slug is used as-is, repeats get -1, -2, ... suffixes.
type slugger struct {
	seen map[string]int
}

func newSlugger() *slugger {
	return &slugger{seen: make(map[string]int)}
}

func (s *slugger) slug(text string) string {
	base := Slugify(text)
	n, dup := s.seen[base]
	if !dup {
		s.seen[base] = 0
		return base
	}
	for {
		n++
		candidate := base + "-" + strconv.Itoa(n)
		if _, taken := s.seen[candidate]; !taken {
			s.seen[base] = n
			s.seen[candidate] = 0
			return candidate
		}
	}
}
