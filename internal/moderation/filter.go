// Package moderation masks blacklisted words in outgoing message text.
package moderation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxStars caps the mask length so long words do not reveal their size.
const maxStars = 3

// Filter replaces whole-word, case-insensitive blacklist matches with at most
// three asterisks. Word boundaries are Unicode-aware, so non-ASCII entries
// match as whole words too. The zero value and a nil *Filter pass text
// through.
type Filter struct {
	re *regexp.Regexp
}

// NewFilter compiles words into a single matcher. Blank entries are ignored.
func NewFilter(words []string) *Filter {
	seen := map[string]struct{}{}
	var quoted []string
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		quoted = append(quoted, regexp.QuoteMeta(w))
	}
	if len(quoted) == 0 {
		return &Filter{}
	}
	// Longest first so overlapping alternatives prefer the full word.
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return &Filter{re: regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)}
}

// Clean masks every blacklisted word in text.
func (f *Filter) Clean(text string) string {
	if f == nil || f.re == nil {
		return text
	}
	var b strings.Builder
	last, pos := 0, 0
	for pos < len(text) {
		loc := f.re.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if end > start && wholeWord(text, start, end) {
			b.WriteString(text[last:start])
			b.WriteString(mask(text[start:end]))
			last, pos = end, end
			continue
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		pos = start + size
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// wholeWord reports whether text[start:end] is not glued to a word rune on
// either side.
func wholeWord(text string, start, end int) bool {
	if r, _ := utf8.DecodeLastRuneInString(text[:start]); start > 0 && isWordRune(r) {
		return false
	}
	if r, _ := utf8.DecodeRuneInString(text[end:]); end < len(text) && isWordRune(r) {
		return false
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func mask(word string) string {
	return strings.Repeat("*", min(utf8.RuneCountInString(word), maxStars))
}

// ParseList splits a blacklist given as comma- or newline-separated words.
func ParseList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParamGetter is satisfied by paramstore.Client.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// LoadFromParams builds a Filter from the parameter holding the blacklist.
func LoadFromParams(ctx context.Context, params ParamGetter, name string) (*Filter, error) {
	raw, err := params.GetParameter(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("moderation: load blacklist: %w", err)
	}
	return NewFilter(ParseList(raw)), nil
}
