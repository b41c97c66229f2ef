package index

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// LabelSelector matches repository labels. It is a comma separated list of
// terms, all of which must match:
//
//	key          label present
//	!key         label absent
//	key=value    label equals value
//	key!=value   label absent or different
//	key~value    label contains value
type LabelSelector struct {
	Terms []*LabelTerm `parser:"@@ ( ',' @@ )*"`
}

// LabelTerm is one clause of a LabelSelector.
type LabelTerm struct {
	Not   bool    `parser:"@'!'?"`
	Key   string  `parser:"@Word"`
	Op    string  `parser:"( @Op"`
	Value *string `parser:"  @Word? )?"`
}

var labelLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Op", Pattern: `!=|=|~`},
	{Name: "Not", Pattern: `!`},
	{Name: "Comma", Pattern: `,`},
	{Name: "Word", Pattern: `[^,=!~\s]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var labelParser = participle.MustBuild[LabelSelector](
	participle.Lexer(labelLexer),
	participle.Elide("Whitespace"),
)

// ParseLabelSelector parses a repository label filter.
func ParseLabelSelector(s string) (*LabelSelector, error) {
	sel, err := labelParser.ParseString("", strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid label selector %q: %w", s, err)
	}
	for _, t := range sel.Terms {
		if t.Not && t.Op != "" {
			return nil, fmt.Errorf("invalid label selector %q: '!' cannot be combined with %q", s, t.Op)
		}
	}
	return sel, nil
}

// Matches reports whether labels satisfy every term.
func (s *LabelSelector) Matches(labels map[string]string) bool {
	for _, t := range s.Terms {
		if !t.matches(labels) {
			return false
		}
	}
	return true
}

func (t *LabelTerm) matches(labels map[string]string) bool {
	got, ok := labels[t.Key]
	want := ""
	if t.Value != nil {
		want = *t.Value
	}
	switch {
	case t.Not:
		return !ok
	case t.Op == "":
		return ok
	case t.Op == "=":
		return ok && got == want
	case t.Op == "!=":
		return !ok || got != want
	case t.Op == "~":
		return ok && strings.Contains(got, want)
	}
	return false
}
