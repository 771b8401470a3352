package query

import (
	"strconv"
	"strings"
	"unicode"

	"cube-engine/internal/common"
	"cube-engine/internal/schema"
)

type clause struct {
	keyword string
	body    string
}

var clauseKeywords = []string{"SELECT", "FROM", "WHERE", "GROUP BY", "ORDER BY", "LIMIT", "OFFSET"}

// Parse builds a query from text of the form
//
//	SELECT <items> [FROM <cube>] [WHERE <predicate>] [GROUP BY <dims>]
//	[ORDER BY <items>] [LIMIT n] [OFFSET n]
//
// Clauses must appear in that order. Errors are latched on the builder.
func Parse(g *schema.Graph, text string) *Builder {
	b := NewBuilder(g)
	clauses, err := splitClauses(text)
	if err != nil {
		return b.fail(err)
	}
	for _, c := range clauses {
		switch c.keyword {
		case "SELECT":
			b.Select(splitList(c.body)...)
		case "FROM":
			// The cube is implied by the builder's schema.
		case "WHERE":
			b.Filter(c.body)
		case "GROUP BY":
			items := splitList(c.body)
			for i := range items {
				items[i] = strings.TrimSpace(items[i])
			}
			b.GroupBy(items...)
		case "ORDER BY":
			b.OrderBy(splitList(c.body)...)
		case "LIMIT", "OFFSET":
			n, err := strconv.Atoi(strings.TrimSpace(c.body))
			if err != nil {
				return b.fail(common.Errorf(common.ErrInvalidExpression, "%s expects an integer, got %q", c.keyword, c.body))
			}
			if c.keyword == "LIMIT" {
				b.Limit(n)
			} else {
				b.Offset(n)
			}
		}
	}
	return b
}

// splitClauses cuts text at top-level clause keywords, skipping quoted text
// and parenthesised sub-expressions.
func splitClauses(text string) ([]clause, error) {
	type mark struct {
		keyword    string
		start, end int
	}
	var marks []mark
	depth := 0
	inString := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case inString:
			if c == '\'' {
				inString = false
			}
			continue
		case c == '\'':
			inString = true
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth != 0 || (i > 0 && isWordByte(text[i-1])) {
			continue
		}
		for _, kw := range clauseKeywords {
			if end, ok := matchKeyword(text, i, kw); ok {
				marks = append(marks, mark{keyword: kw, start: i, end: end})
				i = end - 1
				break
			}
		}
	}

	if len(marks) == 0 || marks[0].keyword != "SELECT" || strings.TrimSpace(text[:marks[0].start]) != "" {
		return nil, common.NewError(common.ErrInvalidExpression, "query must start with SELECT")
	}

	clauses := make([]clause, 0, len(marks))
	last := -1
	for i, m := range marks {
		order := indexOf(clauseKeywords, m.keyword)
		if order <= last {
			return nil, common.Errorf(common.ErrInvalidExpression, "unexpected %s clause", m.keyword)
		}
		last = order
		end := len(text)
		if i+1 < len(marks) {
			end = marks[i+1].start
		}
		body := strings.TrimSpace(text[m.end:end])
		if body == "" {
			return nil, common.Errorf(common.ErrInvalidExpression, "%s clause is empty", m.keyword)
		}
		clauses = append(clauses, clause{keyword: m.keyword, body: body})
	}
	return clauses, nil
}

// matchKeyword matches kw at text[i:], case-insensitively, allowing any run
// of whitespace between the words of a two-word keyword.
func matchKeyword(text string, i int, kw string) (int, bool) {
	pos := i
	for wi, word := range strings.Fields(kw) {
		if wi > 0 {
			start := pos
			for pos < len(text) && unicode.IsSpace(rune(text[pos])) {
				pos++
			}
			if pos == start {
				return 0, false
			}
		}
		if pos+len(word) > len(text) || !strings.EqualFold(text[pos:pos+len(word)], word) {
			return 0, false
		}
		pos += len(word)
	}
	if pos < len(text) && isWordByte(text[pos]) {
		return 0, false
	}
	return pos, true
}

// splitList splits on top-level commas
func splitList(s string) []string {
	var out []string
	depth := 0
	inString := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			if c == '\'' {
				inString = false
			}
		case c == '\'':
			inString = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func isWordByte(c byte) bool {
	return c == '_' || c == '"' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
