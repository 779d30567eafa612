package safety

import (
	"regexp"
	"strings"
)

var (
	wordPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_$]*`)
	// numericTail matches the part of a numeric literal that the word pattern
	// picks up: an exponent (1e5, 1e) or the digits of a hex literal (0x1F).
	numericTail = regexp.MustCompile(`^(?:[eE][0-9]*|[xX][0-9A-Fa-f]*)$`)
)

type span struct {
	start int
	end   int
}

type token struct {
	upper     string
	start     int
	end       int
	depth     int
	qualified bool
}

// statement is a lexical view of one candidate query. Contents of string
// literals, quoted identifiers and comments are blanked out in masked so that
// keyword scanning never looks inside them. literalText blanks only quoted
// identifiers and comments, keeping string literals for value comparisons.
type statement struct {
	text        string
	masked      string
	literalText string
	literals   []span
	comments   []span
	semicolons []int
	tokens     []token
}

func scanStatement(raw string) *statement {
	text := normalizeText(raw)
	masked := []byte(text)
	literal := []byte(text)
	st := &statement{text: text}

	for i := 0; i < len(masked); {
		c := masked[i]
		switch {
		case c == '\'':
			end := closeQuoted(text, i, '\'')
			st.literals = append(st.literals, span{start: i, end: end})
			blank(masked, i+1, end-1)
			i = end
		case c == '"' || c == '`':
			end := closeQuoted(text, i, c)
			blank(masked, i+1, end-1)
			blank(literal, i+1, end-1)
			i = end
		case c == '[':
			end := strings.IndexByte(text[i+1:], ']')
			if end < 0 {
				end = len(text)
			} else {
				end = i + 1 + end + 1
			}
			blank(masked, i+1, end-1)
			blank(literal, i+1, end-1)
			i = end
		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				end = len(text)
			} else {
				end += i
			}
			st.comments = append(st.comments, span{start: i, end: end})
			blank(masked, i, end)
			blank(literal, i, end)
			i = end
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				end = len(text)
			} else {
				end = i + 2 + end + 2
			}
			st.comments = append(st.comments, span{start: i, end: end})
			blank(masked, i, end)
			blank(literal, i, end)
			i = end
		case c == ';':
			st.semicolons = append(st.semicolons, i)
			i++
		default:
			i++
		}
	}
	st.masked = string(masked)
	st.literalText = string(literal)
	st.tokens = tokenize(st.masked)
	return st
}

// normalizeText trims whitespace and trailing statement terminators.
func normalizeText(raw string) string {
	text := strings.TrimSpace(raw)
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	return text
}

// closeQuoted returns the index just past the quote closing the one at
// start. Doubled quotes are escapes. Unterminated quotes run to the end.
func closeQuoted(text string, start int, quote byte) int {
	for i := start + 1; i < len(text); i++ {
		if text[i] != quote {
			continue
		}
		if i+1 < len(text) && text[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(text)
}

func blank(buf []byte, from, to int) {
	for i := from; i < to && i < len(buf); i++ {
		if buf[i] != '\n' {
			buf[i] = ' '
		}
	}
}

func tokenize(masked string) []token {
	depthAt := make([]int, len(masked)+1)
	depth := 0
	for i := 0; i < len(masked); i++ {
		depthAt[i] = depth
		switch masked[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
	}

	matches := wordPattern.FindAllStringIndex(masked, -1)
	tokens := make([]token, 0, len(matches))
	for _, m := range matches {
		if m[0] > 0 && isDigit(masked[m[0]-1]) && numericTail.MatchString(masked[m[0]:m[1]]) {
			continue
		}
		tokens = append(tokens, token{
			upper:     strings.ToUpper(masked[m[0]:m[1]]),
			start:     m[0],
			end:       m[1],
			depth:     depthAt[m[0]],
			qualified: precededByDot(masked, m[0]),
		})
	}
	return tokens
}

func precededByDot(masked string, pos int) bool {
	for i := pos - 1; i >= 0; i-- {
		switch masked[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '.':
			// 1.DROP is a number followed by a keyword, not a qualified name.
			return i == 0 || !isDigit(masked[i-1])
		default:
			return false
		}
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (s *statement) inLiteral(pos int) bool {
	for _, lit := range s.literals {
		if pos >= lit.start && pos < lit.end {
			return true
		}
	}
	return false
}

// contentEnd returns the index just past the last character that is not
// whitespace or part of a trailing comment.
func (s *statement) contentEnd() int {
	end := len(s.text)
	for {
		end = len(strings.TrimRight(s.text[:end], " \t\n\r"))
		trimmed := false
		for _, c := range s.comments {
			if c.start < end && c.end >= end {
				end = c.start
				trimmed = true
				break
			}
		}
		if !trimmed {
			return end
		}
	}
}

func (s *statement) firstToken() (token, bool) {
	if len(s.tokens) == 0 {
		return token{}, false
	}
	return s.tokens[0], true
}

// primarySelect returns the index in tokens of the first SELECT at
// parenthesis depth 0. CTE bodies are parenthesised, so for a WITH chain
// this is the final select.
func (s *statement) primarySelect() int {
	for i, tok := range s.tokens {
		if tok.depth == 0 && tok.upper == "SELECT" {
			return i
		}
	}
	return -1
}
