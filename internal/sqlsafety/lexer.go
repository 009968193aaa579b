package sqlsafety

import (
	"strings"

	"github.com/chatsql/chatsql/internal/apperrors"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokPunct
	tokOperator
)

// token offsets index into the statement text so rewrites can splice at exact
// positions. depth is the parenthesis nesting level the token sits at; an
// opening paren carries the outer depth and its closing paren likewise.
type token struct {
	kind  tokenKind
	text  string
	upper string
	start int
	end   int
	depth int
}

func (t token) isWord(upper string) bool {
	return t.kind == tokWord && t.upper == upper
}

func (t token) isPunct(text string) bool {
	return t.kind == tokPunct && t.text == text
}

func (t token) isIdent() bool {
	return t.kind == tokWord || t.kind == tokQuoted
}

// ident returns the normalized identifier name for word and quoted tokens.
func (t token) ident() string {
	return strings.ToLower(t.text)
}

func lex(sql string) ([]token, error) {
	tokens := make([]token, 0, len(sql)/4)
	depth := 0
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, apperrors.PolicyViolation("unterminated block comment")
			}
			i += end + 4
		case c == '\'':
			start := i
			content, next, err := readQuoted(sql, i, '\'')
			if err != nil {
				return nil, err
			}
			if strings.Contains(content, `\`) {
				return nil, apperrors.PolicyViolation("string literals with backslash escapes are not allowed")
			}
			tokens = append(tokens, token{kind: tokString, text: content, start: start, end: next, depth: depth})
			i = next
		case c == '"' || c == '`':
			start := i
			content, next, err := readQuoted(sql, i, c)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokQuoted, text: content, upper: strings.ToUpper(content), start: start, end: next, depth: depth})
			i = next
		case c == '$' && dollarTagEnd(sql, i) > 0:
			tagEnd := dollarTagEnd(sql, i)
			tag := sql[i:tagEnd]
			closing := strings.Index(sql[tagEnd:], tag)
			if closing < 0 {
				return nil, apperrors.PolicyViolation("unterminated dollar-quoted literal")
			}
			next := tagEnd + closing + len(tag)
			tokens = append(tokens, token{kind: tokString, text: sql[tagEnd : tagEnd+closing], start: i, end: next, depth: depth})
			i = next
		case isDigit(c):
			start := i
			for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: sql[start:i], start: start, end: i, depth: depth})
		case isIdentStart(c):
			start := i
			for i < len(sql) && isIdentPart(sql[i]) {
				i++
			}
			text := sql[start:i]
			tokens = append(tokens, token{kind: tokWord, text: text, upper: strings.ToUpper(text), start: start, end: i, depth: depth})
		case c == '(':
			tokens = append(tokens, token{kind: tokPunct, text: "(", start: i, end: i + 1, depth: depth})
			depth++
			i++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, apperrors.PolicyViolation("unbalanced parentheses")
			}
			tokens = append(tokens, token{kind: tokPunct, text: ")", start: i, end: i + 1, depth: depth})
			i++
		case c == ',' || c == ';' || c == '.' || c == '*':
			tokens = append(tokens, token{kind: tokPunct, text: string(c), start: i, end: i + 1, depth: depth})
			i++
		default:
			tokens = append(tokens, token{kind: tokOperator, text: string(c), start: i, end: i + 1, depth: depth})
			i++
		}
	}
	if depth != 0 {
		return nil, apperrors.PolicyViolation("unbalanced parentheses")
	}
	return tokens, nil
}

// readQuoted reads a literal delimited by quote starting at sql[start], where a
// doubled quote is an escaped quote. It returns the unescaped content and the
// offset just past the closing quote.
func readQuoted(sql string, start int, quote byte) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(sql[i])
		i++
	}
	return "", 0, apperrors.PolicyViolation("unterminated quoted literal")
}

// dollarTagEnd returns the offset past a $tag$ opener at sql[i], or 0 when the
// dollar sign starts something else (for example a $1 placeholder).
func dollarTagEnd(sql string, i int) int {
	j := i + 1
	for j < len(sql) && (isIdentStart(sql[j]) || (j > i+1 && isDigit(sql[j]))) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return j + 1
	}
	return 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}
