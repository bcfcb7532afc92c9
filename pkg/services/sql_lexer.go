package services

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// tokenKind classifies a lexical SQL token.
type tokenKind int

const (
	tokWord        tokenKind = iota // unquoted identifier or keyword
	tokQuotedIdent                  // `name` or "name"
	tokString                       // 'literal'
	tokNumber
	tokParam // {name:Type}
	tokLParen
	tokRParen
	tokComma
	tokDot
	tokSemicolon
	tokOperator
)

// token is one lexical unit. For words, upper holds the upper-cased text used
// for keyword comparison; value holds the identifier with quoting removed.
type token struct {
	kind  tokenKind
	value string
	upper string
	pos   int
}

func (t token) isWord(keywords ...string) bool {
	if t.kind != tokWord {
		return false
	}
	for _, kw := range keywords {
		if t.upper == kw {
			return true
		}
	}
	return false
}

func (t token) isIdent() bool {
	return t.kind == tokWord || t.kind == tokQuotedIdent
}

// scanError reports input the lexer or the structural table scan could not interpret.
type scanError struct {
	pos int
	msg string
}

func (e *scanError) Error() string {
	if e.pos < 0 {
		return e.msg + " at end of input"
	}
	return fmt.Sprintf("%s at offset %d", e.msg, e.pos)
}

// tokenize splits sql into tokens, dropping whitespace and comments. On
// unterminated quotes or comments it returns the tokens read so far and an error.
func tokenize(sql string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			nl := strings.IndexByte(sql[i:], '\n')
			if nl < 0 {
				return tokens, nil
			}
			i += nl + 1
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return tokens, &scanError{pos: i, msg: "unterminated block comment"}
			}
			i += end + 4
		case c == '\'':
			text, next, ok := readQuoted(sql, i, '\'')
			if !ok {
				return tokens, &scanError{pos: i, msg: "unterminated string literal"}
			}
			tokens = append(tokens, token{kind: tokString, value: text, pos: i})
			i = next
		case c == '`' || c == '"':
			text, next, ok := readQuoted(sql, i, c)
			if !ok {
				return tokens, &scanError{pos: i, msg: "unterminated quoted identifier"}
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, value: text, pos: i})
			i = next
		case c == '{':
			end := strings.IndexByte(sql[i:], '}')
			if end < 0 {
				return tokens, &scanError{pos: i, msg: "unterminated query parameter"}
			}
			tokens = append(tokens, token{kind: tokParam, value: sql[i : i+end+1], pos: i})
			i += end + 1
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, value: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, value: ")", pos: i})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, value: ",", pos: i})
			i++
		case c == ';':
			tokens = append(tokens, token{kind: tokSemicolon, value: ";", pos: i})
			i++
		case c == '.' && !(i+1 < len(sql) && isDigit(sql[i+1])):
			tokens = append(tokens, token{kind: tokDot, value: ".", pos: i})
			i++
		case isDigit(c) || c == '.':
			start := i
			for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E' ||
				sql[i] == 'x' || sql[i] == 'X' || isHexLetter(sql[i]) || sql[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, value: sql[start:i], pos: start})
		default:
			r, size := utf8.DecodeRuneInString(sql[i:])
			if isWordStart(r) {
				start := i
				i += size
				for i < len(sql) {
					r, size = utf8.DecodeRuneInString(sql[i:])
					if !isWordPart(r) {
						break
					}
					i += size
				}
				word := sql[start:i]
				tokens = append(tokens, token{kind: tokWord, value: word, upper: strings.ToUpper(word), pos: start})
				continue
			}
			tokens = append(tokens, token{kind: tokOperator, value: sql[i : i+size], pos: i})
			i += size
		}
	}
	return tokens, nil
}

// readQuoted reads a span opened by quote at start. A doubled quote or a
// backslash escapes the next character. It returns the unescaped content.
func readQuoted(sql string, start int, quote byte) (string, int, bool) {
	var b strings.Builder
	i := start + 1
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '\\' && i+1 < len(sql):
			b.WriteByte(sql[i+1])
			i += 2
		case c == quote && i+1 < len(sql) && sql[i+1] == quote:
			b.WriteByte(quote)
			i += 2
		case c == quote:
			return b.String(), i + 1, true
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i, false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexLetter(c byte) bool {
	return (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isWordPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
