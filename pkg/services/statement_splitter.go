package services

import "strings"

type splitState int

const (
	splitNormal splitState = iota
	splitSingleQuote
	splitDoubleQuote
	splitBacktick
	splitLineComment
	splitBlockComment
)

// SplitStatements divides a SQL batch into its statements. A semicolon only
// terminates a statement outside quotes and comments. Segments holding nothing
// but whitespace or comments are dropped. Malformed quoting never fails; the
// remainder of the text is kept as one trailing statement.
func SplitStatements(sql string) []string {
	var (
		statements []string
		state      = splitNormal
		start      = 0
		hasContent = false
	)

	flush := func(end int) {
		if hasContent {
			if stmt := strings.TrimSpace(sql[start:end]); stmt != "" {
				statements = append(statements, stmt)
			}
		}
		start = end + 1
		hasContent = false
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch state {
		case splitNormal:
			switch {
			case c == ';':
				flush(i)
			case c == '\'':
				state = splitSingleQuote
				hasContent = true
			case c == '"':
				state = splitDoubleQuote
				hasContent = true
			case c == '`':
				state = splitBacktick
				hasContent = true
			case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
				state = splitLineComment
				i++
			case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
				state = splitBlockComment
				i++
			case c != ' ' && c != '\t' && c != '\n' && c != '\r' && c != '\f' && c != '\v':
				hasContent = true
			}
		case splitSingleQuote, splitDoubleQuote, splitBacktick:
			quote := quoteFor(state)
			switch {
			case c == '\\':
				i++
			case c == quote && i+1 < len(sql) && sql[i+1] == quote:
				i++
			case c == quote:
				state = splitNormal
			}
		case splitLineComment:
			if c == '\n' {
				state = splitNormal
			}
		case splitBlockComment:
			if c == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				state = splitNormal
				i++
			}
		}
	}
	flush(len(sql))

	return statements
}

func quoteFor(state splitState) byte {
	switch state {
	case splitSingleQuote:
		return '\''
	case splitDoubleQuote:
		return '"'
	default:
		return '`'
	}
}
