package rules

import (
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokRegex
	tokOp
	tokLParen
	tokRParen
	tokComma
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokNumber:
		return "number"
	case tokString:
		return "string"
	case tokRegex:
		return "regex"
	case tokOp:
		return "operator"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	}
	return "token"
}

type token struct {
	kind tokenKind
	// text is the decoded value: string contents without quotes and escapes,
	// regex body without delimiters.
	text  string
	flags string // regex flags
	pos   int
}

// two-character operators come first so ">=" never lexes as ">" "=".
var operators = []string{">=", "<=", "<>", ">", "<", "="}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '\'':
			text, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text, pos: i})
			i = next
		case c == '/':
			body, flags, next, err := lexRegex(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokRegex, text: body, flags: flags, pos: i})
			i = next
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			next := lexNumber(src, i)
			toks = append(toks, token{kind: tokNumber, text: src[i:next], pos: i})
			i = next
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			op := ""
			for _, candidate := range operators {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, &SyntaxError{Rule: src, Pos: i, Msg: "unexpected character " + quoteChar(c)}
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

// lexString reads a single-quoted literal starting at src[start]. Only \' and
// \\ are valid escapes.
func lexString(src string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		switch src[i] {
		case '\\':
			if i+1 >= len(src) {
				return "", 0, &SyntaxError{Rule: src, Pos: i, Msg: "unterminated escape in string"}
			}
			next := src[i+1]
			if next != '\'' && next != '\\' {
				return "", 0, &SyntaxError{Rule: src, Pos: i, Msg: "invalid escape \\" + string(next) + " in string"}
			}
			b.WriteByte(next)
			i += 2
		case '\'':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(src[i])
			i++
		}
	}
	return "", 0, &SyntaxError{Rule: src, Pos: start, Msg: "unterminated string"}
}

// lexRegex reads /body/flags. Escapes inside the body are kept verbatim for
// the regex engine, so \/ stays \/.
func lexRegex(src string, start int) (string, string, int, error) {
	i := start + 1
	for i < len(src) {
		switch src[i] {
		case '\\':
			if i+1 >= len(src) {
				return "", "", 0, &SyntaxError{Rule: src, Pos: i, Msg: "unterminated escape in regex"}
			}
			i += 2
		case '/':
			body := src[start+1 : i]
			j := i + 1
			for j < len(src) && src[j] >= 'a' && src[j] <= 'z' {
				j++
			}
			return body, src[i+1 : j], j, nil
		default:
			i++
		}
	}
	return "", "", 0, &SyntaxError{Rule: src, Pos: start, Msg: "unterminated regex"}
}

func lexNumber(src string, start int) int {
	i := start
	if src[i] == '-' {
		i++
	}
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i+1 < len(src) && src[i] == '.' && isDigit(src[i+1]) {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	return i
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

func quoteChar(c byte) string {
	return "'" + string(c) + "'"
}
