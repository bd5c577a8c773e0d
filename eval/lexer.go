// Package eval implements the expression and template evaluator that binds
// node outputs into downstream inputs. Two syntaxes resolve against the same
// scope: "{{path.expr}}" value substitution and "${ident.path}" shell-style
// templates. Path parsing uses a small hand-written lexer so diagnostics can
// point at byte offsets inside the expression.
package eval

import (
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenDot
	tokenLBracket
	tokenRBracket
	tokenInt
	tokenStar
	tokenLParen
	tokenRParen
	tokenComma
	tokenString
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of expression"
	case tokenIdent:
		return "identifier"
	case tokenDot:
		return "'.'"
	case tokenLBracket:
		return "'['"
	case tokenRBracket:
		return "']'"
	case tokenInt:
		return "integer"
	case tokenStar:
		return "'*'"
	case tokenLParen:
		return "'('"
	case tokenRParen:
		return "')'"
	case tokenComma:
		return "','"
	case tokenString:
		return "string literal"
	default:
		return "unknown token"
	}
}

type token struct {
	kind   tokenKind
	text   string
	intVal int
	// offset is the byte position of the token within the expression.
	offset int
}

// SyntaxError reports a malformed expression with the offending byte offset.
type SyntaxError struct {
	Expr    string
	Offset  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression %q: offset %d: %s", e.Expr, e.Offset, e.Message)
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) errorf(offset int, format string, args ...any) error {
	return &SyntaxError{Expr: l.input, Offset: offset, Message: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF, offset: l.pos}, nil
	}

	start := l.pos
	switch c := l.input[l.pos]; {
	case c == '.':
		l.pos++
		return token{kind: tokenDot, text: ".", offset: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokenLBracket, text: "[", offset: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokenRBracket, text: "]", offset: start}, nil
	case c == '*':
		l.pos++
		return token{kind: tokenStar, text: "*", offset: start}, nil
	case c == '(':
		l.pos++
		return token{kind: tokenLParen, text: "(", offset: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokenRParen, text: ")", offset: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokenComma, text: ",", offset: start}, nil
	case c == '"' || c == '\'':
		return l.lexString(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return l.lexInt()
	default:
		return l.lexIdent()
	}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var out []byte
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case quote:
			l.pos++
			return token{kind: tokenString, text: string(out), offset: start}, nil
		case '\\':
			if l.pos+1 >= len(l.input) {
				return token{}, l.errorf(l.pos, "unterminated escape")
			}
			l.pos++
			out = append(out, l.input[l.pos])
			l.pos++
		default:
			out = append(out, c)
			l.pos++
		}
	}
	return token{}, l.errorf(start, "unterminated string literal")
}

func (l *lexer) lexInt() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && l.input[l.pos] >= '0' && l.input[l.pos] <= '9' {
		l.pos++
	}
	text := l.input[start:l.pos]
	n, err := strconv.Atoi(text)
	if err != nil {
		return token{}, l.errorf(start, "invalid integer %q", text)
	}
	return token{kind: tokenInt, text: text, intVal: n, offset: start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	r, size := utf8.DecodeRuneInString(l.input[l.pos:])
	if r != '$' && r != '_' && !unicode.IsLetter(r) {
		return token{}, l.errorf(start, "unexpected character %q", r)
	}
	l.pos += size
	for l.pos < len(l.input) {
		r, size = utf8.DecodeRuneInString(l.input[l.pos:])
		if r != '_' && r != '-' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		l.pos += size
	}
	return token{kind: tokenIdent, text: l.input[start:l.pos], offset: start}, nil
}
