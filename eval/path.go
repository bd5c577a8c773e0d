package eval

type (
	// segment is one step of a parsed path expression.
	segment struct {
		kind segmentKind
		// name is the field name for fieldSegment.
		name string
		// index is the list index for indexSegment (negative addresses from
		// the end).
		index int
		// offset locates the segment within the source expression for
		// diagnostics.
		offset int
	}

	segmentKind int

	// expression is a parsed path or function call.
	expression struct {
		// fn is the function name when the expression is a call.
		fn string
		// args are the string-literal arguments of a call.
		args []string
		// path is the segment sequence for path expressions.
		path []segment
		// source is the original expression text.
		source string
	}
)

const (
	fieldSegment segmentKind = iota
	indexSegment
	wildcardSegment
)

// parseExpression parses a full expression: either a dotted path with
// optional index/wildcard selectors or a function call with string-literal
// arguments.
func parseExpression(input string) (*expression, error) {
	l := newLexer(input)
	first, err := l.next()
	if err != nil {
		return nil, err
	}
	if first.kind != tokenIdent {
		return nil, l.errorf(first.offset, "expected identifier, got %s", first.kind)
	}

	next, err := l.next()
	if err != nil {
		return nil, err
	}
	if next.kind == tokenLParen {
		return parseCall(l, first)
	}
	return parsePath(l, first, next, input)
}

func parseCall(l *lexer, name token) (*expression, error) {
	expr := &expression{fn: name.text, source: l.input}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokenRParen:
			end, err := l.next()
			if err != nil {
				return nil, err
			}
			if end.kind != tokenEOF {
				return nil, l.errorf(end.offset, "unexpected %s after call", end.kind)
			}
			return expr, nil
		case tokenString:
			expr.args = append(expr.args, tok.text)
			sep, err := l.next()
			if err != nil {
				return nil, err
			}
			if sep.kind == tokenRParen {
				l.pos = sep.offset // re-read the closing paren
				continue
			}
			if sep.kind != tokenComma {
				return nil, l.errorf(sep.offset, "expected ',' or ')', got %s", sep.kind)
			}
		default:
			return nil, l.errorf(tok.offset, "expected string literal or ')', got %s", tok.kind)
		}
	}
}

// parsePath continues parsing after the leading identifier and the token
// following it.
func parsePath(l *lexer, first, next token, input string) (*expression, error) {
	expr := &expression{source: input}
	expr.path = append(expr.path, segment{kind: fieldSegment, name: first.text, offset: first.offset})

	tok := next
	for {
		switch tok.kind {
		case tokenEOF:
			return expr, nil
		case tokenDot:
			ident, err := l.next()
			if err != nil {
				return nil, err
			}
			if ident.kind != tokenIdent {
				return nil, l.errorf(ident.offset, "expected identifier after '.', got %s", ident.kind)
			}
			expr.path = append(expr.path, segment{kind: fieldSegment, name: ident.text, offset: ident.offset})
		case tokenLBracket:
			sel, err := l.next()
			if err != nil {
				return nil, err
			}
			switch sel.kind {
			case tokenInt:
				expr.path = append(expr.path, segment{kind: indexSegment, index: sel.intVal, offset: sel.offset})
			case tokenStar:
				expr.path = append(expr.path, segment{kind: wildcardSegment, offset: sel.offset})
			default:
				return nil, l.errorf(sel.offset, "expected integer or '*' inside selector, got %s", sel.kind)
			}
			closing, err := l.next()
			if err != nil {
				return nil, err
			}
			if closing.kind != tokenRBracket {
				return nil, l.errorf(closing.offset, "expected ']', got %s", closing.kind)
			}
		default:
			return nil, l.errorf(tok.offset, "unexpected %s in path", tok.kind)
		}

		var err error
		tok, err = l.next()
		if err != nil {
			return nil, err
		}
	}
}
