package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Predicate is a compiled rule. It is immutable and safe to share.
type Predicate struct {
	Source string
	Root   Node
	// SQL is a WHERE-clause fragment over transaction_view columns with
	// positional placeholders bound by Params.
	SQL    string
	Params []any
}

// Match evaluates the predicate against an in-memory row.
func (p *Predicate) Match(r *Row) bool {
	return p.Root.Eval(r)
}

// Parser compiles rule text against a field allowlist.
type Parser struct {
	fields map[string]field
}

// NewParser returns a parser limited to the named fields. With no names every
// known field is allowed.
func NewParser(allowed ...string) (*Parser, error) {
	if len(allowed) == 0 {
		return &Parser{fields: fieldTable}, nil
	}
	fields := make(map[string]field, len(allowed))
	for _, name := range allowed {
		f, ok := fieldTable[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown rule field %q", name)
		}
		fields[f.name] = f
	}
	return &Parser{fields: fields}, nil
}

var defaultParser = &Parser{fields: fieldTable}

// Parse compiles src with the full allowlist.
func Parse(src string) (*Predicate, error) {
	return defaultParser.Parse(src)
}

// Parse compiles src into a Predicate.
func (p *Parser) Parse(src string) (*Predicate, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 {
		return nil, &SyntaxError{Rule: src, Pos: 0, Msg: "empty rule"}
	}
	ps := &parseState{src: src, toks: toks, fields: p.fields}
	root, err := ps.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := ps.peek(); tok.kind != tokEOF {
		return nil, ps.errorf(tok, "unexpected %s %q", tok.kind, tok.text)
	}
	b := &sqlBuilder{}
	root.writeSQL(b)
	return &Predicate{Source: src, Root: root, SQL: b.sb.String(), Params: b.params}, nil
}

type parseState struct {
	src    string
	toks   []token
	pos    int
	fields map[string]field
}

func (ps *parseState) peek() token { return ps.toks[ps.pos] }

func (ps *parseState) next() token {
	tok := ps.toks[ps.pos]
	if tok.kind != tokEOF {
		ps.pos++
	}
	return tok
}

func (ps *parseState) errorf(tok token, format string, args ...any) error {
	return &SyntaxError{Rule: ps.src, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (ps *parseState) isKeyword(tok token, kw string) bool {
	return tok.kind == tokIdent && strings.EqualFold(tok.text, kw)
}

func (ps *parseState) expectKeyword(kw string) error {
	tok := ps.next()
	if !ps.isKeyword(tok, kw) {
		return ps.errorf(tok, "expected %q", kw)
	}
	return nil
}

// expr := term (OR term)*
func (ps *parseState) parseExpr() (Node, error) {
	left, err := ps.parseTerm()
	if err != nil {
		return nil, err
	}
	for ps.isKeyword(ps.peek(), "or") {
		ps.next()
		right, err := ps.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: OpOr, left: left, right: right}
	}
	return left, nil
}

// term := factor (AND factor)*
func (ps *parseState) parseTerm() (Node, error) {
	left, err := ps.parseFactor()
	if err != nil {
		return nil, err
	}
	for ps.isKeyword(ps.peek(), "and") {
		ps.next()
		right, err := ps.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: OpAnd, left: left, right: right}
	}
	return left, nil
}

// factor := '(' expr ')' | condition
func (ps *parseState) parseFactor() (Node, error) {
	if ps.peek().kind == tokLParen {
		ps.next()
		inner, err := ps.parseExpr()
		if err != nil {
			return nil, err
		}
		if tok := ps.next(); tok.kind != tokRParen {
			return nil, ps.errorf(tok, "expected ')' but found %s", tok.kind)
		}
		return &groupNode{inner: inner}, nil
	}
	return ps.parseCondition()
}

func (ps *parseState) parseCondition() (Node, error) {
	tok := ps.next()
	if tok.kind != tokIdent {
		return nil, ps.errorf(tok, "expected field name but found %s", tok.kind)
	}
	name := strings.ToLower(tok.text)
	f, ok := ps.fields[name]
	if !ok {
		return nil, &FieldNotAllowedError{Field: tok.text, Rule: ps.src, Suggestion: suggest(name, ps.fields)}
	}

	opTok := ps.next()
	switch {
	case opTok.kind == tokOp:
		return ps.parseComparison(f, opTok)
	case ps.isKeyword(opTok, "starts"):
		if err := ps.expectKeyword("with"); err != nil {
			return nil, err
		}
		val := ps.next()
		if val.kind != tokString {
			return nil, ps.errorf(val, "starts with requires a string")
		}
		return &likeNode{field: f, pattern: val.text + "%"}, nil
	case ps.isKeyword(opTok, "is"):
		if err := ps.expectKeyword("blank"); err != nil {
			return nil, err
		}
		return &blankNode{field: f}, nil
	case ps.isKeyword(opTok, "not"):
		if err := ps.expectKeyword("is"); err != nil {
			return nil, err
		}
		if err := ps.expectKeyword("blank"); err != nil {
			return nil, err
		}
		return &blankNode{field: f, negate: true}, nil
	case ps.isKeyword(opTok, "notisblank"):
		return &blankNode{field: f, negate: true}, nil
	case ps.isKeyword(opTok, "in"):
		return ps.parseIn(f, opTok)
	}
	return nil, ps.errorf(opTok, "expected operator after %s", f.name)
}

func (ps *parseState) parseComparison(f field, opTok token) (Node, error) {
	val := ps.next()
	op := opTok.text
	equality := op == "=" || op == "<>"
	switch val.kind {
	case tokString:
		if !equality {
			return nil, ps.errorf(opTok, "operator %s requires a number", op)
		}
		return &likeNode{field: f, pattern: "%" + val.text + "%", negate: op == "<>"}, nil
	case tokNumber:
		d, err := decimal.NewFromString(val.text)
		if err != nil {
			return nil, ps.errorf(val, "invalid number %q", val.text)
		}
		return &compareNode{field: f, op: op, value: d}, nil
	case tokRegex:
		if !equality {
			return nil, ps.errorf(opTok, "operator %s cannot be used with a regex", op)
		}
		re, err := compileRegex(val.text, val.flags)
		if err != nil {
			return nil, ps.errorf(val, "%v", err)
		}
		return &regexNode{field: f, re: re, negate: op == "<>"}, nil
	}
	return nil, ps.errorf(val, "expected value after %s but found %s", op, val.kind)
}

func (ps *parseState) parseIn(f field, opTok token) (Node, error) {
	if f.kind == numberField {
		return nil, ps.errorf(opTok, "in cannot be used with numeric field %s", f.name)
	}
	if tok := ps.next(); tok.kind != tokLParen {
		return nil, ps.errorf(tok, "expected '(' after in")
	}
	var values []string
	for {
		val := ps.next()
		if val.kind != tokString {
			return nil, ps.errorf(val, "in list accepts strings only")
		}
		values = append(values, val.text)
		sep := ps.next()
		if sep.kind == tokRParen {
			break
		}
		if sep.kind != tokComma {
			return nil, ps.errorf(sep, "expected ',' or ')' in list")
		}
	}
	return &inNode{field: f, values: values}, nil
}

// compileRegex turns /body/flags into a native pattern once at compile time.
func compileRegex(body, flags string) (*regexp.Regexp, error) {
	var native strings.Builder
	for _, fl := range flags {
		switch fl {
		case 'i', 'm', 's':
			if !strings.ContainsRune(native.String(), fl) {
				native.WriteRune(fl)
			}
		case 'g', 'u', 'y':
			// no meaning for a single boolean test
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", fl)
		}
	}
	pattern := body
	if native.Len() > 0 {
		pattern = "(?" + native.String() + ")" + body
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex /%s/: %w", body, err)
	}
	return re, nil
}
