package rules

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Node is one element of a parsed rule.
type Node interface {
	// Eval reports whether r satisfies the node.
	Eval(r *Row) bool
	writeSQL(b *sqlBuilder)
}

type sqlBuilder struct {
	sb     strings.Builder
	params []any
}

func (b *sqlBuilder) write(s string) { b.sb.WriteString(s) }

func (b *sqlBuilder) bind(v any) {
	b.sb.WriteByte('?')
	b.params = append(b.params, v)
}

// BoolOp joins two nodes.
type BoolOp int

const (
	OpAnd BoolOp = iota
	OpOr
)

type binaryNode struct {
	op          BoolOp
	left, right Node
}

func (n *binaryNode) Eval(r *Row) bool {
	if n.op == OpAnd {
		return n.left.Eval(r) && n.right.Eval(r)
	}
	return n.left.Eval(r) || n.right.Eval(r)
}

func (n *binaryNode) writeSQL(b *sqlBuilder) {
	n.left.writeSQL(b)
	if n.op == OpAnd {
		b.write(" AND ")
	} else {
		b.write(" OR ")
	}
	n.right.writeSQL(b)
}

// groupNode keeps written parentheses so emitted SQL follows the source.
type groupNode struct {
	inner Node
}

func (n *groupNode) Eval(r *Row) bool { return n.inner.Eval(r) }

func (n *groupNode) writeSQL(b *sqlBuilder) {
	b.write("(")
	n.inner.writeSQL(b)
	b.write(")")
}

// likeNode covers substring (=, <>) and prefix (starts with) matching.
type likeNode struct {
	field   field
	pattern string
	negate  bool
}

func (n *likeNode) Eval(r *Row) bool {
	v, ok := n.field.textValue(r)
	if !ok {
		return false
	}
	return likeMatch(n.pattern, v) != n.negate
}

func (n *likeNode) writeSQL(b *sqlBuilder) {
	b.write(n.field.name)
	if n.negate {
		b.write(" NOT LIKE ")
	} else {
		b.write(" LIKE ")
	}
	b.bind(n.pattern)
}

type compareNode struct {
	field field
	op    string
	value decimal.Decimal
}

func (n *compareNode) Eval(r *Row) bool {
	v, ok := n.field.numberValue(r)
	if !ok {
		return false
	}
	c := v.Cmp(n.value)
	switch n.op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

func (n *compareNode) writeSQL(b *sqlBuilder) {
	if n.field.kind == numberField {
		b.write(n.field.name)
	} else {
		b.write("CAST(" + n.field.name + " AS REAL)")
	}
	b.write(" " + n.op + " ")
	f, _ := n.value.Float64()
	b.bind(f)
}

type regexNode struct {
	field  field
	re     *regexp.Regexp
	negate bool
}

func (n *regexNode) Eval(r *Row) bool {
	v, ok := n.field.textValue(r)
	if !ok {
		return false
	}
	return n.re.MatchString(v) != n.negate
}

func (n *regexNode) writeSQL(b *sqlBuilder) {
	b.write(n.field.name)
	if n.negate {
		b.write(" NOT REGEXP ")
	} else {
		b.write(" REGEXP ")
	}
	b.bind(n.re.String())
}

// blankNode negation wraps the whole null-or-empty condition.
type blankNode struct {
	field  field
	negate bool
}

func (n *blankNode) Eval(r *Row) bool {
	return n.field.isBlank(r) != n.negate
}

func (n *blankNode) writeSQL(b *sqlBuilder) {
	col := n.field.name
	if n.negate {
		b.write("NOT ")
	}
	b.write("(" + col + " IS NULL OR " + col + " = ''")
	if n.field.kind == jsonField {
		b.write(" OR " + col + " = '[]' OR " + col + " = '{}'")
	}
	b.write(")")
}

type inNode struct {
	field  field
	values []string
}

func (n *inNode) Eval(r *Row) bool {
	v, ok := n.field.textValue(r)
	if !ok {
		return false
	}
	for _, candidate := range n.values {
		if v == candidate {
			return true
		}
	}
	return false
}

func (n *inNode) writeSQL(b *sqlBuilder) {
	b.write(n.field.name + " IN (")
	for i, v := range n.values {
		if i > 0 {
			b.write(", ")
		}
		b.bind(v)
	}
	b.write(")")
}
