package schema

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"cube-engine/internal/common"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// ExprParser parses the textual expression language used by calculated
// fields, filters, select lists and order-by items.
type ExprParser struct {
	input  string
	tokens []token
	pos    int
}

// ParseExpr parses a complete expression.
func ParseExpr(input string) (Expr, error) {
	p, err := newExprParser(input)
	if err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if err := p.expectEOF(); err != nil {
		return nil, err
	}
	return e, nil
}

// ParseSelectItem parses `<expr> [AS alias]`.
func ParseSelectItem(input string) (Expr, string, error) {
	p, err := newExprParser(input)
	if err != nil {
		return nil, "", err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, "", err
	}
	alias := ""
	if p.acceptKeyword("AS") {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokQuotedIdent {
			return nil, "", p.errorf(t, "expected alias after AS")
		}
		alias = t.text
	}
	if err := p.expectEOF(); err != nil {
		return nil, "", err
	}
	return e, alias, nil
}

// ParseOrderItem parses `<expr> [ASC|DESC]`.
func ParseOrderItem(input string) (Expr, bool, error) {
	p, err := newExprParser(input)
	if err != nil {
		return nil, false, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, false, err
	}
	desc := false
	if p.acceptKeyword("DESC") {
		desc = true
	} else {
		p.acceptKeyword("ASC")
	}
	if err := p.expectEOF(); err != nil {
		return nil, false, err
	}
	return e, desc, nil
}

func newExprParser(input string) (*ExprParser, error) {
	p := &ExprParser{input: input}
	if err := p.tokenize(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ExprParser) tokenize() error {
	s := p.input
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			p.tokens = append(p.tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			p.tokens = append(p.tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			p.tokens = append(p.tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(s) {
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(s[i])
				i++
			}
			if !closed {
				return p.errorAt(start, "unterminated string literal")
			}
			p.tokens = append(p.tokens, token{kind: tokString, text: sb.String(), pos: start})
		case c == '"':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(s) {
				if s[i] == '"' {
					if i+1 < len(s) && s[i+1] == '"' {
						sb.WriteByte('"')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(s[i])
				i++
			}
			if !closed {
				return p.errorAt(start, "unterminated quoted identifier")
			}
			p.tokens = append(p.tokens, token{kind: tokQuotedIdent, text: sb.String(), pos: start})
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(s) && unicode.IsDigit(rune(s[i+1]))):
			start := i
			for i < len(s) && (unicode.IsDigit(rune(s[i])) || s[i] == '.') {
				i++
			}
			if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
				i++
				if i < len(s) && (s[i] == '+' || s[i] == '-') {
					i++
				}
				for i < len(s) && unicode.IsDigit(rune(s[i])) {
					i++
				}
			}
			p.tokens = append(p.tokens, token{kind: tokNumber, text: s[start:i], pos: start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(s) && (s[i] == '_' || s[i] == '.' || unicode.IsLetter(rune(s[i])) || unicode.IsDigit(rune(s[i]))) {
				i++
			}
			p.tokens = append(p.tokens, token{kind: tokIdent, text: s[start:i], pos: start})
		default:
			start := i
			two := ""
			if i+1 < len(s) {
				two = s[i : i+2]
			}
			switch two {
			case "<=", ">=", "!=", "<>", "==":
				p.tokens = append(p.tokens, token{kind: tokOp, text: two, pos: start})
				i += 2
				continue
			}
			if strings.ContainsRune("+-*/%<>=", c) {
				p.tokens = append(p.tokens, token{kind: tokOp, text: string(c), pos: start})
				i++
				continue
			}
			return p.errorAt(start, fmt.Sprintf("unexpected character %q", c))
		}
	}
	p.tokens = append(p.tokens, token{kind: tokEOF, pos: len(s)})
	return nil
}

func (p *ExprParser) peek() token { return p.tokens[p.pos] }

func (p *ExprParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *ExprParser) isKeyword(t token, kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *ExprParser) acceptKeyword(kw string) bool {
	if p.isKeyword(p.peek(), kw) {
		p.pos++
		return true
	}
	return false
}

func (p *ExprParser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *ExprParser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.errorf(t, "expected "+what)
	}
	return t, nil
}

func (p *ExprParser) expectEOF() error {
	if t := p.peek(); t.kind != tokEOF {
		return p.errorf(t, "unexpected trailing input")
	}
	return nil
}

func (p *ExprParser) errorf(t token, msg string) error {
	if t.kind == tokEOF {
		return p.errorAt(t.pos, msg+" at end of input")
	}
	return p.errorAt(t.pos, fmt.Sprintf("%s near %q", msg, t.text))
}

func (p *ExprParser) errorAt(pos int, msg string) error {
	return common.Errorf(common.ErrInvalidExpression, "parse %q: %s", p.input, msg).
		WithContext("position", pos)
}

func (p *ExprParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: BinOpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *ExprParser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: BinOpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *ExprParser) parseNot() (Expr, error) {
	if p.acceptKeyword("NOT") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: UnaryOpNot, Operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]BinOpKind{
	"=":  BinOpEq,
	"==": BinOpEq,
	"!=": BinOpNeq,
	"<>": BinOpNeq,
	"<":  BinOpLt,
	"<=": BinOpLte,
	">":  BinOpGt,
	">=": BinOpGte,
}

func (p *ExprParser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	if op, ok := p.acceptOp("=", "==", "!=", "<>", "<", "<=", ">", ">="); ok {
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: comparisonOps[op], Left: left, Right: right}, nil
	}

	if p.acceptKeyword("IS") {
		negated := p.acceptKeyword("NOT")
		if !p.acceptKeyword("NULL") {
			return nil, p.errorf(p.peek(), "expected NULL after IS")
		}
		return &IsNull{Expr: left, Negated: negated}, nil
	}

	negated := false
	if p.isKeyword(p.peek(), "NOT") {
		nt := p.tokens[p.pos+1]
		if p.isKeyword(nt, "IN") || p.isKeyword(nt, "BETWEEN") {
			p.pos++
			negated = true
		}
	}

	if p.acceptKeyword("IN") {
		if _, err := p.expect(tokLParen, "( after IN"); err != nil {
			return nil, err
		}
		var values []Expr
		for {
			v, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
		if _, err := p.expect(tokRParen, ") to close IN list"); err != nil {
			return nil, err
		}
		return &InList{Expr: left, Values: values, Negated: negated}, nil
	}

	if p.acceptKeyword("BETWEEN") {
		lo, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if !p.acceptKeyword("AND") {
			return nil, p.errorf(p.peek(), "expected AND in BETWEEN")
		}
		hi, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		var between Expr = &BinaryExpr{
			Op:    BinOpAnd,
			Left:  &BinaryExpr{Op: BinOpGte, Left: left, Right: lo},
			Right: &BinaryExpr{Op: BinOpLte, Left: left, Right: hi},
		}
		if negated {
			between = &UnaryExpr{Op: UnaryOpNot, Operand: between}
		}
		return between, nil
	}

	return left, nil
}

func (p *ExprParser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		kind := BinOpAdd
		if op == "-" {
			kind = BinOpSub
		}
		left = &BinaryExpr{Op: kind, Left: left, Right: right}
	}
}

func (p *ExprParser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		kind := map[string]BinOpKind{"*": BinOpMul, "/": BinOpDiv, "%": BinOpMod}[op]
		left = &BinaryExpr{Op: kind, Left: left, Right: right}
	}
}

func (p *ExprParser) parseUnary() (Expr, error) {
	if _, ok := p.acceptOp("-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &UnaryExpr{Op: UnaryOpNeg, Operand: operand}, nil
	}
	if _, ok := p.acceptOp("+"); ok {
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *ExprParser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if !strings.ContainsAny(t.text, ".eE") {
			if v, err := strconv.ParseInt(t.text, 10, 64); err == nil {
				return &Literal{Value: v}, nil
			}
		}
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number")
		}
		return &Literal{Value: v}, nil
	case tokString:
		return &Literal{Value: t.text}, nil
	case tokQuotedIdent:
		return &ColumnRef{Name: t.text}, nil
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return &Literal{Value: true}, nil
		case "FALSE":
			return &Literal{Value: false}, nil
		case "NULL":
			return &Literal{Value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			return p.parseCall(t)
		}
		return &ColumnRef{Name: t.text}, nil
	}
	return nil, p.errorf(t, "unexpected token")
}

// scalarFuncs lists the scalar functions and their arities (-1 is variadic).
var scalarFuncs = map[string]int{
	"upper":    1,
	"lower":    1,
	"abs":      1,
	"round":    -1,
	"year":     1,
	"quarter":  1,
	"month":    1,
	"day":      1,
	"concat":   -1,
	"coalesce": -1,
}

func (p *ExprParser) parseCall(name token) (Expr, error) {
	fn := strings.ToLower(name.text)

	if agg, err := ParseAggFunc(fn); err == nil && fn != "mean" && fn != "average" {
		if op, ok := p.acceptOp("*"); ok && op == "*" {
			if agg != AggCount {
				return nil, p.errorf(name, "only COUNT accepts *")
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return &AggregateCall{Func: AggCount, Star: true}, nil
		}
		if p.acceptKeyword("DISTINCT") {
			if agg != AggCount {
				return nil, p.errorf(name, "DISTINCT is only supported in COUNT")
			}
			agg = AggCountDistinct
		}
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		if ContainsAggregate(arg) {
			return nil, p.errorf(name, "nested aggregate")
		}
		return &AggregateCall{Func: agg, Arg: arg}, nil
	}

	arity, ok := scalarFuncs[fn]
	if !ok {
		return nil, p.errorf(name, "unknown function")
	}
	var args []Expr
	if p.peek().kind != tokRParen {
		for {
			a, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	if arity >= 0 && len(args) != arity {
		return nil, p.errorf(name, fmt.Sprintf("%s expects %d argument(s)", fn, arity))
	}
	if arity < 0 && len(args) == 0 {
		return nil, p.errorf(name, fn+" expects at least one argument")
	}
	return &FuncCall{Name: fn, Args: args}, nil
}
