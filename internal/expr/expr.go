// Package expr evaluates the small guard/route expression language used
// by workflow conditions. The language is deliberately tiny and fully
// sandboxed: literals, identifiers resolved only against the supplied
// context, subscript and dotted access on maps, comparison operators,
// and/or/not, and parentheses. There is no access to builtins, the
// filesystem, or any host state.
package expr

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// ErrUnknownIdent marks evaluation failures caused by an identifier that
// is not present in the context. Callers distinguish this from syntax
// errors: a dry-run treats an unknown variable as "would run".
var ErrUnknownIdent = errors.New("unknown identifier")

// Eval parses and evaluates an expression against the context mapping.
func Eval(input string, ctx map[string]any) (any, error) {
	p := &parser{lex: newLexer(input), ctx: ctx}
	p.next()
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q", p.tok.text)
	}
	return v, nil
}

// EvalBool evaluates an expression to a boolean, returning def on any
// failure. Step guards default true; router branches default false.
func EvalBool(input string, ctx map[string]any, def bool) bool {
	v, err := Eval(input, ctx)
	if err != nil {
		return def
	}
	return Truthy(v)
}

// Truthy converts a value to its boolean interpretation: nil and empty
// strings are false, numbers are true when non-zero, booleans are
// themselves, everything else is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp      // == != < <= > >=
	tokLParen  // (
	tokRParen  // )
	tokLBrack  // [
	tokRBrack  // ]
	tokDot     // .
	tokAnd     // and
	tokOr      // or
	tokNot     // not
	tokTrue    // true
	tokFalse   // false
	tokNull    // null
	tokInvalid
)

type token struct {
	kind tokKind
	text string
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) lex() token {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}
	}

	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}
	case c == '[':
		l.pos++
		return token{kind: tokLBrack, text: "["}
	case c == ']':
		l.pos++
		return token{kind: tokRBrack, text: "]"}
	case c == '.':
		l.pos++
		return token{kind: tokDot, text: "."}
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '=' || c == '!' || c == '<' || c == '>':
		return l.lexOp()
	case unicode.IsDigit(rune(c)) || (c == '-' && l.pos+1 < len(l.input) && unicode.IsDigit(rune(l.input[l.pos+1]))):
		return l.lexNumber()
	case unicode.IsLetter(rune(c)) || c == '_':
		return l.lexIdent()
	}
	l.pos++
	return token{kind: tokInvalid, text: string(c)}
}

func (l *lexer) lexString(quote byte) token {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String()}
		}
		if c == '\\' && l.pos+1 < len(l.input) {
			l.pos++
			c = l.input[l.pos]
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{kind: tokInvalid, text: "unterminated string"}
}

func (l *lexer) lexOp() token {
	start := l.pos
	l.pos++
	if l.pos < len(l.input) && l.input[l.pos] == '=' {
		l.pos++
	}
	op := l.input[start:l.pos]
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return token{kind: tokOp, text: op}
	}
	return token{kind: tokInvalid, text: op}
}

func (l *lexer) lexNumber() token {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && (unicode.IsDigit(rune(l.input[l.pos])) || l.input[l.pos] == '.') {
		l.pos++
	}
	return token{kind: tokNumber, text: l.input[start:l.pos]}
}

func (l *lexer) lexIdent() token {
	start := l.pos
	for l.pos < len(l.input) {
		c := rune(l.input[l.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		l.pos++
	}
	word := l.input[start:l.pos]
	switch word {
	case "and":
		return token{kind: tokAnd, text: word}
	case "or":
		return token{kind: tokOr, text: word}
	case "not":
		return token{kind: tokNot, text: word}
	case "true", "True":
		return token{kind: tokTrue, text: word}
	case "false", "False":
		return token{kind: tokFalse, text: word}
	case "null", "None":
		return token{kind: tokNull, text: word}
	}
	return token{kind: tokIdent, text: word}
}

// --- parser / evaluator ---

type parser struct {
	lex *lexer
	tok token
	ctx map[string]any
}

func (p *parser) next() {
	p.tok = p.lex.lex()
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
	return left, nil
}

func (p *parser) parseNot() (any, error) {
	if p.tok.kind == tokNot {
		p.next()
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokOp {
		return left, nil
	}
	op := p.tok.text
	p.next()
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right)
}

func (p *parser) parsePrimary() (any, error) {
	switch p.tok.kind {
	case tokTrue:
		p.next()
		return true, nil
	case tokFalse:
		p.next()
		return false, nil
	case tokNull:
		p.next()
		return nil, nil
	case tokNumber:
		text := p.tok.text
		p.next()
		if strings.Contains(text, ".") {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", text)
			}
			return f, nil
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", text)
		}
		return n, nil
	case tokString:
		s := p.tok.text
		p.next()
		return s, nil
	case tokLParen:
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return v, nil
	case tokIdent:
		name := p.tok.text
		p.next()
		v, ok := p.ctx[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIdent, name)
		}
		return p.parsePostfix(v)
	}
	return nil, fmt.Errorf("unexpected token %q", p.tok.text)
}

// parsePostfix applies chained subscripts and dotted accesses to v.
func (p *parser) parsePostfix(v any) (any, error) {
	for {
		switch p.tok.kind {
		case tokLBrack:
			p.next()
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokRBrack {
				return nil, fmt.Errorf("missing closing bracket")
			}
			p.next()
			v, err = subscript(v, key)
			if err != nil {
				return nil, err
			}
		case tokDot:
			p.next()
			if p.tok.kind != tokIdent {
				return nil, fmt.Errorf("expected field name after '.'")
			}
			field := p.tok.text
			p.next()
			var err error
			v, err = subscript(v, field)
			if err != nil {
				return nil, err
			}
		default:
			return v, nil
		}
	}
}

// subscript indexes a map value by key. Only map containers are
// addressable; a missing key resolves to nil, not an error.
func subscript(v, key any) (any, error) {
	switch m := v.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("map key must be a string, got %T", key)
		}
		return m[k], nil
	case map[any]any:
		return m[key], nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot subscript %T", v)
	}
}

func compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, fmt.Errorf("cannot compare %T %s %T", left, op, right)
}

func equal(left, right any) bool {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
	}
	// Maps and slices from step outputs cannot go through Go's ==.
	if !comparableOperand(left) || !comparableOperand(right) {
		return reflect.DeepEqual(left, right)
	}
	return left == right
}

func comparableOperand(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
