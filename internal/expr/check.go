package expr

import "fmt"

// Check verifies that input parses as a valid expression without
// evaluating it. Used by the definition loader to validate condition and
// route strings at load time, when no context exists yet.
func Check(input string) error {
	c := &checker{lex: newLexer(input)}
	c.next()
	if err := c.checkOr(); err != nil {
		return err
	}
	if c.tok.kind != tokEOF {
		return fmt.Errorf("unexpected token %q", c.tok.text)
	}
	return nil
}

type checker struct {
	lex *lexer
	tok token
}

func (c *checker) next() {
	c.tok = c.lex.lex()
}

func (c *checker) checkOr() error {
	if err := c.checkAnd(); err != nil {
		return err
	}
	for c.tok.kind == tokOr {
		c.next()
		if err := c.checkAnd(); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) checkAnd() error {
	if err := c.checkNot(); err != nil {
		return err
	}
	for c.tok.kind == tokAnd {
		c.next()
		if err := c.checkNot(); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) checkNot() error {
	if c.tok.kind == tokNot {
		c.next()
		return c.checkNot()
	}
	return c.checkComparison()
}

func (c *checker) checkComparison() error {
	if err := c.checkPrimary(); err != nil {
		return err
	}
	if c.tok.kind == tokOp {
		c.next()
		return c.checkPrimary()
	}
	return nil
}

func (c *checker) checkPrimary() error {
	switch c.tok.kind {
	case tokTrue, tokFalse, tokNull, tokNumber, tokString:
		c.next()
		return nil
	case tokLParen:
		c.next()
		if err := c.checkOr(); err != nil {
			return err
		}
		if c.tok.kind != tokRParen {
			return fmt.Errorf("missing closing parenthesis")
		}
		c.next()
		return nil
	case tokIdent:
		c.next()
		return c.checkPostfix()
	}
	return fmt.Errorf("unexpected token %q", c.tok.text)
}

func (c *checker) checkPostfix() error {
	for {
		switch c.tok.kind {
		case tokLBrack:
			c.next()
			if err := c.checkOr(); err != nil {
				return err
			}
			if c.tok.kind != tokRBrack {
				return fmt.Errorf("missing closing bracket")
			}
			c.next()
		case tokDot:
			c.next()
			if c.tok.kind != tokIdent {
				return fmt.Errorf("expected field name after '.'")
			}
			c.next()
		default:
			return nil
		}
	}
}
