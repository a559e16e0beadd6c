package pattern

import (
	"fmt"
	"strconv"

	"github.com/raymundl/firepit/internal/fperrors"
)

// Parse compiles a STIX pattern string into its AST. Syntax errors surface
// as *fperrors.InvalidPattern.
func Parse(src string) (Pattern, error) {
	toks, err := lex(src)
	if err != nil {
		return Pattern{}, &fperrors.InvalidPattern{Pattern: src, Reason: err.Error()}
	}
	p := &parser{toks: toks, src: src}
	pat, err := p.parsePattern()
	if err != nil {
		return Pattern{}, err
	}
	if p.cur().kind != tokEOF {
		return Pattern{}, &fperrors.InvalidPattern{Pattern: src, Reason: "unexpected trailing input"}
	}
	return pat, nil
}

type parser struct {
	toks []token
	pos  int
	src  string
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) advance()    { p.pos++ }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.cur().kind != kind {
		return token{}, &fperrors.InvalidPattern{Pattern: p.src, Reason: "expected " + what}
	}
	t := p.cur()
	p.advance()
	return t, nil
}

func (p *parser) parsePattern() (Pattern, error) {
	group, err := p.parseGroup()
	if err != nil {
		return Pattern{}, err
	}
	groups := []Expr{group}
	for p.cur().kind == tokFollowedBy {
		p.advance()
		g, err := p.parseGroup()
		if err != nil {
			return Pattern{}, err
		}
		groups = append(groups, g)
	}
	return Pattern{Groups: groups}, nil
}

func (p *parser) parseGroup() (Expr, error) {
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	return expr, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokAnd {
		p.advance()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (Expr, error) {
	if p.cur().kind == tokLParen {
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	}

	negate := false
	if p.cur().kind == tokNot {
		negate = true
		p.advance()
	}

	objType, err := p.expect(tokIdent, "SCO type")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return nil, err
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	if p.cur().kind == tokNot {
		negate = true
		p.advance()
	}
	op, err := p.parseOperator()
	if err != nil {
		return nil, err
	}
	val, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return Leaf{Cmp: Comparison{
		ObjType: objType.text,
		Path:    path,
		Op:      op,
		Negate:  negate,
		Val:     val,
	}}, nil
}

func (p *parser) parsePath() (string, error) {
	first, err := p.expect(tokIdent, "property path")
	if err != nil {
		return "", err
	}
	path := first.text
	for p.cur().kind == tokDot {
		p.advance()
		next, err := p.expect(tokIdent, "property path segment")
		if err != nil {
			return "", err
		}
		path += "." + next.text
	}
	return path, nil
}

func (p *parser) parseOperator() (Op, error) {
	t := p.cur()
	switch t.kind {
	case tokOp:
		if t.text == "!" {
			return "", &fperrors.InvalidPattern{Pattern: p.src, Reason: `unknown operator "!"`}
		}
		p.advance()
		return Op(t.text), nil
	case tokLike:
		p.advance()
		return OpLike, nil
	case tokMatches:
		p.advance()
		return OpMatches, nil
	case tokIn:
		p.advance()
		return OpIn, nil
	case tokIsSubset:
		p.advance()
		return OpIsSubset, nil
	case tokIsSuperset:
		p.advance()
		return OpIsSuperset, nil
	default:
		return "", &fperrors.InvalidPattern{Pattern: p.src, Reason: "expected comparison operator"}
	}
}

func (p *parser) parseValue() (Value, error) {
	switch p.cur().kind {
	case tokString:
		s := p.cur().text
		p.advance()
		return Value{Str: &s}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(p.cur().text, 64)
		if err != nil {
			return Value{}, &fperrors.InvalidPattern{Pattern: p.src, Reason: fmt.Sprintf("bad number %q", p.cur().text)}
		}
		p.advance()
		return Value{Num: &n}, nil
	case tokLParen:
		p.advance()
		var tuple []Value
		for {
			v, err := p.parseValue()
			if err != nil {
				return Value{}, err
			}
			tuple = append(tuple, v)
			if p.cur().kind == tokComma {
				p.advance()
				continue
			}
			break
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return Value{}, err
		}
		return Value{Tuple: tuple}, nil
	default:
		return Value{}, &fperrors.InvalidPattern{Pattern: p.src, Reason: "expected a literal value"}
	}
}
