package filter

import (
	"fmt"
	"strings"

	"github.com/pgkv/pgkv/pkg/kverrors"
)

// Parse parses a filter string in the LDAP grammar of §4.B into an AST.
func Parse(s string) (*Node, error) {
	p := &parser{s: s}
	node, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.s) {
		return nil, kverrors.New(kverrors.CodeInvalidQuery, "trailing characters after filter")
	}
	return node, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) parseFilter() (*Node, error) {
	if p.peek() != '(' {
		return nil, kverrors.New(kverrors.CodeInvalidQuery, "expected '(' at position "+itoa(p.pos))
	}
	p.pos++

	node, err := p.parseFilterComp()
	if err != nil {
		return nil, err
	}

	if p.peek() != ')' {
		return nil, kverrors.New(kverrors.CodeInvalidQuery, "expected ')' at position "+itoa(p.pos))
	}
	p.pos++

	return node, nil
}

func (p *parser) parseFilterComp() (*Node, error) {
	switch p.peek() {
	case '&':
		p.pos++
		children, err := p.parseFilterList()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindAnd, Children: children}, nil
	case '|':
		p.pos++
		children, err := p.parseFilterList()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindOr, Children: children}, nil
	case '!':
		p.pos++
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindNot, Children: []*Node{child}}, nil
	default:
		return p.parseSimple()
	}
}

func (p *parser) parseFilterList() ([]*Node, error) {
	var children []*Node
	for p.peek() == '(' {
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// parseSimple scans up to the closing ')' of the enclosing parseFilter call
// and interprets the raw expression as an equality, comparison, presence,
// substring or extensible-match leaf.
func (p *parser) parseSimple() (*Node, error) {
	start := p.pos
	depth := 0
	for p.pos < len(p.s) {
		switch p.s[p.pos] {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				goto done
			}
			depth--
		}
		p.pos++
	}
done:
	expr := p.s[start:p.pos]
	return parseSimpleExpr(expr)
}

func parseSimpleExpr(expr string) (*Node, error) {
	if strings.Contains(expr, "~=") {
		return nil, kverrors.New(kverrors.CodeInvalidQuery, "approximate-match filters are not supported")
	}

	if idx := strings.Index(expr, ":="); idx >= 0 {
		return parseExtensible(expr, idx)
	}
	if idx := strings.Index(expr, ">="); idx >= 0 {
		return &Node{Kind: KindGE, Attr: expr[:idx], Value: expr[idx+2:]}, nil
	}
	if idx := strings.Index(expr, "<="); idx >= 0 {
		return &Node{Kind: KindLE, Attr: expr[:idx], Value: expr[idx+2:]}, nil
	}
	if idx := strings.Index(expr, "="); idx >= 0 {
		attr, value := expr[:idx], expr[idx+1:]
		return parseEqualityOrSubstring(attr, value, "")
	}

	return nil, kverrors.New(kverrors.CodeInvalidQuery, fmt.Sprintf("unparseable filter expression %q", expr))
}

// parseExtensible parses `attr:rule:=value`. colonEq is the index of the
// ":=" separator found by the caller.
func parseExtensible(expr string, colonEq int) (*Node, error) {
	head := expr[:colonEq]
	value := expr[colonEq+2:]

	parts := strings.SplitN(head, ":", 2)
	if len(parts) != 2 {
		return nil, kverrors.New(kverrors.CodeInvalidQuery, fmt.Sprintf("malformed extensible filter %q", expr))
	}
	attr, rule := parts[0], parts[1]

	if rule != RuleCaseIgnoreMatch && rule != RuleCaseIgnoreSubstrings {
		return nil, kverrors.New(kverrors.CodeNotIndexed, fmt.Sprintf("unsupported matching rule %q", rule))
	}

	return parseEqualityOrSubstring(attr, value, rule)
}

// parseEqualityOrSubstring classifies a (possibly extensible) attr=value
// leaf as present, substring, or plain equality based on '*' in value.
func parseEqualityOrSubstring(attr, value, rule string) (*Node, error) {
	if value == "*" {
		return &Node{Kind: KindPresent, Attr: attr}, nil
	}

	if strings.Contains(value, "*") {
		parts := strings.Split(value, "*")
		return &Node{
			Kind:       KindSubstring,
			Attr:       attr,
			Rule:       rule,
			SubInitial: parts[0],
			SubAny:     parts[1 : len(parts)-1],
			SubFinal:   parts[len(parts)-1],
		}, nil
	}

	return &Node{Kind: KindEqual, Attr: attr, Value: value, Rule: rule}, nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
