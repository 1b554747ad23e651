package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/types"
)

// Compiled is the output of compiling a filter AST to SQL: a boolean
// expression using 1-based "$n" placeholders and its ordered argument list.
type Compiled struct {
	Clause string
	Args   []interface{}
}

// Compiler threads a dense, non-overlapping placeholder counter across a
// (possibly nested) compilation so callers can splice the clause into a
// larger statement that already has its own parameters.
type Compiler struct {
	offset int
	args   []interface{}
}

// NewCompiler returns a Compiler whose placeholders start at offset+1, so a
// caller that already bound `offset` parameters elsewhere in the statement
// can append this filter's clause without renumbering.
func NewCompiler(offset int) *Compiler {
	return &Compiler{offset: offset}
}

// Compile decorates n against dec and compiles it to a parameterised SQL
// clause. The placeholder counter starts at 0 at the root (§9 open question:
// an undefined top-level count defaults to 0), so the first placeholder is
// $1. A nil n fails with NotIndexed.
func Compile(n *Node, dec *Decorator) (*Compiled, error) {
	if n == nil {
		return nil, kverrors.New(kverrors.CodeNotIndexed, "empty filter")
	}
	if err := dec.Decorate(n); err != nil {
		return nil, err
	}

	c := NewCompiler(0)
	clause, err := c.compileNode(n)
	if err != nil {
		return nil, err
	}
	if clause == "" {
		return nil, kverrors.NotIndexed
	}
	return &Compiled{Clause: clause, Args: c.args}, nil
}

func (c *Compiler) placeholder(v interface{}) string {
	c.offset++
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", c.offset)
}

func (c *Compiler) compileNode(n *Node) (string, error) {
	switch n.Kind {
	case KindAnd:
		return c.compileAnd(n)
	case KindOr:
		return c.compileOr(n)
	case KindNot:
		child, err := c.compileNode(n.Children[0])
		if err != nil {
			return "", err
		}
		return "(NOT " + child + ")", nil
	default:
		return c.compileLeaf(n)
	}
}

// compileAnd drops any child that fails with NotIndexed; if none survive,
// the whole conjunction fails NotIndexed too (§4.B step 3 "and").
func (c *Compiler) compileAnd(n *Node) (string, error) {
	var clauses []string
	for _, child := range n.Children {
		offset, nargs := c.offset, len(c.args)
		clause, err := c.compileNode(child)
		if err != nil {
			if errors.Is(err, kverrors.NotIndexed) {
				// Release any placeholders the dropped leg consumed so the
				// counter and args stay dense.
				c.offset, c.args = offset, c.args[:nargs]
				continue
			}
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "", kverrors.NotIndexed
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

// compileOr requires every child to compile; any failure fails the whole
// disjunction, since a dropped leg would silently narrow the result set
// (§4.B step 3 "or").
func (c *Compiler) compileOr(n *Node) (string, error) {
	var clauses []string
	for _, child := range n.Children {
		clause, err := c.compileNode(child)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "", kverrors.NotIndexed
	}
	return "(" + strings.Join(clauses, " OR ") + ")", nil
}

func (c *Compiler) compileLeaf(n *Node) (string, error) {
	if !n.usable {
		return "", kverrors.NotIndexed
	}

	col := pq.QuoteIdentifier(n.Attr)

	switch n.Kind {
	case KindPresent:
		return col + " IS NOT NULL", nil

	case KindEqual:
		ph := c.placeholder(n.typedValue)
		if n.fieldType.Array {
			return fmt.Sprintf("%s @> ARRAY[%s]::%s[]", col, ph, elementPgType(n.fieldType)), nil
		}
		if n.Rule == RuleCaseIgnoreMatch {
			return fmt.Sprintf("(%s ILIKE %s AND %s IS NOT NULL)", col, ph, col), nil
		}
		return fmt.Sprintf("(%s = %s AND %s IS NOT NULL)", col, ph, col), nil

	case KindGE, KindLE:
		op := ">="
		if n.Kind == KindLE {
			op = "<="
		}
		ph := c.placeholder(n.typedValue)
		if n.fieldType.Array {
			return fmt.Sprintf("(%s %s ANY(%s))", ph, op, col), nil
		}
		return fmt.Sprintf("(%s %s %s AND %s IS NOT NULL)", col, op, ph, col), nil

	case KindSubstring:
		pattern := buildLikePattern(n.SubInitial, n.SubAny, n.SubFinal)
		ph := c.placeholder(pattern)
		op := "LIKE"
		if n.Rule == RuleCaseIgnoreSubstrings {
			op = "ILIKE"
		}
		return fmt.Sprintf("(%s %s %s AND %s IS NOT NULL)", col, op, ph, col), nil

	default:
		return "", kverrors.New(kverrors.CodeInternal, fmt.Sprintf("unknown leaf kind %q", n.Kind))
	}
}

func elementPgType(ft types.FieldType) string {
	scalar := ft
	scalar.Array = false
	return scalar.PostgresColumnType()
}
