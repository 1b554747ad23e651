// Package filter implements the LDAP-style filter grammar of spec §4.B:
// parsing a filter string into an AST, decorating it against a bucket's
// index map, and compiling it to a parameterised SQL WHERE clause.
package filter

import "github.com/pgkv/pgkv/pkg/types"

// Kind identifies the grammar production a Node represents.
type Kind string

const (
	KindAnd       Kind = "and"
	KindOr        Kind = "or"
	KindNot       Kind = "not"
	KindEqual     Kind = "equal"
	KindPresent   Kind = "present"
	KindGE        Kind = "ge"
	KindLE        Kind = "le"
	KindSubstring Kind = "substring"
)

// Matching rule names recognised by extensible (`:rule:=`) filters.
const (
	RuleCaseIgnoreMatch       = "caseIgnoreMatch"
	RuleCaseIgnoreSubstrings  = "caseIgnoreSubstringsMatch"
)

// Node is one production of the filter AST. Leaf kinds (everything except
// and/or/not) carry Attr plus whatever value fields their kind needs;
// composite kinds carry Children.
type Node struct {
	Kind Kind

	Attr  string
	Value string // raw textual value for equal/ge/le; unused for substring
	Rule  string // extensible-match rule name, "" if not an ext filter

	// Substring components, populated only for KindSubstring.
	SubInitial string
	SubAny     []string
	SubFinal   string

	Children []*Node

	// Populated by Decorate.
	usable     bool
	isInternal bool
	fieldType  types.FieldType
	typedValue interface{}
}
