package filter

import (
	"strings"

	"github.com/pgkv/pgkv/pkg/types"
)

// internalFieldTypes are the system columns usable in a filter even though
// they never appear in a bucket's index map (§4.B step 2).
var internalFieldTypes = map[string]types.SemanticType{
	"_key":      types.TypeString,
	"_etag":     types.TypeString,
	"_txn_snap": types.TypeString,
	"_id":       types.TypeNumber,
	"_mtime":    types.TypeNumber,
}

// Decorator carries the schema context Decorate needs to resolve attribute
// usability and canonicalize leaf values.
type Decorator struct {
	// Index maps indexed field name to its declared type.
	Index map[string]types.FieldType
	// ReindexFields is the union, across every version key of a bucket's
	// reindex_active map, of field names still being backfilled.
	ReindexFields map[string]bool
}

// Decorate walks the AST in place, marking each leaf usable or not and
// canonicalising/pre-lowering values per §4.B step 2.
func (d *Decorator) Decorate(n *Node) error {
	switch n.Kind {
	case KindAnd, KindOr:
		for _, c := range n.Children {
			if err := d.Decorate(c); err != nil {
				return err
			}
		}
		return nil
	case KindNot:
		return d.Decorate(n.Children[0])
	default:
		return d.decorateLeaf(n)
	}
}

func (d *Decorator) decorateLeaf(n *Node) error {
	ft, indexed := d.Index[n.Attr]
	internalType, internal := internalFieldTypes[n.Attr]

	if !indexed && !internal {
		n.usable = false
		return nil
	}
	if d.ReindexFields[n.Attr] {
		n.usable = false
		return nil
	}

	n.usable = true
	n.isInternal = internal
	if internal {
		n.fieldType = types.FieldType{Scalar: internalType}
	} else {
		n.fieldType = ft
	}

	switch n.Kind {
	case KindEqual, KindGE, KindLE:
		value := n.Value
		if n.Rule == RuleCaseIgnoreMatch {
			value = strings.ToLower(value)
		}
		if n.fieldType.Scalar == types.TypeIP || n.fieldType.Scalar == types.TypeSubnet {
			canon, err := types.CoerceScalar(n.fieldType.Scalar, value)
			if err != nil {
				return err
			}
			value = canon.(string)
			n.typedValue = value
		} else {
			typed, err := types.CoerceScalar(n.fieldType.Scalar, value)
			if err != nil {
				return err
			}
			n.typedValue = typed
		}
		n.Value = value

	case KindSubstring:
		if n.Rule == RuleCaseIgnoreSubstrings {
			n.SubInitial = strings.ToLower(n.SubInitial)
			n.SubFinal = strings.ToLower(n.SubFinal)
			for i := range n.SubAny {
				n.SubAny[i] = strings.ToLower(n.SubAny[i])
			}
		}
	}

	return nil
}
