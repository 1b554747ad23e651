// Package types implements the forward (JSON -> relational) and reverse
// (relational -> JSON) coercion for every semantic type a bucket's index
// map can declare, plus their array variants.
package types

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/pgkv/pgkv/pkg/kverrors"
)

// SemanticType is one of the scalar types a bucket index entry declares.
type SemanticType string

const (
	TypeString  SemanticType = "string"
	TypeNumber  SemanticType = "number"
	TypeBoolean SemanticType = "boolean"
	TypeIP      SemanticType = "ip"
	TypeSubnet  SemanticType = "subnet"
)

// FieldType is the full type of an indexed field: one of the scalar types,
// optionally wrapped as an array ("[string]", "[number]", ...).
type FieldType struct {
	Scalar SemanticType
	Array  bool
}

// ParseFieldType parses the wire representation of an index field's `type`
// string, e.g. "string" or "[ip]".
func ParseFieldType(s string) (FieldType, error) {
	array := false
	inner := s
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		array = true
		inner = s[1 : len(s)-1]
	}

	switch SemanticType(inner) {
	case TypeString, TypeNumber, TypeBoolean, TypeIP, TypeSubnet:
		return FieldType{Scalar: SemanticType(inner), Array: array}, nil
	default:
		return FieldType{}, kverrors.Wrap(kverrors.CodeInvalidBucketConfig,
			fmt.Sprintf("unknown index type %q", s), nil)
	}
}

// String renders the field type back to its wire form.
func (t FieldType) String() string {
	if t.Array {
		return "[" + string(t.Scalar) + "]"
	}
	return string(t.Scalar)
}

// MarshalJSON renders the field type as its wire string, e.g. "[ip]".
func (t FieldType) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

// UnmarshalJSON parses the wire string form back into a FieldType.
func (t *FieldType) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return err
	}
	parsed, err := ParseFieldType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PostgresColumnType returns the SQL type used for the backing column.
func (t FieldType) PostgresColumnType() string {
	base := map[SemanticType]string{
		TypeString:  "TEXT",
		TypeNumber:  "BIGINT",
		TypeBoolean: "BOOLEAN",
		TypeIP:      "TEXT",
		TypeSubnet:  "TEXT",
	}[t.Scalar]

	if t.Array {
		return base + "[]"
	}
	return base
}

// IsGinCandidate reports whether the array variant of this type should be
// indexed with GIN rather than BTREE (§4.E step 9).
func (t FieldType) IsGinCandidate() bool {
	return t.Array
}

// CoerceScalar converts a single JSON scalar value into its relational
// representation for the given semantic type.
func CoerceScalar(t SemanticType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeString:
		return stringify(v), nil

	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, kverrors.Wrap(kverrors.CodeInvalidIndexType,
					fmt.Sprintf("%q is not integer-parsable", n), err)
			}
			return i, nil
		default:
			return nil, kverrors.New(kverrors.CodeInvalidIndexType,
				fmt.Sprintf("value %v is not a number", v))
		}

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return boolPattern.MatchString(b), nil
		default:
			return nil, kverrors.New(kverrors.CodeInvalidIndexType,
				fmt.Sprintf("value %v is not a boolean", v))
		}

	case TypeIP:
		addr, err := netip.ParseAddr(stringify(v))
		if err != nil {
			return nil, kverrors.Wrap(kverrors.CodeInvalidIndexType,
				fmt.Sprintf("%q is not a valid IP address", stringify(v)), err)
		}
		return addr.String(), nil

	case TypeSubnet:
		prefix, err := netip.ParsePrefix(stringify(v))
		if err != nil {
			return nil, kverrors.Wrap(kverrors.CodeInvalidIndexType,
				fmt.Sprintf("%q is not a valid CIDR subnet", stringify(v)), err)
		}
		return prefix.Masked().String(), nil

	default:
		return nil, kverrors.New(kverrors.CodeInvalidIndexType, fmt.Sprintf("unknown type %q", t))
	}
}

// CoerceColumn converts a raw JSON field value to the column representation
// dictated by ft, producing a native array when ft.Array is set. A scalar
// input to an array-typed field yields a one-element array (§4.A).
func CoerceColumn(ft FieldType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	if !ft.Array {
		return CoerceScalar(ft.Scalar, v)
	}

	var elems []interface{}
	if arr, ok := v.([]interface{}); ok {
		elems = arr
	} else {
		elems = []interface{}{v}
	}

	out := make([]interface{}, 0, len(elems))
	for _, e := range elems {
		cv, err := CoerceScalar(ft.Scalar, e)
		if err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, nil
}

// ReverseScalar maps a column value back to its JSON representation. For
// number columns, NaN-like sentinels surface as the string " " per §4.A;
// every other type round-trips its canonical string/bool/int form.
func ReverseScalar(t SemanticType, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t {
	case TypeNumber:
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			if n != n { // NaN
				return " "
			}
			return int64(n)
		case string:
			// array elements come back from pq.StringArray as strings
			// regardless of the element's semantic type.
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return n
			}
			return i
		default:
			return n
		}
	case TypeBoolean:
		if s, ok := v.(string); ok {
			return boolPattern.MatchString(s)
		}
		return v
	default:
		return v
	}
}

var boolPattern = regexp.MustCompile(`(?i)^true$`)

// escapeChars is the set of characters that force an array-string element
// to be quoted and escaped when projected into a native array column,
// mirroring the double-quote-and-backslash rule of §4.A.
const escapeChars = `",{}` + "`"

// EscapeArrayElement double-quotes and backslash-escapes a string array
// element if it contains any of `" , { } ``.
func EscapeArrayElement(s string) string {
	needsEscape := strings.ContainsAny(s, escapeChars)
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if strings.ContainsRune(escapeChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
