package scripts

import (
	"fmt"
	"strconv"
	"strings"
)

// VariantType is the declared value type of a sensor, used to coerce the
// textual replies of the wire protocol into typed values.
type VariantType int

const (
	TypeString VariantType = iota
	TypeInt
	TypeUint
	TypeDouble
	TypeBool
)

// ParseVariantType maps a variant_type reply to a VariantType. Both Go-ish
// spellings ("int", "float") and the Qt-derived spellings older scripts use
// ("qlonglong", "QString") are accepted. Unknown or empty names default to
// TypeString — a valid "no declaration" outcome, not an error.
func ParseVariantType(name string) VariantType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int", "integer", "long", "longlong", "qlonglong":
		return TypeInt
	case "uint", "ulong", "ulonglong", "qulonglong":
		return TypeUint
	case "double", "float", "real":
		return TypeDouble
	case "bool", "boolean":
		return TypeBool
	default:
		return TypeString
	}
}

// Zero returns the type's zero value, the fallback substituted when a reply
// cannot be coerced.
func (t VariantType) Zero() any {
	switch t {
	case TypeInt:
		return int64(0)
	case TypeUint:
		return uint64(0)
	case TypeDouble:
		return float64(0)
	case TypeBool:
		return false
	default:
		return ""
	}
}

// Coerce converts reply text into the declared type. Empty text means
// "unset" and coerces to the zero value without error. A non-empty text that
// does not parse returns the zero value alongside the parse error.
func (t VariantType) Coerce(text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return t.Zero(), nil
	}
	switch t {
	case TypeInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return int64(0), fmt.Errorf("scripts: coerce %q as int: %w", text, err)
		}
		return v, nil
	case TypeUint:
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return uint64(0), fmt.Errorf("scripts: coerce %q as uint: %w", text, err)
		}
		return v, nil
	case TypeDouble:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return float64(0), fmt.Errorf("scripts: coerce %q as double: %w", text, err)
		}
		return v, nil
	case TypeBool:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return false, fmt.Errorf("scripts: coerce %q as bool: %w", text, err)
		}
		return v, nil
	default:
		return text, nil
	}
}

func (t VariantType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeUint:
		return "uint"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	default:
		return "string"
	}
}
