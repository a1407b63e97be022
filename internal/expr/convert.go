package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Truthy mirrors spec.md §4.1's truthiness rule: nil, false, zero,
// empty string, and empty sequence/mapping are false; everything else
// is true. Exported for callers outside the package that need to
// interpret an evaluated expression result the same way filter/if_else
// do — e.g. the Request/Response Controller's completion_expression.
func Truthy(v any) bool { return truthy(v) }

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		f, err := toFloat(v)
		if err == nil {
			return f != 0
		}
		return true
	}
}

// toFloat coerces numeric-looking values (including numeric strings) to
// float64 for use by the arithmetic and comparison built-ins.
func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", t)
		}
		return f, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}

func powFloat(a, b float64) float64 {
	return math.Pow(a, b)
}

// toDisplayString renders a value the way the "str" coercion and
// template text-holes do.
func toDisplayString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func stringContains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
