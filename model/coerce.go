package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/c360/topicmodel/schema"
)

// Coerce converts a raw payload into the Go representation of vt:
// bool, int64, float64 or string. The second result is false when the
// payload cannot be read as that type.
func Coerce(vt schema.ValueType, raw any) (any, bool) {
	switch vt {
	case schema.TypeBool:
		return CoerceBool(raw)
	case schema.TypeInt:
		return CoerceInt(raw)
	case schema.TypeFloat:
		return CoerceFloat(raw)
	case schema.TypeString:
		return CoerceString(raw)
	}
	return nil, false
}

// CoerceBool accepts booleans, numbers (non-zero is true) and the texts
// true/false, 1/0, t/f, yes/no, on/off in any letter case.
func CoerceBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string, []byte, fmt.Stringer:
		switch strings.ToLower(strings.TrimSpace(Text(v))) {
		case "true", "1", "t", "yes", "y", "on":
			return true, true
		case "false", "0", "f", "no", "n", "off":
			return false, true
		}
		return false, false
	}
	if f, ok := number(raw); ok {
		return f != 0, true
	}
	return false, false
}

// CoerceInt accepts integers, integral floats and base-10 integer text.
// Text such as "42.0" is accepted when it has no fractional part.
func CoerceInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return uintToInt(uint64(v))
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return uintToInt(v)
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case string, []byte, fmt.Stringer:
		s := strings.TrimSpace(Text(v))
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(f)
		}
	}
	return 0, false
}

// CoerceFloat accepts any number or numeric text.
func CoerceFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string, []byte, fmt.Stringer:
		f, err := strconv.ParseFloat(strings.TrimSpace(Text(v)), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return number(raw)
}

// CoerceString never fails; every payload has a textual form.
func CoerceString(raw any) (string, bool) {
	return Text(raw), true
}

// Text renders a raw payload as text. It is also the representation the
// raw tree stores.
func Text(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func number(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func uintToInt(v uint64) (int64, bool) {
	if v > math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
