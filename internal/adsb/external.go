package adsb

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlexibleField can hold either a string, a number or a boolean.
// tar1090 and ADS-B Exchange style feeds mix these freely (alt_baro is "ground" on the surface).
type FlexibleField struct {
	value any
}

// Num wraps a numeric value
func Num(v float64) *FlexibleField {
	return &FlexibleField{value: v}
}

// Str wraps a string value
func Str(s string) *FlexibleField {
	return &FlexibleField{value: s}
}

// UnmarshalJSON implements custom JSON unmarshaling for FlexibleField
func (f *FlexibleField) UnmarshalJSON(data []byte) error {
	// Try to unmarshal as a number first
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		f.value = num
		return nil
	}

	// If that fails, try to unmarshal as a string
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		f.value = str
		return nil
	}

	// If both fail, try to unmarshal as a boolean
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		f.value = b
		return nil
	}

	return fmt.Errorf("cannot unmarshal %s into FlexibleField", data)
}

// MarshalJSON writes the held value back out unchanged
func (f FlexibleField) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.value)
}

// Raw returns the underlying value (float64, string, bool or nil)
func (f *FlexibleField) Raw() any {
	if f == nil {
		return nil
	}
	return f.value
}

// Number returns the value as a float64 when it is numeric or a numeric string.
// "ground", empty strings, booleans and non-finite values are not numbers.
func (f *FlexibleField) Number() (float64, bool) {
	if f == nil {
		return 0, false
	}
	switch v := f.value.(type) {
	case float64:
		if !isFinite(v) {
			return 0, false
		}
		return v, true
	case string:
		return ParseNumber(v)
	default:
		return 0, false
	}
}

// ParseNumber parses a decimal string, rejecting "NaN" and the infinities
// that strconv accepts
func ParseNumber(s string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || !isFinite(n) {
		return 0, false
	}
	return n, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Float64 returns the value as a float64, 0 when it is not numeric
func (f *FlexibleField) Float64() float64 {
	n, _ := f.Number()
	return n
}

// String returns the value as a string
func (f *FlexibleField) String() string {
	if f == nil {
		return ""
	}
	switch v := f.value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// ExternalAPIResponse represents the raw JSON data from an ADS-B Exchange style API
type ExternalAPIResponse struct {
	Now      float64      `json:"now,omitempty"`
	Messages int          `json:"messages,omitempty"`
	AC       []ADSBTarget `json:"ac"`
}
