// Package wire holds JSON helpers for provider payloads, which send numbers
// either as JSON numbers or as signed strings ("+71000", "-0.52").
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Int decodes an integer sent as a number or a (possibly signed, comma
// grouped) string. Empty strings and null decode to zero.
type Int int64

func (n *Int) UnmarshalJSON(b []byte) error {
	v, err := parseNumber(b)
	if err != nil {
		return err
	}
	if v == "" {
		*n = 0
		return nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return fmt.Errorf("wire: invalid integer %q", v)
		}
		i = int64(f)
	}
	*n = Int(i)
	return nil
}

// Abs drops the direction sign some feeds put on prices.
func (n Int) Abs() int64 {
	if n < 0 {
		return int64(-n)
	}
	return int64(n)
}

// Float decodes a float sent as a number or string.
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	v, err := parseNumber(b)
	if err != nil {
		return err
	}
	if v == "" {
		*f = 0
		return nil
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("wire: invalid number %q", v)
	}
	*f = Float(p)
	return nil
}

func parseNumber(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
		return strings.TrimPrefix(s, "+"), nil
	}
	return string(b), nil
}
