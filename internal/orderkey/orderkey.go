// Package orderkey generates fractional-index keys that order blocks inside a
// script. Keys compare byte-wise, so any writer can place a block between two
// neighbours without renumbering anything else.
//
// A key is an integer part followed by an optional fraction. The integer
// head character encodes the integer length: 'a'..'z' give 2..27 characters
// and 'Z'..'A' give 2..27 characters on the negative side. The fraction never
// ends in the smallest digit, which keeps room below every key.
package orderkey

import (
	"errors"
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	base           = len(digits)
	zeroDigit byte = '0'
	maxDigit  byte = 'z'
)

// smallestInteger can never be used as a key: nothing sorts below it.
var smallestInteger = "A" + strings.Repeat(string(zeroDigit), 26)

var (
	// ErrInvalidRange is returned when the lower bound is not strictly below the upper bound.
	ErrInvalidRange = errors.New("invalid order key range")
	// ErrInvalidKey is returned for a bound that is not a well-formed order key.
	ErrInvalidKey = errors.New("invalid order key")
	// errExhausted is only reachable if the integer space is spent in one direction.
	errExhausted = errors.New("order key space exhausted")
)

// InitialKey is the key of the first block of an empty script.
func InitialKey() string {
	return "a" + string(zeroDigit)
}

// KeyAfter returns a key that sorts after k.
func KeyAfter(k string) (string, error) {
	return KeyBetween(k, "")
}

// KeyBefore returns a key that sorts before k.
func KeyBefore(k string) (string, error) {
	return KeyBetween("", k)
}

// Compare orders keys byte-wise. Locale-aware collation must never be used for keys.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// KeyBetween returns a key strictly between lower and upper. An empty bound
// means the start (lower) or the end (upper) of the sequence.
func KeyBetween(lower, upper string) (string, error) {
	if lower != "" && upper != "" && lower >= upper {
		return "", fmt.Errorf("%w: %q is not below %q", ErrInvalidRange, lower, upper)
	}
	if lower != "" {
		if err := Validate(lower); err != nil {
			return "", err
		}
	}
	if upper != "" {
		if err := Validate(upper); err != nil {
			return "", err
		}
	}

	switch {
	case lower == "" && upper == "":
		return InitialKey(), nil

	case lower == "":
		intB := integerPart(upper)
		fracB := upper[len(intB):]
		if intB == smallestInteger {
			return intB + midpoint("", fracB, true), nil
		}
		if intB < upper {
			return intB, nil
		}
		dec, ok := decrementInteger(intB)
		if !ok {
			return "", fmt.Errorf("%w: below %q", errExhausted, upper)
		}
		return dec, nil

	case upper == "":
		intA := integerPart(lower)
		fracA := lower[len(intA):]
		inc, ok := incrementInteger(intA)
		if !ok {
			return intA + midpoint(fracA, "", false), nil
		}
		return inc, nil
	}

	intA := integerPart(lower)
	fracA := lower[len(intA):]
	intB := integerPart(upper)
	fracB := upper[len(intB):]
	if intA == intB {
		return intA + midpoint(fracA, fracB, true), nil
	}
	inc, ok := incrementInteger(intA)
	if !ok {
		return "", fmt.Errorf("%w: above %q", errExhausted, lower)
	}
	if inc < upper {
		return inc, nil
	}
	return intA + midpoint(fracA, "", false), nil
}

// KeysBetween returns n strictly increasing keys inside (lower, upper).
// Keys are spread by bisection so no single key grows much longer than the rest.
func KeysBetween(lower, upper string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	if n == 1 {
		key, err := KeyBetween(lower, upper)
		if err != nil {
			return nil, err
		}
		return []string{key}, nil
	}
	if upper == "" {
		keys := make([]string, 0, n)
		prev := lower
		for i := 0; i < n; i++ {
			key, err := KeyBetween(prev, "")
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
			prev = key
		}
		return keys, nil
	}
	if lower == "" {
		keys := make([]string, n)
		next := upper
		for i := n - 1; i >= 0; i-- {
			key, err := KeyBetween("", next)
			if err != nil {
				return nil, err
			}
			keys[i] = key
			next = key
		}
		return keys, nil
	}

	mid := n / 2
	pivot, err := KeyBetween(lower, upper)
	if err != nil {
		return nil, err
	}
	left, err := KeysBetween(lower, pivot, mid)
	if err != nil {
		return nil, err
	}
	right, err := KeysBetween(pivot, upper, n-mid-1)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n)
	keys = append(keys, left...)
	keys = append(keys, pivot)
	keys = append(keys, right...)
	return keys, nil
}

// Validate reports whether key is a well-formed order key.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if key == smallestInteger {
		return fmt.Errorf("%w: %q has no room below it", ErrInvalidKey, key)
	}
	for i := 0; i < len(key); i++ {
		if digitIndex(key[i]) < 0 {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, key, key[i])
		}
	}
	n, ok := integerLength(key[0])
	if !ok {
		return fmt.Errorf("%w: %q has an invalid head %q", ErrInvalidKey, key, key[0])
	}
	if n > len(key) {
		return fmt.Errorf("%w: %q is shorter than its integer part", ErrInvalidKey, key)
	}
	if len(key) > n && key[len(key)-1] == zeroDigit {
		return fmt.Errorf("%w: %q ends with %q", ErrInvalidKey, key, zeroDigit)
	}
	return nil
}

// midpoint returns a fraction strictly between a and b. hasB=false means b is
// unbounded. Both inputs are assumed to be valid fractions with a < b.
func midpoint(a, b string, hasB bool) string {
	var out strings.Builder
	for {
		if hasB {
			n := 0
			for n < len(b) && digitAt(a, n) == b[n] {
				n++
			}
			if n > 0 {
				out.WriteString(b[:n])
				if n < len(a) {
					a = a[n:]
				} else {
					a = ""
				}
				b = b[n:]
			}
		}

		digitA := 0
		if a != "" {
			digitA = digitIndex(a[0])
		}
		digitB := base
		if hasB {
			digitB = digitIndex(b[0])
		}

		if digitB-digitA > 1 {
			out.WriteByte(digits[(digitA+digitB+1)/2])
			return out.String()
		}
		if hasB && len(b) > 1 {
			out.WriteByte(b[0])
			return out.String()
		}
		// Consecutive digits: keep a's digit and search the open range above
		// the remainder of a.
		out.WriteByte(digits[digitA])
		if a != "" {
			a = a[1:]
		}
		hasB = false
		b = ""
	}
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return zeroDigit
}

func digitIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 36
	default:
		return -1
	}
}

func integerLength(head byte) (int, bool) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, true
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, true
	default:
		return 0, false
	}
}

// integerPart expects a validated key.
func integerPart(key string) string {
	n, _ := integerLength(key[0])
	return key[:n]
}

func incrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	carry := true
	for i := len(digs) - 1; carry && i >= 0; i-- {
		d := digitIndex(digs[i]) + 1
		if d == base {
			digs[i] = zeroDigit
		} else {
			digs[i] = digits[d]
			carry = false
		}
	}
	if !carry {
		return string(head) + string(digs), true
	}
	switch head {
	case 'Z':
		return "a" + string(zeroDigit), true
	case 'z':
		return "", false
	}
	next := head + 1
	if next > 'a' {
		digs = append(digs, zeroDigit)
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(next) + string(digs), true
}

func decrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	borrow := true
	for i := len(digs) - 1; borrow && i >= 0; i-- {
		d := digitIndex(digs[i]) - 1
		if d == -1 {
			digs[i] = maxDigit
		} else {
			digs[i] = digits[d]
			borrow = false
		}
	}
	if !borrow {
		return string(head) + string(digs), true
	}
	switch head {
	case 'a':
		return "Z" + string(maxDigit), true
	case 'A':
		return "", false
	}
	prev := head - 1
	if prev < 'Z' {
		digs = append(digs, maxDigit)
	} else {
		digs = digs[:len(digs)-1]
	}
	return string(prev) + string(digs), true
}
