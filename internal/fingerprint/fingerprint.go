// Package fingerprint derives the content identity of a configuration.
//
// The digest is computed over a canonical JSON rendering: object keys are
// sorted and numbers are normalised, so two configurations that differ only
// in key order or numeric representation share a fingerprint. Integers are
// kept exact.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/3cpo-dev/dim/pkg/api"
)

// Fingerprint is the hex encoded BLAKE2b-256 digest of a canonical configuration.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 characters, for log lines.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Of returns the fingerprint of cfg.
func Of(cfg api.Configuration) (Fingerprint, error) {
	b, err := Canonical(cfg)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(b)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// List fingerprints every configuration, preserving order.
func List(cfgs []api.Configuration) ([]Fingerprint, error) {
	out := make([]Fingerprint, 0, len(cfgs))
	for i, c := range cfgs {
		fp, err := Of(c)
		if err != nil {
			return nil, fmt.Errorf("configuration %d: %w", i, err)
		}
		out = append(out, fp)
	}
	return out, nil
}

// Canonical renders cfg as JSON with sorted keys and numbers in one exact
// decimal form: 1, 1.0 and 1e0 render alike while integers beyond float64
// precision stay distinct.
func Canonical(cfg api.Configuration) ([]byte, error) {
	raw, err := json.Marshal(normalize(map[string]any(cfg)))
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	// A decode/encode round trip maps every object to map[string]any, whose
	// keys encoding/json writes sorted.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	v, err = canonicalNumbers(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return out, nil
}

var maxExactFloat = math.Ldexp(1, 53)

func canonicalNumbers(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			c, err := canonicalNumbers(e)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case []any:
		for i, e := range t {
			c, err := canonicalNumbers(e)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	case json.Number:
		n, err := canonicalNumber(string(t))
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", t, err)
		}
		return n, nil
	default:
		return v, nil
	}
}

// canonicalNumber keeps integer literals exact and renders other numbers
// through float64. Integral floats are written as integers.
func canonicalNumber(s string) (json.Number, error) {
	if !strings.ContainsAny(s, ".eE") {
		i, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return "", fmt.Errorf("invalid integer")
		}
		return json.Number(i.String()), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", err
	}
	if f == math.Trunc(f) {
		if math.Abs(f) < maxExactFloat {
			return json.Number(strconv.FormatInt(int64(f), 10)), nil
		}
		i, _ := big.NewFloat(f).Int(nil)
		return json.Number(i.String()), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// normalize converts map[any]any values, which encoding/json rejects, into
// map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case api.Configuration:
		return normalize(map[string]any(t))
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	default:
		return v
	}
}
