package probe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Entry is a single labelled temperature in degrees Celsius.
type Entry struct {
	Label    string
	Value    float64
	Integral bool  // disk attributes are whole degrees
	Int      int64 // exact value when Integral; Value may round above 2^53
}

// Reading is the merged result of one sampling cycle. Keys keep the order in
// which they were first set; setting an existing label replaces its value in
// place.
type Reading struct {
	entries []Entry
	index   map[string]int
}

func NewReading() *Reading {
	return &Reading{index: map[string]int{}}
}

// SetFloat records a chip sensor value.
func (r *Reading) SetFloat(label string, v float64) {
	r.set(Entry{Label: label, Value: v})
}

// SetInt records a disk attribute value.
func (r *Reading) SetInt(label string, v int64) {
	r.set(Entry{Label: label, Value: float64(v), Integral: true, Int: v})
}

func (r *Reading) set(e Entry) {
	if r.index == nil {
		r.index = map[string]int{}
	}
	if i, ok := r.index[e.Label]; ok {
		r.entries[i] = e
		return
	}
	r.index[e.Label] = len(r.entries)
	r.entries = append(r.entries, e)
}

// Get returns the entry for label.
func (r *Reading) Get(label string) (Entry, bool) {
	i, ok := r.index[label]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

func (r *Reading) Len() int { return len(r.entries) }

// Entries returns a copy of the entries in insertion order.
func (r *Reading) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Map returns the reading as an unordered label to value map.
func (r *Reading) Map() map[string]float64 {
	m := make(map[string]float64, len(r.entries))
	for _, e := range r.entries {
		m[e.Label] = e.Value
	}
	return m
}

// MarshalJSON encodes the reading as a compact object in insertion order.
// Float entries always carry a fractional part so consumers can tell them
// from disk integers.
func (r *Reading) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if !e.Integral && (math.IsNaN(e.Value) || math.IsInf(e.Value, 0)) {
			return nil, fmt.Errorf("unsupported value for %q: %v", e.Label, e.Value)
		}
		buf.WriteString(formatValue(e))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func formatValue(e Entry) string {
	if e.Integral {
		return strconv.FormatInt(e.Int, 10)
	}
	s := strconv.FormatFloat(e.Value, 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// UnmarshalJSON decodes an object produced by MarshalJSON, preserving the
// document's key order.
func (r *Reading) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("reading: expected JSON object")
	}

	out := NewReading()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		label, ok := tok.(string)
		if !ok {
			return fmt.Errorf("reading: unexpected key %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		num, ok := tok.(json.Number)
		if !ok {
			return fmt.Errorf("reading: value for %q is not a number", label)
		}
		if !strings.ContainsAny(num.String(), ".eE") {
			n, err := strconv.ParseInt(num.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("reading: %q: %w", label, err)
			}
			out.SetInt(label, n)
			continue
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("reading: %q: %w", label, err)
		}
		out.SetFloat(label, f)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*r = *out
	return nil
}
