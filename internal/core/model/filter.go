package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Condition is a single attribute predicate evaluated after the spatial lookup.
type Condition struct {
	Property string
	Op       Op
	Value    any
}

// Filter is a bounding-box query plus attribute conditions. A nil BBox means
// the query is not spatially bounded.
type Filter struct {
	BBox  *Envelope
	Where []Condition
}

// BBoxFilter is a filter with only a spatial part.
func BBoxFilter(env Envelope) Filter {
	return Filter{BBox: &env}
}

func (f Filter) Envelope() (Envelope, bool) {
	if f.BBox == nil || f.BBox.IsEmpty() {
		return Envelope{}, false
	}
	return *f.BBox, true
}

func (f Filter) SpatialOnly() Filter {
	return Filter{BBox: f.BBox}
}

// WithBBox returns a copy of f bounded by env instead of its own bbox.
func (f Filter) WithBBox(env Envelope) Filter {
	return Filter{BBox: &env, Where: f.Where}
}

func (f Filter) Matches(feat Feature) bool {
	if f.BBox != nil && !f.BBox.Intersects(feat.Envelope) {
		return false
	}
	for _, c := range f.Where {
		if !c.Matches(feat) {
			return false
		}
	}
	return true
}

// CQL renders the attribute conditions joined with AND; empty when there are none.
func (f Filter) CQL() string {
	if len(f.Where) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.Where))
	for _, c := range f.Where {
		parts = append(parts, c.CQL())
	}
	return strings.Join(parts, " AND ")
}

func (f Filter) String() string {
	var b strings.Builder
	if f.BBox != nil {
		b.WriteString("bbox=")
		b.WriteString(f.BBox.String())
	}
	if cql := f.CQL(); cql != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("where=")
		b.WriteString(cql)
	}
	return b.String()
}

func (c Condition) Matches(feat Feature) bool {
	v, ok := feat.Properties[c.Property]
	if !ok || v == nil {
		return false
	}
	cmp, ok := compare(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}

func (c Condition) CQL() string {
	var lit string
	if f, ok := toFloat(c.Value); ok {
		lit = strconv.FormatFloat(f, 'f', -1, 64)
	} else {
		lit = "'" + strings.ReplaceAll(fmt.Sprint(c.Value), "'", "''") + "'"
	}
	return c.Property + " " + string(c.Op) + " " + lit
}

// ParseCondition parses "prop<op>value". Numeric values are kept as float64.
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	// two-char operators first so "<=" is not read as "<"
	for _, op := range []Op{OpGe, OpLe, OpNe, OpEq, OpLt, OpGt} {
		i := strings.Index(s, string(op))
		if i <= 0 {
			continue
		}
		prop := strings.TrimSpace(s[:i])
		raw := strings.TrimSpace(s[i+len(op):])
		if prop == "" || raw == "" {
			return Condition{}, fmt.Errorf("malformed condition %q", s)
		}
		if !isIdent(prop) {
			return Condition{}, fmt.Errorf("invalid property name %q", prop)
		}
		raw = strings.Trim(raw, `'"`)
		var val any = raw
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			val = f
		}
		return Condition{Property: prop, Op: op, Value: val}, nil
	}
	return Condition{}, errors.New("condition needs one of = != < <= > >=")
}

func isIdent(s string) bool {
	for _, r := range s {
		if !(r == '_' || r == '.' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// compare orders a and b numerically when both are numbers, else as strings.
func compare(a, b any) (int, bool) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	// mixed kinds ("3" vs 3) fall back to text so equality on ids still works
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
