// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Envelope is an axis-aligned rectangle in a single planar coordinate space.
// Edges are closed: envelopes that only touch still intersect.
type Envelope struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// NewEnvelope builds an envelope from two corners in any order.
func NewEnvelope(x1, y1, x2, y2 float64) Envelope {
	return Envelope{
		MinX: math.Min(x1, x2),
		MinY: math.Min(y1, y2),
		MaxX: math.Max(x1, x2),
		MaxY: math.Max(y1, y2),
	}
}

// EmptyEnvelope is the identity for Union and ExpandToInclude.
func EmptyEnvelope() Envelope {
	return Envelope{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
}

func (e Envelope) IsEmpty() bool {
	return e.MaxX < e.MinX || e.MaxY < e.MinY ||
		math.IsNaN(e.MinX) || math.IsNaN(e.MinY) || math.IsNaN(e.MaxX) || math.IsNaN(e.MaxY)
}

func (e Envelope) Width() float64 {
	if e.IsEmpty() {
		return 0
	}
	return e.MaxX - e.MinX
}

func (e Envelope) Height() float64 {
	if e.IsEmpty() {
		return 0
	}
	return e.MaxY - e.MinY
}

func (e Envelope) Intersects(o Envelope) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX &&
		e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

// Contains reports whether o lies entirely inside e (edges included).
func (e Envelope) Contains(o Envelope) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	return e.MinX <= o.MinX && o.MaxX <= e.MaxX &&
		e.MinY <= o.MinY && o.MaxY <= e.MaxY
}

// Intersection returns the overlap of e and o; ok is false when they are disjoint.
func (e Envelope) Intersection(o Envelope) (Envelope, bool) {
	if !e.Intersects(o) {
		return Envelope{}, false
	}
	return Envelope{
		MinX: math.Max(e.MinX, o.MinX),
		MinY: math.Max(e.MinY, o.MinY),
		MaxX: math.Min(e.MaxX, o.MaxX),
		MaxY: math.Min(e.MaxY, o.MaxY),
	}, true
}

func (e Envelope) Union(o Envelope) Envelope {
	switch {
	case e.IsEmpty():
		return o
	case o.IsEmpty():
		return e
	}
	return Envelope{
		MinX: math.Min(e.MinX, o.MinX),
		MinY: math.Min(e.MinY, o.MinY),
		MaxX: math.Max(e.MaxX, o.MaxX),
		MaxY: math.Max(e.MaxY, o.MaxY),
	}
}

func (e Envelope) ExpandToInclude(x, y float64) Envelope {
	return e.Union(Envelope{MinX: x, MinY: y, MaxX: x, MaxY: y})
}

// String matches the wfs bbox parameter layout without the srs suffix.
func (e Envelope) String() string {
	return strconv.FormatFloat(e.MinX, 'f', -1, 64) + "," +
		strconv.FormatFloat(e.MinY, 'f', -1, 64) + "," +
		strconv.FormatFloat(e.MaxX, 'f', -1, 64) + "," +
		strconv.FormatFloat(e.MaxY, 'f', -1, 64)
}

// MarshalJSON encodes the envelope as a GeoJSON bbox array.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{e.MinX, e.MinY, e.MaxX, e.MaxY})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var arr []float64
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("decode bbox: %w", err)
	}
	if len(arr) != 4 {
		return fmt.Errorf("bbox must have 4 numbers, got %d", len(arr))
	}
	*e = NewEnvelope(arr[0], arr[1], arr[2], arr[3])
	return nil
}

// ParseEnvelope parses "minx,miny,maxx,maxy". A trailing srs token is ignored.
func ParseEnvelope(s string) (Envelope, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 4 && len(parts) != 5 {
		return Envelope{}, errors.New("expected minx,miny,maxx,maxy")
	}
	var v [4]float64
	for i := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return Envelope{}, fmt.Errorf("coordinate %d: %w", i, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Envelope{}, fmt.Errorf("coordinate %d is not finite", i)
		}
		v[i] = f
	}
	if v[2] < v[0] || v[3] < v[1] {
		return Envelope{}, errors.New("coordinates must satisfy maxx>=minx and maxy>=miny")
	}
	return Envelope{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}
