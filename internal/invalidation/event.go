// Package invalidation describes source change events and publishes them to
// the topic the cache consumes.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/ogc"
)

const Version = 1

type Event struct {
	Version int       `json:"version"`
	ID      string    `json:"id,omitempty"`
	Op      string    `json:"op"`
	Layer   string    `json:"layer"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
	BBox    *BBox     `json:"bbox,omitempty"`
	// Geometry is a GeoJSON geometry; its envelope is invalidated.
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid,omitempty"`
}

// NewEvent builds a version 1 event for a change covering env.
func NewEvent(op, layer string, env model.Envelope) Event {
	return Event{
		Version: Version,
		ID:      strconv.FormatInt(time.Now().UnixNano(), 36),
		Op:      op,
		Layer:   layer,
		TS:      time.Now().UTC(),
		BBox:    &BBox{X1: env.MinX, Y1: env.MinY, X2: env.MaxX, Y2: env.MaxY},
	}
}

func (e Event) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("version must be %d", Version)
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return errors.New("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return errors.New("layer is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	hasBBox := e.BBox != nil
	hasGeom := len(e.Geometry) > 0
	if hasBBox == hasGeom {
		return errors.New("exactly one of bbox or geometry is required")
	}
	if hasBBox {
		// a point change has a degenerate box
		if e.BBox.X2 < e.BBox.X1 || e.BBox.Y2 < e.BBox.Y1 {
			return errors.New("bbox must satisfy x2>=x1 and y2>=y1")
		}
		return nil
	}
	if _, err := ogc.GeometryEnvelope(e.Geometry); err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	return nil
}

// Envelope is the area the event invalidates.
func (e Event) Envelope() (model.Envelope, error) {
	if e.BBox != nil {
		return model.Envelope{MinX: e.BBox.X1, MinY: e.BBox.Y1, MaxX: e.BBox.X2, MaxY: e.BBox.Y2}, nil
	}
	return ogc.GeometryEnvelope(e.Geometry)
}

// DedupeKey identifies a delivery of the same event.
func (e Event) DedupeKey() string {
	if e.ID != "" {
		return e.Layer + "|" + e.ID + "|" + e.TS.Format(time.RFC3339Nano)
	}
	env, _ := e.Envelope()
	return e.Layer + "|" + e.Op + "|" + e.TS.Format(time.RFC3339Nano) + "|" + env.String()
}
