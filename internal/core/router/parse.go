package router

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

const (
	maxConditions   = 16
	maxConditionLen = 500
)

// ParseFilter reads bbox=minx,miny,maxx,maxy and repeated where=prop<op>value.
// Both are optional; a request without bbox is served uncached.
func ParseFilter(r *http.Request) (model.Filter, error) {
	q := r.URL.Query()
	var f model.Filter

	if raw := strings.TrimSpace(q.Get("bbox")); raw != "" {
		env, err := parseBBox(raw)
		if err != nil {
			return model.Filter{}, err
		}
		f.BBox = &env
	}

	where := q["where"]
	if len(where) > maxConditions {
		return model.Filter{}, fmt.Errorf("at most %d where conditions are allowed", maxConditions)
	}
	for _, w := range where {
		if len(w) > maxConditionLen {
			return model.Filter{}, errors.New("where condition too long")
		}
		c, err := model.ParseCondition(w)
		if err != nil {
			return model.Filter{}, fmt.Errorf("invalid where: %w", err)
		}
		f.Where = append(f.Where, c)
	}
	return f, nil
}

// RequireBBox parses the bbox parameter of a mutation endpoint.
func RequireBBox(r *http.Request) (model.Envelope, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("bbox"))
	if raw == "" {
		return model.Envelope{}, errors.New("missing required parameter: bbox")
	}
	return parseBBox(raw)
}

func parseBBox(raw string) (model.Envelope, error) {
	env, err := model.ParseEnvelope(raw)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("invalid bbox: %w", err)
	}
	return env, nil
}
