package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Readiness runs every probe and answers 503 if any fails.
func Readiness(probes map[string]Probe) http.HandlerFunc {
	names := make([]string, 0, len(probes))
	for n := range probes {
		names = append(names, n)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		type check struct {
			Name  string `json:"name"`
			Error string `json:"error,omitempty"`
		}
		type resp struct {
			Status string  `json:"status"`
			Checks []check `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := resp{Status: "ready"}
		for _, n := range names {
			c := check{Name: n}
			if err := probes[n](ctx); err != nil {
				c.Error = err.Error()
				out.Status = "not_ready"
			}
			out.Checks = append(out.Checks, c)
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
