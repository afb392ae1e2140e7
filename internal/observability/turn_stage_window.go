package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageBudgetsMS are the p95 latencies a healthy dispatch stays under.
var stageBudgetsMS = map[string]float64{
	"load":       50,
	"save":       50,
	"engine":     250,
	"turn_total": 500,
}

// TurnStageStats summarizes recent latencies for one dispatch stage.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// RouteCount is how many replies left through one delivery route.
type RouteCount struct {
	Route string `json:"route"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Routes      []RouteCount     `json:"routes,omitempty"`
}

// turnStageWindow keeps the most recent samples per stage, oldest first.
type turnStageWindow struct {
	mu     sync.RWMutex
	size   int
	stages map[string][]float64
	routes map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:   size,
		stages: make(map[string][]float64),
		routes: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	samples := w.stages[stage]
	if len(samples) == w.size {
		samples = append(samples[:0], samples[1:]...)
	}
	w.stages[stage] = append(samples, ms)
}

func (w *turnStageWindow) ObserveRoute(route string) {
	route = strings.TrimSpace(route)
	if route == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routes[route]++
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.stages)) {
		if stats, ok := summarize(stage, w.stages[stage]); ok {
			snap.Stages = append(snap.Stages, stats)
		}
	}
	for _, route := range slices.Sorted(maps.Keys(w.routes)) {
		snap.Routes = append(snap.Routes, RouteCount{Route: route, Count: w.routes[route]})
	}
	return snap
}

func summarize(stage string, samples []float64) (TurnStageStats, bool) {
	n := len(samples)
	if n == 0 {
		return TurnStageStats{}, false
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     n,
		LastMS:      round2(samples[n-1]),
		AvgMS:       round2(sum / float64(n)),
		P50MS:       round2(percentile(sorted, 0.50)),
		P95MS:       round2(percentile(sorted, 0.95)),
		TargetP95MS: stageBudgetsMS[stage],
	}, true
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
