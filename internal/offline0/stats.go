package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"offline0/internal/strategy"
)

var statsSources = []strategy.Source{
	strategy.SourceNetwork,
	strategy.SourceCache,
	strategy.SourceFallback,
	strategy.SourceOffline,
	strategy.SourcePassthrough,
}

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	failures       atomic.Uint64

	bySource map[strategy.Source]*atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySource: make(map[strategy.Source]*atomic.Uint64, len(statsSources))}
	s.minRespBytes.Store(math.MaxUint64)
	for _, src := range statsSources {
		s.bySource[src] = new(atomic.Uint64)
	}
	return s
}

// Observe records one response. Passthrough bodies are streamed and not
// measured, so respBytes is ignored for them.
func (s *statsCollector) Observe(src strategy.Source, respBytes int) {
	if c, ok := s.bySource[src]; ok {
		c.Add(1)
	}
	if src == strategy.SourcePassthrough {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Failure records a request that got no response at all.
func (s *statsCollector) Failure() {
	s.failures.Add(1)
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Failures       uint64
	BySource       map[strategy.Source]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Failures: s.failures.Load(),
		BySource: make(map[strategy.Source]uint64, len(s.bySource)),
	}
	for src, c := range s.bySource {
		out.BySource[src] = c.Load()
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	default:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
	}
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
