package offline0

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"offline0/internal/strategy"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Zero(t, s.Snapshot().TotalResponses)

	s.Observe(strategy.SourceNetwork, 100)
	s.Observe(strategy.SourceCache, 300)
	s.Observe(strategy.SourceCache, 200)
	s.Observe(strategy.SourcePassthrough, 0)
	s.Failure()

	ss := s.Snapshot()
	assert.Equal(t, uint64(3), ss.TotalResponses)
	assert.Equal(t, uint64(100), ss.MinRespBytes)
	assert.Equal(t, uint64(300), ss.MaxRespBytes)
	assert.Equal(t, uint64(200), ss.AvgRespBytes)
	assert.Equal(t, uint64(2), ss.BySource[strategy.SourceCache])
	assert.Equal(t, uint64(1), ss.BySource[strategy.SourcePassthrough])
	assert.Equal(t, uint64(1), ss.Failures)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "10mb", formatBytes(10<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}
