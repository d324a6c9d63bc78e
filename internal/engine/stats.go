package engine

import (
	"sync"
	"time"

	"github.com/haasonsaas/penguin/internal/events"
	"github.com/haasonsaas/penguin/pkg/models"
)

// StatsCollector derives run statistics from the event stream. It
// observes rather than instruments: the engine stays unaware of it.
type StatsCollector struct {
	mu    sync.Mutex
	stats models.RunStats
	unsub func()
}

// NewStatsCollector subscribes to the emitter and starts accumulating.
func NewStatsCollector(emitter *events.Emitter, runID string) *StatsCollector {
	c := &StatsCollector{
		stats: models.RunStats{RunID: runID, StartedAt: time.Now().UTC()},
	}
	c.unsub = emitter.Subscribe(c.observe)
	return c
}

func (c *StatsCollector) observe(ev *models.RuntimeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case models.EventStatus:
		if ev.Status == nil {
			return
		}
		switch ev.Status.Phase {
		case models.PhaseIterating:
			c.stats.Iterations++
		case models.PhaseCancelled:
			c.stats.Cancelled = true
		}
	case models.EventToolInvocation:
		if ev.Tool == nil {
			return
		}
		c.stats.ToolCalls++
		c.stats.ToolWallTime += ev.Tool.Duration
		if ev.Tool.TimedOut {
			c.stats.ToolTimeouts++
		}
	case models.EventError:
		c.stats.Errors++
	}
}

// AddUsage folds gateway-reported usage into the run totals.
func (c *StatsCollector) AddUsage(usage models.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.InputTokens += usage.PromptTokens
	c.stats.OutputTokens += usage.CompletionTokens
}

// AddTrims records context-window evictions.
func (c *StatsCollector) AddTrims(count, droppedTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Trims += count
	c.stats.DroppedTokens += droppedTokens
}

// Finish stops collection and returns the final snapshot.
func (c *StatsCollector) Finish() models.RunStats {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.FinishedAt = time.Now().UTC()
	c.stats.WallTime = c.stats.FinishedAt.Sub(c.stats.StartedAt)
	return c.stats
}

// Snapshot returns the stats accumulated so far.
func (c *StatsCollector) Snapshot() models.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
