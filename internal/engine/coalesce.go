package engine

import (
	"github.com/haasonsaas/penguin/internal/events"
	"github.com/haasonsaas/penguin/pkg/models"
)

// Coalescing bounds. Flushing every flushEvery chunks (or when the
// buffer passes flushBytes) keeps nonfinal stream_chunk emissions well
// under one fifth of raw chunk count.
const (
	flushEvery = 8
	flushBytes = 256
)

// coalescer batches raw assistant chunks into bounded stream_chunk
// events. Reasoning chunks pass through unbatched; they are sparse.
// Not safe for concurrent use; the gateway delivers chunks serially.
type coalescer struct {
	emitter *events.Emitter
	agentID string

	buf          map[models.StreamChannel]string
	pending      int
	nonfinal     int
	emittedFinal bool
}

func newCoalescer(emitter *events.Emitter, agentID string) *coalescer {
	return &coalescer{
		emitter: emitter,
		agentID: agentID,
		buf:     make(map[models.StreamChannel]string),
	}
}

// Add buffers one raw chunk, flushing when the batch bound is reached.
func (c *coalescer) Add(chunk string, channel models.StreamChannel) {
	c.buf[channel] += chunk
	c.pending++
	if c.pending >= flushEvery || len(c.buf[channel]) >= flushBytes {
		c.flush()
	}
}

func (c *coalescer) flush() {
	for _, channel := range []models.StreamChannel{models.ChannelAssistant, models.ChannelReasoning} {
		if c.buf[channel] == "" {
			continue
		}
		c.emitter.StreamChunk(c.agentID, &models.StreamChunkPayload{
			Chunk:   c.buf[channel],
			Channel: channel,
		})
		c.nonfinal++
		c.buf[channel] = ""
	}
	c.pending = 0
}

// Finish flushes remaining content and emits exactly one final chunk.
// The final chunk is emitted even for an empty stream.
func (c *coalescer) Finish() {
	if c.emittedFinal {
		return
	}
	c.flush()
	c.emitter.StreamChunk(c.agentID, &models.StreamChunkPayload{
		Chunk:   "",
		Channel: models.ChannelAssistant,
		IsFinal: true,
	})
	c.emittedFinal = true
}

// NonfinalCount reports emitted nonfinal events, for accounting.
func (c *coalescer) NonfinalCount() int { return c.nonfinal }
