// Package events fans out typed runtime events to subscribed UIs and
// hooks. Handlers run on their own goroutine per subscriber; slow
// handlers never block producers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/penguin/pkg/models"
)

// DefaultQueueDepth bounds each subscriber's pending queue. On overflow
// the oldest nonfinal stream_chunk is dropped; all other event types are
// never dropped.
const DefaultQueueDepth = 256

// Handler consumes events for one subscriber. Called sequentially in
// emission order.
type Handler func(*models.RuntimeEvent)

// Emitter assigns monotonic sequence numbers and dispatches events to
// all subscribers asynchronously.
type Emitter struct {
	seq uint64

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	depth  int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithQueueDepth overrides the per-subscriber queue bound.
func WithQueueDepth(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.depth = n
		}
	}
}

// NewEmitter creates an event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subs:  make(map[int]*subscriber),
		depth: DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a handler and returns its unsubscribe function.
// The handler observes events in emission order.
func (e *Emitter) Subscribe(handler Handler) func() {
	s := &subscriber{handler: handler, depth: e.depth}
	s.cond = sync.NewCond(&s.mu)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = s
	e.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
		s.close()
	}
}

// Close stops all subscribers after their queues drain.
func (e *Emitter) Close() {
	e.mu.Lock()
	subs := make([]*subscriber, 0, len(e.subs))
	for id, s := range e.subs {
		subs = append(subs, s)
		delete(e.subs, id)
	}
	e.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Emit dispatches a fully formed event, assigning version, time, and
// sequence when unset.
func (e *Emitter) Emit(event *models.RuntimeEvent) {
	if event.Version == 0 {
		event.Version = 1
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Sequence == 0 {
		event.Sequence = atomic.AddUint64(&e.seq, 1)
	}

	e.mu.RLock()
	subs := make([]*subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for _, s := range subs {
		s.push(event)
	}
}

func (e *Emitter) base(t models.RuntimeEventType, agentID string) *models.RuntimeEvent {
	return &models.RuntimeEvent{
		Version:  1,
		Type:     t,
		Time:     time.Now().UTC(),
		Sequence: atomic.AddUint64(&e.seq, 1),
		AgentID:  agentID,
	}
}

// Message emits a message event.
func (e *Emitter) Message(agentID string, payload *models.MessageEventPayload) {
	ev := e.base(models.EventMessage, agentID)
	ev.Message = payload
	e.Emit(ev)
}

// StreamChunk emits a stream_chunk event.
func (e *Emitter) StreamChunk(agentID string, payload *models.StreamChunkPayload) {
	ev := e.base(models.EventStreamChunk, agentID)
	ev.Stream = payload
	e.Emit(ev)
}

// TokenUpdate emits a token_update event.
func (e *Emitter) TokenUpdate(agentID string, payload *models.TokenUpdatePayload) {
	ev := e.base(models.EventTokenUpdate, agentID)
	ev.Tokens = payload
	e.Emit(ev)
}

// Status emits a status event.
func (e *Emitter) Status(agentID string, phase models.RunPhase, detail string) {
	ev := e.base(models.EventStatus, agentID)
	ev.Status = &models.StatusEventPayload{Phase: phase, Detail: detail}
	e.Emit(ev)
}

// Error emits an error event.
func (e *Emitter) Error(agentID, correlationID string, payload *models.ErrorEventPayload) {
	ev := e.base(models.EventError, agentID)
	ev.CorrelationID = correlationID
	ev.Error = payload
	e.Emit(ev)
}

// ToolInvocation emits a tool_invocation event.
func (e *Emitter) ToolInvocation(agentID string, payload *models.ToolInvocationPayload) {
	ev := e.base(models.EventToolInvocation, agentID)
	ev.Tool = payload
	e.Emit(ev)
}

// Checkpoint emits a checkpoint event.
func (e *Emitter) Checkpoint(agentID string, payload *models.CheckpointEventPayload) {
	ev := e.base(models.EventCheckpoint, agentID)
	ev.Checkpoint = payload
	e.Emit(ev)
}

// HumanMessage emits a human_message event.
func (e *Emitter) HumanMessage(agentID string, payload *models.HumanMessagePayload) {
	ev := e.base(models.EventHumanMessage, agentID)
	ev.Human = payload
	e.Emit(ev)
}

// subscriber runs one handler on its own goroutine with a single FIFO
// queue, preserving total emission order. Overflow evicts the oldest
// nonfinal stream_chunk; other types grow the queue rather than drop.
type subscriber struct {
	handler Handler
	depth   int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*models.RuntimeEvent
	closed bool
	wg     sync.WaitGroup

	// DroppedChunks counts evicted stream chunks, for diagnostics.
	droppedChunks uint64
}

func (s *subscriber) push(event *models.RuntimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, event)
	if len(s.queue) > s.depth {
		for i, ev := range s.queue {
			if ev.Type == models.EventStreamChunk && ev.Stream != nil && !ev.Stream.IsFinal {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.droppedChunks++
				break
			}
		}
	}
	s.cond.Signal()
}

func (s *subscriber) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(event)
	}
}

// close drains the queue, then stops the goroutine.
func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}
