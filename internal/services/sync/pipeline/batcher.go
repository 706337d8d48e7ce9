package pipeline

import (
	"sync"
	"time"

	"github.com/openmutual/realtime/internal/services/sync/storage"
)

const (
	defaultMaxBatch      = 50
	defaultFlushInterval = time.Second
)

// Flusher receives one conversation's buffered messages.
type Flusher func(conversationID string, participantIDs []string, messages []storage.Message)

type pendingBatch struct {
	participantIDs []string
	messages       []storage.Message
}

// Batcher buffers messages per conversation and flushes a buffer when it
// reaches maxBatch or on the next global sweep, whichever comes first. One
// sweep ticker serves all conversations so the timer count stays bounded
// under load.
type Batcher struct {
	flush         Flusher
	maxBatch      int
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingBatch

	stop chan struct{}
	done chan struct{}
}

// NewBatcher creates a stopped batcher; zero values select the defaults
// (50 messages, 1s sweep).
func NewBatcher(flush Flusher, maxBatch int, flushInterval time.Duration) *Batcher {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Batcher{
		flush:         flush,
		maxBatch:      maxBatch,
		flushInterval: flushInterval,
		pending:       make(map[string]*pendingBatch),
	}
}

// Start launches the sweep loop.
func (b *Batcher) Start() {
	b.mu.Lock()
	if b.stop != nil {
		b.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	b.stop = stop
	b.done = done
	b.mu.Unlock()

	go b.sweepLoop(stop, done)
}

// Stop halts the sweep loop and flushes whatever is still buffered.
func (b *Batcher) Stop() {
	b.mu.Lock()
	stop := b.stop
	done := b.done
	b.stop = nil
	b.done = nil
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	b.FlushAll()
}

// Add buffers one message and flushes the conversation's buffer when it
// reaches the batch size.
func (b *Batcher) Add(conversation storage.Conversation, message storage.Message) {
	b.mu.Lock()
	batch := b.pending[conversation.ID]
	if batch == nil {
		batch = &pendingBatch{participantIDs: append([]string(nil), conversation.ParticipantIDs...)}
		b.pending[conversation.ID] = batch
	}
	batch.messages = append(batch.messages, message)
	full := len(batch.messages) >= b.maxBatch
	if full {
		delete(b.pending, conversation.ID)
	}
	b.mu.Unlock()

	if full && b.flush != nil {
		b.flush(conversation.ID, batch.participantIDs, batch.messages)
	}
}

// FlushAll flushes every pending buffer immediately.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	drained := b.pending
	b.pending = make(map[string]*pendingBatch)
	b.mu.Unlock()

	if b.flush == nil {
		return
	}
	for conversationID, batch := range drained {
		b.flush(conversationID, batch.participantIDs, batch.messages)
	}
}

func (b *Batcher) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.FlushAll()
		}
	}
}
