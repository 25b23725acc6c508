package broadcast

import (
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentlens/pkg/models"
)

const (
	// DefaultQueueSize bounds the outbound envelope queue of one connection.
	DefaultQueueSize = 256
	// defaultDropLimit is how many envelopes a connection may shed before
	// the hub gives up and disconnects it.
	defaultDropLimit = 1024
)

// Queue is the production Subscriber: a bounded outbound buffer drained by
// the connection's writer goroutine. When the buffer is full the oldest
// envelope is dropped so the producer never blocks; a connection that sheds
// too many envelopes in a row is disconnected instead. Dropping old
// envelopes is safe because a client merges strictly by version and a
// reconnect yields a fresh full bundle.
type Queue struct {
	id    string
	ch    chan models.Envelope
	done  chan struct{}
	drops int
	limit int
}

// NewQueue creates a queue with the given capacity (DefaultQueueSize when
// size is not positive).
func NewQueue(id string, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		id:    id,
		ch:    make(chan models.Envelope, size),
		done:  make(chan struct{}),
		limit: defaultDropLimit,
	}
}

// Send enqueues the envelope without blocking. Only the hub calls Send, and
// always under its own lock, so the drop-oldest retry cannot race another
// producer.
func (q *Queue) Send(env models.Envelope) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.ch <- env:
		q.drops = 0
		return true
	default:
	}

	// Full: shed the oldest envelope and retry once.
	select {
	case old := <-q.ch:
		q.drops++
		log.Debug().
			Str("subscriberId", q.id).
			Uint64("droppedVersion", old.Version).
			Msg("Outbound queue full, dropping oldest envelope")
	default:
	}

	select {
	case q.ch <- env:
	default:
		q.drops++
	}
	return q.drops < q.limit
}

// Close releases the queue. The writer goroutine draining Out observes Done
// and stops.
func (q *Queue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// Out is the channel the connection's writer goroutine drains.
func (q *Queue) Out() <-chan models.Envelope {
	return q.ch
}

// Done is closed when the queue is released.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}
