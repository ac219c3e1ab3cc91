package auditlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aegislabs/aiguard/pkg/types"
)

const (
	defaultRecentBufferSize = 1024
	defaultQueueSize        = 256
)

// Service is the append-only audit trail for guarded invocations. Record is
// safe for concurrent use; each append is atomic and entries are never
// edited or deleted. Recent serves a consistent snapshot from a bounded
// in-memory ring while a single writer goroutine drains records into the
// configured sink.
type Service interface {
	Record(entry types.AuditLogEntry)
	Recent(n int) []types.AuditLogEntry
	Close() error
}

type service struct {
	mu     sync.Mutex
	ring   *entryRing
	queue  chan types.AuditLogEntry
	done   chan struct{}
	closed bool

	sink         Sink
	logger       *logrus.Logger
	uuidProvider func() uuid.UUID
}

type Opts struct {
	UUIDProvider     func() uuid.UUID
	RecentBufferSize int
	QueueSize        int
}

func NewService(sink Sink, logger *logrus.Logger, opts *Opts) Service {
	uuidProvider := uuid.New
	bufferSize := defaultRecentBufferSize
	queueSize := defaultQueueSize
	if opts != nil && opts.UUIDProvider != nil {
		uuidProvider = opts.UUIDProvider
	}
	if opts != nil && opts.RecentBufferSize > 0 {
		bufferSize = opts.RecentBufferSize
	}
	if opts != nil && opts.QueueSize > 0 {
		queueSize = opts.QueueSize
	}

	s := &service{
		ring:         newEntryRing(bufferSize),
		queue:        make(chan types.AuditLogEntry, queueSize),
		done:         make(chan struct{}),
		sink:         sink,
		logger:       logger,
		uuidProvider: uuidProvider,
	}
	go s.drain()
	return s
}

func (s *service) Record(entry types.AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = s.uuidProvider().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ring.push(entry)

	// The send stays under the mutex: Close flips closed and closes the
	// channel under the same lock order, so a send can never hit a closed
	// channel. The send is non-blocking; holding the lock is safe.
	select {
	case s.queue <- entry:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		// Sink backpressure must not stall the guarded call path. The entry
		// stays visible via Recent.
		s.logger.WithField("entry_id", entry.ID).Warn("audit sink queue full, dropping sink write")
	}
}

// Recent returns up to n entries, most recent first.
func (s *service) Recent(n int) []types.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.recent(n)
}

func (s *service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done
	return s.sink.Close()
}

func (s *service) drain() {
	defer close(s.done)
	for entry := range s.queue {
		if err := s.sink.Write(entry); err != nil {
			s.logger.Errorf("failed to write audit entry %s: %v", entry.ID, err)
		}
	}
}

type entryRing struct {
	entries []types.AuditLogEntry
	next    int
	full    bool
}

func newEntryRing(size int) *entryRing {
	return &entryRing{entries: make([]types.AuditLogEntry, size)}
}

func (r *entryRing) push(entry types.AuditLogEntry) {
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *entryRing) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

func (r *entryRing) recent(n int) []types.AuditLogEntry {
	count := r.len()
	if n < count {
		count = n
	}
	if count <= 0 {
		return nil
	}
	out := make([]types.AuditLogEntry, 0, count)
	idx := r.next - 1
	for len(out) < count {
		if idx < 0 {
			idx = len(r.entries) - 1
		}
		out = append(out, r.entries[idx])
		idx--
	}
	return out
}
