package client

import (
	"context"
	"sync"
	"time"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/protocol"
)

// DefaultOfflineQueueSize is the offline queue capacity when none is set.
const DefaultOfflineQueueSize = 100

// QueuedOperation is an outbound frame held while offline.
type QueuedOperation struct {
	Frame    protocol.Frame
	QueuedAt time.Time

	seq uint64
}

// ReplayFunc sends queued operations once a connection is available.
type ReplayFunc func(ctx context.Context, ops []QueuedOperation) error

// DegradationManager queues outbound operations while no connection
// exists and replays them when one comes back. The queue is bounded and
// evicts its oldest entry on overflow.
type DegradationManager struct {
	capacity int
	clock    clock.Clock
	log      *logger.Logger

	mu      sync.Mutex
	offline bool
	queue   []QueuedOperation
	seq     uint64
	evicted uint64
}

// NewDegradationManager creates a manager in online mode.
func NewDegradationManager(capacity int, clk clock.Clock, log *logger.Logger) *DegradationManager {
	if capacity <= 0 {
		capacity = DefaultOfflineQueueSize
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &DegradationManager{
		capacity: capacity,
		clock:    clk,
		log:      log.WithComponent("degradation"),
	}
}

// EnableOfflineMode starts queueing. Calling it while offline is a no-op.
func (m *DegradationManager) EnableOfflineMode() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return
	}
	m.offline = true
	m.log.Info("Offline mode enabled")
}

// IsOffline reports whether operations are being queued.
func (m *DegradationManager) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// QueueOperation appends f while offline, evicting the oldest entry when
// the queue is full. It returns false when not offline.
func (m *DegradationManager) QueueOperation(f protocol.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.offline {
		return false
	}
	if len(m.queue) >= m.capacity {
		dropped := m.queue[0]
		m.queue = append(m.queue[:0], m.queue[1:]...)
		m.evicted++
		m.log.Debug("Offline queue full, evicted oldest operation",
			"queued_at", dropped.QueuedAt,
			"capacity", m.capacity,
		)
	}
	m.seq++
	m.queue = append(m.queue, QueuedOperation{Frame: f, QueuedAt: m.clock.Now(), seq: m.seq})
	return true
}

// DisableOfflineMode leaves offline mode and hands a snapshot of the queue,
// in enqueue order, to replay. The replayed entries are removed once
// replay returns, whether or not it succeeded; a replay error is logged
// and returned, never retried. Calling it while online is a no-op.
func (m *DegradationManager) DisableOfflineMode(ctx context.Context, replay ReplayFunc) error {
	m.mu.Lock()
	if !m.offline {
		m.mu.Unlock()
		return nil
	}
	m.offline = false
	snapshot := make([]QueuedOperation, len(m.queue))
	copy(snapshot, m.queue)
	m.mu.Unlock()

	m.log.Info("Offline mode disabled", "queued", len(snapshot))
	if len(snapshot) == 0 || replay == nil {
		m.drop(snapshot)
		return nil
	}

	err := replay(ctx, snapshot)
	m.drop(snapshot)
	if err != nil {
		m.log.Warn("Offline replay failed", "operations", len(snapshot), "error", err.Error())
		return err
	}
	return nil
}

// drop removes replayed entries. Entries queued after the snapshot was
// taken survive.
func (m *DegradationManager) drop(replayed []QueuedOperation) {
	if len(replayed) == 0 {
		return
	}
	last := replayed[len(replayed)-1].seq
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.queue[:0]
	for _, op := range m.queue {
		if op.seq > last {
			keep = append(keep, op)
		}
	}
	m.queue = keep
}

// Pending returns a copy of the queue in enqueue order.
func (m *DegradationManager) Pending() []QueuedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueuedOperation, len(m.queue))
	copy(out, m.queue)
	return out
}

// Len returns the number of queued operations.
func (m *DegradationManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Evicted returns how many operations overflow has discarded.
func (m *DegradationManager) Evicted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted
}

// Reset empties the queue and leaves offline mode without replaying.
func (m *DegradationManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.offline = false
}
