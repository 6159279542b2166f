package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
)

const (
	// DefaultFlushInterval is used when no flush interval is configured.
	DefaultFlushInterval = 5 * time.Second

	// DefaultMaxBuffered caps the records held between two flushes.
	DefaultMaxBuffered = 100000

	flushTimeout = 30 * time.Second
)

// BufferedCollector implements Collector by queueing records in memory and
// writing them to the underlying collector from a background flusher.
// Recording never touches the database. Connection ids handed out by
// StartConnection are local and mapped to the underlying ids on flush.
type BufferedCollector struct {
	underlying  Collector
	interval    time.Duration
	maxBuffered int

	nextID atomic.Int64

	buffer struct {
		mu      sync.Mutex
		starts  []startData
		ends    []endData
		errors  []errorData
		misses  []missData
		dropped int
	}

	// flushMu serializes flushes and guards ids.
	flushMu sync.Mutex
	ids     map[int64]int64

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type startData struct {
	connectionID   int64
	connectionUUID string
	clientIP       string
	targetHost     string
	targetPort     int
	protocol       string
}

type endData struct {
	connectionID int64
	statusCode   int
	duration     time.Duration
	closeReason  string
}

type errorData struct {
	connectionID int64
	errorType    string
	errorMessage string
}

type missData struct {
	host   string
	method string
	path   string
}

// NewBufferedCollector wraps underlying with the default flush interval.
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, DefaultFlushInterval)
}

// NewBufferedCollectorWithInterval wraps underlying and flushes every
// interval.
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	bc := &BufferedCollector{
		underlying:  underlying,
		interval:    interval,
		maxBuffered: DefaultMaxBuffered,
		ids:         make(map[int64]int64),
		stopChan:    make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// reserve reports whether another record fits into the buffer. Callers hold
// buffer.mu.
func (b *BufferedCollector) reserve() bool {
	n := len(b.buffer.starts) + len(b.buffer.ends) + len(b.buffer.errors) + len(b.buffer.misses)
	if n >= b.maxBuffered {
		b.buffer.dropped++
		return false
	}
	return true
}

// StartConnection queues the start of a connection and returns its local id.
func (b *BufferedCollector) StartConnection(_ context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	id := b.nextID.Add(1)

	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	if b.reserve() {
		b.buffer.starts = append(b.buffer.starts, startData{
			connectionID:   id,
			connectionUUID: connectionUUID,
			clientIP:       clientIP,
			targetHost:     targetHost,
			targetPort:     targetPort,
			protocol:       protocol,
		})
	}
	return id, nil
}

// EndConnection queues the end of a connection.
func (b *BufferedCollector) EndConnection(_ context.Context, connectionID int64, statusCode int, duration time.Duration, closeReason string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	if b.reserve() {
		b.buffer.ends = append(b.buffer.ends, endData{
			connectionID: connectionID,
			statusCode:   statusCode,
			duration:     duration,
			closeReason:  closeReason,
		})
	}
	return nil
}

// RecordError queues an error for a connection.
func (b *BufferedCollector) RecordError(_ context.Context, connectionID int64, errorType, errorMessage string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	if b.reserve() {
		b.buffer.errors = append(b.buffer.errors, errorData{
			connectionID: connectionID,
			errorType:    errorType,
			errorMessage: errorMessage,
		})
	}
	return nil
}

// RecordResolutionMiss queues a request that matched no target.
func (b *BufferedCollector) RecordResolutionMiss(_ context.Context, host, method, path string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	if b.reserve() {
		b.buffer.misses = append(b.buffer.misses, missData{host: host, method: method, path: path})
	}
	return nil
}

// flush writes all buffered records to the underlying collector. The
// buffer lock is only held while swapping the queues out.
func (b *BufferedCollector) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.buffer.mu.Lock()
	starts, ends, errs, misses := b.buffer.starts, b.buffer.ends, b.buffer.errors, b.buffer.misses
	dropped := b.buffer.dropped
	b.buffer.starts, b.buffer.ends, b.buffer.errors, b.buffer.misses = nil, nil, nil, nil
	b.buffer.dropped = 0
	b.buffer.mu.Unlock()

	if dropped > 0 {
		logger.Warn("Dropped %d stats records, buffer full", dropped)
	}

	sumStats := len(starts) + len(ends) + len(errs) + len(misses)
	if sumStats == 0 {
		return
	}

	logger.Debug("Flushing stats data %d", sumStats)

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for _, s := range starts {
		id, err := b.underlying.StartConnection(ctx, s.connectionUUID, s.clientIP, s.targetHost, s.targetPort, s.protocol)
		if err != nil {
			logger.Error("Failed to write connection start: %v", err)
			continue
		}
		b.ids[s.connectionID] = id
	}

	// Errors go before ends, which release the id mapping.
	for _, e := range errs {
		id, ok := b.ids[e.connectionID]
		if !ok {
			continue
		}
		if err := b.underlying.RecordError(ctx, id, e.errorType, e.errorMessage); err != nil {
			logger.Error("Failed to write error record: %v", err)
		}
	}

	for _, e := range ends {
		id, ok := b.ids[e.connectionID]
		if !ok {
			continue
		}
		delete(b.ids, e.connectionID)
		if err := b.underlying.EndConnection(ctx, id, e.statusCode, e.duration, e.closeReason); err != nil {
			logger.Error("Failed to write connection end: %v", err)
		}
	}

	for _, m := range misses {
		if err := b.underlying.RecordResolutionMiss(ctx, m.host, m.method, m.path); err != nil {
			logger.Error("Failed to write resolution miss: %v", err)
		}
	}
}

// ForceFlush immediately flushes all buffered data.
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// GetOverviewStats delegates to the underlying collector. Records still in
// the buffer are not included.
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

// HealthCheck checks if the underlying collector is healthy.
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close stops the flusher, writes any remaining data and closes the
// underlying collector.
func (b *BufferedCollector) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		err = b.underlying.Close()
	})
	return err
}
