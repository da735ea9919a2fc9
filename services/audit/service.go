package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

// AuditService delivers request records to the configured sinks from a
// background worker pool. Append never blocks the request path: when
// the buffer is full the record is dropped and counted, never queued
// synchronously. Every record gets a monotonic sequence number at
// append time; that sequence is the total order readers observe.
type AuditService struct {
	sinks       []Sink
	logger      *zap.Logger
	recordChan  chan *models.AuditRecord
	workerCount int
	bufferSize  int
	seq         atomic.Uint64
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	mu          sync.Mutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize int // Size of the record buffer channel

	// WorkerCount is the number of concurrent delivery workers. With
	// more than one, sinks may receive records out of append order;
	// Seq is the ordering key. Set to 1 when a sink's physical order
	// must match append order.
	WorkerCount int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000, // Buffer up to 10k records
		WorkerCount: 5,     // 5 concurrent workers
	}
}

// NewAuditService creates a new AuditService writing to the given sinks
func NewAuditService(sinks []Sink, logger *zap.Logger, config Config) (*AuditService, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("audit service needs at least one sink")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		sinks:       sinks,
		logger:      logger,
		recordChan:  make(chan *models.AuditRecord, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize),
		zap.Int("sinks", len(s.sinks)))

	return nil
}

// Stop drains pending records and closes the sinks.
// Waits up to timeout for the workers to finish.
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_records", len(s.recordChan)))

	// Close the record channel (no more records will be accepted)
	close(s.recordChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		err := s.closeSinks()
		s.logger.Info("audit service stopped gracefully")
		return err
	case <-time.After(timeout):
		s.cancel()
		s.closeSinks()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Append queues a record without blocking. The sequence number is
// assigned here, before the record can be dropped, so gaps in the
// stored sequence reveal exactly how many records were lost.
func (s *AuditService) Append(record *models.AuditRecord) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.mu.Unlock()

	record.Seq = s.seq.Add(1)

	select {
	case s.recordChan <- record:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit buffer full, dropping record",
			zap.String("request_id", record.RequestID),
			zap.String("identity", record.Identity))
		return fmt.Errorf("audit record buffer full")
	}
}

// AppendSync queues a record, waiting until there is room or the
// context ends. Used by shutdown flushes and tests.
func (s *AuditService) AppendSync(ctx context.Context, record *models.AuditRecord) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.mu.Unlock()

	record.Seq = s.seq.Add(1)

	select {
	case s.recordChan <- record:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("audit service stopped")
	}
}

// worker delivers records from the channel to every sink
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for record := range s.recordChan {
		s.deliver(record)
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// deliver writes one record to all sinks. A failing sink never blocks
// the others.
func (s *AuditService) deliver(record *models.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sink := range s.sinks {
		if err := sink.Write(ctx, record); err != nil {
			s.logger.Error("failed to write audit record",
				zap.String("sink", sink.Name()),
				zap.String("request_id", record.RequestID),
				zap.Error(err))
		}
	}
}

func (s *AuditService) closeSinks() error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s sink: %w", sink.Name(), err)
		}
	}
	return firstErr
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:     s.bufferSize,
		PendingRecords: len(s.recordChan),
		WorkerCount:    s.workerCount,
		Appended:       s.seq.Load(),
		Dropped:        s.dropped.Load(),
		Started:        s.started,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize     int
	PendingRecords int
	WorkerCount    int
	Appended       uint64
	Dropped        uint64
	Started        bool
}
