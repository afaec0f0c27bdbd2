package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kmirotor/rotor/pkg/lockfile"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/metrics"
)

const (
	queueCapacity   = 1000
	dropLogInterval = 10 * time.Second
)

// Sink appends trace entries to <state_dir>/trace/trace.jsonl. Before Start
// is called entries are written synchronously under the file lock; once the
// consumer is running they go through a bounded queue and are dropped (and
// counted) when it is full.
type Sink struct {
	path         string
	maxBytes     int64
	maxBackups   int
	enforcePerms bool

	queue chan Entry
	stop  chan struct{}
	done  chan struct{}

	startMu sync.Mutex
	running bool

	dropMu      sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

// NewSink builds a sink for the given trace path. maxBytes <= 0 disables
// rotation; maxBackups <= 0 deletes the file instead of rotating.
func NewSink(path string, maxBytes int64, maxBackups int, enforcePerms bool) *Sink {
	return &Sink{
		path:         path,
		maxBytes:     maxBytes,
		maxBackups:   maxBackups,
		enforcePerms: enforcePerms,
		queue:        make(chan Entry, queueCapacity),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Append records one entry. Non-blocking in queued mode: a full queue drops
// the entry and bumps the drop counter, logged at most once per interval.
func (s *Sink) Append(entry Entry) {
	s.startMu.Lock()
	running := s.running
	s.startMu.Unlock()
	if !running {
		if err := s.write(entry); err != nil {
			logger := log.WithComponent("trace")
			logger.Error().Err(err).Msg("trace_write_failed")
		}
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.recordDrop()
	}
}

// Dropped returns how many entries have been dropped since startup.
func (s *Sink) Dropped() int64 {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return s.dropped
}

func (s *Sink) recordDrop() {
	metrics.TraceDrops.Inc()
	s.dropMu.Lock()
	s.dropped++
	total := s.dropped
	shouldLog := time.Since(s.lastDropLog) >= dropLogInterval
	if shouldLog {
		s.lastDropLog = time.Now()
	}
	s.dropMu.Unlock()
	if shouldLog {
		logger := log.WithComponent("trace")
		logger.Warn().
			Int64("dropped_total", total).
			Msg("trace_queue_full")
	}
}

// Start launches the single queue consumer.
func (s *Sink) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.consume()
}

// Stop drains remaining entries and returns once the consumer has exited.
func (s *Sink) Stop() {
	s.startMu.Lock()
	if !s.running {
		s.startMu.Unlock()
		return
	}
	s.running = false
	s.startMu.Unlock()
	close(s.stop)
	<-s.done
}

func (s *Sink) consume() {
	defer close(s.done)
	logger := log.WithComponent("trace")
	for {
		select {
		case entry := <-s.queue:
			if err := s.write(entry); err != nil {
				logger.Error().Err(err).Msg("trace_write_failed")
			}
		case <-s.stop:
			for {
				select {
				case entry := <-s.queue:
					if err := s.write(entry); err != nil {
						logger.Error().Err(err).Msg("trace_write_failed")
					}
				default:
					return
				}
			}
		}
	}
}

// write appends one JSON line under the file lock, rotating first when the
// size threshold has been crossed.
func (s *Sink) write(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding trace entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating trace dir: %w", err)
	}
	lock, err := lockfile.Acquire(s.path)
	if err != nil {
		return err
	}
	defer lock.Close()

	if err := s.rotateIfNeeded(); err != nil {
		return err
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening trace: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending trace: %w", err)
	}
	if s.enforcePerms {
		lockfile.HardenPermissions(s.path, false, true)
	}
	return nil
}

// rotateIfNeeded shifts trace.jsonl.N to .N+1 for N = maxBackups..1 and
// moves the live file to .1. With maxBackups <= 0 the live file is deleted
// instead. Called with the file lock held.
func (s *Sink) rotateIfNeeded() error {
	if s.maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil || info.Size() < s.maxBytes {
		return nil
	}
	if s.maxBackups <= 0 {
		return os.Remove(s.path)
	}
	for n := s.maxBackups; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", s.path, n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if n == s.maxBackups {
			if err := os.Remove(src); err != nil {
				return fmt.Errorf("removing oldest backup: %w", err)
			}
			continue
		}
		dst := fmt.Sprintf("%s.%d", s.path, n+1)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("rotating %s: %w", src, err)
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return fmt.Errorf("rotating live trace: %w", err)
	}
	return nil
}
