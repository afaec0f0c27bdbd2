package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/lockfile"
	"github.com/kmirotor/rotor/pkg/log"
)

// DebounceWindow is how long the flusher consolidates MarkDirty signals
// before writing.
const DebounceWindow = 50 * time.Millisecond

// Store owns the in-memory State and its debounced persistence. All reads
// and mutations of the state go through WithLock; MarkDirty schedules a
// write without blocking the caller.
type Store struct {
	cfg   *config.Config
	path  string
	state *State

	mu sync.Mutex // the state lock

	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
	startMu sync.Mutex
}

// Load reads state.json under the file lock and reconciles it against the
// registry. A missing file yields a fresh zeroed state; a corrupt file is
// moved aside with a timestamped suffix. Schema migrations run before
// reconciliation; a document newer than this build is refused.
func Load(cfg *config.Config, registry *keys.Registry) (*Store, error) {
	path := cfg.StatePath()
	logger := log.WithComponent("state")

	dir := cfg.ExpandedStateDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	lockfile.HardenPermissions(dir, true, cfg.EnforcePermissions)
	lockfile.WarnIfInsecure(dir, "state_dir")

	lock, err := lockfile.Acquire(path)
	if err != nil {
		return nil, err
	}
	st, changed, err := readDocument(path, logger)
	_ = lock.Close()
	if err != nil {
		return nil, err
	}

	// Zero-fill registry labels missing from the document; orphan labels
	// are left untouched.
	for _, label := range registry.Labels() {
		if _, ok := st.Keys[label]; !ok {
			st.Keys[label] = &KeyState{}
			changed = true
		}
	}

	if registry.Len() > 0 {
		if clamped := clamp(st.ActiveIndex, registry.Len()); clamped != st.ActiveIndex {
			st.ActiveIndex = clamped
			changed = true
		}
		if clamped := clamp(st.RotationIndex, registry.Len()); clamped != st.RotationIndex {
			st.RotationIndex = clamped
			changed = true
		}
	} else if st.ActiveIndex != 0 || st.RotationIndex != 0 {
		st.ActiveIndex = 0
		st.RotationIndex = 0
		changed = true
	}

	store := &Store{
		cfg:    cfg,
		path:   path,
		state:  st,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if changed {
		if err := store.save(); err != nil {
			logger.Error().Err(err).Msg("state_save_failed")
		}
	}
	return store, nil
}

// readDocument reads and decodes state.json. Runs with the file lock held
// so another process cannot rewrite the document between the read and a
// corrupt-file rename.
func readDocument(path string, logger zerolog.Logger) (*State, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading state: %w", err)
	}
	lockfile.WarnIfInsecure(path, "state_file")
	st, err := decode(data)
	if errors.Is(err, ErrSchemaTooNew) {
		return nil, false, err
	}
	if err != nil {
		corrupt := fmt.Sprintf("%s.corrupt.%s", path, time.Now().UTC().Format("20060102150405"))
		if renameErr := os.Rename(path, corrupt); renameErr != nil {
			return nil, false, fmt.Errorf("moving corrupt state aside: %w", renameErr)
		}
		logger.Warn().Str("moved_to", corrupt).Msg("state_corrupt_recovered")
		return New(), true, nil
	}
	return st, false, nil
}

func decode(data []byte) (*State, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc, err := migrate(doc)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	st := New()
	if err := json.Unmarshal(normalized, st); err != nil {
		return nil, err
	}
	if st.Keys == nil {
		st.Keys = make(map[string]*KeyState)
	}
	return st, nil
}

func clamp(idx, length int) int {
	if idx < 0 {
		return 0
	}
	if idx >= length {
		return length - 1
	}
	return idx
}

// WithLock runs fn with exclusive access to the state. Every mutation that
// affects future eligibility must happen inside fn.
func (s *Store) WithLock(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Snapshot returns a deep copy of the state for external readers.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.state
	cp.Keys = make(map[string]*KeyState, len(s.state.Keys))
	for label, ks := range s.state.Keys {
		dup := *ks
		cp.Keys[label] = &dup
	}
	return &cp
}

// MarkDirty schedules a debounced write. It never blocks; before Start is
// called the write happens synchronously so tests and early startup still
// persist.
func (s *Store) MarkDirty() {
	s.startMu.Lock()
	running := s.running
	s.startMu.Unlock()
	if !running {
		if err := s.save(); err != nil {
			logger := log.WithComponent("state")
			logger.Error().Err(err).Msg("state_save_failed")
		}
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Start launches the background flusher.
func (s *Store) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.flushLoop()
}

// Stop shuts the flusher down and performs a final synchronous write.
func (s *Store) Stop() {
	s.startMu.Lock()
	if !s.running {
		s.startMu.Unlock()
		return
	}
	s.running = false
	s.startMu.Unlock()
	close(s.stop)
	<-s.done
	if err := s.save(); err != nil {
		logger := log.WithComponent("state")
		logger.Error().Err(err).Msg("state_save_failed")
	}
}

// flushLoop consolidates dirty signals: after the first signal it keeps
// extending a 50 ms window while more arrive, then writes once.
func (s *Store) flushLoop() {
	defer close(s.done)
	logger := log.WithComponent("state")
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
		}
		timer := time.NewTimer(DebounceWindow)
	debounce:
		for {
			select {
			case <-s.signal:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(DebounceWindow)
			case <-timer.C:
				break debounce
			case <-s.stop:
				timer.Stop()
				if err := s.save(); err != nil {
					logger.Error().Err(err).Msg("state_save_failed")
				}
				return
			}
		}
		if err := s.save(); err != nil {
			logger.Error().Err(err).Msg("state_save_failed")
		}
	}
}

// save writes the full document atomically under the cross-process file
// lock. Failures are logged by callers and retried on the next flush; the
// mutation stays in memory either way.
func (s *Store) save() error {
	s.mu.Lock()
	payload, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	payload = append(payload, '\n')

	lock, err := lockfile.Acquire(s.path)
	if err != nil {
		return err
	}
	defer lock.Close()
	return lockfile.WriteAtomic(s.path, payload, s.cfg.EnforcePermissions)
}
