// Package spool exchanges sync frames through a shared directory. Each frame
// is written atomically as its own file and peers pick new files up with
// fsnotify. Files older than the retention window are swept.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
)

const (
	// DefaultRetention is how long frame files stay in the directory.
	DefaultRetention = time.Minute
	frameSuffix      = ".frame"
	tempPrefix       = ".tmp-"
)

// ErrClosed is returned by Send when the spool is not watching.
var ErrClosed = errors.New("spool: closed")

// Options configures a Spool.
type Options struct {
	Retention time.Duration
	Logf      func(string, ...any)
}

// Spool is a synchronizer.Transport over a directory.
type Spool struct {
	dir       string
	peerHash  string
	retention time.Duration
	logf      func(string, ...any)
	now       func() time.Time

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	seen    map[string]time.Time
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ synchronizer.Transport = (*Spool)(nil)

// New creates a spool for peerID in dir, creating dir if needed.
func New(dir, peerID string, opts Options) (*Spool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	if strings.TrimSpace(peerID) == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Spool{
		dir:       dir,
		peerHash:  fmt.Sprintf("%016x", xxhash.Sum64String(peerID)),
		retention: retention,
		logf:      logf,
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Open starts watching the directory. Frames already present are not
// replayed.
func (s *Spool) Open(ctx context.Context, listener synchronizer.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.watcher != nil {
		return fmt.Errorf("spool already open")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = watcher
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if listener.OnState != nil {
		listener.OnState(synchronizer.StateConnected)
	}
	go s.watch(loopCtx, watcher, listener)
	return nil
}

// Send writes frame to a new file in the directory.
func (s *Spool) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	up := s.watcher != nil && !s.closed
	s.mu.Unlock()
	if !up {
		return ErrClosed
	}
	name := s.frameName(s.now(), frame)
	if err := writeAtomic(s.dir, name, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.mu.Lock()
	s.seen[name] = s.now()
	s.mu.Unlock()
	return nil
}

// Close stops watching. Frame files are left for the sweep.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher, cancel, done := s.watcher, s.cancel, s.done
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	<-done
	return err
}

// Sweep removes frame files written before now minus the retention window
// and returns how many were removed.
func (s *Spool) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read spool dir: %w", err)
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	var errs []error
	for _, entry := range entries {
		written, ok := frameTime(entry.Name())
		if !ok || !written.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	s.mu.Lock()
	for name, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, name)
		}
	}
	s.mu.Unlock()
	return removed, errors.Join(errs...)
}

func (s *Spool) watch(ctx context.Context, watcher *fsnotify.Watcher, listener synchronizer.Listener) {
	defer close(s.done)
	defer func() {
		if listener.OnState != nil {
			listener.OnState(synchronizer.StateDisconnected)
		}
	}()

	sweep := time.NewTicker(s.retention / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := s.Sweep(s.now()); err != nil {
				s.logf("spool %s: sweep: %v", s.dir, err)
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.receive(event.Name, listener)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logf("spool %s: watch: %v", s.dir, err)
		}
	}
}

func (s *Spool) receive(path string, listener synchronizer.Listener) {
	name := filepath.Base(path)
	if _, ok := frameTime(name); !ok {
		return
	}
	if frameOwner(name) == s.peerHash {
		return
	}
	s.mu.Lock()
	if _, dup := s.seen[name]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[name] = s.now()
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logf("spool %s: read %s: %v", s.dir, name, err)
		}
		return
	}
	if listener.OnFrame != nil {
		listener.OnFrame(data)
	}
}

// frameName is <unix nanos>-<peer hash>-<content hash>.frame; names sort by
// write time.
func (s *Spool) frameName(at time.Time, frame []byte) string {
	return fmt.Sprintf("%020d-%s-%016x%s", at.UnixNano(), s.peerHash, xxhash.Sum64(frame), frameSuffix)
}

func frameTime(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, frameSuffix) {
		return time.Time{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, frameSuffix), "-")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func frameOwner(name string) string {
	parts := strings.Split(strings.TrimSuffix(name, frameSuffix), "-")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
