package upload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/metrics"
	"github.com/cognitedata/cdffs/internal/retry"
	"github.com/cognitedata/cdffs/internal/storage"
)

var (
	// ErrCommitFailed is returned when the final merge or size update fails.
	ErrCommitFailed = errors.New("commit failed")

	// ErrSessionClosed is returned by calls on a committed or failed session.
	ErrSessionClosed = errors.New("upload session closed")
)

// DefaultBlockSize is the size of every block but the last.
const DefaultBlockSize = 5 * 1024 * 1024

// DefaultWorkers bounds concurrent block uploads per session.
const DefaultWorkers = 5

// State is the lifecycle state of a Session. It only moves forward.
type State int

const (
	StateOpen State = iota
	StateBlockDispatch
	StateFinalizing
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateBlockDispatch:
		return "BLOCK_DISPATCH"
	case StateFinalizing:
		return "FINALIZING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Publisher receives committed objects, typically the directory cache.
type Publisher interface {
	WriteThrough(rootDir, objectID string, size int64)
}

// Options tunes a Session. Zero values take the defaults.
type Options struct {
	BlockSize int64
	Workers   int
	Retry     retry.Config
}

// Session uploads one object. Writes are buffered locally and only reach the
// backend on Flush.
type Session struct {
	id        string
	rootDir   string
	objectID  string
	strategy  Strategy
	store     storage.Store
	publisher Publisher
	blockSize int64
	workers   int
	retry     retry.Config

	flushMu sync.Mutex // serializes Flush calls

	mu      sync.Mutex
	state   State
	buf     []byte
	acked   map[int]struct{}
	next    int   // index of the next block to dispatch
	written int64 // bytes acknowledged by the strategy
}

// NewSession creates a session for objectID inside rootDir. The object id is
// the external id the strategy registered with the store.
func NewSession(strategy Strategy, store storage.Store, publisher Publisher, rootDir, objectID string, opts Options) *Session {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.InitialWait == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Session{
		id:        uuid.NewString(),
		rootDir:   rootDir,
		objectID:  objectID,
		strategy:  strategy,
		store:     store,
		publisher: publisher,
		blockSize: opts.BlockSize,
		workers:   opts.Workers,
		retry:     opts.Retry,
		acked:     make(map[int]struct{}),
	}
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Buffered returns the number of bytes not yet dispatched.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// BlockSize returns the block size.
func (s *Session) BlockSize() int64 { return s.blockSize }

// Acknowledged returns the number of blocks the strategy accepted.
func (s *Session) Acknowledged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

// Written returns the number of bytes the strategy accepted.
func (s *Session) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Write appends p to the local buffer.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return 0, ErrSessionClosed
	}
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Flush dispatches buffered blocks. A non-final flush sends whole blocks
// only and keeps the tail buffered; a final flush sends everything, commits
// the object, records its size and publishes it.
func (s *Session) Flush(ctx context.Context, final bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	ctx = logging.WithSession(ctx, s.id)

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !final {
		if b, ok := s.strategy.(Buffering); ok && b.BuffersAll() {
			s.mu.Unlock()
			return nil
		}
	}
	blocks, start := s.takeBlocks(final)
	s.mu.Unlock()

	if err := s.dispatch(ctx, blocks, start); err != nil {
		s.fail(ctx, err)
		return err
	}
	if !final {
		return nil
	}
	return s.finalize(ctx)
}

// takeBlocks slices the buffer into blocks and advances the running index.
// Callers hold s.mu.
func (s *Session) takeBlocks(final bool) ([][]byte, int) {
	var blocks [][]byte
	for int64(len(s.buf)) >= s.blockSize {
		blocks = append(blocks, s.buf[:s.blockSize:s.blockSize])
		s.buf = s.buf[s.blockSize:]
	}
	if final && len(s.buf) > 0 {
		blocks = append(blocks, s.buf)
		s.buf = nil
	}
	if len(s.buf) == 0 {
		s.buf = nil
	} else if len(blocks) > 0 {
		// copy so the buffer stops pinning dispatched blocks
		s.buf = append([]byte(nil), s.buf...)
	}

	start := s.next
	s.next += len(blocks)
	if len(blocks) > 0 && s.state == StateOpen {
		s.state = StateBlockDispatch
	}
	return blocks, start
}

// dispatch uploads blocks from a bounded worker pool, each block retried on
// its own.
func (s *Session) dispatch(ctx context.Context, blocks [][]byte, start int) error {
	if len(blocks) == 0 {
		return nil
	}
	name := s.strategy.Name()
	policy := s.retry.Named("upload_block")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, block := range blocks {
		index := start + i
		g.Go(func() error {
			err := retry.Do(gctx, policy, func() error {
				return s.strategy.UploadChunk(gctx, block, index)
			})
			metrics.RecordUploadBlock(name, len(block), err == nil)
			if err != nil {
				return fmt.Errorf("block %d of %s: %w", index, s.objectID, err)
			}

			s.mu.Lock()
			s.acked[index] = struct{}{}
			s.written += int64(len(block))
			s.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (s *Session) finalize(ctx context.Context) error {
	started := time.Now()
	name := s.strategy.Name()

	s.mu.Lock()
	s.state = StateFinalizing
	s.mu.Unlock()

	size, err := retry.DoWithResult(ctx, s.retry.Named("merge_blocks"), func() (int64, error) {
		return s.strategy.MergeChunks(ctx)
	})
	if err != nil {
		metrics.RecordUploadCommit(name, time.Since(started), false)
		s.fail(ctx, err)
		return fmt.Errorf("%w: merge %s: %w", ErrCommitFailed, s.objectID, err)
	}

	err = retry.Do(ctx, s.retry.Named("update_size"), func() error {
		return s.store.UpdateMetadata(ctx, s.objectID, map[string]string{
			storage.SizeKey: strconv.FormatInt(size, 10),
		})
	})
	if err != nil {
		metrics.RecordUploadCommit(name, time.Since(started), false)
		s.fail(ctx, err)
		return fmt.Errorf("%w: record size of %s: %w", ErrCommitFailed, s.objectID, err)
	}

	if s.publisher != nil {
		s.publisher.WriteThrough(s.rootDir, s.objectID, size)
	}

	s.mu.Lock()
	s.state = StateCommitted
	s.mu.Unlock()

	metrics.RecordUploadCommit(name, time.Since(started), true)
	logging.WithContext(ctx).Info("upload committed",
		logging.String("object", s.objectID),
		logging.String("strategy", name),
		logging.Int64("size", size),
		logging.Duration("duration", time.Since(started)))
	return nil
}

// Abort fails the session and removes the partially written object.
func (s *Session) Abort(ctx context.Context) {
	s.mu.Lock()
	closed := s.closed()
	s.mu.Unlock()
	if !closed {
		s.fail(logging.WithSession(ctx, s.id), errors.New("aborted"))
	}
}

// fail moves the session to FAILED and makes one attempt to delete the
// object so no partial upload stays referenceable.
func (s *Session) fail(ctx context.Context, cause error) {
	s.mu.Lock()
	s.state = StateFailed
	s.buf = nil
	s.mu.Unlock()

	log := logging.WithContext(ctx)
	log.Warn("upload failed",
		logging.String("object", s.objectID), logging.Err(cause))

	if err := s.store.Delete(context.WithoutCancel(ctx), s.objectID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn("cleanup of failed upload failed",
			logging.String("object", s.objectID), logging.Err(err))
	}
}

// closed reports a terminal state. Callers hold s.mu.
func (s *Session) closed() bool {
	return s.state == StateCommitted || s.state == StateFailed
}
