package sync

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrStaleBase is returned for protocol violations only: an operation
	// claiming a base version the server has never assigned.
	ErrStaleBase = errors.New("operation base version ahead of document")

	// ErrClosed is returned when the target document's sequencer has been
	// shut down (room disposed or server stopping).
	ErrClosed = errors.New("document sequencer closed")

	// ErrUnknownDocument is returned for documents never opened.
	ErrUnknownDocument = errors.New("unknown document")
)

// Engine owns one sequencer per open document. All content and version
// mutation happens inside the sequencer goroutine for that document, so
// operations on one file are totally ordered while different files and
// rooms proceed in parallel.
type Engine struct {
	mu         sync.RWMutex
	sequencers map[string]*sequencer
	closed     bool
}

func NewEngine() *Engine {
	return &Engine{
		sequencers: make(map[string]*sequencer),
	}
}

func docKey(roomID, fileID string) string {
	return roomID + "/" + fileID
}

// Open starts a sequencer for the document with the given initial state.
// Opening an already-open document is a no-op.
func (e *Engine) Open(roomID, fileID, content string, version uint64) {
	key := docKey(roomID, fileID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.sequencers[key]; ok {
		return
	}
	seq := newSequencer(key, content, version)
	e.sequencers[key] = seq
	go seq.run()
}

func (e *Engine) get(roomID, fileID string) (*sequencer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seq, ok := e.sequencers[docKey(roomID, fileID)]
	if !ok {
		return nil, ErrUnknownDocument
	}
	return seq, nil
}

// Apply submits an operation to the document's sequencer and waits for the
// authoritative result.
func (e *Engine) Apply(ctx context.Context, op Operation) (Result, error) {
	seq, err := e.get(op.RoomID, op.FileID)
	if err != nil {
		return Result{}, err
	}
	return seq.submit(ctx, request{op: &op})
}

// ForceReplace sets the document content unconditionally, bumping the
// version. Used by save checkpoints and restores, which are authoritative
// by definition and never rebased.
func (e *Engine) ForceReplace(ctx context.Context, roomID, fileID, content string) (Result, error) {
	seq, err := e.get(roomID, fileID)
	if err != nil {
		return Result{}, err
	}
	return seq.submit(ctx, request{force: &content})
}

// Snapshot reads the current content and version through the sequencer, so
// a read issued after an accepted operation always observes it.
func (e *Engine) Snapshot(ctx context.Context, roomID, fileID string) (Result, error) {
	seq, err := e.get(roomID, fileID)
	if err != nil {
		return Result{}, err
	}
	return seq.submit(ctx, request{})
}

// CloseRoom stops every sequencer belonging to the room. In-flight
// submissions receive ErrClosed.
func (e *Engine) CloseRoom(roomID string) {
	prefix := roomID + "/"

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, seq := range e.sequencers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			seq.stop()
			delete(e.sequencers, key)
		}
	}
}

// Close stops all sequencers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for key, seq := range e.sequencers {
		seq.stop()
		delete(e.sequencers, key)
	}
}
