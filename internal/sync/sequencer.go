package sync

import (
	"context"
	"log"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// historySize bounds how many past versions a sequencer keeps for rebasing
// stale operations. Operations based further back than this degrade to
// last-applied-wins.
const historySize = 64

type request struct {
	op    *Operation // apply an edit
	force *string    // unconditional replace (save/restore)
	// neither set: snapshot read
	reply chan response
}

type response struct {
	result Result
	err    error
}

type historyEntry struct {
	version uint64
	content string
}

// sequencer is the single writer for one document. It processes requests
// strictly in arrival order; that order is the order of truth.
type sequencer struct {
	key      string
	requests chan request
	done     chan struct{}

	dmp     *diffmatchpatch.DiffMatchPatch
	content string
	version uint64
	history []historyEntry
}

func newSequencer(key, content string, version uint64) *sequencer {
	s := &sequencer{
		key:      key,
		requests: make(chan request, 64),
		done:     make(chan struct{}),
		dmp:      diffmatchpatch.New(),
		content:  content,
		version:  version,
	}
	s.remember()
	return s
}

func (s *sequencer) run() {
	for {
		select {
		case req := <-s.requests:
			req.reply <- s.handle(req)
		case <-s.done:
			// Drain whatever raced the shutdown so submitters unblock.
			for {
				select {
				case req := <-s.requests:
					req.reply <- response{err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

func (s *sequencer) stop() {
	close(s.done)
}

func (s *sequencer) submit(ctx context.Context, req request) (Result, error) {
	req.reply = make(chan response, 1)

	select {
	case s.requests <- req:
	case <-s.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-s.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *sequencer) handle(req request) response {
	switch {
	case req.op != nil:
		return s.apply(req.op)
	case req.force != nil:
		s.version++
		s.content = *req.force
		s.remember()
		return response{result: Result{Version: s.version, Content: s.content}}
	default:
		return response{result: Result{Version: s.version, Content: s.content}}
	}
}

func (s *sequencer) apply(op *Operation) response {
	if op.BaseVersion > s.version {
		return response{err: ErrStaleBase}
	}

	var result Result
	if op.BaseVersion == s.version {
		s.content = applyDescriptor(op, s.content)
	} else {
		result.Rebased = true
		s.content, result.Degraded = s.rebase(op)
		if result.Degraded {
			log.Printf("⚠️ Degraded merge on %s: base v%d behind v%d beyond rebase reach",
				s.key, op.BaseVersion, s.version)
		}
	}

	s.version++
	s.remember()
	result.Version = s.version
	result.Content = s.content
	return response{result: result}
}

// rebase lands a stale operation on the current content. It reconstructs
// what the author meant (their edit applied to the content they saw), diffs
// that intent against their base, and patches the diff onto the current
// content. The degraded fallback is the author's intended result verbatim,
// i.e. last-applied-wins.
func (s *sequencer) rebase(op *Operation) (content string, degraded bool) {
	base, ok := s.at(op.BaseVersion)
	if !ok {
		if op.Kind == Replace {
			return op.Content, true
		}
		// Positional edit with no base to diff against: clamp onto current.
		return applyDescriptor(op, s.content), true
	}

	intended := applyDescriptor(op, base)
	patches := s.dmp.PatchMake(base, intended)
	if len(patches) == 0 {
		return s.content, false
	}

	patched, applied := s.dmp.PatchApply(patches, s.content)
	for _, ok := range applied {
		if !ok {
			return intended, true
		}
	}
	return patched, false
}

func (s *sequencer) at(version uint64) (string, bool) {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].version == version {
			return s.history[i].content, true
		}
	}
	return "", false
}

func (s *sequencer) remember() {
	s.history = append(s.history, historyEntry{version: s.version, content: s.content})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}
