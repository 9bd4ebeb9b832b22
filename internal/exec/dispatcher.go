package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimedOut is returned when the wall-clock deadline expires before
	// the executor answers. The client-visible "Running..." state must
	// never hang, whatever the backend does.
	ErrTimedOut = errors.New("execution timed out")

	// ErrExecutorUnavailable is returned when the executor cannot be
	// reached or fails server-side.
	ErrExecutorUnavailable = errors.New("executor unavailable")
)

// Request is one code run: a content snapshot plus provenance.
type Request struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	RoomID    string `json:"roomId"`
	SessionID string `json:"-"`
}

// Result carries the captured output of a finished run.
type Result struct {
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ExitStatus int           `json:"exitStatus"`
	Duration   time.Duration `json:"-"`
}

type pendingRun struct {
	roomID    string
	sessionID string
	startedAt time.Time
}

// Dispatcher forwards runs to the external executor service and enforces
// a hard deadline on each. Runs from the same room are independent; no
// ordering is guaranteed between them.
type Dispatcher struct {
	url     string
	timeout time.Duration
	client  *http.Client

	mu      sync.Mutex
	pending map[string]pendingRun
}

func New(url string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		pending: make(map[string]pendingRun),
	}
}

// Pending returns the number of in-flight runs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

type executorResponse struct {
	Output     string `json:"output"`
	Error      string `json:"error"`
	ExitStatus int    `json:"exitStatus"`
}

// Execute runs the snapshot on the executor backend. The deadline applies
// from dispatch, independent of the backend's own timeouts, and the run is
// removed from the pending set on every path out.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	runID := uuid.NewString()
	started := time.Now()

	d.mu.Lock()
	d.pending[runID] = pendingRun{roomID: req.RoomID, sessionID: req.SessionID, startedAt: started}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, runID)
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execution request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build executor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
			log.Printf("⏱️ Execution %s timed out after %v (room %s)", runID, d.timeout, req.RoomID)
			return nil, ErrTimedOut
		case ctx.Err() == context.Canceled:
			// Requester went away; nobody is waiting for the output.
			return nil, ctx.Err()
		default:
			log.Printf("Executor unreachable: %v", err)
			return nil, ErrExecutorUnavailable
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, ErrExecutorUnavailable
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimedOut
		}
		return nil, ErrExecutorUnavailable
	}

	var er executorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("decode executor response: %w", err)
	}

	return &Result{
		Output:     er.Output,
		Error:      er.Error,
		ExitStatus: er.ExitStatus,
		Duration:   time.Since(started),
	}, nil
}
