package syncqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/savecontext/savecontext/internal/debug"
)

// processInterval is how often the background processor drains ready items.
const processInterval = 60 * time.Second

// uploadBudget bounds one upload attempt.
const uploadBudget = 20 * time.Second

// Outcome classifies one upload attempt.
type Outcome int

const (
	// OutcomeRetry covers network errors and 5xx responses.
	OutcomeRetry Outcome = iota
	// OutcomeDrop covers non-auth 4xx responses.
	OutcomeDrop
	// OutcomeAuth covers 401/403; the item drops and the user must sign
	// in again.
	OutcomeAuth
)

// Uploader sends one payload to the remote service.
type Uploader interface {
	Upload(ctx context.Context, item Item) (Outcome, error)
}

// HTTPUploader posts payloads to a sync endpoint with optional bearer
// auth.
type HTTPUploader struct {
	URL    string
	Token  string
	Client *http.Client
}

// Upload posts the item's payload and classifies the response.
func (u *HTTPUploader) Upload(ctx context.Context, item Item) (Outcome, error) {
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return OutcomeDrop, fmt.Errorf("failed to build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return OutcomeRetry, fmt.Errorf("sync request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode < 300:
		return OutcomeRetry, nil // unused outcome on success
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return OutcomeAuth, fmt.Errorf("sync rejected with %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return OutcomeRetry, fmt.Errorf("sync target returned %d", resp.StatusCode)
	default:
		return OutcomeDrop, fmt.Errorf("sync target returned %d", resp.StatusCode)
	}
}

// Processor drains ready queue items on a fixed interval and on demand.
// Runs are non-reentrant: a SyncNow during a run is a no-op.
type Processor struct {
	queue    *Queue
	uploader Uploader

	running  int32
	authLost atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor wires a queue to its uploader.
func NewProcessor(queue *Queue, uploader Uploader) *Processor {
	return &Processor{queue: queue, uploader: uploader}
}

// Start launches the background loop.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// AuthLost reports whether an upload was rejected for authentication and
// the user needs to sign in again.
func (p *Processor) AuthLost() bool {
	return p.authLost.Load()
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(processInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx, p.queue.Ready)
		}
	}
}

// SyncNow uploads every queued item once, ignoring retry schedules: an
// explicit sync should not wait out a backoff window. Returns how many
// uploads succeeded. Concurrent calls beyond the first return immediately.
func (p *Processor) SyncNow(ctx context.Context) int {
	return p.run(ctx, p.queue.All)
}

func (p *Processor) run(ctx context.Context, fetch func() []Item) int {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return 0
	}
	defer atomic.StoreInt32(&p.running, 0)

	synced := 0
	for _, item := range fetch() {
		select {
		case <-ctx.Done():
			return synced
		default:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, uploadBudget)
		outcome, err := p.uploader.Upload(attemptCtx, item)
		cancel()

		if err == nil {
			if cerr := p.queue.Complete(item.ID); cerr != nil {
				debug.Logf("sync: failed to complete %s: %v", item.ID, cerr)
			}
			synced++
			continue
		}

		switch outcome {
		case OutcomeRetry:
			if _, ferr := p.queue.Fail(item.ID, err.Error()); ferr != nil {
				debug.Logf("sync: failed to record retry for %s: %v", item.ID, ferr)
			}
		case OutcomeAuth:
			p.authLost.Store(true)
			if derr := p.queue.Drop(item.ID, err.Error()); derr != nil {
				debug.Logf("sync: failed to drop %s: %v", item.ID, derr)
			}
		default:
			if derr := p.queue.Drop(item.ID, err.Error()); derr != nil {
				debug.Logf("sync: failed to drop %s: %v", item.ID, derr)
			}
		}
	}
	return synced
}
