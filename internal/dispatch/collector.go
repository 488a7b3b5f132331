package dispatch

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// DefaultSelectionTimeout bounds how long a competing task waits for
// its response window to fill.
const DefaultSelectionTimeout = 2 * time.Second

// Selection verdicts.
const (
	VerdictPass    = "PASS"
	VerdictTimeout = "TIMEOUT"

	DecisionPromote     = "PROMOTE_CANDIDATE"
	DecisionNoCandidate = "NO_CANDIDATE"
)

// SelectionResult is the resolved outcome of one response window.
type SelectionResult struct {
	TaskID    string
	Verdict   string
	Decision  string
	WinnerID  string
	Winner    *protocol.Envelope
	Responses int
	TimedOut  bool
}

// Map renders the result as a response payload.
func (s SelectionResult) Map() map[string]interface{} {
	out := map[string]interface{}{
		"task_id":   s.TaskID,
		"verdict":   s.Verdict,
		"decision":  s.Decision,
		"responses": s.Responses,
		"timed_out": s.TimedOut,
	}
	if s.WinnerID != "" {
		out["winner"] = s.WinnerID
	}
	if s.Winner != nil && s.Winner.Payload != nil {
		out["winner_payload"] = s.Winner.Payload
	}
	return out
}

// SelectionFuture resolves exactly once with a SelectionResult.
type SelectionFuture struct {
	ch chan SelectionResult
}

// Await blocks until the window resolves or the context ends.
func (f *SelectionFuture) Await(ctx context.Context) (SelectionResult, error) {
	select {
	case res := <-f.ch:
		return res, nil
	case <-ctx.Done():
		return SelectionResult{}, ctx.Err()
	}
}

// Done exposes the resolution channel for select loops.
func (f *SelectionFuture) Done() <-chan SelectionResult { return f.ch }

type windowResponse struct {
	senderID string
	envelope *protocol.Envelope
}

type window struct {
	taskID    string
	expected  int
	responses []windowResponse
	timer     *time.Timer
	future    *SelectionFuture
	resolved  bool
}

// ResultCollector correlates operator responses back to the tasks that
// asked for them. Each competing task opens a window keyed by task id;
// the window resolves when it fills or when its timeout fires.
type ResultCollector struct {
	mu      sync.Mutex
	windows map[string]*window
	logger  *log.Logger
}

// NewResultCollector creates an empty collector.
func NewResultCollector() *ResultCollector {
	return &ResultCollector{
		windows: make(map[string]*window),
		logger:  log.New(log.Writer(), "[Collector] ", log.LstdFlags),
	}
}

// OpenWindow registers a response window. expected is how many
// responses fill the window; timeout <= 0 uses the default.
func (c *ResultCollector) OpenWindow(taskID string, expected int, timeout time.Duration) *SelectionFuture {
	if timeout <= 0 {
		timeout = DefaultSelectionTimeout
	}
	if expected <= 0 {
		expected = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.windows[taskID]; ok {
		return existing.future
	}

	w := &window{
		taskID:   taskID,
		expected: expected,
		future:   &SelectionFuture{ch: make(chan SelectionResult, 1)},
	}
	w.timer = time.AfterFunc(timeout, func() { c.expire(taskID) })
	c.windows[taskID] = w
	return w.future
}

// Deliver routes one operator response into its window. Responses for
// unknown or already-resolved windows are dropped and reported false.
func (c *ResultCollector) Deliver(taskID, senderID string, env *protocol.Envelope) bool {
	c.mu.Lock()
	w, ok := c.windows[taskID]
	if !ok || w.resolved {
		c.mu.Unlock()
		return false
	}
	w.responses = append(w.responses, windowResponse{senderID: senderID, envelope: env})
	full := len(w.responses) >= w.expected
	if full {
		c.resolveLocked(w, false)
	}
	c.mu.Unlock()
	return true
}

// Pending reports how many windows are open.
func (c *ResultCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// CancelAll resolves every open window immediately with its timeout
// outcome. Called on shutdown so no Await is left hanging on a timer
// that will never be served.
func (c *ResultCollector) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.windows {
		if !w.resolved {
			c.resolveLocked(w, true)
		}
	}
}

func (c *ResultCollector) expire(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[taskID]
	if !ok || w.resolved {
		return
	}
	c.resolveLocked(w, true)
}

// resolveLocked picks the winner deterministically: responses sorted by
// sender id, first one wins. Must be called with c.mu held.
func (c *ResultCollector) resolveLocked(w *window, timedOut bool) {
	w.resolved = true
	w.timer.Stop()
	delete(c.windows, w.taskID)

	res := SelectionResult{
		TaskID:    w.taskID,
		Responses: len(w.responses),
		TimedOut:  timedOut,
	}
	if len(w.responses) == 0 {
		res.Verdict = VerdictTimeout
		res.Decision = DecisionNoCandidate
	} else {
		sort.SliceStable(w.responses, func(i, j int) bool {
			return w.responses[i].senderID < w.responses[j].senderID
		})
		winner := w.responses[0]
		res.Verdict = VerdictPass
		res.Decision = DecisionPromote
		res.WinnerID = winner.senderID
		res.Winner = winner.envelope
	}

	c.logger.Printf("Window %s resolved: verdict=%s responses=%d timed_out=%v",
		w.taskID, res.Verdict, res.Responses, timedOut)
	w.future.ch <- res
}
