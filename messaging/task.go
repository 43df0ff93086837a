package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Polling intervals. The cursor API is a non-blocking peek, so the run loop
// is a deliberate short-sleep poll rather than a blocking wait.
const (
	// DefaultPollInterval is the sleep between polls when no item is
	// available.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultRetryInterval is the backoff between cursor initialization
	// attempts.
	DefaultRetryInterval = 100 * time.Millisecond
)

// TaskState is the lifecycle state of a cursor-reading task.
type TaskState int

const (
	// TaskCreated: constructed, not yet scheduled.
	TaskCreated TaskState = iota
	// TaskStarting: retrying cursor initialization.
	TaskStarting
	// TaskRunning: cursor open, poll loop active.
	TaskRunning
	// TaskCancelled: terminal; a cancelled task is never reused.
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskStarting:
		return "starting"
	case TaskRunning:
		return "running"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// cursor abstracts the two driver cursor kinds (change stream, tailable
// find) behind the subset the task needs.
type cursor interface {
	// ID is the server-side cursor handle; zero means the cursor is dead.
	ID() int64
	// TryNext attempts a non-blocking fetch of the next item.
	TryNext(ctx context.Context) bool
	// Current is the item made available by the last successful TryNext.
	Current() bson.Raw
	// Err returns the error that stopped iteration, if any.
	Err() error
	Close(ctx context.Context) error
}

// cursorInit opens a live cursor against the store. Called repeatedly by the
// task until a valid cursor is obtained.
type cursorInit func(ctx context.Context) (cursor, error)

// taskConfig wires a cursor task to its request.
type taskConfig struct {
	initCursor    cursorInit
	createMessage func(raw bson.Raw) (*Message, error)
	listener      Listener
	errHandler    ErrorHandler
	// postDispatch runs after each successfully dispatched message while
	// holding no lock; used for resume token persistence.
	postDispatch func(ctx context.Context, c cursor)
	onDispatched  func(ctx context.Context, props Properties, d time.Duration, err error)
	onPollError   func(ctx context.Context)
	logger        *slog.Logger
	pollInterval  time.Duration
	retryInterval time.Duration
}

// cursorTask owns one database cursor and pumps it on a dedicated goroutine.
//
// state and cur are guarded by mu (the lifecycle monitor); the blocking
// cursor operations themselves run outside the lock so cancellation never
// stalls behind a poll. Cancellation can therefore race an in-flight
// TryNext: the resulting driver error is absorbed once the task observes it
// is no longer running.
type cursorTask struct {
	cfg taskConfig

	mu    sync.Mutex
	state TaskState
	cur   cursor

	// ctx is cancelled together with the task so in-flight driver calls
	// return promptly.
	ctx    context.Context
	cancel context.CancelFunc

	started   chan struct{}
	startOnce sync.Once
}

func newCursorTask(cfg taskConfig) *cursorTask {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.errHandler == nil {
		cfg.errHandler = func(error) {}
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = DefaultPollInterval
	}
	if cfg.retryInterval <= 0 {
		cfg.retryInterval = DefaultRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &cursorTask{
		cfg:     cfg,
		state:   TaskCreated,
		ctx:     ctx,
		cancel:  cancel,
		started: make(chan struct{}),
	}
}

// State returns the task's current lifecycle state.
func (t *cursorTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// run is the task's entry point, called exactly once on its own goroutine.
func (t *cursorTask) run() {
	t.start()
	for t.State() == TaskRunning {
		t.pollOnce()
	}
}

// start transitions to STARTING and retries cursor initialization until a
// valid cursor (non-nil, live server handle) is obtained or the task is
// cancelled. The started signal is released exactly once, on the first
// successful validation.
func (t *cursorTask) start() {
	t.mu.Lock()
	if t.state == TaskRunning {
		t.mu.Unlock()
		return
	}
	if t.state == TaskCancelled {
		t.mu.Unlock()
		return
	}
	t.state = TaskStarting
	t.mu.Unlock()

	for {
		if t.State() != TaskStarting {
			return
		}

		c, err := t.cfg.initCursor(t.ctx)
		if err != nil || c == nil || c.ID() == 0 {
			if c != nil {
				_ = c.Close(t.ctx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				t.cfg.logger.Debug("cursor init failed, retrying",
					"error", err, "retry_in", t.cfg.retryInterval)
			}
			time.Sleep(t.cfg.retryInterval)
			continue
		}

		t.mu.Lock()
		if t.state != TaskStarting {
			// Cancelled while initializing; the cursor was never published.
			t.mu.Unlock()
			_ = c.Close(context.Background())
			return
		}
		t.cur = c
		t.state = TaskRunning
		t.mu.Unlock()

		t.startOnce.Do(func() { close(t.started) })
		return
	}
}

// pollOnce performs one non-blocking fetch attempt. An available item is
// dispatched synchronously to the listener; otherwise the task sleeps one
// poll interval. Fetch errors are translated and delegated to the error
// handler — they never stop the loop by themselves.
func (t *cursorTask) pollOnce() {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		return
	}

	if c.TryNext(t.ctx) {
		raw := append(bson.Raw(nil), c.Current()...)
		t.dispatch(raw)
		if t.cfg.postDispatch != nil && t.State() == TaskRunning {
			t.cfg.postDispatch(t.ctx, c)
		}
		return
	}

	if err := c.Err(); err != nil {
		// A close racing an in-flight fetch surfaces here; once the task is
		// no longer running that is a cancellation artifact, not an error.
		if t.State() != TaskRunning || errors.Is(err, context.Canceled) {
			return
		}
		t.handleError(err)
		time.Sleep(t.cfg.retryInterval)
		return
	}

	time.Sleep(t.cfg.pollInterval)
}

func (t *cursorTask) dispatch(raw bson.Raw) {
	msg, err := t.cfg.createMessage(raw)
	if err != nil {
		t.handleError(err)
		return
	}

	start := time.Now()
	err = t.cfg.listener(t.ctx, msg)
	if t.cfg.onDispatched != nil {
		t.cfg.onDispatched(t.ctx, msg.Properties(), time.Since(start), err)
	}
	if err != nil {
		t.cfg.errHandler(err)
	}
}

func (t *cursorTask) handleError(err error) {
	translated := translateError(err)
	if t.cfg.onPollError != nil {
		t.cfg.onPollError(t.ctx)
	}
	t.cfg.logger.Error("cursor fetch failed", "error", translated)
	t.cfg.errHandler(translated)
}

// Cancel cooperatively stops the task: the state flips to CANCELLED and the
// cursor is closed under the lifecycle lock, so a concurrent poll never
// observes a closed cursor without first observing the cancellation.
// Idempotent. Cancelling a task that has been scheduled but has not entered
// run() yet must stick: run() observes the cancelled state and returns
// without ever starting.
func (t *cursorTask) Cancel() {
	t.mu.Lock()
	if t.state == TaskCancelled {
		t.mu.Unlock()
		return
	}
	t.state = TaskCancelled
	if t.cur != nil {
		_ = t.cur.Close(context.Background())
		t.cur = nil
	}
	t.mu.Unlock()
	t.cancel()
}

// awaitStart blocks until the task is RUNNING or the timeout elapses and
// returns the final observed active status. A timeout never cancels the
// task.
func (t *cursorTask) awaitStart(timeout time.Duration) bool {
	select {
	case <-t.started:
		return t.State() == TaskRunning
	case <-time.After(timeout):
		return t.State() == TaskRunning
	}
}
