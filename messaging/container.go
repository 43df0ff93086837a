// Package messaging dispatches MongoDB change stream events and tailable
// cursor documents to registered listeners.
//
// A Container owns one cursor-reading task per registered subscription
// request. Each task runs on its own goroutine, opens its cursor with
// retries, polls it without blocking, and hands every emitted item to the
// request's listener in cursor order. Message bodies convert to the
// request's domain type lazily, on first access.
//
// Requests come in two variants:
//
//   - ChangeStreamRequest: watches a collection or a whole database through
//     a change stream, with filter pipelines, resume tokens and
//     full-document lookup.
//   - TailableRequest: tails a capped collection through a tailable-await
//     cursor.
//
// Usage:
//
//	container, _ := messaging.NewContainer(db)
//
//	req := messaging.NewChangeStreamRequest(
//	    func(ctx context.Context, msg *messaging.Message) error {
//	        body, _ := msg.Body()
//	        fmt.Println("change in", msg.Properties().Namespace(), body)
//	        return nil
//	    },
//	    messaging.ChangeStreamOptions{
//	        Collection:   "orders",
//	        FullDocument: messaging.FullDocumentUpdateLookup,
//	    },
//	)
//	req.BodyType = messaging.BodyTypeOf[Order]()
//
//	sub, _ := container.Register(req)
//	_ = container.Start()
//	sub.Await(5 * time.Second)
//	...
//	container.Stop()
//
// Errors during a task's run are translated and routed to the error
// handler; they never stop the task. Only cancellation (Subscription.Cancel,
// Container.Remove, Container.Stop) ends a task's loop.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/mongokit/mongoodm/conversion"
)

// containerState is the container-level lifecycle, orthogonal to each
// task's own state.
type containerState int

const (
	containerNotStarted containerState = iota
	containerRunning
	containerStopped
)

// taskFactory constructs the cursor-reading task for a request.
type taskFactory interface {
	newTask(req *SubscriptionRequest) (*cursorTask, error)
}

// Container is the process-wide registry of active subscriptions.
//
// Register, Remove, Lookup, Start and Stop are safe for use from arbitrary
// goroutines.
type Container struct {
	db            *mongo.Database
	client        *mongo.Client
	reader        conversion.EntityReader
	logger        *slog.Logger
	metrics       *Metrics
	errHandler    ErrorHandler
	resumeStore   ResumeTokenStore
	pollInterval  time.Duration
	retryInterval time.Duration
	factory       taskFactory

	mu    sync.Mutex
	state containerState
	subs  map[*SubscriptionRequest]*Subscription
	wg    sync.WaitGroup
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrorHandler sets the default error handler for tasks whose request
// does not carry its own.
func WithErrorHandler(fn ErrorHandler) ContainerOption {
	return func(c *Container) {
		if fn != nil {
			c.errHandler = fn
		}
	}
}

// WithEntityReader sets the converter used for lazy message bodies.
// Defaults to the BSON codec-backed reader.
func WithEntityReader(reader conversion.EntityReader) ContainerOption {
	return func(c *Container) {
		if reader != nil {
			c.reader = reader
		}
	}
}

// WithMetrics attaches a metrics recorder to the container's tasks.
func WithMetrics(m *Metrics) ContainerOption {
	return func(c *Container) {
		c.metrics = m
	}
}

// WithResumeTokenStore makes change stream tasks persist their resume
// position after each dispatched message and resume from the stored
// position when their request carries no explicit token.
func WithResumeTokenStore(store ResumeTokenStore) ContainerOption {
	return func(c *Container) {
		c.resumeStore = store
	}
}

// WithPollInterval sets the sleep between polls when no item is available.
func WithPollInterval(d time.Duration) ContainerOption {
	return func(c *Container) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRetryInterval sets the backoff between cursor initialization
// attempts.
func WithRetryInterval(d time.Duration) ContainerOption {
	return func(c *Container) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// NewContainer creates a message listener container over the given
// database. The container starts in the NOT_STARTED state; registered
// subscriptions wait until Start.
func NewContainer(db *mongo.Database, opts ...ContainerOption) (*Container, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	c := &Container{
		db:            db,
		client:        db.Client(),
		reader:        conversion.NewBSONReader(),
		logger:        slog.Default().With("component", "mongoodm.messaging"),
		pollInterval:  DefaultPollInterval,
		retryInterval: DefaultRetryInterval,
		subs:          make(map[*SubscriptionRequest]*Subscription),
	}
	c.errHandler = func(err error) {
		c.logger.Error("subscription error", "error", err)
	}

	for _, opt := range opts {
		opt(c)
	}

	c.factory = &mongoTaskFactory{c: c}
	c.metrics.SetActiveCallback(c.activeTasks)

	return c, nil
}

// Register adds a subscription for the request and returns its handle.
//
// Registration is idempotent on request identity: registering the same
// *SubscriptionRequest again returns the existing Subscription and creates
// no second task. When the container is running, the new task is scheduled
// immediately; otherwise it waits for Start.
func (c *Container) Register(req *SubscriptionRequest) (*Subscription, error) {
	if req == nil || req.Listener == nil {
		return nil, ErrListenerRequired
	}
	if req.Options == nil {
		return nil, ErrOptionsRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[req]; ok {
		return sub, nil
	}

	task, err := c.factory.newTask(req)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		request: req,
		task:    task,
	}
	c.subs[req] = sub

	if c.state == containerRunning {
		c.launch(task)
	}

	c.logger.Debug("registered subscription", "subscription", sub.id)
	return sub, nil
}

// Lookup returns the Subscription registered for the request, if any.
// It has no side effects.
func (c *Container) Lookup(req *SubscriptionRequest) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[req]
	return sub, ok
}

// Remove cancels the subscription if active and removes it from the
// registry. A removed subscription is never restarted by a later
// Start/Stop cycle.
func (c *Container) Remove(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, sub.request)
	c.mu.Unlock()

	sub.Cancel()
	c.logger.Debug("removed subscription", "subscription", sub.id)
}

// Start transitions the container to RUNNING and schedules every
// registered subscription. Subscriptions whose task was cancelled by a
// previous Stop are served by a fresh task — cancelled tasks are never
// reused.
//
// A task that cannot be rebuilt does not block the others: Start schedules
// every subscription it can and returns the build failures joined. The
// affected subscriptions stay registered and are retried by the next
// Stop/Start cycle.
func (c *Container) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == containerRunning {
		return nil
	}
	c.state = containerRunning

	var errs []error
	for _, sub := range c.subs {
		t := sub.currentTask()
		if t == nil || t.State() == TaskCancelled {
			fresh, err := c.factory.newTask(sub.request)
			if err != nil {
				c.logger.Error("failed to rebuild subscription task",
					"subscription", sub.id, "error", err)
				errs = append(errs, fmt.Errorf("subscription %s: %w", sub.id, err))
				continue
			}
			sub.setTask(fresh)
			t = fresh
		}
		if t.State() == TaskCreated {
			c.launch(t)
		}
	}

	c.logger.Debug("container started", "subscriptions", len(c.subs))
	return errors.Join(errs...)
}

// Stop cancels every active task and transitions to STOPPED. Subscriptions
// remain registered and restart on the next Start. Stop waits for the task
// goroutines to drain.
func (c *Container) Stop() {
	c.mu.Lock()
	if c.state != containerRunning {
		c.mu.Unlock()
		return
	}
	for _, sub := range c.subs {
		if t := sub.currentTask(); t != nil {
			t.Cancel()
		}
	}
	c.state = containerStopped
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Debug("container stopped")
}

// Close stops the container and releases the metrics callbacks. The
// container must not be restarted after Close.
func (c *Container) Close() error {
	c.Stop()
	return c.metrics.Close()
}

// Running reports whether the container is in the RUNNING state.
func (c *Container) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == containerRunning
}

// launch schedules a task onto its own goroutine. Caller holds c.mu.
func (c *Container) launch(t *cursorTask) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t.run()
	}()
}

// activeTasks counts running tasks for the metrics gauge.
func (c *Container) activeTasks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, sub := range c.subs {
		if t := sub.currentTask(); t != nil && t.State() == TaskRunning {
			n++
		}
	}
	return n
}

// mongoTaskFactory builds driver-backed tasks for the two request
// variants. RequestOptions is sealed, so the type switch is exhaustive; the
// default branch guards against a variant added without factory support.
type mongoTaskFactory struct {
	c *Container
}

func (f *mongoTaskFactory) newTask(req *SubscriptionRequest) (*cursorTask, error) {
	c := f.c

	errHandler := req.ErrorHandler
	if errHandler == nil {
		errHandler = c.errHandler
	}

	base := taskConfig{
		listener:      req.Listener,
		errHandler:    errHandler,
		logger:        c.logger,
		pollInterval:  c.pollInterval,
		retryInterval: c.retryInterval,
		onDispatched: func(ctx context.Context, props Properties, d time.Duration, err error) {
			c.metrics.RecordDispatch(ctx, props, d, err)
		},
		onPollError: func(ctx context.Context) {
			c.metrics.RecordPollError(ctx)
		},
	}

	switch o := req.Options.(type) {
	case ChangeStreamOptions:
		cst := &changeStreamTask{
			client:      c.client,
			db:          c.db,
			opts:        o,
			bodyType:    req.BodyType,
			reader:      c.reader,
			resumeStore: c.resumeStore,
			logger:      c.logger,
		}
		cfg := base
		cfg.initCursor = cst.initCursor
		cfg.createMessage = cst.createMessage
		cfg.postDispatch = cst.persistResumeToken
		inner := cfg.errHandler
		cfg.errHandler = func(err error) {
			cst.handleResumeLost(context.Background(), err)
			inner(err)
		}
		return newCursorTask(cfg), nil

	case TailableOptions:
		if o.Collection == "" {
			return nil, ErrCollectionRequired
		}
		tt := &tailableTask{
			db:       c.db,
			opts:     o,
			bodyType: req.BodyType,
			reader:   c.reader,
		}
		cfg := base
		cfg.initCursor = tt.initCursor
		cfg.createMessage = tt.createMessage
		return newCursorTask(cfg), nil

	default:
		return nil, ErrUnsupportedRequest
	}
}
