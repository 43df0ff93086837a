package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// fakeTaskFactory hands out tasks over never-ending empty cursors and counts
// how many it created.
type fakeTaskFactory struct {
	mu      sync.Mutex
	created int
	cursors []*fakeCursor
	err     error
	errFor  *SubscriptionRequest
}

func (f *fakeTaskFactory) newTask(req *SubscriptionRequest) (*cursorTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.errFor == req {
		return nil, errors.New("task factory refused request")
	}
	f.created++
	cur := &fakeCursor{id: int64(f.created)}
	f.cursors = append(f.cursors, cur)
	return newCursorTask(testTaskConfig(
		func(context.Context) (cursor, error) { return cur, nil },
		req.Listener,
	)), nil
}

func (f *fakeTaskFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func newTestContainer(factory taskFactory) *Container {
	c := &Container{
		reader:        nil,
		logger:        slog.Default(),
		pollInterval:  time.Millisecond,
		retryInterval: time.Millisecond,
		subs:          make(map[*SubscriptionRequest]*Subscription),
		factory:       factory,
	}
	c.errHandler = func(error) {}
	return c
}

func noopListener(context.Context, *Message) error { return nil }

func TestContainerRegisterIsIdempotentOnRequestIdentity(t *testing.T) {
	factory := &fakeTaskFactory{}
	c := newTestContainer(factory)
	defer c.Stop()

	req := NewTailableRequest(noopListener, TailableOptions{Collection: "events"})

	first, err := c.Register(req)
	require.NoError(t, err)
	second, err := c.Register(req)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.createdCount())

	// An equivalent but distinct request is a distinct subscription.
	other := NewTailableRequest(noopListener, TailableOptions{Collection: "events"})
	third, err := c.Register(other)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, factory.createdCount())
}

func TestContainerRegisterValidation(t *testing.T) {
	c := newTestContainer(&fakeTaskFactory{})

	_, err := c.Register(nil)
	assert.ErrorIs(t, err, ErrListenerRequired)

	_, err = c.Register(&SubscriptionRequest{Options: TailableOptions{Collection: "x"}})
	assert.ErrorIs(t, err, ErrListenerRequired)

	_, err = c.Register(&SubscriptionRequest{Listener: noopListener})
	assert.ErrorIs(t, err, ErrOptionsRequired)
}

func TestContainerRegisterBeforeStartDefersLaunch(t *testing.T) {
	factory := &fakeTaskFactory{}
	c := newTestContainer(factory)
	defer c.Stop()

	sub, err := c.Register(NewTailableRequest(noopListener, TailableOptions{Collection: "events"}))
	require.NoError(t, err)

	assert.False(t, c.Running())
	assert.False(t, sub.Active())
	assert.False(t, sub.Await(20*time.Millisecond))

	require.NoError(t, c.Start())
	assert.True(t, c.Running())
	assert.True(t, sub.Await(5*time.Second))
	assert.True(t, sub.Active())
}

func TestContainerRegisterWhileRunningLaunchesImmediately(t *testing.T) {
	c := newTestContainer(&fakeTaskFactory{})
	defer c.Stop()

	require.NoError(t, c.Start())

	sub, err := c.Register(NewTailableRequest(noopListener, TailableOptions{Collection: "events"}))
	require.NoError(t, err)
	assert.True(t, sub.Await(5*time.Second))
}

func TestContainerStopAndRestartUsesFreshTasks(t *testing.T) {
	factory := &fakeTaskFactory{}
	c := newTestContainer(factory)
	defer c.Stop()

	sub, err := c.Register(NewTailableRequest(noopListener, TailableOptions{Collection: "events"}))
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.True(t, sub.Await(5*time.Second))
	firstTask := sub.currentTask()

	c.Stop()
	assert.False(t, c.Running())
	assert.False(t, sub.Active())
	assert.Equal(t, TaskCancelled, firstTask.State())

	// The registration survives the stop; restart serves it with a new task.
	require.NoError(t, c.Start())
	require.True(t, sub.Await(5*time.Second))
	assert.NotSame(t, firstTask, sub.currentTask())
	assert.Equal(t, 2, factory.createdCount())
	assert.Equal(t, TaskCancelled, firstTask.State(), "cancelled task is never revived")
}

func TestContainerStartIsIdempotent(t *testing.T) {
	c := newTestContainer(&fakeTaskFactory{})
	defer c.Stop()

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	assert.True(t, c.Running())
}

func TestContainerLookupHasNoSideEffects(t *testing.T) {
	factory := &fakeTaskFactory{}
	c := newTestContainer(factory)

	req := NewTailableRequest(noopListener, TailableOptions{Collection: "events"})

	_, ok := c.Lookup(req)
	assert.False(t, ok)
	assert.Equal(t, 0, factory.createdCount())

	sub, err := c.Register(req)
	require.NoError(t, err)

	found, ok := c.Lookup(req)
	assert.True(t, ok)
	assert.Same(t, sub, found)
}

func TestContainerRemoveCancelsAndForgets(t *testing.T) {
	factory := &fakeTaskFactory{}
	c := newTestContainer(factory)
	defer c.Stop()

	req := NewTailableRequest(noopListener, TailableOptions{Collection: "events"})
	sub, err := c.Register(req)
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.True(t, sub.Await(5*time.Second))

	c.Remove(sub)
	assert.False(t, sub.Active())
	_, ok := c.Lookup(req)
	assert.False(t, ok)

	// A removed subscription does not come back on restart.
	c.Stop()
	require.NoError(t, c.Start())
	assert.Equal(t, 1, factory.createdCount())
}

func TestContainerStopKeepsRegistrations(t *testing.T) {
	c := newTestContainer(&fakeTaskFactory{})
	defer c.Stop()

	req := NewTailableRequest(noopListener, TailableOptions{Collection: "events"})
	sub, err := c.Register(req)
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.True(t, sub.Await(5*time.Second))
	c.Stop()

	found, ok := c.Lookup(req)
	assert.True(t, ok)
	assert.Same(t, sub, found)
}

func TestContainerSubscriptionsRunIndependently(t *testing.T) {
	factory := &fakeTaskFactory{}
	c := newTestContainer(factory)
	defer c.Stop()

	l1 := &collectingListener{}
	l2 := &collectingListener{}
	sub1, err := c.Register(NewTailableRequest(l1.listen, TailableOptions{Collection: "a"}))
	require.NoError(t, err)
	sub2, err := c.Register(NewTailableRequest(l2.listen, TailableOptions{Collection: "b"}))
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.True(t, sub1.Await(5*time.Second))
	require.True(t, sub2.Await(5*time.Second))

	// Cancelling one subscription leaves the other delivering.
	sub1.Cancel()
	assert.False(t, sub1.Active())
	assert.True(t, sub2.Active())

	factory.mu.Lock()
	cur2 := factory.cursors[1]
	factory.mu.Unlock()
	cur2.append(rawDoc(t, bson.D{{Key: "seq", Value: int32(1)}}))

	waitFor(t, func() bool { return l2.count() == 1 }, "expected delivery on surviving subscription")
	assert.Zero(t, l1.count())
}

func TestContainerActiveTasksGauge(t *testing.T) {
	c := newTestContainer(&fakeTaskFactory{})
	defer c.Stop()

	sub, err := c.Register(NewTailableRequest(noopListener, TailableOptions{Collection: "events"}))
	require.NoError(t, err)
	assert.Zero(t, c.activeTasks())

	require.NoError(t, c.Start())
	require.True(t, sub.Await(5*time.Second))
	assert.Equal(t, int64(1), c.activeTasks())

	c.Stop()
	assert.Zero(t, c.activeTasks())
}

func TestContainerStartSchedulesSurvivorsOnFactoryError(t *testing.T) {
	factory := &fakeTaskFactory{}
	c := newTestContainer(factory)
	defer c.Stop()

	bad := NewTailableRequest(noopListener, TailableOptions{Collection: "a"})
	good := NewTailableRequest(noopListener, TailableOptions{Collection: "b"})

	badSub, err := c.Register(bad)
	require.NoError(t, err)
	goodSub, err := c.Register(good)
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.True(t, badSub.Await(5*time.Second))
	require.True(t, goodSub.Await(5*time.Second))
	c.Stop()

	// On restart one subscription's task cannot be rebuilt; the other must
	// still be scheduled and the failure reported.
	factory.mu.Lock()
	factory.errFor = bad
	factory.mu.Unlock()

	err = c.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), badSub.ID())
	assert.True(t, c.Running())
	assert.True(t, goodSub.Await(5*time.Second))
	assert.False(t, badSub.Active())

	// The failed subscription stays registered for a later retry.
	_, ok := c.Lookup(bad)
	assert.True(t, ok)

	c.Stop()
	factory.mu.Lock()
	factory.errFor = nil
	factory.mu.Unlock()

	require.NoError(t, c.Start())
	assert.True(t, badSub.Await(5*time.Second))
}

func TestContainerClose(t *testing.T) {
	c := newTestContainer(&fakeTaskFactory{})

	sub, err := c.Register(NewTailableRequest(noopListener, TailableOptions{Collection: "events"}))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	require.True(t, sub.Await(5*time.Second))

	require.NoError(t, c.Close())
	assert.False(t, c.Running())
	assert.False(t, sub.Active())
}

func TestMongoTaskFactoryRejectsUnsupportedRequests(t *testing.T) {
	factory := &mongoTaskFactory{c: newTestContainer(nil)}

	_, err := factory.newTask(&SubscriptionRequest{
		Listener: noopListener,
		Options:  TailableOptions{},
	})
	assert.ErrorIs(t, err, ErrCollectionRequired)

	type rogueOptions struct{ RequestOptions }
	_, err = factory.newTask(&SubscriptionRequest{
		Listener: noopListener,
		Options:  rogueOptions{},
	})
	assert.ErrorIs(t, err, ErrUnsupportedRequest)
}
