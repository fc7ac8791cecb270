package ioevent

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangscript007/cxxframework-go/task"
)

func TestRequestEventDeliversOnce(t *testing.T) {
	th, err := NewThread(nil)
	require.NoError(t, err)
	go th.Run()
	defer th.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	pool := task.NewPool(2, 1, nil)
	defer pool.Stop()

	signals := make(chan task.EventFlags, 8)
	var tk *task.Task
	tk = task.New("fd", pool, task.ShortTaskPicker, task.RunnerFunc(func(events task.EventFlags) task.RunResult {
		signals <- events
		return task.Park()
	}))

	ctx := NewContext(th, int(r.Fd()), tk)
	require.NoError(t, ctx.RequestEvent(Read))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case events := <-signals:
		assert.NotZero(t, events&task.ReadEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}

	// One-shot: a second write must NOT produce another notification
	// until RequestEvent is called again.
	_, err = w.Write([]byte("y"))
	require.NoError(t, err)
	select {
	case events := <-signals:
		t.Fatalf("unexpected second notification without re-arm: %v", events)
	case <-time.After(200 * time.Millisecond):
	}

	ctx.Cleanup()
}

func TestCleanupDiscardsInFlightNotification(t *testing.T) {
	th, err := NewThread(nil)
	require.NoError(t, err)
	go th.Run()
	defer th.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	pool := task.NewPool(1, 1, nil)
	defer pool.Stop()

	tk := task.New("cleanup", pool, task.ShortTaskPicker, task.RunnerFunc(func(events task.EventFlags) task.RunResult {
		return task.Park()
	}))

	ctx := NewContext(th, int(r.Fd()), tk)
	require.NoError(t, ctx.RequestEvent(Read))

	_, err = w.Write([]byte("z"))
	require.NoError(t, err)

	ctx.Cleanup()
	// No assertion beyond "this does not deadlock or panic": Cleanup
	// must be safe to call concurrently with an in-flight notification.
	time.Sleep(50 * time.Millisecond)
}

func TestRearmAllowsSecondNotification(t *testing.T) {
	th, err := NewThread(nil)
	require.NoError(t, err)
	go th.Run()
	defer th.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	pool := task.NewPool(1, 1, nil)
	defer pool.Stop()

	signals := make(chan struct{}, 8)
	buf := make([]byte, 1)
	var ctx *Context
	tk := task.New("rearm", pool, task.ShortTaskPicker, task.RunnerFunc(func(events task.EventFlags) task.RunResult {
		r.Read(buf)
		signals <- struct{}{}
		ctx.RequestEvent(Read)
		return task.Park()
	}))
	ctx = NewContext(th, int(r.Fd()), tk)
	require.NoError(t, ctx.RequestEvent(Read))

	for i := 0; i < 3; i++ {
		_, err = w.Write([]byte{byte(i)})
		require.NoError(t, err)
		select {
		case <-signals:
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d never arrived", i)
		}
	}

	ctx.Cleanup()
}
