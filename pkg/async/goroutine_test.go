package async

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{name: "success", fn: func(ctx context.Context) error { return nil }},
		{name: "error is logged, not raised", fn: func(ctx context.Context) error { return errors.New("boom") }},
		{name: "panic is recovered", fn: func(ctx context.Context) error { panic("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan struct{})
			SafeGo(context.Background(), time.Second, "test task", func(ctx context.Context) error {
				defer close(done)
				return tt.fn(ctx)
			})

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("task did not run")
			}
		})
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	errCh := make(chan error, 1)
	SafeGo(context.Background(), 20*time.Millisecond, "slow task", func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout was not enforced")
	}
}

func TestSafeGo_OutlivesParentWhenDetached(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	SafeGo(context.WithoutCancel(parent), time.Second, "detached", func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		errCh <- ctx.Err()
		return nil
	})
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var executed atomic.Int32

	errs := Batch(context.Background(), items, 2, "test batch", time.Second, func(ctx context.Context, item int) error {
		executed.Add(1)
		return nil
	})

	assert.Empty(t, errs)
	assert.Equal(t, int32(5), executed.Load())
}

func TestBatch_ErrorsInItemOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}

	errs := Batch(context.Background(), items, 3, "test batch", time.Second, func(ctx context.Context, item int) error {
		if item%2 == 0 {
			// later items finish first
			time.Sleep(time.Duration(10-item) * time.Millisecond)
			return errors.New("item " + strconv.Itoa(item))
		}
		return nil
	})

	require.Len(t, errs, 3)
	assert.EqualError(t, errs[0], "item 2")
	assert.EqualError(t, errs[1], "item 4")
	assert.EqualError(t, errs[2], "item 6")
}

func TestBatch_NoErrorsDropped(t *testing.T) {
	items := make([]int, 200)
	errs := Batch(context.Background(), items, 2, "test batch", time.Second, func(ctx context.Context, item int) error {
		return errors.New("failed")
	})
	assert.Len(t, errs, 200)
}

func TestBatch_PanicBecomesError(t *testing.T) {
	errs := Batch(context.Background(), []string{"ok", "bad"}, 2, "test batch", time.Second, func(ctx context.Context, item string) error {
		if item == "bad" {
			panic("bad item")
		}
		return nil
	})

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "panic: bad item")
}

func TestBatch_PerItemTimeout(t *testing.T) {
	errs := Batch(context.Background(), []int{1}, 1, "test batch", 20*time.Millisecond, func(ctx context.Context, item int) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestBatch_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var executed atomic.Int32

	errs := Batch(ctx, []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second, func(ctx context.Context, item int) error {
		executed.Add(1)
		return nil
	})

	assert.Equal(t, int32(0), executed.Load())
	require.Len(t, errs, 5)
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestBatch_Empty(t *testing.T) {
	errs := Batch(context.Background(), []int(nil), 4, "test batch", time.Second, func(ctx context.Context, item int) error {
		t.Fatal("called on empty input")
		return nil
	})
	assert.Empty(t, errs)
}
