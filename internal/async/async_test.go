package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunner_DetachesFromCallerCancellation(t *testing.T) {
	r := NewRunner(4, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var sawErr atomic.Value
	r.Go(ctx, "detached", func(tctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		sawErr.Store(tctx.Err() == nil)
		return nil
	})
	cancel()
	r.Wait()
	assert.Equal(t, true, sawErr.Load())
}

func TestRunner_NilRunsInline(t *testing.T) {
	var r *Runner
	ran := false
	r.Go(context.Background(), "inline", func(context.Context) error { ran = true; return errors.New("ignored") })
	assert.True(t, ran)
	r.Wait()
}

func TestRunner_DropsWhenSaturated(t *testing.T) {
	r := NewRunner(1, time.Second, nil)
	release := make(chan struct{})
	var ran atomic.Int32
	r.Go(context.Background(), "blocker", func(context.Context) error { <-release; ran.Add(1); return nil })
	r.Go(context.Background(), "dropped", func(context.Context) error { ran.Add(1); return nil })
	close(release)
	r.Wait()
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunner_MustRunsInlineWhenSaturated(t *testing.T) {
	r := NewRunner(1, time.Second, nil)
	release := make(chan struct{})
	var ran atomic.Int32
	r.Go(context.Background(), "blocker", func(context.Context) error { <-release; return nil })
	r.Must(context.Background(), "fare", func(context.Context) error { ran.Add(1); return nil })
	assert.Equal(t, int32(1), ran.Load(), "ran on the caller before Must returned")
	close(release)
	r.Wait()
}

func TestRunner_MustNilRunsInline(t *testing.T) {
	var r *Runner
	ran := false
	r.Must(context.Background(), "fare", func(context.Context) error { ran = true; return nil })
	assert.True(t, ran)
}
