package main

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// newWorkerModel builds a Model whose inference step is infer, without a network.
func newWorkerModel(infer func(gocv.Mat) ([]item, error)) *Model {
	return &Model{
		logger:   zap.NewNop(),
		requests: make(chan detectRequest),
		done:     make(chan struct{}),
		infer:    infer,
	}
}

func testImage(t *testing.T) gocv.Mat {
	t.Helper()
	img := gocv.NewMatWithSize(4, 6, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { img.Close() })
	return img
}

func TestDetectConcurrentCallers(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	m := newWorkerModel(func(img gocv.Mat) ([]item, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return []item{{Box: image.Rect(0, 0, img.Cols(), img.Rows())}}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	img := testImage(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := m.Detect(context.Background(), img)
			assert.NoError(t, err)
			if assert.Len(t, items, 1) {
				assert.Equal(t, image.Rect(0, 0, 6, 4), items[0].Box)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestDetectCancelledBeforeAccepted(t *testing.T) {
	m := newWorkerModel(func(gocv.Mat) ([]item, error) {
		t.Error("inference must not run")
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Detect(ctx, testImage(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectWaitsOnceAccepted(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := newWorkerModel(func(gocv.Mat) ([]item, error) {
		close(started)
		<-release
		return []item{{ClassName: "person"}}, nil
	})
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go m.Run(runCtx)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		items []item
		err   error
	}
	img := testImage(t)
	out := make(chan result, 1)
	go func() {
		items, err := m.Detect(ctx, img)
		out <- result{items, err}
	}()

	<-started
	cancel()
	select {
	case <-out:
		t.Fatal("Detect returned while the worker still held the image")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	r := <-out
	require.NoError(t, r.err)
	require.Len(t, r.items, 1)
	assert.Equal(t, "person", r.items[0].ClassName)
}

func TestDetectAfterWorkerStopped(t *testing.T) {
	m := newWorkerModel(func(gocv.Mat) ([]item, error) { return nil, nil })
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	_, err := m.Detect(context.Background(), testImage(t))
	assert.ErrorIs(t, err, ErrModelStopped)
}

func TestDetectRejectsEmptyImage(t *testing.T) {
	m := newWorkerModel(nil)
	empty := gocv.NewMat()
	defer empty.Close()
	_, err := m.Detect(context.Background(), empty)
	assert.Error(t, err)
}
