package modelclient

import (
	"context"
	"sync"
)

// Fake is a scripted collaborator for tests: it fails the first FailTimes
// calls with Err, then succeeds with Content. Phases lists research phases
// reported on each call.
type Fake struct {
	mu        sync.Mutex
	FailTimes int
	Err       error
	Content   string
	Phases    []string
	Block     chan struct{} // when set, Complete waits on it (for cancellation tests)

	Calls int
}

func (f *Fake) Complete(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	f.mu.Lock()
	f.Calls++
	fail := f.Calls <= f.FailTimes
	block := f.Block
	f.mu.Unlock()

	if onProgress != nil {
		for _, phase := range f.Phases {
			onProgress(phase, "fake phase")
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Content: f.Content}, nil
}

// Reset rewinds the script so the fake can succeed (or fail) afresh.
func (f *Fake) Reset(failTimes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailTimes = failTimes
	f.Calls = 0
}

// CallCount returns how many times Complete was invoked.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}
