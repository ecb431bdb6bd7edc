package process

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ProcessContext is a wrapper around a cancellable context and a
// waitgroup. Long-lived components register themselves on startup and
// signal when they have finished shutting down, allowing main to wait
// for everything to stop cleanly before exiting.
type ProcessContext struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup     // used to wait for components to shut down
	ctx      context.Context    // cancelled when Shutdown is called
	shutdown context.CancelFunc // shut down the process
	degraded map[string]struct{}
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

// Context returns the context for the whole process, cancelled once
// shutdown begins.
func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process") // nolint:staticcheck
}

// ComponentStarted must be called when a long-lived component starts.
func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

// ComponentFinished must be called when a long-lived component has
// finished shutting down.
func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// ShutdownProcess begins the shutdown of the whole process. It is safe
// to call more than once.
func (b *ProcessContext) ShutdownProcess() {
	b.shutdown()
}

// WaitForShutdown returns a channel that closes once shutdown begins.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish blocks until every registered component
// has called ComponentFinished.
func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded for the given reason. The
// process keeps running but operators should be able to see that
// something is wrong.
func (b *ProcessContext) Degraded(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.degraded == nil {
		b.degraded = map[string]struct{}{}
	}
	if _, ok := b.degraded[err.Error()]; !ok {
		logrus.WithError(err).Warn("Process is running in a degraded state")
		b.degraded[err.Error()] = struct{}{}
	}
}

// IsDegraded returns whether the process is in a degraded state and,
// if so, the reasons why.
func (b *ProcessContext) IsDegraded() (bool, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.degraded) == 0 {
		return false, nil
	}
	reasons := make([]string, 0, len(b.degraded))
	for reason := range b.degraded {
		reasons = append(reasons, reason)
	}
	return true, reasons
}
