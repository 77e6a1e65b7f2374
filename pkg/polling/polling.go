package polling

import (
	"context"
	"sync"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// OrNop returns l, or a logger that discards everything when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

// Config holds everything Run needs for one pass over a set of keys.
type Config struct {
	Concurrency int    // defaults to 5 if <= 0
	Log         Logger // optional; nil = no logging

	// OnDone, if set, is called from the worker goroutine after fn returns
	// for a key.
	OnDone func(key string, err error)
}

// Result holds the outcome of one pass.
type Result struct {
	Done   []string // keys whose fn returned nil
	Errors []error  // non-fatal errors, one per failed key
}

// Run calls fn once per key using a bounded worker pool. Errors are
// collected, not fatal: one failing key never stops the others. Keys left
// unprocessed when ctx is cancelled are skipped.
func Run(ctx context.Context, keys []string, cfg Config, fn func(ctx context.Context, key string) error) *Result {
	log := OrNop(cfg.Log)
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	result := &Result{Done: make([]string, 0, len(keys))}
	if len(keys) == 0 {
		return result
	}

	keyChan := make(chan string, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range keyChan {
				if ctx.Err() != nil {
					continue
				}
				err := fn(ctx, k)
				mu.Lock()
				if err != nil {
					log.Debugf("%s: %v", k, err)
					result.Errors = append(result.Errors, err)
				} else {
					result.Done = append(result.Done, k)
				}
				mu.Unlock()
				if cfg.OnDone != nil {
					cfg.OnDone(k, err)
				}
			}
		}()
	}

	for _, k := range keys {
		keyChan <- k
	}
	close(keyChan)
	wg.Wait()
	return result
}
