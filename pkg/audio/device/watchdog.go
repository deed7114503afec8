package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultStallTimeout is how long an output stream may go without rendering
// before it is reported as failed.
const DefaultStallTimeout = 2 * time.Second

// Watchdog reports an output failure when a [Timeline] stops being rendered,
// which is what happens when the device behind it disappears.
type Watchdog struct {
	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// Watch starts a Watchdog for t. onError is called at most once, with an error
// wrapping [audio.ErrSinkFailed], if t has not rendered for timeout. A
// non-positive timeout selects [DefaultStallTimeout]; a nil onError disables
// reporting.
func Watch(t *Timeline, timeout time.Duration, onError func(error)) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultStallTimeout
	}
	w := &Watchdog{done: make(chan struct{})}
	if onError == nil {
		return w
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(timeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				if idle := time.Since(t.LastRender()); idle >= timeout {
					onError(fmt.Errorf("%w: output stalled for %s", audio.ErrSinkFailed, idle.Round(time.Millisecond)))
					return
				}
			}
		}
	}()
	return w
}

// Stop ends the watch and waits for it to exit. Stop is idempotent.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}
