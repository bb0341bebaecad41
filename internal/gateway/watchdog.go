package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var ErrWatchdog = errors.New("gateway: watchdog expired")

// Watchdog cancels the run when it is not kicked within its timeout, so a
// wedged loop ends the process and the supervisor restarts it.
type Watchdog struct {
	timeout time.Duration
	kick    chan struct{}
	log     zerolog.Logger
}

func NewWatchdog(timeout time.Duration, log zerolog.Logger) *Watchdog {
	return &Watchdog{timeout: timeout, kick: make(chan struct{}, 1), log: log}
}

// Kick resets the timer. It never blocks.
func (w *Watchdog) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run watches until ctx is done or the timer expires, in which case cancel is
// called with ErrWatchdog.
func (w *Watchdog) Run(ctx context.Context, cancel context.CancelCauseFunc) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.timeout)
		case <-timer.C:
			w.log.Error().Dur("timeout", w.timeout).Msg("watchdog expired")
			cancel(ErrWatchdog)
			return
		}
	}
}
