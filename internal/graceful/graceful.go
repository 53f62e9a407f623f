package graceful

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// MakeSigintChan returns a channel that receives SIGINT and SIGTERM.
func MakeSigintChan() chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh
}

// ShutdownContext derives a context that is canceled on SIGINT or SIGTERM.
// The returned stop function releases the signal registration.
func ShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
