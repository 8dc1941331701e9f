package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// interruptibleContext returns a context canceled on SIGINT or SIGTERM. A
// second signal after cancellation is left to the default OS disposition,
// so a hung cleanup can still be killed immediately.
func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
