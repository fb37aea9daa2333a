// Command credential-proxy is the self-contained, stdlib-only binary
// deployed inside the sandbox as the in-sandbox credential proxy (spec.md
// §4.3). It reads its configuration once from standard input and never
// accepts real secrets via argv, environment, or disk.
package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/primordial-run/coreos/internal/proxy"
)

func main() {
	logger := log.New(os.Stderr, "credential-proxy: ", log.LstdFlags)

	cfg, err := proxy.ReadConfig(os.Stdin)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	srv := proxy.New(cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf("signal received, closing listeners")
		_ = srv.Close()
	}()

	// Signal-triggered shutdown still exits non-zero, per spec.md §4.3:
	// closing the listeners is not "clean exit," it's "the caller asked us
	// to stop mid-flight." Both branches below call Fatalf (os.Exit(1));
	// they're split only so the log line names the real cause.
	if err := srv.Serve(os.Stderr); err != nil {
		if errors.Is(err, proxy.ErrShutdown) {
			logger.Fatalf("shut down by signal")
		}
		logger.Fatalf("serve: %v", err)
	}
}
