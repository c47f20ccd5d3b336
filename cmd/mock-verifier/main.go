// mock-verifier serves the license verification endpoint for local
// development. Replies are signed with --secret and follow the --verdict
// script: one entry per request, the last entry repeating.
//
//	mock-verifier --secret dev --verdict unreachable,allow --check-interval-ms 30000
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	"licensegate/internal/verify/verifytest"
)

type options struct {
	addr            string
	secret          string
	verdicts        []string
	message         string
	checkIntervalMS int64
	killMethod      string
	delay           time.Duration
	logLevel        string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("mock-verifier", pflag.ContinueOnError)
	flagSet.StringVar(&opts.addr, "addr", "127.0.0.1:8088", "listen address")
	flagSet.StringVar(&opts.secret, "secret", "", "shared secret used to sign replies (required)")
	flagSet.StringSliceVar(&opts.verdicts, "verdict", []string{"allow"}, "reply script: allow, deny, unavailable, unreachable")
	flagSet.StringVar(&opts.message, "message", "", "message to put in signed replies")
	flagSet.Int64Var(&opts.checkIntervalMS, "check-interval-ms", 0, "check_interval_ms to send with signed replies")
	flagSet.StringVar(&opts.killMethod, "kill-method", "", "kill_method to send with signed replies: stop, delete, shred")
	flagSet.DurationVar(&opts.delay, "delay", 0, "hold every reply back by this long")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if opts.secret == "" {
		return errors.New("--secret is required")
	}

	replies, err := buildReplies(opts)
	if err != nil {
		return err
	}

	logger := infrastructure.NewLogger(os.Stderr, opts.logLevel)
	handler := verifytest.NewHandler(opts.secret, verifytest.Sequence(replies...), logger)

	server := &http.Server{
		Addr:              opts.addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mock verifier listening",
			slog.String("addr", opts.addr),
			slog.String("path", config.VerifyPath),
			slog.String("verdicts", strings.Join(opts.verdicts, ",")))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("Mock verifier shutting down", slog.Int("requests", handler.Count()))
	return server.Shutdown(shutdownCtx)
}

func buildReplies(opts options) ([]verifytest.Reply, error) {
	if opts.killMethod != "" && !config.KillMethod(opts.killMethod).Valid() {
		return nil, fmt.Errorf("invalid --kill-method %q", opts.killMethod)
	}
	if len(opts.verdicts) == 0 {
		return nil, errors.New("--verdict needs at least one entry")
	}

	replies := make([]verifytest.Reply, 0, len(opts.verdicts))
	for _, v := range opts.verdicts {
		var r verifytest.Reply
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "allow":
			r = verifytest.Allow()
		case "deny":
			r = verifytest.Deny()
		case "unavailable":
			r = verifytest.Unavailable()
		case "unreachable":
			r = verifytest.Unreachable()
		default:
			return nil, fmt.Errorf("unknown verdict %q", v)
		}
		if opts.message != "" {
			r.Message = opts.message
		}
		r.CheckIntervalMS = opts.checkIntervalMS
		r.KillMethod = opts.killMethod
		r.Delay = opts.delay
		replies = append(replies, r)
	}
	return replies, nil
}
