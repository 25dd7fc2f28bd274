package drawcli

import (
	"context"
	"fmt"
	"net"
	gohttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/gorilla/handlers"
	"github.com/urfave/cli/v2"

	"github.com/drand/fairdraw/engine"
	"github.com/drand/fairdraw/http"
	"github.com/drand/fairdraw/log"
	"github.com/drand/fairdraw/metrics"
	"github.com/drand/fairdraw/metrics/pprof"
	"github.com/drand/fairdraw/randomness/mock"
)

var bindFlag = &cli.StringFlag{
	Name:  "bind",
	Value: "localhost:8080",
	Usage: "Listening (binding) address of the observer API.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var accessLogFlag = &cli.StringFlag{
	Name:  "access-log",
	Usage: "File to log http accesses to. Defaults to stdout.",
}

var demoFlag = &cli.BoolFlag{
	Name: "demo",
	Usage: "Run with the built-in randomness provider auto-revealing every request. " +
		"Without it, reveals must be posted to the /reveal endpoint.",
}

var revealDelayFlag = &cli.DurationFlag{
	Name:  "reveal-delay",
	Value: 2 * time.Second,
	Usage: "Delay between a demo request and its automatic reveal.",
}

var sweepPeriodFlag = &cli.DurationFlag{
	Name:  "sweep-period",
	Value: engine.DefaultSweepPeriod,
	Usage: "How often expired rounds are scanned for, cancelled and refunded.",
}

func daemonCmd(c *cli.Context) error {
	logger := log.New(nil, logLevel(c), true)
	folder := c.String(folderFlag.Name)
	if err := os.MkdirAll(folder, 0o740); err != nil {
		return fmt.Errorf("creating folder %s: %w", folder, err)
	}

	provider := mock.NewProvider(c.Uint64(feeFlag.Name), 0, clock.NewRealClock())
	if c.Bool(demoFlag.Name) {
		provider.AutoReveal(c.Duration(revealDelayFlag.Name))
	}

	e, err := engine.NewEngine(provider,
		engine.WithFolder(folder),
		engine.WithLogger(logger),
		engine.WithAutoCancel(c.Duration(sweepPeriodFlag.Name)),
	)
	if err != nil {
		return err
	}
	provider.Connect(e)
	e.StartGuard()

	var handler gohttp.Handler = http.New(e, logger)
	if c.IsSet(accessLogFlag.Name) {
		logFile, err := os.OpenFile(c.String(accessLogFlag.Name),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open access log: %w", err)
		}
		defer logFile.Close()
		handler = handlers.CombinedLoggingHandler(logFile, handler)
	} else {
		handler = handlers.CombinedLoggingHandler(os.Stdout, handler)
	}

	if c.IsSet(metricsFlag.Name) {
		metricsListener := metrics.Start(c.String(metricsFlag.Name), pprof.WithProfile())
		if metricsListener != nil {
			defer metricsListener.Close()
		}
	}

	listener, err := net.Listen("tcp", c.String(bindFlag.Name))
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.String(bindFlag.Name), err)
	}
	server := gohttp.Server{Handler: handler}
	go func() {
		logger.Warnw("observer api finished", "err", server.Serve(listener))
	}()
	logger.Infow("daemon running", "bind", listener.Addr().String(),
		"folder", folder, "demo", c.Bool(demoFlag.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infow("daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("observer api shutdown failed", "err", err)
	}
	return e.Stop(shutdownCtx)
}
