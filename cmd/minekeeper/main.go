package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"minekeeper/internal/app"
	logx "minekeeper/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./configs/minekeeper.yaml", "path to config (yaml, toml or json)")
	flag.Parse()

	// Used until the app owns a configured logger, and for exit reporting.
	log := logx.NewConsole("info").With(logx.String("comp", "main"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		log.Error("fatal", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		log.Error("fatal start", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
wait:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if err := a.SaveNow(ctx); err != nil {
					log.Warn("save on signal failed", logx.Err(err))
				}
				continue
			case os.Interrupt:
				reason = app.StopSIGINT
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			}
			break wait
		case <-a.Done():
			reason = app.StopFatalError
			break wait
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		log.Warn("stop", logx.Err(err))
	}
	if err := a.Err(); err != nil {
		log.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}
