// The cloned daemon serves the disk clone orchestration API: it issues
// per-session certificates, manages the clone session lifecycle, provisions
// staging for staged transfers and streams live progress to subscribers.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mrveiss/pureboot-sub001/api/sessionhandler"
	"github.com/mrveiss/pureboot-sub001/broadcast"
	"github.com/mrveiss/pureboot-sub001/ca"
	"github.com/mrveiss/pureboot-sub001/cmd/flags"
	"github.com/mrveiss/pureboot-sub001/httpserver"
	"github.com/mrveiss/pureboot-sub001/inventory"
	"github.com/mrveiss/pureboot-sub001/orchestrator"
	"github.com/mrveiss/pureboot-sub001/staging"
)

var cliFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.CAKeyDirFlag,
	flags.LeafValidityHoursFlag,
	flags.KeepVersionsFlag,
	flags.StagedDeadlineHoursFlag,
	flags.ReapIntervalSecondsFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "cloned",
		Usage: "Serve the disk clone orchestration API",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			leafValidity := time.Duration(cCtx.Int(flags.LeafValidityHoursFlag.Name)) * time.Hour
			cloneCA := ca.New(cCtx.String(flags.CAKeyDirFlag.Name), leafValidity, logger)

			// A CA that cannot persist its root key cannot serve at all.
			if err := cloneCA.Initialize(); err != nil {
				logger.Error("Failed to initialize clone CA", "err", err)
				return err
			}

			inv := inventory.NewStore(logger)
			stagingFactory := staging.NewFactory(logger)
			broadcaster := broadcast.New(broadcast.DefaultProgressRate, logger)

			orchCfg := orchestrator.Config{
				KeepVersions:   cCtx.Int(flags.KeepVersionsFlag.Name),
				StagedDeadline: time.Duration(cCtx.Int(flags.StagedDeadlineHoursFlag.Name)) * time.Hour,
				ReapInterval:   time.Duration(cCtx.Int64(flags.ReapIntervalSecondsFlag.Name)) * time.Second,
			}
			orch := orchestrator.New(orchCfg, cloneCA, inv, stagingFactory, broadcaster, logger)

			reaper := orchestrator.NewReaper(orch)
			reaper.Start()
			defer reaper.Stop()

			handler := sessionhandler.NewHandler(orch, broadcaster, inv, logger)

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
