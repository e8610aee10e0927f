package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/range-sharding/chunkmover/app"
	"github.com/range-sharding/chunkmover/pkg"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/movlog"
)

var (
	cfgPath string

	rootCmd = &cobra.Command{
		Use:   "chunkmover run --config `path-to-config`",
		Short: "chunkmover",
		Long:  "chunkmover coordinates chunk migrations and range deletions of a range-sharded cluster",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Version:       pkg.MoverVersionRevision,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/chunkmover/mover.yaml", "path to mover config file")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run mover",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgStr, err := config.LoadMoverCfg(cfgPath)
		if err != nil {
			return err
		}
		log.Println("Running config:", cfgStr)

		mcfg := config.MoverConfig()
		movlog.ReloadLogger(mcfg.LogFileName, mcfg.LogLevel, mcfg.PrettyLogging)

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			for {
				s := <-sigs
				movlog.Zero.Info().Str("signal", s.String()).Msg("received signal")

				switch s {
				case syscall.SIGHUP:
					if _, err := config.LoadMoverCfg(cfgPath); err != nil {
						movlog.Zero.Error().Err(err).Msg("failed to reread config file")
						continue
					}
					if err := movlog.UpdateZeroLogLevel(config.MoverConfig().LogLevel); err != nil {
						movlog.Zero.Error().Err(err).Msg("")
					}
				case syscall.SIGINT, syscall.SIGTERM:
					cancelCtx()
					return
				default:
				}
			}
		}()

		mover, err := app.NewApp(ctx)
		if err != nil {
			return err
		}
		return mover.Run(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		movlog.Zero.Fatal().Err(err).Msg("")
	}
}
