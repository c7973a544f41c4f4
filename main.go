package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lilia2288/tg-notes-bot/bot"
	_ "github.com/Lilia2288/tg-notes-bot/bots/NotesBot"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const envConfigFile = "CONFIG_FILE"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "botfarm",
	Short: "Runs the registered Telegram bots",
	Long: `Botfarm initializes every registered bot with its section of the
configuration file and runs them until it gets SIGINT or SIGTERM.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			cfgFile = os.Getenv(envConfigFile)
		}
		if cfgFile == "" {
			return errors.New("configuration file name isn't set")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfgFile)
	},
}

// getLogger creates a logger in the given namespace
func getLogger(ns string) (*zap.SugaredLogger, func() error) {
	logger, _ := zap.NewDevelopment(zap.Fields(zap.String("ns", ns)))

	return logger.Sugar(), logger.Sync
}

type initialized struct {
	rec bot.Record
	ctx *bot.Context
	log *zap.SugaredLogger
}

func run(ctx context.Context, cfgFile string) error {
	logger, syncLogs := getLogger("Global")
	defer syncLogs()

	records := bot.GetThemAll()
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Name)
	}

	botConfigs, err := bot.LoadConfigs(cfgFile, names...)
	if err != nil {
		logger.Errorw("couldn't load configuration", "err", err)
		return err
	}

	// every bot is initialized before any of them starts serving
	bots := make([]initialized, 0, len(records))
	for _, rec := range records {
		l, syncBotLogs := getLogger(rec.Name)
		defer syncBotLogs()

		cfg := botConfigs[rec.Name]
		if err := cfg.Validate(rec.Name); err != nil {
			l.Error(err)
			return err
		}

		c, err := rec.Bot.Init(cfg, l)
		if err != nil {
			return errors.Wrapf(err, "failed to initialize %s", rec.Name)
		}

		bots = append(bots, initialized{rec: rec, ctx: c, log: l})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bots {
		g.Go(func() error {
			b.log.Info("bot is running")
			err := b.rec.Bot.Run(ctx, b.ctx)
			if err != nil {
				b.log.Errorw("bot stopped", "err", err)
			} else {
				b.log.Info("bot stopped")
			}
			return err
		})
	}

	return g.Wait()
}

// Botfarm entry point
func main() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "configuration file (YAML or JSON), defaults to $"+envConfigFile)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
