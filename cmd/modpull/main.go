// modpull is a background download engine for nxm:// protocol links. It
// registers as the URL handler for "download with mod manager" buttons:
// invoked with a link while an instance is already running, it forwards
// the link to that instance and exits; otherwise it becomes the owning
// instance, restores unfinished downloads and keeps listening for links.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modpull/modpull/internal/client"
	"github.com/modpull/modpull/internal/config"
	"github.com/modpull/modpull/internal/downloads"
	"github.com/modpull/modpull/internal/history"
	"github.com/modpull/modpull/internal/instance"
	"github.com/modpull/modpull/internal/logger"
	"github.com/modpull/modpull/internal/notify"
	"github.com/modpull/modpull/internal/nxm"
	"github.com/modpull/modpull/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	headless := flag.Bool("headless", false, "Run the link listener without printing transfer status")
	flag.Parse()

	var link string
	args := flag.Args()
	switch {
	case len(args) > 1:
		fmt.Fprintln(os.Stderr, "Too many arguments. Invoke modpull without arguments or with a single nxm:// URL.")
		os.Exit(2)
	case len(args) == 1:
		if !strings.HasPrefix(args[0], nxm.Scheme+"://") {
			fmt.Fprintln(os.Stderr, "Arguments are expected only when acting as an nxm:// URL handler.")
			os.Exit(2)
		}
		link = args[0]
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().Str("version", config.Version).Msg("starting modpull")

	// Exactly one instance owns downloads. Everyone else either forwards
	// their link to it or reports that it is already running.
	socketPath := cfg.Data.SocketPath()
	co, err := instance.Claim(socketPath, log.Logger)
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			if link != "" {
				if ferr := instance.Forward(socketPath, link); ferr != nil {
					log.Error().Err(ferr).Msg("failed to forward link to the running instance")
					os.Exit(1)
				}
				log.Info().Str("link", link).Msg("forwarded link to the running instance")
				return
			}
			fmt.Fprintln(os.Stderr, "modpull is already running.")
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("failed to claim instance socket")
	}
	defer co.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sink := notify.NewSink(0, log.Logger)
	store := downloads.NewStore(cfg.Downloads.Dir)
	index := downloads.HydrateIndex(store, log.Logger)
	origin := client.New(cfg.Origin, log.Logger)
	notifier := downloads.NewNotifier()
	svc := downloads.NewService(store, index, origin, sink, notifier, log.Logger)

	var histSvc *history.Service
	if cfg.History.Enabled {
		db, err := history.OpenDB(cfg.Data.HistoryPath())
		if err != nil {
			log.Error().Err(err).Msg("transfer history disabled")
		} else {
			defer db.Close()
			histSvc = history.NewService(db, log.Logger)
			svc.SetRecorder(histSvc)
		}
	}

	svc.ResumeOnStartup(ctx)

	if link != "" {
		if err := svc.Queue(ctx, link); err != nil {
			log.Warn().Err(err).Str("link", link).Msg("failed to queue download")
		}
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := sched.RegisterTask(scheduler.TaskConfig{
		ID:         "reconcile",
		Name:       "Reconcile download metadata",
		Cron:       cfg.Maintenance.ReconcileCron,
		Func:       svc.Reconcile,
		RunOnStart: true,
	}); err != nil {
		log.Error().Err(err).Msg("failed to register reconcile task")
	}
	if histSvc != nil {
		if err := sched.RegisterTask(scheduler.TaskConfig{
			ID:   "history-cleanup",
			Name: "Clean up transfer history",
			Cron: cfg.Maintenance.CleanupCron,
			Func: func(ctx context.Context) error {
				_, err := histSvc.CleanupOlderThan(ctx, cfg.History.RetentionDays)
				return err
			},
		}); err != nil {
			log.Error().Err(err).Msg("failed to register history cleanup task")
		}
	}
	sched.Start()
	defer sched.Stop()

	go co.Serve(ctx, svc.Queue)

	log.Info().Str("socket", socketPath).Bool("headless", *headless).Msg("listening for download links")
	run(ctx, log, svc, notifier, *headless)

	log.Info().Msg("shutting down")
	svc.Shutdown()
}

// run consumes change notifications until shutdown. Unless headless, it
// prints a throttled transfer summary whenever state changed.
func run(ctx context.Context, log *logger.Logger, svc *downloads.Service, notifier *downloads.Notifier, headless bool) {
	const statusInterval = 2 * time.Second
	var lastStatus time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifier.C():
			if headless || time.Since(lastStatus) < statusInterval {
				continue
			}
			lastStatus = time.Now()
			printStatus(log, svc)
		}
	}
}

func printStatus(log *logger.Logger, svc *downloads.Service) {
	for _, info := range svc.Downloads() {
		read := info.Progress.BytesRead()
		if total, ok := info.Progress.TotalSize(); ok && total > 0 {
			log.Info().
				Str("file", info.FileInfo.FileName).
				Str("state", info.State().String()).
				Int64("bytes", read).
				Int64("total", total).
				Msgf("%3d%%", read*100/total)
			continue
		}
		log.Info().
			Str("file", info.FileInfo.FileName).
			Str("state", info.State().String()).
			Int64("bytes", read).
			Msg("")
	}
}
