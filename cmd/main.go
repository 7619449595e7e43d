package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"flipbook/internal/events"
	"flipbook/internal/flipbook"
	"flipbook/internal/frames"
	"flipbook/internal/logging"
	"flipbook/internal/models"
	"flipbook/internal/server"
	"flipbook/internal/storage"
	"flipbook/internal/sweeper"
	"flipbook/internal/worker"
)

// store is everything the service needs from the job and video store.
type store interface {
	server.Store
	worker.Store
	sweeper.Store
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("flipbook stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *models.Config, logger *logrus.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var db store
	var wake <-chan struct{}
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewStorage(ctx, cfg.DatabaseURL, logging.Component(logger, "storage"))
		if err != nil {
			return err
		}
		defer pg.Close()

		listener, err := storage.NewListener(cfg.DatabaseURL, logging.Component(logger, "listener"))
		if err != nil {
			return err
		}
		g.Go(func() error { return listener.Run(ctx) })
		db, wake = pg, listener.Wake()
	} else {
		logger.Warn("database_url is empty, jobs are kept in memory only")
		mem := storage.NewMemory()
		db, wake = mem, mem.Wake()
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KafkaBroker != "" {
		publisher = events.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic, logging.Component(logger, "events"))
	}
	defer publisher.Close()

	extractor := frames.NewExtractor(cfg.FFmpegPath, cfg.ExtractTimeout.Std(), "", logging.Component(logger, "frames"))
	builder := flipbook.NewBuilder(extractor, logging.Component(logger, "builder"))

	w := worker.New(db, builder, publisher, worker.Options{
		PollInterval: cfg.PollInterval.Std(),
		JobTimeout:   cfg.JobTimeout.Std(),
		Wake:         wake,
	}, logging.Component(logger, "worker"))
	sweepEvents := events.NewQueue(publisher, 256, 5*time.Second, logging.Component(logger, "events"))
	defer sweepEvents.Close()
	sw := sweeper.New(db, cfg.Retention.Std(), sweepEvents, logging.Component(logger, "sweeper"))
	srv := server.NewServer(cfg, db, logging.Component(logger, "server"))

	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return sw.Run(ctx, cfg.SweepSchedule) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	return g.Wait()
}
