// Command vwt-dispatcher runs fleet requests queued on Kafka and publishes their
// results. It also accepts requests over HTTP and exposes metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/vwt/internal/serverutil"
	"github.com/andrej220/vwt/pkg/config"
	"github.com/andrej220/vwt/pkg/consumer"
	"github.com/andrej220/vwt/pkg/lg"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"golang.org/x/sync/errgroup"
)

func main() {
	o, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := lg.New(o.Log)
	defer logger.Sync()

	if err := run(o, logger); err != nil {
		logger.Error("Fatal error", lg.Err(err))
		os.Exit(1)
	}
}

func run(o options, logger lg.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := config.NewStore(o.storeType())
	if err != nil {
		return err
	}
	defer store.Close()
	cfg, err := config.Load(store)
	if err != nil {
		return err
	}

	requests := consumer.NewConsumer[shared.Request](consumer.Config{
		Brokers: o.Brokers,
		GroupID: o.GroupID,
		Topic:   o.RequestTopic,
	})
	svc, err := newService(cfg, o, requests,
		newKafkaProducer(o.Brokers, o.ResponseTopic, o.PublishRetries, logger),
		newKafkaProducer(o.Brokers, o.RequestTopic, o.PublishRetries, logger),
		logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if o.Archive.URI != "" {
		a, err := newMongoArchive(o.Archive.URI, o.Archive.DBName, o.Archive.CollName)
		if err != nil {
			return err
		}
		svc.archive = a
	}

	if err := store.Watch(func() {
		next, err := config.Load(store)
		if err != nil {
			logger.Error("configuration reload rejected", lg.Err(err))
			return
		}
		if err := svc.Reload(next); err != nil {
			logger.Error("fleet reload failed", lg.Err(err))
		}
	}); err != nil {
		logger.Warn("configuration changes are not watched", lg.Err(err))
	}

	logger.Info("starting service", lg.String("service", SERVICENAME), lg.String("addr", o.Addr),
		lg.Strings("brokers", o.Brokers), lg.String("requests", o.RequestTopic))

	srv := serverutil.DefaultServerConfig()
	srv.Addr = o.Addr
	srv.Logger = logger

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serverutil.RunServer(gctx, svc.Handler(), srv) })
	g.Go(func() error { return svc.Run(gctx) })
	return g.Wait()
}
