package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tg_affiliate_tracker_bot/internal/config"
	"tg_affiliate_tracker_bot/internal/feature/conversation"
	"tg_affiliate_tracker_bot/internal/feature/reconcile"
	"tg_affiliate_tracker_bot/internal/logging"
	"tg_affiliate_tracker_bot/internal/notify"
	"tg_affiliate_tracker_bot/internal/postback"
	"tg_affiliate_tracker_bot/internal/store"
	"tg_affiliate_tracker_bot/internal/telegram"
)

const (
	mongoConnectTimeout    = 10 * time.Second
	mongoIndexTimeout      = 5 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
	httpShutdownTimeout    = 5 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureBaseIndexes(indexCtx); err != nil {
		cancelIndexes()
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	recordStore := store.NewRecordStore(mongoManager.Users(), logger)
	statsProvider := store.NewStatsProvider(mongoManager.Users())
	machine := conversation.NewMachine(recordStore, statsProvider, cfg.ReferralLinkBase, cfg.OperatorChatID, logger)

	tgClient, err := telegram.NewClient(cfg, machine, logger)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	dispatcher := notify.NewDispatcher(tgClient, recordStore, cfg.OperatorChatID, logger)
	tgClient.SetDispatcher(dispatcher)
	reconciler := reconcile.NewReconciler(recordStore, dispatcher, logger)

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	httpServer := postback.NewServer(cfg.HTTPPort, reconciler, mongoManager, logger)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(func() error {
		tgClient.Start(groupCtx)
		return nil
	})

	group.Go(func() error {
		return httpServer.ListenAndServe()
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancelShutdown()

		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server error")
	}

	logger.WithField("event", "producers_stopped").Info("producers stopped, disconnecting mongo")

	disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(disconnectCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelDisconnect()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
