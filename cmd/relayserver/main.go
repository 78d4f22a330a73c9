// Command relayserver is the entry point for the message relay pipeline:
// it loads configuration, wires the Sharded Cache Client, Device Message
// Queue, Messages Manager, Presence Registry, Message Sender, Push
// Fallback Scheduler, Message Persister, and WebSocket/HTTP surface
// together, starts the background persist and push loops, and serves
// until an interrupt signal requests a graceful shutdown.
//
// Grounded on opd-ai/toxcore's testnet/cmd/main.go flag-parsing and
// signal-driven graceful-shutdown shape (parseCLIFlags → validate →
// construct → setupSignalHandling → run, with deferred cleanup), adapted
// here from a test-orchestrator CLI to a long-running server process.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relay/internal/cache"
	relayconfig "github.com/opd-ai/relay/internal/config"
	"github.com/opd-ai/relay/internal/durable"
	"github.com/opd-ai/relay/internal/httpapi"
	"github.com/opd-ai/relay/internal/messages"
	"github.com/opd-ai/relay/internal/observability"
	"github.com/opd-ai/relay/internal/persist"
	"github.com/opd-ai/relay/internal/presence"
	"github.com/opd-ai/relay/internal/push"
	"github.com/opd-ai/relay/internal/queue"
	"github.com/opd-ai/relay/internal/sender"
	"github.com/opd-ai/relay/internal/wsserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration document")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", true, "emit structured JSON logs")
	flag.Parse()

	log := observability.NewLogger(*logLevel, *logJSON).WithField("component", "relayserver")

	cfg := relayconfig.Default()
	if *configPath != "" {
		loaded, err := relayconfig.Load(*configPath)
		if err != nil {
			log.WithError(err).Error("failed to load configuration")
			return 1
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel, log)

	app, err := wireApplication(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to wire application")
		return 1
	}

	go app.pushScheduler.Run(ctx)
	go app.persister.Run(ctx)

	httpServer := &http.Server{Addr: cfg.Listen.Address, Handler: app.router}
	serveErrCh := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.Listen.Address).Info("listening")
		serveErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped unexpectedly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
	app.persister.Stop()
	app.pushScheduler.Stop()

	return 0
}

// setupSignalHandling cancels ctx on the first SIGINT (os.Interrupt), letting run
// drain in-flight work before exiting.
func setupSignalHandling(cancel context.CancelFunc, log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("received interrupt signal, shutting down")
		cancel()
	}()
}

type application struct {
	router        http.Handler
	pushScheduler *push.Scheduler
	persister     *persist.Persister
}

// wireApplication constructs every component of the relay pipeline and
// returns the assembled HTTP/WebSocket router plus the two background
// loops main must start and stop.
func wireApplication(ctx context.Context, cfg relayconfig.Config, log *logrus.Entry) (*application, error) {
	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:       cfg.Cache.Addrs,
		Username:    cfg.Cache.Username,
		Password:    cfg.Cache.Password,
		DialTimeout: cfg.Cache.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relayserver: connect to cache cluster: %w", err)
	}

	cacheClient := cache.New(rdb, cache.Config{
		MaxRetries:          cfg.Cache.MaxRetries,
		CommandTimeout:      cfg.Cache.CommandTimeout,
		BreakerFailureRatio: cfg.Cache.BreakerFailureRatio,
		BreakerWindow:       cfg.Cache.BreakerWindow,
		BreakerOpenDuration: cfg.Cache.BreakerOpenDuration,
	}, log.WithField("subsystem", "cache"))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Table.Region))
	if err != nil {
		return nil, fmt.Errorf("relayserver: load aws config: %w", err)
	}
	table := durable.New(awsCfg, cfg.Table.Name, cfg.Table.RetentionDays, log.WithField("subsystem", "durable"))

	queueLog := log.WithField("subsystem", "queue")
	queueFactory := func(account uuid.UUID, device uint32) *queue.Queue {
		return queue.New(cacheClient, account, device, cfg.Cache.ShardCount, queueLog)
	}

	events := make(chan messages.Event, 1024)
	manager := messages.New(
		func(account uuid.UUID, device uint32) messages.Queue { return queueFactory(account, device) },
		table, events, log.WithField("subsystem", "messages"))

	presenceReg := presence.New(cacheClient, cfg.Delivery.PresentTTL, log.WithField("subsystem", "presence"))

	accounts := newExternalAccountStore()

	hub := wsserver.NewHub(log.WithField("subsystem", "wsserver"))

	apnClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.Push.APNs.PrivateKeyPath != "" {
		apnClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{}}
	}
	apnEndpoint := "https://api.push.apple.com/3/device"
	if cfg.Push.APNs.Sandbox {
		apnEndpoint = "https://api.sandbox.push.apple.com/3/device"
	}
	apnProvider := push.NewAPNProvider(apnEndpoint, "", apnClient)

	fcmEndpoint := fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", cfg.Push.FCM.ProjectID)
	fcmProvider := push.NewFCMProvider(fcmEndpoint, &http.Client{Timeout: 10 * time.Second})

	tokenLookup := &externalTokenLookup{}
	pushScheduler := push.New(cacheClient, tokenLookup, accounts, apnProvider, fcmProvider, push.Config{
		PollInterval:   cfg.Push.PollInterval,
		BatchSize:      int64(cfg.Push.BatchSize),
		InitialBackoff: cfg.Push.InitialBackoff,
		MaxBackoff:     cfg.Push.MaxBackoff,
		MaxRetries:     cfg.Push.MaxRetries,
	}, log.WithField("subsystem", "push"))

	messageSender := sender.New(cfg.ServerInstanceID, presenceReg, hub, cacheClient, manager, pushScheduler, accounts, log.WithField("subsystem", "sender"))

	persister := persist.New(cacheClient,
		func(account uuid.UUID, device uint32) persist.Queue { return queueFactory(account, device) },
		table, manager, persist.Config{
			ShardCount:      cfg.Cache.ShardCount,
			PersistDelay:    cfg.Delivery.PersistDelay,
			PersistInterval: cfg.Delivery.PersistInterval,
			PersistLease:    cfg.Delivery.PersistLease,
			MaxQueuesPerRun: cfg.Delivery.MaxQueuesPerRun,
			PersistPage:     cfg.Delivery.PersistPage,
		}, log.WithField("subsystem", "persist"))

	eventRouter := wsserver.NewEventRouter(manager, log.WithField("subsystem", "eventrouter"))

	wsHandler := wsserver.NewServer(hub, presenceReg, cacheClient, manager, eventRouter, pushScheduler, accounts,
		cfg.ServerInstanceID, wsserver.Config{
			FlushLimit:     cfg.Delivery.MaxMessagesPerFetch,
			PresentRefresh: cfg.Delivery.PresentRefresh,
		}, log.WithField("subsystem", "wsserver"))

	httpHandler := httpapi.New(accounts, accounts, accounts, messageSender, manager, httpapi.Config{
		MaxMessagesPerFetch: cfg.Delivery.MaxMessagesPerFetch,
	}, log.WithField("subsystem", "httpapi"))

	r := chi.NewRouter()
	httpHandler.RegisterRoutes(r)
	r.Handle("/ws", wsHandler)

	return &application{router: r, pushScheduler: pushScheduler, persister: persister}, nil
}

// externalAccountStore is the placeholder implementation of every
// interface this pipeline treats as an external collaborator. A production
// deployment replaces this with a client for the real account service;
// wiring it here keeps every component's dependency satisfied so the
// pipeline the rest of this file assembles can be exercised end to end.
type externalAccountStore struct{}

func newExternalAccountStore() *externalAccountStore { return &externalAccountStore{} }

func (s *externalAccountStore) Authenticate(r *http.Request) (uuid.UUID, uint32, error) {
	return uuid.UUID{}, 0, fmt.Errorf("relayserver: external authentication service not configured")
}

func (s *externalAccountStore) ResolveDevices(ctx context.Context, account uuid.UUID) ([]httpapi.DeviceRecord, error) {
	return nil, fmt.Errorf("relayserver: external account store not configured")
}

func (s *externalAccountStore) ChallengeRequired(ctx context.Context, account uuid.UUID) (bool, error) {
	return false, nil
}

func (s *externalAccountStore) Lookup(ctx context.Context, account uuid.UUID, device uint32) (sender.DeviceInfo, error) {
	return sender.DeviceInfo{}, fmt.Errorf("relayserver: external device lookup not configured")
}

func (s *externalAccountStore) MarkStale(ctx context.Context, account uuid.UUID, device uint32, provider string) error {
	return nil
}

// externalTokenLookup is push.TokenLookup's placeholder, kept separate
// from externalAccountStore because sender.DeviceLookup and
// push.TokenLookup both declare a method named Lookup with a different
// result type — one Go type cannot implement both.
type externalTokenLookup struct{}

func (s *externalTokenLookup) Lookup(ctx context.Context, account uuid.UUID, device uint32) (push.DeviceTokens, error) {
	return push.DeviceTokens{}, fmt.Errorf("relayserver: external push token lookup not configured")
}
