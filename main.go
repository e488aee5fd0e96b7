package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dmhub/internal/config"
	"dmhub/internal/fanout"
	"dmhub/internal/hub"
	"dmhub/internal/presence"
	"dmhub/internal/push"
	"dmhub/internal/storage"
	"dmhub/internal/ws"

	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyAddr},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to valkey: %w", err)
	}
	defer valkeyClient.Close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	var sender push.Sender
	if cfg.PushEnabled() {
		sender = push.NewWebPushSender(push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.PushSubscriber,
			Timeout:         cfg.PushTimeout,
		})
	}

	registry := presence.NewRegistry(valkeyClient, cfg.PresenceTTL)
	fan := fanout.NewAdapter(valkeyClient, cfg.InstanceID)
	h := hub.New(ctx, hub.Config{
		InstanceID:  cfg.InstanceID,
		PushTimeout: cfg.PushTimeout,
	}, registry, fan, store, sender)

	wsServer := ws.NewServer(h)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", wsServer.HandleConnections)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Cross-instance fan-out subscriber
	g.Go(func() error {
		err := fan.Run(gCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("fanout subscriber failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("Server started on %s (instance %s)", cfg.ListenAddr, cfg.InstanceID)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		return storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB, cfg.StoreTimeout)
	case config.BackendBbolt:
		return storage.NewBboltStorage(cfg.DBFile)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
