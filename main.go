package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"renat/internal/config"
	"renat/internal/conn"
	"renat/internal/identity"
	"renat/internal/jobpath"
	"renat/internal/jobs"
	"renat/internal/location"
	"renat/internal/presence"
	"renat/internal/transport"
)

func run(ctx context.Context, src location.Source) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ids, err := identity.Open(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = ids.Close() }()

	id, err := ids.Ensure(cfg.DisplayName, cfg.Area)
	if err != nil {
		return err
	}
	slog.Info("device registered", "user_code", id.UserCode, "display_name", id.DisplayName)

	store := presence.NewStore()

	client := transport.NewClient(transport.Config{
		URL:            cfg.WSURL,
		ReconnectDelay: cfg.ReconnectDelay,
	})

	recorder := jobpath.NewRecorder(jobpath.Config{
		MinInterval:  cfg.PathMinInterval,
		MinDistanceM: cfg.PathMinDistanceM,
		MaxPoints:    cfg.PathMaxPoints,
	})

	presConn := conn.New(conn.Config{
		UserCode:     id.UserCode,
		Store:        store,
		Transport:    client,
		Location:     src,
		PingInterval: cfg.PingInterval,
		Watch: location.WatchOptions{
			Accuracy:    location.AccuracyBalanced,
			MinInterval: cfg.WatchInterval,
			MinDistance: cfg.WatchDistanceM,
		},
		OnSample: func(lat, lng float64) {
			recorder.RecordIfSignificant(lat, lng)
		},
	})
	client.OnConnect = presConn.HandleConnected
	client.OnDisconnect = presConn.HandleDisconnected

	if err := presConn.Start(ctx); err != nil {
		return err
	}

	// Warm the destination cache so the first job form renders instantly;
	// an unreachable API is not fatal here.
	jobAPI := jobs.NewClient(ctx, jobs.Config{BaseURL: cfg.APIURL})
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if dests, err := jobAPI.Destinations(warmCtx); err != nil {
			slog.Warn("destination prefetch failed", "error", err)
		} else {
			slog.Info("destinations loaded", "count", len(dests))
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(gCtx)
	})

	// Coarse status log in place of the map UI.
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-store.Changes():
				slog.Info("presence",
					"conn", store.ConnState(),
					"users", store.Len(),
					"path_points", recorder.Len(),
				)
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down presence client...")
		presConn.Close()
		return client.Close()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The real deployment plugs a platform GPS binding in here; without one
	// the client runs on the fallback position.
	if err := run(ctx, &location.Static{}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
