package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/fieldtrack/internal/api"
	"github.com/banshee-data/fieldtrack/internal/config"
	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/fsutil"
	"github.com/banshee-data/fieldtrack/internal/httputil"
	"github.com/banshee-data/fieldtrack/internal/location"
	"github.com/banshee-data/fieldtrack/internal/remote"
	"github.com/banshee-data/fieldtrack/internal/rpc"
	"github.com/banshee-data/fieldtrack/internal/serialmux"
	"github.com/banshee-data/fieldtrack/internal/session"
	"github.com/banshee-data/fieldtrack/internal/syncer"
	"github.com/banshee-data/fieldtrack/internal/timeutil"
	"github.com/banshee-data/fieldtrack/internal/version"
	"github.com/banshee-data/fieldtrack/internal/worker"
)

const (
	sourceNMEA   = "nmea"
	sourceReplay = "replay"

	remoteTimeout = 30 * time.Second
)

type sourceOptions struct {
	kind     string
	port     string
	baudRate int
	replay   string
	speedup  float64
}

// buildStore picks the backend: Postgres, the HTTP API, or an in-memory
// store when neither is configured.
func buildStore(ctx context.Context, rt config.RuntimeConfig) (remote.Store, func(), error) {
	switch {
	case rt.PostgresURL != "":
		pool, err := remote.ConnectPostgres(ctx, rt.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := remote.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Print("using postgres backend")
		return store, pool.Close, nil

	case rt.RemoteURL != "":
		client := httputil.NewStandardClient(nil, remoteTimeout)
		client.UserAgent = version.UserAgent()
		log.Printf("using HTTP backend at %s", rt.RemoteURL)
		return remote.NewHTTPStore(client, rt.RemoteURL, rt.RemoteAPIKey), func() {}, nil

	default:
		log.Print("no backend configured; sessions and points stay in an in-memory store")
		return remote.NewMockStore(), func() {}, nil
	}
}

// buildSource opens the location source and starts the goroutines feeding
// it. The returned attach func mounts any debug routes the source has.
func buildSource(ctx context.Context, wg *sync.WaitGroup, opts sourceOptions, cfg *config.TrackingConfig) (location.Source, func(*http.ServeMux), error) {
	clock := timeutil.RealClock{}
	switch opts.kind {
	case sourceNMEA:
		sm, err := serialmux.NewRealSerialMux(opts.port, serialmux.PortOptions{BaudRate: opts.baudRate})
		if err != nil {
			return nil, nil, err
		}
		src := location.NewNMEASource(sm, clock, cfg.GetFixTimeout())

		wg.Add(2)
		go func() {
			defer wg.Done()
			defer sm.Close()
			if err := sm.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor serial port: %v", err)
			}
			log.Print("serial monitor terminated")
		}()
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("nmea source stopped: %v", err)
			}
		}()
		return src, sm.AttachAdminRoutes, nil

	case sourceReplay:
		if opts.replay == "" {
			return nil, nil, errors.New("the replay source needs -replay")
		}
		src, err := location.NewReplaySource(fsutil.OSFileSystem{}, opts.replay, clock, location.ReplayOptions{
			Speedup:           opts.speedup,
			Rebase:            true,
			WaitForSubscriber: true,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("replaying %d fixes from %s", src.Len(), opts.replay)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("replay stopped: %v", err)
			}
			log.Print("replay finished")
		}()
		return src, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown location source %q", opts.kind)
	}
}

// app is the wired daemon minus its listeners.
type app struct {
	db      *db.DB
	engine  *syncer.Engine
	worker  *worker.Worker
	manager *session.Manager
	api     *api.Server
	rpc     *rpc.Server
	admin   []func(*http.ServeMux)
}

func newApp(database *db.DB, store remote.Store, source location.Source, cfg *config.TrackingConfig, employeeID, speedUnits string) *app {
	engine := syncer.NewEngine(database, store, syncer.OptionsFromConfig(cfg))
	w := worker.New(database, source, worker.OptionsFromConfig(cfg))
	mgr := session.NewManager(database, store, source, w, engine, session.OptionsFromConfig(cfg, employeeID))
	return &app{
		db:      database,
		engine:  engine,
		worker:  w,
		manager: mgr,
		api:     api.NewServer(mgr, engine, database, speedUnits, cfg.GetMaxAttempts()),
		rpc:     rpc.NewServer(mgr),
	}
}

func (a *app) handler() http.Handler {
	mux := a.api.ServeMux()
	a.db.AttachAdminRoutes(mux)
	a.api.AttachAdminRoutes(mux)
	for _, attach := range a.admin {
		attach(mux)
	}
	return api.LoggingMiddleware(mux)
}

// start launches the sync engine, the worker and the manager, then
// reattaches any session a previous run left open.
func (a *app) start(ctx context.Context, wg *sync.WaitGroup) {
	actors := []struct {
		name string
		run  func(context.Context) error
	}{
		{"sync engine", a.engine.Run},
		{"worker", a.worker.Run},
		{"session manager", a.manager.Run},
	}
	for _, actor := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := actor.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s stopped: %v", actor.name, err)
			}
			log.Printf("%s terminated", actor.name)
		}()
	}

	st, err := a.manager.Init(ctx)
	if err != nil {
		log.Printf("failed to restore session: %v", err)
		return
	}
	if st.Session != nil && st.Status == session.StatusActive {
		log.Printf("resumed session %s (%.3f km)", st.Session.ID, st.DistanceKm)
	}
	for _, w := range st.Warnings {
		log.Printf("warning: %s", w)
	}
}

func run(ctx context.Context, rt config.RuntimeConfig, cfg *config.TrackingConfig, opts sourceOptions, speedUnits string) error {
	database, err := db.NewDB(rt.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	store, closeStore, err := buildStore(ctx, rt)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	source, attach, err := buildSource(ctx, &wg, opts, cfg)
	if err != nil {
		return err
	}

	a := newApp(database, store, source, cfg, rt.EmployeeID, speedUnits)
	if attach != nil {
		a.admin = append(a.admin, attach)
	}
	a.start(ctx, &wg)

	if rt.GRPCListen != "" {
		if err := a.rpc.ListenAndServe(rt.GRPCListen); err != nil {
			return err
		}
		defer a.rpc.Stop()
	}

	// Request contexts derive from ctx so open state streams end on shutdown.
	server := &http.Server{
		Addr:        rt.Listen,
		Handler:     a.handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", rt.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	return nil
}
