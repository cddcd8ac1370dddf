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

	"github.com/robfig/cron/v3"

	"github.com/clashmeter/clashmeter/internal/api"
	"github.com/clashmeter/clashmeter/internal/buildinfo"
	"github.com/clashmeter/clashmeter/internal/collector"
	"github.com/clashmeter/clashmeter/internal/config"
	"github.com/clashmeter/clashmeter/internal/flusher"
	"github.com/clashmeter/clashmeter/internal/geoip"
	"github.com/clashmeter/clashmeter/internal/realtime"
	"github.com/clashmeter/clashmeter/internal/store"
)

func main() {
	// 1. Load and validate environment config.
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if envCfg.APIToken != "" && config.IsWeakToken(envCfg.APIToken) {
		log.Printf("[main] warning: API_TOKEN is weak; use a longer random token")
	}
	log.Printf("[main] clashmeter %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	// 2. GeoIP resolver (optional).
	var geo geoip.Resolver
	if envCfg.GeoIPDBPath != "" {
		mmdb, err := geoip.OpenMMDB(envCfg.GeoIPDBPath)
		if err != nil {
			log.Printf("[main] geoip disabled: %v", err)
		} else {
			defer mmdb.Close()
			geo = mmdb
			log.Printf("[main] geoip database loaded from %s", envCfg.GeoIPDBPath)
		}
	}

	// 3. Store.
	st, err := store.Open(envCfg.DBPath, geo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// 4. Optional declarative backend bootstrap.
	if envCfg.BackendsFile != "" {
		if err := seedBackends(st, envCfg.BackendsFile); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	// 5. Ingestion pipeline: cache, collector sessions, flusher.
	cache := realtime.New()
	supervisor := collector.NewSupervisor(st, cache, st, geo, envCfg.StaleConnectionTTL)
	if err := supervisor.Sync(); err != nil {
		log.Printf("[main] initial supervisor sync: %v", err)
	}
	fl := flusher.New(cache, st, envCfg.FlushInterval)
	fl.Start()

	// 6. Scheduled retention cleanup.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(envCfg.CleanupSchedule, func() {
		rc, err := st.GetRetentionConfig()
		if err != nil {
			log.Printf("[main] scheduled cleanup: read retention: %v", err)
			return
		}
		if !rc.AutoCleanup {
			return
		}
		counts, err := st.CleanupOldData("", rc.ConnectionLogsDays)
		if err != nil {
			log.Printf("[main] scheduled cleanup failed: %v", err)
			return
		}
		log.Printf("[main] scheduled cleanup done: %v", counts)
	})
	if err != nil {
		log.Printf("[main] cleanup schedule disabled: %v", err)
	} else {
		scheduler.Start()
	}

	// 7. API server.
	deps := &api.Deps{
		Store:      st,
		Cache:      cache,
		Supervisor: supervisor,
		Tolerance:  envCfg.RealtimeRangeEndTolerance,
	}
	srv := api.NewServer(envCfg.APIPort, envCfg.APIToken, int64(envCfg.APIMaxBodyBytes), deps)
	go func() {
		log.Printf("[main] API server listening on :%d", envCfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] API server error: %v", err)
		}
	}()

	// 8. Graceful shutdown: stop ingestion, flush pending deltas, close.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[main] received signal %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown: %v", err)
	}

	scheduler.Stop()
	supervisor.StopAll()
	fl.Stop()
	log.Printf("[main] stopped")
}

// seedBackends ensures every backend named in the seed file exists,
// creating missing ones. Existing backends are left untouched so manual
// edits survive restarts.
func seedBackends(st *store.Store, path string) error {
	seeds, err := config.LoadSeedBackends(path)
	if err != nil {
		return err
	}
	for _, s := range seeds {
		if _, err := st.GetBackendByName(s.Name); err == nil {
			continue
		} else if !store.IsNotFound(err) {
			return fmt.Errorf("seed backend %s: %w", s.Name, err)
		}

		if config.IsWeakToken(s.Token) {
			log.Printf("[main] warning: seeded backend %s has a weak token", s.Name)
		}
		b, err := st.CreateBackend(s.Name, s.URL, s.Token)
		if err != nil {
			return fmt.Errorf("seed backend %s: %w", s.Name, err)
		}
		patch := store.BackendPatch{Enabled: s.Enabled, Listening: s.Listening}
		if patch.Enabled != nil || patch.Listening != nil {
			if _, err := st.UpdateBackend(b.ID, patch); err != nil {
				return fmt.Errorf("seed backend %s: %w", s.Name, err)
			}
		}
		log.Printf("[main] seeded backend %s", s.Name)
	}
	return nil
}
