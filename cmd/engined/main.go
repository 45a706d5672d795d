package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/reelforge/engine/internal"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "rehydrate":
		runRehydrate(os.Args[2:])
	case "version":
		fmt.Printf("engined %s\n", version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `engined %s — torrent acquisition and delivery engine

Usage:
  engined serve [flags]       Run the download queue and the /watch HTTP API
  engined rehydrate [flags]   Re-drive pending downloads once, then exit
  engined version             Show version

Flags (serve, rehydrate):
  -download-location string   Root directory for per-download subdirectories
  -db string                  SQLite database path
  -addr string                HTTP listen address (serve only)
`, version)
}

func bindFlags(fs *flag.FlagSet, cfg *internal.EngineConfig) {
	fs.StringVar(&cfg.DownloadLocation, "download-location", cfg.DownloadLocation, "root directory for per-download subdirectories")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "http listen address")
}

func bootstrap(cfg internal.EngineConfig) (*internal.SQLiteStore, *internal.Client, *internal.Queue, error) {
	store, err := internal.OpenSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	client, err := internal.NewClient(cfg.DownloadLocation)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("create peer client: %w", err)
	}

	queue := internal.NewQueue(store, client, cfg)
	return store, client, queue, nil
}

// runServe runs the HTTP streaming API and the download queue together,
// rehydrating pending downloads on start and watching the peer client's
// global error channel: on a fatal client error the whole client and
// queue are torn down and rebuilt, then rehydration runs again, since
// any mid-flight handles are considered lost.
func runServe(args []string) {
	cfg := internal.DefaultEngineConfig()
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	bindFlags(fs, &cfg)
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, client, queue, err := bootstrap(cfg)
	if err != nil {
		log.Fatalf("engined: %v", err)
	}
	defer store.Close()

	var clientBox atomic.Pointer[internal.Client]
	var queueBox atomic.Pointer[internal.Queue]
	clientBox.Store(client)
	queueBox.Store(queue)
	defer clientBox.Load().Close()

	if err := queue.RehydrateOnStart(ctx); err != nil {
		log.Fatalf("engined: rehydrate: %v", err)
	}

	go watchClientErrors(ctx, cfg, store, &clientBox, &queueBox)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: internal.NewRouter(queueBox.Load, cfg),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("engined: http shutdown: %v", err)
		}
	}()

	log.Printf("engined %s — listening on %s, downloads under %s", version, cfg.HTTPAddr, cfg.DownloadLocation)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("engined: http: %v", err)
	}
}

// watchClientErrors owns the single consumer of client.ErrChan() so a
// fatal error is handled exactly once, not raced across every
// in-flight download's own select loop.
func watchClientErrors(ctx context.Context, cfg internal.EngineConfig, store *internal.SQLiteStore, clientBox *atomic.Pointer[internal.Client], queueBox *atomic.Pointer[internal.Queue]) {
	for {
		current := clientBox.Load()
		select {
		case <-ctx.Done():
			return
		case err, ok := <-current.ErrChan():
			if !ok {
				return
			}
			log.Printf("engined: peer client reported a fatal error, rebuilding: %v", err)
			current.Close()

			newClient, cerr := internal.NewClient(cfg.DownloadLocation)
			if cerr != nil {
				log.Fatalf("engined: rebuild peer client: %v", cerr)
			}
			newQueue := internal.NewQueue(store, newClient, cfg)
			clientBox.Store(newClient)
			queueBox.Store(newQueue)
			if rerr := newQueue.RehydrateOnStart(ctx); rerr != nil {
				log.Printf("engined: rehydrate after rebuild: %v", rerr)
			}
		}
	}
}

// runRehydrate re-drives pending downloads once and exits once the
// batch has been dispatched, for use from cron or an init container.
func runRehydrate(args []string) {
	cfg := internal.DefaultEngineConfig()
	fs := flag.NewFlagSet("rehydrate", flag.ExitOnError)
	bindFlags(fs, &cfg)
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, client, queue, err := bootstrap(cfg)
	if err != nil {
		log.Fatalf("engined: %v", err)
	}
	defer store.Close()
	defer client.Close()

	if err := queue.RehydrateOnStart(ctx); err != nil {
		log.Fatalf("engined: rehydrate: %v", err)
	}
	log.Printf("engined: rehydrate dispatched, exiting")
}
