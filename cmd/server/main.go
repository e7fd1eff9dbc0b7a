/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the treasury engine server: SQLite repository,
  bbolt audit log, engine, chi router, graceful shutdown.

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: treasury.db)
           Use ":memory:" for an in-memory database
  -audit   bbolt audit log path (default: audit.db)
  -seed    Load the demo scenario on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain active requests
  (30s timeout), close stores, exit.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/treasury-engine/api"
	"github.com/warp/treasury-engine/factory"
	"github.com/warp/treasury-engine/store/bolt"
	"github.com/warp/treasury-engine/store/sqlite"
	"github.com/warp/treasury-engine/treasury"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "treasury.db", "SQLite database path (\":memory:\" for in-memory)")
	auditPath := flag.String("audit", "audit.db", "bbolt audit log path")
	seed := flag.Bool("seed", false, "load the demo scenario on startup")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	repo, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to open repository", zap.Error(err))
	}
	defer repo.Close()

	auditLog, err := bolt.Open(*auditPath)
	if err != nil {
		logger.Fatal("failed to open audit log", zap.Error(err))
	}
	defer auditLog.Close()

	engine := treasury.NewEngine(repo, auditLog, logger)

	if *seed {
		if _, err := factory.SeedDemoScenario(context.Background(), engine); err != nil {
			logger.Fatal("failed to seed demo scenario", zap.Error(err))
		}
		logger.Info("demo scenario loaded")
	}

	handler := api.NewHandler(engine, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: api.NewRouter(handler),
	}

	go func() {
		logger.Info("treasury engine listening", zap.Int("port", *port), zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
