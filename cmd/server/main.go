/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Gift Card Fulfillment Engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Create supplier and channel clients
  4. Wire engine components (provisioner, dispatcher, coordinator, reconciler)
  5. Start maintenance scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -db              SQLite database path (default: fulfillment.db)
                   Use ":memory:" for in-memory database
  -supplier-url    Base URL of the card supplier API
  -sms-url         Base URL of the SMS provider API
  -email-url       Base URL of the email provider API
  -sweep-interval  Maintenance scheduler interval (default: 1m)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the maintenance scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/fulfillment.db" -supplier-url=https://supplier.example.com

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

ENVIRONMENT:
  No environment variables currently. All config via flags.
  Future: DATABASE_URL, PORT, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/fulfillment-engine/api"
	"github.com/warp/fulfillment-engine/channel"
	"github.com/warp/fulfillment-engine/engine"
	"github.com/warp/fulfillment-engine/importer"
	"github.com/warp/fulfillment-engine/store/sqlite"
	"github.com/warp/fulfillment-engine/supplier"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "fulfillment.db", "SQLite database path")
	supplierURL := flag.String("supplier-url", "http://localhost:9001", "Card supplier API base URL")
	smsURL := flag.String("sms-url", "http://localhost:9002", "SMS provider API base URL")
	emailURL := flag.String("email-url", "http://localhost:9003", "Email provider API base URL")
	sweepInterval := flag.Duration("sweep-interval", 1*time.Minute, "Maintenance scheduler interval")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// External clients
	sup := supplier.NewHTTPClient("supplier", *supplierURL, supplier.DefaultTimeout, supplier.LogAudit{})
	senders := map[engine.Channel]channel.Sender{
		engine.ChannelSMS:   channel.NewSMSClient(*smsURL, 0),
		engine.ChannelEmail: channel.NewEmailClient(*emailURL, 0),
	}

	// Engine components
	provisioner := engine.NewProvisioner(store, sup)
	dispatcher := engine.NewDispatcher(store, senders, engine.DefaultDispatcherConfig())
	coordinator := engine.NewCoordinator(store, provisioner, dispatcher)
	reconciler := engine.NewReconciler(store, store, sup)
	imp := importer.New(store)

	// Initialize handler
	handler := api.NewHandler(store, coordinator, dispatcher, reconciler, imp)

	// Start maintenance scheduler
	scheduler := api.NewMaintenanceScheduler(store, coordinator, reconciler)
	scheduler.CheckInterval = *sweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
