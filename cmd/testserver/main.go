// testserver starts a stevedore API server over the in-memory fake backend
// for end-to-end testing. Resource states are driven through
// PUT /fake/resources/{id}/status.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stevedore/internal/api"
	"github.com/seantiz/stevedore/internal/backend"
	"github.com/seantiz/stevedore/internal/backend/backendtest"
	"github.com/seantiz/stevedore/internal/config"
	"github.com/seantiz/stevedore/internal/engine"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/store"
)

// statusRequest is the body of PUT /fake/resources/{id}/status.
type statusRequest struct {
	Status   model.ResourceStatus `json:"status"`
	ExitCode *int                 `json:"exit_code,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

func main() {
	addr := ":8080"
	if v := os.Getenv("STEVEDORE_LISTEN_ADDR"); v != "" {
		addr = v
	}
	dbPath := ":memory:"
	if v := os.Getenv("STEVEDORE_STORE_DB_PATH"); v != "" {
		dbPath = v
	}

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	fake := backendtest.New()
	reg := backend.NewRegistry()
	reg.Register(backendtest.Name, fake)

	logger := config.NewLogger(os.Stdout, config.Config{LogLevel: os.Getenv("STEVEDORE_LOG_LEVEL")}.SlogLevel())
	d, err := engine.New(context.Background(), engine.Options{
		Registry: reg,
		Backend:  backendtest.Name,
		Tags:     db,
		Events:   db,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to create delegator: %v", err)
	}

	srv := api.NewServer(addr, db, reg, d, logger)
	srv.Router().Put("/fake/resources/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := fake.SetStatus(chi.URLParam(r, "id"), req.Status, req.ExitCode, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
