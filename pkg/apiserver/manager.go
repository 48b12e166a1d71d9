// Package apiserver serves stored run reports over HTTP.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/store"
)

// Manager ...
type Manager struct {
	DB *store.DB
}

// New creates a manager instance
func New(db *store.DB) *Manager {
	return &Manager{DB: db}
}

// Router returns the routes of the results API.
func (m *Manager) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/runs", m.listRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", m.uploadRun).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{id}", m.getRun).Methods(http.MethodGet)
	r.HandleFunc("/api/runs/{id}/outcomes", m.getOutcomes).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { ok(w, "ok") })
	return r
}

// Run serves on addr until ctx is done.
func (m *Manager) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      m.Router(),
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("results api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Trace(err)
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Trace(srv.Shutdown(shutdown))
	}
}

func ok(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, msg)
}

func okJSON(w http.ResponseWriter, a interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(a)
}

func fail(w http.ResponseWriter, err error) {
	zap.L().Debug("request failed", zap.Error(err), zap.String("stack", errors.ErrorStack(err)))
	code := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		code = http.StatusNotFound
	case errors.IsBadRequest(err):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}
