// Package postback exposes the HTTP endpoint the affiliate network calls to
// report lifecycle events, plus a health probe.
package postback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tg_affiliate_tracker_bot/internal/feature/reconcile"
	"tg_affiliate_tracker_bot/internal/logging"
)

const (
	mongoPingTimeout  = 2 * time.Second
	readHeaderTimeout = 2 * time.Second
	listenPrefix      = ":"
)

// Response bodies the affiliate network understands.
const (
	statusOK           = "ok"
	statusInvalidChat  = "invalid telegram_id"
	statusUserNotFound = "user_not_found"
	statusError        = "error"
)

// MongoChecker defines the subset of MongoDB client behavior required for health.
type MongoChecker interface {
	Ping(ctx context.Context) error
}

type reconciler interface {
	Reconcile(ctx context.Context, chatIDRaw, accountID, event, amount string) (reconcile.Outcome, error)
}

// Server hosts the postback and health endpoints and owns the underlying
// HTTP server.
type Server struct {
	server       *http.Server
	logger       *logrus.Entry
	reconciler   reconciler
	mongoChecker MongoChecker
}

type response struct {
	Status string `json:"status"`
	Mongo  string `json:"mongo,omitempty"`
}

// NewServer constructs a server exposing GET|POST /postback and GET /healthz
// on the provided port.
func NewServer(port int, rec reconciler, mongoChecker MongoChecker, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:       logger,
		reconciler:   rec,
		mongoChecker: mongoChecker,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/postback", srv.handlePostback)
	mux.HandleFunc("/healthz", srv.handleHealth)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("%s%d", listenPrefix, port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "postback_listen",
		"addr":  s.server.Addr,
	}).Info("starting postback server")

	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("event", "postback_stopped").Info("postback server stopped")
			return nil
		}

		return fmt.Errorf("postback server listen: %w", err)
	}

	s.logger.WithField("event", "postback_stopped").Info("postback server stopped")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

// handlePostback translates the affiliate wire format into a reconcile call.
// The response is written as soon as the state change is durable; user
// notification happens detached, so the network always gets its
// acknowledgement promptly.
func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	event := r.FormValue("event")
	accountID := r.FormValue("user_id")
	sub1 := r.FormValue("sub1")
	amount := r.FormValue("amount")
	if amount == "" {
		amount = "0"
	}

	if event == "" || accountID == "" {
		s.logger.WithFields(logging.Fields{
			"event": "postback_bad_request",
			"sub1":  sub1,
		}).Warn("postback missing required parameters")
		s.writeJSON(w, http.StatusBadRequest, response{Status: statusError})
		return
	}

	if s.reconciler == nil {
		s.writeJSON(w, http.StatusInternalServerError, response{Status: statusError})
		return
	}

	outcome, err := s.reconciler.Reconcile(r.Context(), sub1, accountID, event, amount)
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"event": "postback_error",
			"sub1":  sub1,
		}).WithError(err).Error("postback reconciliation failed")
		s.writeJSON(w, http.StatusInternalServerError, response{Status: statusError})
		return
	}

	switch outcome.Kind {
	case reconcile.Rejected:
		s.writeJSON(w, http.StatusOK, response{Status: statusInvalidChat})
	case reconcile.Unmatched:
		s.writeJSON(w, http.StatusOK, response{Status: statusUserNotFound})
	default:
		s.writeJSON(w, http.StatusOK, response{Status: statusOK})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: statusOK}
	mongoStatus := statusOK

	ctx := r.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if s.mongoChecker == nil {
		mongoStatus = statusError
		s.logger.WithField("event", "health_mongo_missing").Warn("mongo checker is not configured for health endpoint")
	} else {
		pingCtx, cancel := context.WithTimeout(ctx, mongoPingTimeout)
		err := s.mongoChecker.Ping(pingCtx)
		cancel()

		if err != nil {
			mongoStatus = statusError
			s.logger.WithFields(logging.Fields{
				"event": "health_mongo_error",
			}).WithError(err).Warn("mongo ping failed during health check")
		}
	}

	if mongoStatus != statusOK {
		resp.Status = "degraded"
		resp.Mongo = statusError
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "postback_write_error").WithError(err).Error("failed to encode response")
	}
}
