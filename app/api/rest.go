// Package api contains the REST front door of the delivery engine: ingestion,
// status queries and subscription management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cappuccinotm/hookrelay/app/delivery"
	"github.com/cappuccinotm/hookrelay/app/errs"
	"github.com/cappuccinotm/hookrelay/app/queue"
	"github.com/cappuccinotm/hookrelay/app/store"
	"github.com/cappuccinotm/hookrelay/app/store/engine"
	"github.com/cappuccinotm/hookrelay/pkg/logx"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// maxIngestBodySize bounds the accepted payload size.
const maxIngestBodySize = 1024 * 1024

// Rest is a server implementing the ingestion and status API over the
// delivery engine. Subscription updates and deletes go through the cached
// engine decorator, so the cache invalidation is synchronous with them.
type Rest struct {
	Addr    string
	Version string
	Logger  logx.Logger

	Subscriptions engine.Subscriptions
	Status        *delivery.Aggregator
	Queue         queue.Interface
}

// Listen starts the REST server and blocks until the context is done.
func (s *Rest) Listen(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.routes()}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			s.Logger.Printf("[WARN] failed to shutdown the rest server: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Rest) routes() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	api.Path("/ingest/{id}").Methods(http.MethodPost).HandlerFunc(s.ingestCtrl)
	api.Path("/status/{id}").Methods(http.MethodGet).HandlerFunc(s.statusCtrl)

	api.Path("/subscriptions").Methods(http.MethodPost).HandlerFunc(s.createSubscriptionCtrl)
	api.Path("/subscriptions").Methods(http.MethodGet).HandlerFunc(s.listSubscriptionsCtrl)
	api.Path("/subscriptions/{id}").Methods(http.MethodGet).HandlerFunc(s.getSubscriptionCtrl)
	api.Path("/subscriptions/{id}").Methods(http.MethodPut).HandlerFunc(s.updateSubscriptionCtrl)
	api.Path("/subscriptions/{id}").Methods(http.MethodDelete).HandlerFunc(s.deleteSubscriptionCtrl)
	api.Path("/subscriptions/{id}/attempts").Methods(http.MethodGet).HandlerFunc(s.listAttemptsCtrl)

	return router
}

// POST /api/v1/ingest/{id} - accept a payload for the subscription, enqueue
// the first delivery attempt and respond with the webhook id for the status
// checks. The ingestion path never writes attempt rows itself.
func (s *Rest) ingestCtrl(w http.ResponseWriter, r *http.Request) {
	subID := mux.Vars(r)["id"]

	sub, err := s.Subscriptions.Get(r.Context(), subID)
	if errors.Is(err, errs.ErrNotFound) {
		s.sendErrorJSON(w, r, http.StatusNotFound, err, "subscription not found")
		return
	}
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to get subscription")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodySize))
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		s.sendErrorJSON(w, r, http.StatusBadRequest, errors.New("body is not a valid json"), "invalid json body received")
		return
	}

	eventType := r.Header.Get("X-Event-Type")
	if !sub.Matches(eventType) {
		s.sendErrorJSON(w, r, http.StatusUnprocessableEntity,
			fmt.Errorf("event type %q is not accepted by subscription %s", eventType, subID),
			"event type is filtered out by the subscription")
		return
	}

	job := store.DeliveryJob{
		WebhookID:      uuid.NewString(),
		SubscriptionID: subID,
		Payload:        body,
		EventType:      eventType,
		Signature:      r.Header.Get("X-Signature"),
		AttemptNumber:  1,
	}

	if err = s.Queue.Put(r.Context(), job, 0); err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to enqueue delivery")
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]string{"webhook_id": job.WebhookID})
}

// GET /api/v1/status/{id} - the aggregated status of the webhook's chain.
func (s *Rest) statusCtrl(w http.ResponseWriter, r *http.Request) {
	webhookID := mux.Vars(r)["id"]

	status, err := s.Status.Status(r.Context(), webhookID)
	if errors.Is(err, errs.ErrNotFound) {
		s.sendErrorJSON(w, r, http.StatusNotFound, err, "no delivery attempts for the given webhook id")
		return
	}
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to aggregate status")
		return
	}

	s.sendJSON(w, http.StatusOK, status)
}

// GET /api/v1/subscriptions/{id}/attempts?limit=N - recent delivery attempts
// towards the subscription, newest first. Empty list is a valid response.
func (s *Rest) listAttemptsCtrl(w http.ResponseWriter, r *http.Request) {
	subID := mux.Vars(r)["id"]

	limit := 0
	if _, err := fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit); err != nil {
		limit = 0 // fall back to the default
	}

	attempts, err := s.Status.ListAttempts(r.Context(), subID, limit)
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []store.DeliveryAttempt{}
	}

	s.sendJSON(w, http.StatusOK, attempts)
}

// POST /api/v1/subscriptions - register a new subscription.
func (s *Rest) createSubscriptionCtrl(w http.ResponseWriter, r *http.Request) {
	var sub store.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.sendErrorJSON(w, r, http.StatusBadRequest, err, "failed to decode the subscription")
		return
	}

	if err := validateSubscription(sub); err != nil {
		s.sendErrorJSON(w, r, http.StatusBadRequest, err, "invalid subscription")
		return
	}

	id, err := s.Subscriptions.Create(r.Context(), sub)
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to create subscription")
		return
	}

	sub.ID = id
	s.sendJSON(w, http.StatusCreated, sub)
}

// GET /api/v1/subscriptions - list all registered subscriptions.
func (s *Rest) listSubscriptionsCtrl(w http.ResponseWriter, r *http.Request) {
	subs, err := s.Subscriptions.List(r.Context())
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []store.Subscription{}
	}
	s.sendJSON(w, http.StatusOK, subs)
}

// GET /api/v1/subscriptions/{id} - a single subscription.
func (s *Rest) getSubscriptionCtrl(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Subscriptions.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, errs.ErrNotFound) {
		s.sendErrorJSON(w, r, http.StatusNotFound, err, "subscription not found")
		return
	}
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to get subscription")
		return
	}
	s.sendJSON(w, http.StatusOK, sub)
}

// PUT /api/v1/subscriptions/{id} - rewrite the subscription; the cached entry
// is invalidated before the response is sent.
func (s *Rest) updateSubscriptionCtrl(w http.ResponseWriter, r *http.Request) {
	var sub store.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.sendErrorJSON(w, r, http.StatusBadRequest, err, "failed to decode the subscription")
		return
	}
	sub.ID = mux.Vars(r)["id"]

	if err := validateSubscription(sub); err != nil {
		s.sendErrorJSON(w, r, http.StatusBadRequest, err, "invalid subscription")
		return
	}

	err := s.Subscriptions.Update(r.Context(), sub)
	if errors.Is(err, errs.ErrNotFound) {
		s.sendErrorJSON(w, r, http.StatusNotFound, err, "subscription not found")
		return
	}
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to update subscription")
		return
	}

	s.sendJSON(w, http.StatusOK, sub)
}

// DELETE /api/v1/subscriptions/{id} - remove the subscription; in-flight
// webhooks towards it terminate on their next attempt.
func (s *Rest) deleteSubscriptionCtrl(w http.ResponseWriter, r *http.Request) {
	err := s.Subscriptions.Delete(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, errs.ErrNotFound) {
		s.sendErrorJSON(w, r, http.StatusNotFound, err, "subscription not found")
		return
	}
	if err != nil {
		s.sendErrorJSON(w, r, http.StatusInternalServerError, err, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func validateSubscription(sub store.Subscription) error {
	if sub.TargetURL == "" {
		return errors.New("target_url is required")
	}
	u, err := url.Parse(sub.TargetURL)
	if err != nil {
		return fmt.Errorf("parse target_url: %w", err)
	}
	if !u.IsAbs() {
		return errors.New("target_url must be absolute")
	}
	return nil
}

func (s *Rest) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Logger.Printf("[WARN] failed to encode the response body: %v", err)
	}
}

func (s *Rest) sendErrorJSON(w http.ResponseWriter, r *http.Request, status int, err error, details string) {
	s.Logger.Printf("[WARN] %s %s: %s: %v", r.Method, r.URL.Path, details, err)
	s.sendJSON(w, status, map[string]string{"error": details})
}
