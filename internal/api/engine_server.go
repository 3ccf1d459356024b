// Package api exposes the HTTP surfaces of both processes: the engine's
// test/demo and webhook endpoints, and the app-side callback endpoint the
// engine invokes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"process-engine/internal/engine"
	"process-engine/internal/models"
	"process-engine/internal/ratelimit"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
)

// EngineServer wires the engine process's HTTP handlers.
type EngineServer struct {
	engine  *engine.Engine
	store   store.Store
	counter *engine.ScenarioCounter
	limiter *ratelimit.TokenBucket
	logger  *zap.Logger
}

// NewEngineServer constructs the engine HTTP surface. The limiter may be nil
// to disable rate limiting (tests do this).
func NewEngineServer(eng *engine.Engine, st store.Store, counter *engine.ScenarioCounter, limiter *ratelimit.TokenBucket, logger *zap.Logger) *EngineServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineServer{
		engine:  eng,
		store:   st,
		counter: counter,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *EngineServer) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/{org}/{app}/instances/{instanceOwnerPartyId}/{instanceGuid}/process-engine", func(r chi.Router) {
		r.Post("/test", s.handleTestEnqueue)
		r.Post("/test/scenario", s.handleScenario)
		r.Get("/test/scenario-callback", s.handleScenarioCallback)
		r.Get("/test/scenario-stats", s.handleScenarioStats)
		r.Get("/jobs/{key}", s.handleGetJob)
	})
	return r
}

type testEnqueueRequest struct {
	JobKey string               `json:"jobKey,omitempty"`
	Actor  models.Actor         `json:"actor"`
	Tasks  []engine.TaskRequest `json:"tasks"`
}

func (s *EngineServer) handleTestEnqueue(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceFromRequest(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, instance) {
		return
	}

	var req testEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job, err := s.engine.Enqueue(r.Context(), engine.Request{
		JobKey:   req.JobKey,
		Actor:    req.Actor,
		Instance: instance,
		Tasks:    req.Tasks,
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *EngineServer) handleScenario(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceFromRequest(w, r)
	if !ok {
		return
	}
	if !s.allow(w, r, instance) {
		return
	}

	numJobs := 1
	if v := r.URL.Query().Get("numJobs"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "numJobs must be a positive integer", http.StatusBadRequest)
			return
		}
		numJobs = n
	}
	scenario := r.URL.Query().Get("testScenario")
	if scenario == "" {
		scenario = ScenarioNoop
	}
	block := r.URL.Query().Get("block") == "true"

	keys := make([]string, 0, numJobs)
	for i := 0; i < numJobs; i++ {
		tasks, err := ScenarioTasks(scenario, instance)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		job, err := s.engine.Enqueue(r.Context(), engine.Request{
			Instance: instance,
			Actor:    models.Actor{UserIDOrOrgNumber: "scenario"},
			Tasks:    tasks,
		})
		if err != nil {
			s.writeEnqueueError(w, err)
			return
		}
		keys = append(keys, job.Key)
	}

	if block {
		if err := s.waitForJobs(r.Context(), keys); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"NumResponses": len(keys)})
}

// handleScenarioCallback is the inbound webhook endpoint: receipt of the
// request is what completes a webhook-commanded task.
func (s *EngineServer) handleScenarioCallback(w http.ResponseWriter, r *http.Request) {
	s.counter.Increment()
	telemetry.WebhookDeliveries.Inc()
	delivered := s.engine.Webhooks().Signal(r.URL.Path)
	if !delivered {
		// Duplicate or early delivery; nothing waits on this URI.
		s.logger.Debug("webhook delivery without waiter", zap.String("uri", r.URL.Path))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *EngineServer) handleScenarioStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"Counter": s.counter.Value()})
}

func (s *EngineServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *EngineServer) allow(w http.ResponseWriter, r *http.Request, instance models.InstanceInformation) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.AppKey(instance.Org, instance.App))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *EngineServer) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrStorageUnavailable):
		http.Error(w, "storage unavailable", http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *EngineServer) waitForJobs(ctx context.Context, keys []string) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		done := true
		for _, key := range keys {
			job, err := s.store.GetJob(ctx, key)
			if err != nil {
				return err
			}
			if !models.TerminalStatus(job.Status) {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return errors.New("jobs did not finish before the block deadline")
}

func instanceFromRequest(w http.ResponseWriter, r *http.Request) (models.InstanceInformation, bool) {
	partyID, err := strconv.Atoi(chi.URLParam(r, "instanceOwnerPartyId"))
	if err != nil {
		http.Error(w, "instanceOwnerPartyId must be an integer", http.StatusBadRequest)
		return models.InstanceInformation{}, false
	}
	return models.InstanceInformation{
		Org:                  chi.URLParam(r, "org"),
		App:                  chi.URLParam(r, "app"),
		InstanceOwnerPartyID: partyID,
		InstanceGUID:         chi.URLParam(r, "instanceGuid"),
	}, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
