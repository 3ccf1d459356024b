package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"process-engine/internal/engine"
	"process-engine/internal/models"
	"process-engine/internal/queue"
	"process-engine/internal/store"
)

func newTestServer(t *testing.T) (*EngineServer, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewMemoryStore()
	eng := engine.New(engine.Options{
		Store: st,
		Queue: queue.NewTaskQueue(client, 30*time.Second),
	})
	return NewEngineServer(eng, st, engine.NewScenarioCounter(), nil, nil), st
}

const instancePath = "/ttd/demo/instances/501/abc-123/process-engine"

func TestEnqueueEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()

	body := `{"jobKey":"job-1","actor":{"userIdOrOrgNumber":"12345678901"},"tasks":[{"command":{"$type":"noop"}}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, instancePath+"/test", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Key != "job-1" || len(job.Tasks) != 1 {
		t.Fatalf("unexpected job in response: %+v", job)
	}

	// Job is queryable afterwards.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, instancePath+"/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on lookup got %d", rec.Code)
	}

	// Duplicate jobKey is rejected but leaves the stored job intact.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, instancePath+"/test", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on duplicate got %d", rec.Code)
	}
	stored, err := st.GetJob(context.Background(), "job-1")
	if err != nil || len(stored.Tasks) != 1 {
		t.Fatalf("stored job corrupted by duplicate enqueue: %+v %v", stored, err)
	}
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	cases := []struct {
		name string
		path string
		body string
	}{
		{"non-integer party id", "/ttd/demo/instances/abc/abc-123/process-engine/test", `{"tasks":[{"command":{"$type":"noop"}}]}`},
		{"malformed json", instancePath + "/test", `{`},
		{"empty task list", instancePath + "/test", `{"tasks":[]}`},
		{"invalid command", instancePath + "/test", `{"tasks":[{"command":{"$type":"webhook"}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", rec.Code)
			}
		})
	}
}

func TestScenarioEndpointUnknownScenario(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, instancePath+"/test/scenario?testScenario=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestScenarioEndpointEnqueuesJobs(t *testing.T) {
	srv, st := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, instancePath+"/test/scenario?numJobs=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["NumResponses"] != 3 {
		t.Fatalf("expected 3 jobs got %d", resp["NumResponses"])
	}
	ready, err := st.GetReadyTasks(context.Background(), 10)
	if err != nil {
		t.Fatalf("ready tasks: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready tasks got %d", len(ready))
	}
}

func TestScenarioCallbackIncrementsCounter(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, instancePath+"/test/scenario-callback", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d", rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, instancePath+"/test/scenario-stats", nil))
	var stats map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["Counter"] != 2 {
		t.Fatalf("expected counter 2 got %d", stats["Counter"])
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, instancePath+"/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}
