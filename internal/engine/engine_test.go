package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"process-engine/internal/models"
	"process-engine/internal/queue"
	"process-engine/internal/store"
)

func newTestEngine(t *testing.T, workers int) (*Engine, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewMemoryStore()
	eng := New(Options{
		Store:             st,
		Queue:             queue.NewTaskQueue(client, 30*time.Second),
		Workers:           workers,
		PollInterval:      5 * time.Millisecond,
		ReconcileInterval: 25 * time.Millisecond,
		WebhookMaxWait:    5 * time.Second,
	})
	return eng, st
}

func startEngine(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("engine did not drain on shutdown")
		}
	})
}

func waitForJobStatus(t *testing.T, st store.Store, key, status string, timeout time.Duration) models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), key)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := st.GetJob(context.Background(), key)
	t.Fatalf("job %s did not reach %s in %s (currently %s)", key, status, timeout, job.Status)
	return models.Job{}
}

func delegateTask(name string) TaskRequest {
	return TaskRequest{
		Command: models.Command{
			Type:     models.CommandDelegate,
			Delegate: &models.DelegateCommand{Name: name},
		},
	}
}

// Mirrors the production throughput scenario: many jobs of two sequential
// commands each under a concurrent worker pool must produce exactly one
// in-order execution pair per job.
func TestEngineExecutesJobsAndCommandsAsExpected(t *testing.T) {
	const numJobs = 100
	eng, st := newTestEngine(t, 8)

	var mu sync.Mutex
	executions := make(map[string][]int)
	for i := 0; i < numJobs; i++ {
		jobKey := fmt.Sprintf("job-%03d", i)
		for step := 0; step < 2; step++ {
			name := fmt.Sprintf("%s-step-%d", jobKey, step)
			step := step
			eng.Delegates().Register(name, func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				executions[jobKey] = append(executions[jobKey], step)
				return nil
			})
		}
	}

	startEngine(t, eng)

	ctx := context.Background()
	for i := 0; i < numJobs; i++ {
		jobKey := fmt.Sprintf("job-%03d", i)
		_, err := eng.Enqueue(ctx, Request{
			JobKey:   jobKey,
			Actor:    models.Actor{UserIDOrOrgNumber: "12345678901"},
			Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceOwnerPartyID: 501, InstanceGUID: jobKey},
			Tasks: []TaskRequest{
				delegateTask(jobKey + "-step-0"),
				delegateTask(jobKey + "-step-1"),
			},
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", jobKey, err)
		}
	}

	for i := 0; i < numJobs; i++ {
		waitForJobStatus(t, st, fmt.Sprintf("job-%03d", i), models.StatusSucceeded, 30*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for jobKey, steps := range executions {
		total += len(steps)
		if len(steps) != 2 || steps[0] != 0 || steps[1] != 1 {
			t.Fatalf("job %s executed out of order or wrong count: %v", jobKey, steps)
		}
	}
	if total != numJobs*2 {
		t.Fatalf("expected %d executions got %d", numJobs*2, total)
	}
}

func TestRetryExhaustionFailsTaskAndJob(t *testing.T) {
	eng, st := newTestEngine(t, 2)
	startEngine(t, eng)

	_, err := eng.Enqueue(context.Background(), Request{
		JobKey:   "job-throw",
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceOwnerPartyID: 501, InstanceGUID: "g1"},
		Tasks: []TaskRequest{
			{
				Command: models.Command{Type: models.CommandThrow, Throw: &models.ThrowCommand{Message: "boom"}},
				Retry:   models.ConstantRetry(20*time.Millisecond, 3),
			},
			{Command: models.Command{Type: models.CommandNoop}},
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForJobStatus(t, st, "job-throw", models.StatusFailed, 10*time.Second)
	if job.Tasks[0].Status != models.StatusFailed {
		t.Fatalf("expected failed task got %s", job.Tasks[0].Status)
	}
	if job.Tasks[0].RequeueCount != 3 {
		t.Fatalf("expected 3 requeues before exhaustion got %d", job.Tasks[0].RequeueCount)
	}
	// Fail-fast: the second task never started.
	if job.Tasks[1].Status != models.StatusPending {
		t.Fatalf("later task must not run after job failure, got %s", job.Tasks[1].Status)
	}
	if job.Tasks[1].StartTime != nil {
		t.Fatalf("later task must never have started")
	}
}

func TestTimeoutTasksRunSequentially(t *testing.T) {
	eng, st := newTestEngine(t, 4)
	startEngine(t, eng)

	timeoutTask := TaskRequest{
		Command: models.Command{
			Type:    models.CommandTimeout,
			Timeout: &models.TimeoutCommand{Duration: models.Duration(250 * time.Millisecond)},
		},
	}
	begin := time.Now()
	_, err := eng.Enqueue(context.Background(), Request{
		JobKey:   "job-timeout",
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceOwnerPartyID: 501, InstanceGUID: "g2"},
		Tasks:    []TaskRequest{timeoutTask, timeoutTask},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForJobStatus(t, st, "job-timeout", models.StatusSucceeded, 15*time.Second)
	if elapsed := time.Since(begin); elapsed < 500*time.Millisecond {
		t.Fatalf("two 250ms tasks finished in %s, they must not overlap", elapsed)
	}
}

func TestWebhookTaskCompletesOnSignal(t *testing.T) {
	eng, st := newTestEngine(t, 2)
	startEngine(t, eng)

	const uri = "/ttd/demo/instances/501/g3/process-engine/test/scenario-callback"
	_, err := eng.Enqueue(context.Background(), Request{
		JobKey:   "job-webhook",
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceOwnerPartyID: 501, InstanceGUID: "g3"},
		Tasks: []TaskRequest{
			{Command: models.Command{Type: models.CommandWebhook, Webhook: &models.WebhookCommand{URI: uri}}},
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The task must reach Running and stay there until the webhook arrives.
	deadline := time.Now().Add(5 * time.Second)
	for eng.Webhooks().Outstanding(uri) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("webhook task never registered a waiter")
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := st.GetJob(context.Background(), "job-webhook")
	if job.Tasks[0].Status != models.StatusRunning {
		t.Fatalf("expected running webhook task got %s", job.Tasks[0].Status)
	}

	if !eng.Webhooks().Signal(uri) {
		t.Fatalf("signal should complete a waiting task")
	}
	waitForJobStatus(t, st, "job-webhook", models.StatusSucceeded, 10*time.Second)

	// Duplicate delivery after completion is a no-op.
	if eng.Webhooks().Signal(uri) {
		t.Fatalf("duplicate webhook delivery must not find a waiter")
	}
	job, _ = st.GetJob(context.Background(), "job-webhook")
	if job.Status != models.StatusSucceeded {
		t.Fatalf("duplicate delivery corrupted job status: %s", job.Status)
	}
}

func TestUnknownDelegateFailsWithoutConsumingRetries(t *testing.T) {
	eng, st := newTestEngine(t, 2)
	startEngine(t, eng)

	_, err := eng.Enqueue(context.Background(), Request{
		JobKey:   "job-unknown",
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceOwnerPartyID: 501, InstanceGUID: "g4"},
		Tasks: []TaskRequest{
			{
				Command: models.Command{Type: models.CommandDelegate, Delegate: &models.DelegateCommand{Name: "nowhere"}},
				Retry:   models.ConstantRetry(time.Second, 5),
			},
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitForJobStatus(t, st, "job-unknown", models.StatusFailed, 10*time.Second)
	if job.Tasks[0].RequeueCount != 0 {
		t.Fatalf("configuration errors must not consume retries, got %d requeues", job.Tasks[0].RequeueCount)
	}
}

func TestShutdownReleasesInFlightTask(t *testing.T) {
	eng, st := newTestEngine(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	// A long timeout command with no retry strategy; shutdown interrupts it
	// mid-run.
	_, err := eng.Enqueue(context.Background(), Request{
		JobKey:   "job-shutdown",
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceOwnerPartyID: 501, InstanceGUID: "g7"},
		Tasks: []TaskRequest{
			{Command: models.Command{Type: models.CommandTimeout, Timeout: &models.TimeoutCommand{Duration: models.Duration(5 * time.Second)}}},
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), "job-shutdown")
		if err == nil && job.Tasks[0].Status == models.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never started running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("engine did not drain on shutdown")
	}

	job, err := st.GetJob(context.Background(), "job-shutdown")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Tasks[0].Status != models.StatusPending {
		t.Fatalf("interrupted task must go back to pending, got %s", job.Tasks[0].Status)
	}
	if job.Tasks[0].RequeueCount != 0 {
		t.Fatalf("shutdown must not consume retry attempts, got %d requeues", job.Tasks[0].RequeueCount)
	}
	if models.TerminalStatus(job.Status) {
		t.Fatalf("job must stay resumable after shutdown, got %s", job.Status)
	}
}

func TestEnqueueIdempotency(t *testing.T) {
	eng, st := newTestEngine(t, 1)

	req := Request{
		JobKey:   "job-dup",
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceOwnerPartyID: 501, InstanceGUID: "g5"},
		Tasks:    []TaskRequest{{Command: models.Command{Type: models.CommandNoop}}},
	}
	if _, err := eng.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := eng.Enqueue(context.Background(), req)
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey got %v", err)
	}

	job, err := st.GetJob(context.Background(), "job-dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(job.Tasks) != 1 {
		t.Fatalf("duplicate enqueue must not add tasks, got %d", len(job.Tasks))
	}
}

func TestEnqueueValidation(t *testing.T) {
	eng, _ := newTestEngine(t, 1)

	_, err := eng.Enqueue(context.Background(), Request{
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceGUID: "g6"},
	})
	if err == nil {
		t.Fatalf("empty task list must be rejected")
	}

	_, err = eng.Enqueue(context.Background(), Request{
		Instance: models.InstanceInformation{Org: "ttd", App: "demo", InstanceGUID: "g6"},
		Tasks:    []TaskRequest{{Command: models.Command{Type: models.CommandWebhook}}},
	})
	if err == nil {
		t.Fatalf("invalid command must be rejected")
	}
}
