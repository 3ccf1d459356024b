// The app binary is a minimal application process: it serves the callback
// endpoint the engine posts to and runs the standard transition pipelines
// against in-memory ports. Real applications supply their own data layer and
// hooks.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"process-engine/internal/api"
	"process-engine/internal/config"
	"process-engine/internal/models"
	"process-engine/internal/pipeline"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	resolver := pipeline.NewResolver()
	pipelines := pipeline.NewPipelines(pipeline.Dependencies{
		Metadata: staticMetadata{},
		Process:  prefixProcessReader{},
		Resolver: resolver,
		Logger:   logger,
	})

	data := newMemData()
	server := api.NewAppServer(cfg.APIKey, pipelines, resolver, prefixProcessReader{},
		func(models.InstanceInformation) pipeline.InstanceDataMutator { return data },
		logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("app callback server listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// staticMetadata serves an app with no auto-created data types.
type staticMetadata struct{}

func (staticMetadata) GetApplicationMetadata(context.Context) (pipeline.ApplicationMetadata, error) {
	return pipeline.ApplicationMetadata{ID: "demo"}, nil
}

// prefixProcessReader derives the task type from the element id, so a task
// named "payment-1" resolves the "payment" handler.
type prefixProcessReader struct{}

func (prefixProcessReader) GetTaskExtension(taskID string) (pipeline.TaskExtension, error) {
	taskType, _, _ := strings.Cut(taskID, "-")
	if taskType == taskID {
		taskType = ""
	}
	return pipeline.TaskExtension{TaskType: taskType}, nil
}

// memData is a map-backed instance-data port.
type memData struct {
	mu     sync.Mutex
	data   map[string][]byte
	locked map[string]bool
}

func newMemData() *memData {
	return &memData{data: make(map[string][]byte), locked: make(map[string]bool)}
}

func (m *memData) GetData(_ context.Context, dataTypeID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[dataTypeID]
	return data, ok, nil
}

func (m *memData) SetData(_ context.Context, dataTypeID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[dataTypeID] = data
	return nil
}

func (m *memData) SetLocked(_ context.Context, dataTypeID string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[dataTypeID] = locked
	return nil
}
