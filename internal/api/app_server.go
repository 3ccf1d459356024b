package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"process-engine/internal/callback"
	"process-engine/internal/models"
	"process-engine/internal/pipeline"
)

// DataMutatorFactory opens the instance-data port for one instance. The data
// layer itself lives outside this module.
type DataMutatorFactory func(instance models.InstanceInformation) pipeline.InstanceDataMutator

// AppServer is the application-side callback surface the engine posts
// command payloads to.
type AppServer struct {
	apiKey    string
	pipelines *pipeline.Pipelines
	resolver  *pipeline.Resolver
	process   pipeline.ProcessReader
	data      DataMutatorFactory
	logger    *zap.Logger
}

func NewAppServer(apiKey string, pipelines *pipeline.Pipelines, resolver *pipeline.Resolver, process pipeline.ProcessReader, data DataMutatorFactory, logger *zap.Logger) *AppServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppServer{
		apiKey:    apiKey,
		pipelines: pipelines,
		resolver:  resolver,
		process:   process,
		data:      data,
		logger:    logger,
	}
}

// Router builds the app-side HTTP router.
func (s *AppServer) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/{org}/{app}/instances/{instanceOwnerPartyId}/{instanceGuid}/process-engine-callbacks/", s.handleCallback)
	})
	return r
}

func (s *AppServer) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(callback.APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCallback executes the pipelines for one engine command. The body is
// echoed into the pipeline context so typed commands can decode it; the
// response encodes success or failure, with Fatal set for errors a retry
// cannot heal.
func (s *AppServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	instance, ok := instanceFromRequest(w, r)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	payload, err := pipeline.DecodePayload[callback.CommandRequestPayload](raw)
	if err != nil {
		writeJSON(w, http.StatusOK, callback.Result{Success: false, Error: err.Error(), Fatal: true})
		return
	}

	var result callback.Result
	switch payload.Type {
	case callback.PayloadUpdateProcessState:
		result = s.updateProcessState(r, instance, payload, raw)
	case callback.PayloadExecuteServiceTask:
		result = s.executeServiceTask(r, instance, payload, raw)
	default:
		result = callback.Result{
			Success: false,
			Error:   "unknown payload type " + string(payload.Type),
			Fatal:   true,
		}
	}

	if !result.Success {
		s.logger.Warn("callback command failed",
			zap.String("type", string(payload.Type)),
			zap.String("org", instance.Org),
			zap.String("app", instance.App),
			zap.Bool("fatal", result.Fatal),
			zap.String("error", result.Error))
	}
	writeJSON(w, http.StatusOK, result)
}

// updateProcessState ends the current task's pipeline and starts the next
// one. An empty ToElement means the process itself ends.
func (s *AppServer) updateProcessState(r *http.Request, instance models.InstanceInformation, payload callback.CommandRequestPayload, raw json.RawMessage) callback.Result {
	ctx := r.Context()
	data := s.data(instance)

	if payload.FromElement != "" {
		c := s.pipelineContext(instance, payload.Actor, payload.FromElement, data, raw)
		if res := s.pipelines.Run(ctx, pipeline.TransitionTaskEnd, c); !res.Success {
			return resultFromPipeline(res)
		}
	}

	if payload.ToElement == "" {
		c := s.pipelineContext(instance, payload.Actor, payload.FromElement, data, raw)
		return resultFromPipeline(s.pipelines.Run(ctx, pipeline.TransitionProcessEnd, c))
	}

	c := s.pipelineContext(instance, payload.Actor, payload.ToElement, data, raw)
	return resultFromPipeline(s.pipelines.Run(ctx, pipeline.TransitionTaskStart, c))
}

// executeServiceTask runs a service-managed step to completion in one call.
func (s *AppServer) executeServiceTask(r *http.Request, instance models.InstanceInformation, payload callback.CommandRequestPayload, raw json.RawMessage) callback.Result {
	ctx := r.Context()
	task, err := s.resolver.GetProcessTaskInstance(payload.TaskType)
	if err != nil {
		return callback.Result{Success: false, Error: err.Error(), Fatal: true}
	}

	c := &pipeline.Context{
		Instance: instance,
		Actor:    payload.Actor,
		TaskType: payload.TaskType,
		Data:     s.data(instance),
		Payload:  raw,
	}
	if err := task.Start(ctx, c); err != nil {
		return callback.Result{Success: false, Error: err.Error()}
	}
	if err := task.End(ctx, c); err != nil {
		return callback.Result{Success: false, Error: err.Error()}
	}
	return callback.Result{Success: true}
}

func (s *AppServer) pipelineContext(instance models.InstanceInformation, actor models.Actor, taskID string, data pipeline.InstanceDataMutator, raw json.RawMessage) *pipeline.Context {
	taskType := ""
	if taskID != "" {
		if ext, err := s.process.GetTaskExtension(taskID); err == nil {
			taskType = ext.TaskType
		}
	}
	return &pipeline.Context{
		Instance: instance,
		Actor:    actor,
		TaskID:   taskID,
		TaskType: taskType,
		Data:     data,
		Payload:  raw,
	}
}

func resultFromPipeline(res pipeline.Result) callback.Result {
	if res.Success {
		return callback.Result{Success: true}
	}
	out := callback.Result{Success: false}
	if res.Err != nil {
		out.Error = res.Err.Error()
		var processErr *pipeline.ProcessError
		var payloadErr *pipeline.InvalidPayloadError
		if errors.As(res.Err, &processErr) || errors.As(res.Err, &payloadErr) {
			out.Fatal = true
		}
	}
	return out
}
