package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"form-courier/common"
	"form-courier/internal/compliance"
	"form-courier/internal/config"
	"form-courier/internal/graph"
	"form-courier/internal/kafka"
	"form-courier/internal/logging"
	"form-courier/internal/metrics"
	"form-courier/internal/models"
	"form-courier/internal/schedules"
	"form-courier/internal/store"
	"form-courier/internal/tasks"
)

// credentialHeader carries the caller's automation engine token. It is stored
// on the jobs the request creates and used for every engine call they make.
const credentialHeader = "X-Automation-Token"

type server struct {
	tasks     *tasks.Service
	schedules *schedules.Service
	gate      compliance.Checker
	level     models.ComplianceLevel
	log       *zap.SugaredLogger
}

func newServer(svc *tasks.Service, sched *schedules.Service, gate compliance.Checker, level models.ComplianceLevel, log *zap.SugaredLogger) *server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if level == "" {
		level = models.ComplianceModerate
	}
	return &server{tasks: svc, schedules: sched, gate: gate, level: level, log: log}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "error", err)
	}
	base, err := logging.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to build logger", "error", err)
	}
	log := base.Named("api")
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatalw("api stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, closeStore, err := common.OpenJobStore(ctx, cfg, log.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warnw("failed to close job store", "error", err)
		}
	}()

	driver, err := graph.NewDriver(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return errors.Wrap(err, "connect to neo4j")
	}
	defer func() {
		if err := driver.Close(context.Background()); err != nil {
			log.Warnw("failed to close neo4j driver", "error", err)
		}
	}()

	prod := kafka.NewJobProducer(cfg.KafkaBroker, cfg.KafkaJobsTopic)
	defer func() {
		if err := prod.Close(); err != nil {
			log.Warnw("failed to close producer", "error", err)
		}
	}()

	client, _ := common.NewHTTPClient(cfg.ProxyURL, cfg.ProxyPool, os.Getenv("HOSTNAME"), log)
	fetcher := compliance.NewHTTPFetcher(client, cfg.UserAgent, cfg.PolicyCacheTTL, log.Named("policy"))
	gate := compliance.NewGate(fetcher, cfg.UserAgent, log.Named("compliance"))

	catalog := graph.NewCatalog(driver)
	svc := tasks.New(jobs, catalog, prod, tasks.Options{
		MaxRetries:      cfg.MaxRetries,
		DefaultLevel:    cfg.ComplianceLevel,
		DefaultInterval: cfg.DefaultIntervalSeconds,
		MinInterval:     cfg.MinIntervalSeconds,
		MaxBatchSize:    cfg.MaxBatchSize,
	}, log.Named("tasks"))

	scheduleBackend, closeSchedules, err := common.OpenScheduleBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSchedules(); err != nil {
			log.Warnw("failed to close schedule backend", "error", err)
		}
	}()
	sched := schedules.New(scheduleBackend, svc, catalog, nil, schedules.Options{
		CheckInterval: cfg.ScheduleCheckInterval,
		MaxBatchSize:  cfg.MaxBatchSize,
	}, log.Named("schedules"))

	srv := newServer(svc, sched, gate, cfg.ComplianceLevel, log)

	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("api listening", "addr", cfg.APIAddr, "kafka_topic", cfg.KafkaJobsTopic, "job_store", cfg.JobStore)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.SchedulesEnabled {
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.countRequests)
	r.HandleFunc("/forms/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/submissions/single", s.handleSingle).Methods(http.MethodPost)
	r.HandleFunc("/submissions/batch", s.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/compliance/check", s.handleComplianceCheck).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/tasks/metrics", s.handleTaskMetrics).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/action", s.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id}/members", s.handleMembers).Methods(http.MethodGet)
	r.HandleFunc("/schedules", s.handleScheduleCreate).Methods(http.MethodPost)
	r.HandleFunc("/schedules", s.handleScheduleList).Methods(http.MethodGet)
	r.HandleFunc("/schedules/stats", s.handleScheduleStats).Methods(http.MethodGet)
	r.HandleFunc("/schedules/{id}", s.handleScheduleGet).Methods(http.MethodGet)
	r.HandleFunc("/schedules/{id}", s.handleScheduleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/schedules/{id}", s.handleScheduleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/schedules/{id}/enable", s.handleScheduleEnable(true)).Methods(http.MethodPost)
	r.HandleFunc("/schedules/{id}/disable", s.handleScheduleEnable(false)).Methods(http.MethodPost)
	r.HandleFunc("/schedules/{id}/run", s.handleScheduleRun).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// countRequests labels requests by route template so ids don't explode the series.
func (s *server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// handleDetect starts form detection for a company.
//
// Method: POST
// Path:   /forms/detect
// Example:
//
//	curl -X POST localhost:8080/forms/detect -d '{"company_id":42,"force_refresh":true}'
func (s *server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req tasks.DetectRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Credential = r.Header.Get(credentialHeader)
	resp, err := s.tasks.CreateDetect(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if resp.Status == tasks.DetectExisting {
		code = http.StatusOK
	}
	writeJSON(w, resp, code)
}

type taskCreated struct {
	TaskID            string           `json:"task_id"`
	Status            models.JobStatus `json:"status"`
	InvalidCompanyIDs []int64          `json:"invalid_company_ids,omitempty"`
	Warnings          []string         `json:"warnings,omitempty"`
}

// handleSingle submits one template to one form.
//
// Method: POST
// Path:   /submissions/single
// Example:
//
//	curl -X POST localhost:8080/submissions/single -d '{"form_id":7,"template_id":3,"dry_run":true}'
func (s *server) handleSingle(w http.ResponseWriter, r *http.Request) {
	var req tasks.SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Credential = r.Header.Get(credentialHeader)
	job, err := s.tasks.CreateSingle(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, taskCreated{TaskID: job.ID, Status: job.Status}, http.StatusAccepted)
}

// handleBatch submits one template to many companies in order.
//
// Method: POST
// Path:   /submissions/batch
// Example:
//
//	curl -X POST localhost:8080/submissions/batch -d '{"company_ids":[1,2,3],"template_id":3,"interval_seconds":10}'
func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req tasks.BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Credential = r.Header.Get(credentialHeader)
	job, err := s.tasks.CreateBatch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := taskCreated{TaskID: job.ID, Status: job.Status, Warnings: job.Warnings}
	var params models.BatchParams
	if err := job.DecodePayload(&params); err == nil {
		resp.InvalidCompanyIDs = params.InvalidCompanyIDs
	}
	writeJSON(w, resp, http.StatusAccepted)
}

type complianceRequest struct {
	URL             string `json:"url"`
	ComplianceLevel string `json:"compliance_level"`
}

// handleComplianceCheck evaluates a URL without contacting any form.
//
// Method: POST
// Path:   /compliance/check
// Example:
//
//	curl -X POST localhost:8080/compliance/check -d '{"url":"https://acme.example","compliance_level":"strict"}'
func (s *server) handleComplianceCheck(w http.ResponseWriter, r *http.Request) {
	var req complianceRequest
	if !s.decode(w, r, &req) {
		return
	}
	target := strings.TrimSpace(req.URL)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.writeError(w, models.NewJobError(models.ErrorKindValidation, "url must be an absolute http(s) url"))
		return
	}
	level, ok := models.ParseComplianceLevel(req.ComplianceLevel, s.level)
	if !ok {
		s.writeError(w, models.NewJobError(models.ErrorKindValidation, "unknown compliance level %q", req.ComplianceLevel))
		return
	}
	decision, err := s.gate.Evaluate(r.Context(), target, level)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, decision, http.StatusOK)
}

// handleStatus is the polling endpoint.
//
// Method: GET
// Path:   /tasks/{id}/status
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ts, err := s.tasks.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, ts, http.StatusOK)
}

type actionRequest struct {
	Action    string `json:"action"`
	Terminate bool   `json:"terminate"`
	Signal    string `json:"signal,omitempty"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// handleAction revokes or retries a task.
//
// Method: POST
// Path:   /tasks/{id}/action
// Example:
//
//	curl -X POST localhost:8080/tasks/$ID/action -d '{"action":"revoke","terminate":true}'
func (s *server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}
	switch strings.ToLower(req.Action) {
	case "revoke":
		terminate := req.Terminate || isKillSignal(req.Signal)
		job, err := s.tasks.Revoke(r.Context(), id, terminate)
		if err != nil {
			s.writeError(w, err)
			return
		}
		msg := "task revoked"
		if job.Status == models.StatusStarted {
			msg = "revoke requested; the worker will stop at its next checkpoint"
		}
		writeJSON(w, actionResponse{Success: true, Message: msg, TaskID: job.ID}, http.StatusOK)
	case "retry":
		job, err := s.tasks.Retry(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, actionResponse{Success: true, Message: "retry started as " + job.ID, TaskID: job.ID}, http.StatusAccepted)
	default:
		s.writeError(w, models.NewJobError(models.ErrorKindValidation, "unknown action %q; use revoke or retry", req.Action))
	}
}

func isKillSignal(sig string) bool {
	switch strings.ToUpper(strings.TrimSpace(sig)) {
	case "SIGKILL", "SIGTERM", "KILL", "TERM":
		return true
	}
	return false
}

// handleList returns recent tasks.
//
// Method: GET
// Path:   /tasks?status=FAILURE&kind=submit_single&limit=20
func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{Kind: models.JobKind(q.Get("kind"))}
	if raw := q.Get("status"); raw != "" {
		status, ok := models.ParseJobStatus(strings.ToUpper(raw))
		if !ok {
			s.writeError(w, models.NewJobError(models.ErrorKindValidation, "unknown status %q", raw))
			return
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, models.NewJobError(models.ErrorKindValidation, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	list, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, list, http.StatusOK)
}

// handleTaskMetrics counts recent tasks by status and kind.
//
// Method: GET
// Path:   /tasks/metrics
func (s *server) handleTaskMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tasks.Metrics(r.Context(), 1000)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, counts, http.StatusOK)
}

// handleMembers returns the per-member breakdown of a batch.
//
// Method: GET
// Path:   /batches/{id}/members
func (s *server) handleMembers(w http.ResponseWriter, r *http.Request) {
	result, err := s.tasks.Members(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, result, http.StatusOK)
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, models.NewJobError(models.ErrorKindValidation, "invalid request body: %v", err))
		return false
	}
	return true
}

type errorBody struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind,omitempty"`
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	if jobErr, ok := models.AsJobError(err); ok && jobErr.Kind == models.ErrorKindValidation {
		writeJSON(w, errorBody{Error: jobErr.Message, Kind: jobErr.Kind}, http.StatusBadRequest)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, schedules.ErrNotFound):
		writeJSON(w, errorBody{Error: "not found"}, http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyTerminal), errors.Is(err, schedules.ErrConflict):
		writeJSON(w, errorBody{Error: err.Error()}, http.StatusConflict)
	default:
		s.log.Errorw("request failed", "error", err)
		writeJSON(w, errorBody{Error: "upstream failure"}, http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
