package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/leadgrid/harvester/pkg/analysis"
	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/store"
)

// activeWorkerWindow is how recent a heartbeat must be for a worker to
// count as active in the /workers listing.
const activeWorkerWindow = 2 * time.Minute

// TaskController is the slice of the task store the control API needs.
type TaskController interface {
	CreateOrGetPendingTask(ctx context.Context, keyword string, maxVideos, maxCommentsPerVideo int) (int64, error)
	ClaimNextPendingTask(ctx context.Context, workerIP string) (*store.ClaimedTask, error)
	GetTask(ctx context.Context, taskID int64) (*models.Task, error)
	GetStatus(ctx context.Context, taskID int64) (models.TaskStatus, error)
	Transition(ctx context.Context, taskID int64, newStatus models.TaskStatus) error
	RecordServerIP(ctx context.Context, taskID int64, serverIP string) error
	Progress(ctx context.Context, taskID int64) (*models.TaskProgress, error)
	DeleteTask(ctx context.Context, taskID int64) error
}

// Runner executes one collection run for a claimed task.
type Runner interface {
	Run(ctx context.Context, taskID int64) error
}

// KeywordAnalyzer runs the lead-analysis stages over a keyword's stored
// comments. Optional; a worker without model credentials serves
// collection only.
type KeywordAnalyzer interface {
	Run(ctx context.Context, keyword string, limit int) (*analysis.Summary, error)
}

// AccountReader resolves scraping accounts for status checks.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID int64) (*models.Account, error)
}

// CommentReader is the slice of the comment store the read surface
// exposes to downstream consumers.
type CommentReader interface {
	ListByKeyword(ctx context.Context, keyword string, limit int) ([]models.Comment, error)
	CountByKeyword(ctx context.Context, keyword string) (int64, error)
}

// WorkerRegistry is the slice of the worker store the server uses for
// heartbeats and the active-worker listing.
type WorkerRegistry interface {
	UpsertHeartbeat(ctx context.Context, workerIP, workerName string, status models.WorkerStatus) error
	Touch(ctx context.Context, workerIP string) error
	ListActive(ctx context.Context, staleAfter time.Duration) ([]models.Worker, error)
}

// SessionGate exposes the browser pool's capacity controls.
type SessionGate interface {
	HasCapacity() bool
	Count() int
	ForceStopAll() int
}

// Server is the per-worker control API. Triggers are accepted only when
// both the browser pool and the local task registry have room; the
// actual run executes in a background goroutine owned by the registry.
type Server struct {
	tasks    TaskController
	accounts AccountReader
	comments CommentReader
	workers  WorkerRegistry
	sessions SessionGate
	runner   Runner
	analyzer KeywordAnalyzer
	registry *Registry
	cfg      *Config
	logger   *logrus.Logger

	httpServer *http.Server
}

// NewServer wires the control API against its dependencies. analyzer may
// be nil; the analysis endpoint then reports the capability as absent.
func NewServer(tasks TaskController, accounts AccountReader, comments CommentReader, workers WorkerRegistry, sessions SessionGate, runner Runner, analyzer KeywordAnalyzer, cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		tasks:    tasks,
		accounts: accounts,
		comments: comments,
		workers:  workers,
		sessions: sessions,
		runner:   runner,
		analyzer: analyzer,
		registry: NewRegistry(cfg.MaxConcurrentTasks),
		cfg:      cfg,
		logger:   cfg.Logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Router builds the route table. Exposed separately so tests can drive
// handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/create_task", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/trigger_task", s.handleTriggerTask).Methods(http.MethodPost)
	r.HandleFunc("/claim_next_task", s.handleClaimNextTask).Methods(http.MethodPost)
	r.HandleFunc("/resume_task", s.handleResumeTask).Methods(http.MethodPost)
	r.HandleFunc("/delete_task", s.handleDeleteTask).Methods(http.MethodPost)
	r.HandleFunc("/check_account_status", s.handleCheckAccountStatus).Methods(http.MethodPost)
	r.HandleFunc("/force_stop_all", s.handleForceStopAll).Methods(http.MethodPost)
	r.HandleFunc("/analyze_keyword", s.handleAnalyzeKeyword).Methods(http.MethodPost)

	r.HandleFunc("/tasks/{task_id}/status", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{task_id}/progress", s.handleTaskProgress).Methods(http.MethodGet)
	r.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/comments", s.handleListComments).Methods(http.MethodGet)

	r.Use(s.accessLogMiddleware)
	r.Use(s.heartbeatMiddleware)
	return r
}

// accessLogMiddleware tags every request with an id and logs it.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Debug("Request received")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the HTTP server until Shutdown or a listener
// failure.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logrus.Fields{
		"addr":      s.cfg.ListenAddr,
		"worker_ip": s.cfg.WorkerIP,
	}).Info("Dispatch server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown cancels local runs and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CancelAll()
	return s.httpServer.Shutdown(ctx)
}

// ShutdownTimeout returns the configured graceful-shutdown bound.
func (s *Server) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout
}

// heartbeatMiddleware refreshes this worker's heartbeat as a side
// effect of serving any request. Failures are logged, never surfaced.
func (s *Server) heartbeatMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.workers.Touch(r.Context(), s.cfg.WorkerIP); err != nil {
			s.logger.WithError(err).Debug("Failed to refresh worker heartbeat")
		}
		next.ServeHTTP(w, r)
	})
}

type taskRequest struct {
	TaskID int64 `json:"task_id"`
}

type createTaskRequest struct {
	Keyword             string `json:"keyword"`
	MaxVideos           int    `json:"max_videos"`
	MaxCommentsPerVideo int    `json:"max_comments_per_video"`
}

type accountRequest struct {
	AccountID int64 `json:"account_id"`
}

func (s *Server) decodeTaskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return 0, false
	}
	if req.TaskID <= 0 {
		s.writeError(w, http.StatusBadRequest, "task_id is required")
		return 0, false
	}
	return req.TaskID, true
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Keyword == "" {
		s.writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}

	taskID, err := s.tasks.CreateOrGetPendingTask(r.Context(), req.Keyword, req.MaxVideos, req.MaxCommentsPerVideo)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task registered",
		"task_id": taskID,
	})
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.decodeTaskID(w, r)
	if !ok {
		return
	}
	s.launchRun(w, r, taskID, "")
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.decodeTaskID(w, r)
	if !ok {
		return
	}
	// Resume is only legal from an operator pause.
	s.launchRun(w, r, taskID, models.TaskStatusPaused)
}

// launchRun validates the task, claims a local slot, transitions the
// task to running and starts the collection run in the background.
// requireStatus, when set, restricts which current status may launch.
func (s *Server) launchRun(w http.ResponseWriter, r *http.Request, taskID int64, requireStatus models.TaskStatus) {
	ctx := r.Context()

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if requireStatus != "" && task.Status != requireStatus {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("task %d is %s, expected %s", taskID, task.Status, requireStatus))
		return
	}

	if !s.sessions.HasCapacity() {
		s.writeError(w, http.StatusTooManyRequests, "no browser session capacity on this worker")
		return
	}

	runCtx, done, err := s.registry.Add(context.Background(), taskID)
	if err != nil {
		if errors.Is(err, ErrTaskAlreadyRunning) {
			// Retried trigger for a task this worker already owns.
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"message": "task already running",
				"task_id": taskID,
			})
			return
		}
		s.writeStoreError(w, err)
		return
	}

	if err := s.tasks.Transition(ctx, taskID, models.TaskStatusRunning); err != nil {
		done()
		s.writeStoreError(w, err)
		return
	}
	if err := s.tasks.RecordServerIP(ctx, taskID, s.cfg.WorkerIP); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to record server ip")
	}

	s.spawnRun(runCtx, done, taskID, task.Keyword)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task triggered",
		"task_id": taskID,
	})
}

// handleClaimNextTask is the pull-mode trigger: the worker claims the
// oldest pending task in the shared store and starts collecting it.
func (s *Server) handleClaimNextTask(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.HasCapacity() || !s.registry.HasCapacity() {
		s.writeError(w, http.StatusTooManyRequests, "no capacity on this worker")
		return
	}

	claimed, err := s.tasks.ClaimNextPendingTask(r.Context(), s.cfg.WorkerIP)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if claimed == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "no pending tasks",
		})
		return
	}

	runCtx, done, err := s.registry.Add(context.Background(), claimed.ID)
	if err != nil {
		// The claim already moved the task to running; park it as paused
		// so another trigger can resume it.
		s.logger.WithError(err).WithField("task_id", claimed.ID).
			Warn("Claimed a task without a local slot, pausing it")
		if terr := s.tasks.Transition(r.Context(), claimed.ID, models.TaskStatusPaused); terr != nil {
			s.logger.WithError(terr).WithField("task_id", claimed.ID).Warn("Failed to park claimed task")
		}
		s.writeStoreError(w, err)
		return
	}

	s.spawnRun(runCtx, done, claimed.ID, claimed.Keyword)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task claimed",
		"task_id": claimed.ID,
		"keyword": claimed.Keyword,
	})
}

// spawnRun executes the collection run in the background and settles the
// task's final status on failure.
func (s *Server) spawnRun(runCtx context.Context, done func(), taskID int64, keyword string) {
	log := s.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"keyword": keyword,
	})
	log.Info("Collection run accepted")

	go func() {
		defer done()
		if err := s.runner.Run(runCtx, taskID); err != nil {
			if errors.Is(err, context.Canceled) {
				// Operator stop, deletion or shutdown. The task keeps its
				// last committed status so affinity resume can pick the
				// in-flight claims back up.
				log.Info("Collection run canceled")
				return
			}
			log.WithError(err).Error("Collection run failed")
			if terr := s.tasks.Transition(context.Background(), taskID, models.TaskStatusFailed); terr != nil {
				log.WithError(terr).Warn("Failed to mark task failed")
			}
			return
		}
		log.Info("Collection run finished")
	}()
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.decodeTaskID(w, r)
	if !ok {
		return
	}

	if !s.registry.CancelAndWait(taskID, s.cfg.DeleteWait) {
		s.logger.WithField("task_id", taskID).
			Warn("Local run did not stop within delete wait, deleting anyway")
	}

	if err := s.tasks.DeleteTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task deleted",
		"task_id": taskID,
	})
}

func (s *Server) handleCheckAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID <= 0 {
		s.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	// Checking an account opens a real browser session, so it competes
	// with collection runs for capacity.
	if !s.sessions.HasCapacity() {
		s.writeError(w, http.StatusTooManyRequests, "no browser session capacity on this worker")
		return
	}

	account, err := s.accounts.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":     account.ID,
		"username":       account.Username,
		"current_status": account.Status,
	})
}

type analyzeRequest struct {
	Keyword string `json:"keyword"`
	Limit   int    `json:"limit"`
}

// handleAnalyzeKeyword runs the filter-classify-draft stages over a
// keyword's stored comments. Each stage persists before the next, so a
// failed run is retried from durable state without re-spending model
// calls.
func (s *Server) handleAnalyzeKeyword(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analysis is not configured on this worker")
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Keyword == "" {
		s.writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}

	summary, err := s.analyzer.Run(r.Context(), req.Keyword, req.Limit)
	if err != nil {
		s.logger.WithError(err).WithField("keyword", req.Keyword).Error("Analysis run failed")
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keyword":  req.Keyword,
		"fetched":  summary.Fetched,
		"filtered": summary.Filtered,
		"analyzed": summary.Analyzed,
		"leads":    summary.Leads,
		"drafted":  summary.Drafted,
	})
}

func (s *Server) handleForceStopAll(w http.ResponseWriter, r *http.Request) {
	s.registry.CancelAll()
	stopped := s.sessions.ForceStopAll()

	s.logger.WithField("stopped", stopped).Warn("Force-stopped all sessions")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":          "all sessions stopped",
		"stopped_sessions": stopped,
	})
}

func (s *Server) pathTaskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["task_id"]
	taskID, err := parseID(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task_id")
		return 0, false
	}
	return taskID, true
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathTaskID(w, r)
	if !ok {
		return
	}

	status, err := s.tasks.GetStatus(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": taskID,
		"status":  status,
	})
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.pathTaskID(w, r)
	if !ok {
		return
	}

	progress, err := s.tasks.Progress(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":          taskID,
		"total_videos":     progress.TotalVideos,
		"processed_videos": progress.ProcessedVideos,
		"pending_videos":   progress.PendingVideos,
	})
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive")
	}
	return id, nil
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		s.writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	comments, err := s.comments.ListByKeyword(r.Context(), keyword, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	total, err := s.comments.CountByKeyword(r.Context(), keyword)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keyword":  keyword,
		"total":    total,
		"comments": comments,
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.ListActive(r.Context(), activeWorkerWindow)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}
