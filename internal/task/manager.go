// Package task owns the lifecycle of conversational turns. Each user message
// becomes one task; a session runs at most one non-terminal task at a time.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chatsql/chatsql/internal/apperrors"
	"github.com/chatsql/chatsql/internal/archive"
	"github.com/chatsql/chatsql/internal/catalog"
	"github.com/chatsql/chatsql/internal/nl2sql"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/query"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/sqlsafety"
	"github.com/chatsql/chatsql/internal/stream"
)

var (
	ErrSessionBusy       = errors.New("task: session already has an active task")
	ErrInvalidTransition = errors.New("task: invalid status transition")
	ErrAlreadyFinished   = errors.New("task: already finished")
	ErrClosed            = errors.New("task: manager is shutting down")
	ErrEmptyMessage      = errors.New("task: message content is required")
	ErrConnectionMissing = errors.New("task: database connection reference is required")
)

const (
	defaultMaxConcurrent = 16
	defaultSampleRows    = 20
	defaultRunTimeout    = 2 * time.Minute
	maxTitleRunes        = 80
	// recoverGrace is added to RunTimeout before a foreign task counts as
	// abandoned.
	recoverGrace = 30 * time.Second
)

type Config struct {
	// MaxConcurrent bounds running tasks across all sessions.
	MaxConcurrent int
	// ExplorationSampleRows caps rows returned by exploratory queries.
	ExplorationSampleRows int
	RunTimeout            time.Duration
	// DefaultSalt masks results of organizations without a catalog salt.
	DefaultSalt string
	// InstanceID is recorded as the owner of every task this manager starts.
	// Replicas sharing a store need distinct ids.
	InstanceID string
}

type Dependencies struct {
	Store      session.Store
	Catalog    catalog.Source
	Engines    query.Resolver
	Translator nl2sql.Translator
	Broker     *stream.Broker
	// Archiver is optional; results are not archived without it.
	Archiver *archive.Archiver
	Logger   *slog.Logger
	Now      func() time.Time
}

type Manager struct {
	cfg        Config
	store      session.Store
	catalog    catalog.Source
	engines    query.Resolver
	pipeline   *sqlsafety.Pipeline
	translator nl2sql.Translator
	broker     *stream.Broker
	archiver   *archive.Archiver
	logger     *slog.Logger
	now        func() time.Time

	sem   chan struct{}
	locks keyedMutex

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	sessions map[string]*sessionRecord
	running  map[string]*runRecord
}

// sessionRecord is the registry entry for a session with an active task.
type sessionRecord struct {
	organizationID string
	activeTaskID   string
}

type runRecord struct {
	task      session.Task
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("policy catalog is required")
	}
	if deps.Engines == nil {
		return nil, fmt.Errorf("query engines are required")
	}
	if deps.Translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("stream broker is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ExplorationSampleRows <= 0 {
		cfg.ExplorationSampleRows = defaultSampleRows
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      deps.Store,
		catalog:    deps.Catalog,
		engines:    deps.Engines,
		pipeline:   sqlsafety.NewPipeline(deps.Engines, logger),
		translator: deps.Translator,
		broker:     deps.Broker,
		archiver:   deps.Archiver,
		logger:     logger,
		now:        now,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		baseCtx:    baseCtx,
		stop:       stop,
		sessions:   map[string]*sessionRecord{},
		running:    map[string]*runRecord{},
	}, nil
}

type SubmitInput struct {
	Caller sqlsafety.Caller
	// SessionID continues an existing session; empty creates one.
	SessionID             string
	Title                 string
	DatabaseConnectionRef string
	ModelConnectionRef    string
	// Turns seed the model context of a new session.
	Turns   []nl2sql.Turn
	Content string
	// Hint is a display or command hint such as "table".
	Hint string
	// Wait runs the task to completion before returning.
	Wait bool
}

type SubmitResult struct {
	Session     session.Session
	Task        session.Task
	UserMessage session.Message
}

// Submit records the user message, creates a task for it and starts the task
// in the background. A session that already has an active task is rejected
// with ErrSessionBusy.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return SubmitResult{}, ErrEmptyMessage
	}
	orgID := in.Caller.OrganizationID

	sess, err := m.resolveSession(ctx, in, content)
	if err != nil {
		return SubmitResult{}, err
	}

	taskID := session.NewTaskID()
	if err := m.claim(orgID, sess.ID, taskID); err != nil {
		return SubmitResult{}, err
	}
	// The store claim is the cross-instance guard; the local one only spares
	// a round trip.
	if err := m.store.ClaimSession(ctx, orgID, sess.ID, taskID); err != nil {
		m.release(sess.ID, taskID)
		if errors.Is(err, session.ErrBusy) {
			observability.IncrementSessionBusyRejections()
			return SubmitResult{}, ErrSessionBusy
		}
		return SubmitResult{}, fmt.Errorf("claim session: %w", err)
	}

	now := m.now()
	userMsg := session.Message{
		ID:        session.NewMessageID(sess.ID, now),
		SessionID: sess.ID,
		Role:      session.RoleUser,
		Content:   content,
		Timestamp: now,
	}
	if in.Hint != "" {
		userMsg.Metadata = &session.MessageMetadata{CommandHint: in.Hint}
	}
	task := session.Task{
		ID:             taskID,
		SessionID:      sess.ID,
		OrganizationID: orgID,
		UserMessageID:  userMsg.ID,
		Status:         session.TaskCreated,
		Owner:          m.cfg.InstanceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.persistSubmission(ctx, orgID, userMsg, task); err != nil {
		if releaseErr := m.store.ReleaseSession(context.WithoutCancel(ctx), orgID, sess.ID, taskID); releaseErr != nil {
			m.logger.Warn("release session after failed submission", "error", releaseErr, "session_id", sess.ID)
		}
		m.release(sess.ID, taskID)
		return SubmitResult{}, err
	}
	observability.IncrementTasksCreated()
	m.publish(stream.EventTaskCreated, sess.ID, taskID, map[string]string{
		"taskId":        taskID,
		"userMessageId": userMsg.ID,
	})

	sess.Status = session.StatusProcessing
	sess.ActiveTaskID = taskID
	sess.Messages = append(sess.Messages, userMsg)

	job := runJob{
		caller:  in.Caller,
		session: sess,
		task:    task,
		turns:   in.Turns,
		content: content,
		hint:    in.Hint,
		traceID: observability.TraceIDFromContext(ctx),
	}
	done, err := m.start(job)
	if err != nil {
		return SubmitResult{}, err
	}
	if !in.Wait {
		return SubmitResult{Session: sess, Task: task, UserMessage: userMsg}, nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		return SubmitResult{Session: sess, Task: task, UserMessage: userMsg}, ctx.Err()
	}
	final, err := m.store.GetTask(ctx, orgID, taskID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("load finished task: %w", err)
	}
	sess.Status = session.StatusIdle
	sess.ActiveTaskID = ""
	return SubmitResult{Session: sess, Task: final, UserMessage: userMsg}, nil
}

func (m *Manager) resolveSession(ctx context.Context, in SubmitInput, content string) (session.Session, error) {
	orgID := in.Caller.OrganizationID
	if in.SessionID != "" {
		return m.store.GetSession(ctx, orgID, in.SessionID)
	}
	if strings.TrimSpace(in.DatabaseConnectionRef) == "" {
		return session.Session{}, ErrConnectionMissing
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = truncateRunes(content, maxTitleRunes)
	}
	now := m.now()
	sess := session.Session{
		ID:                    session.NewSessionID(),
		Title:                 title,
		OwnerID:               in.Caller.UserID,
		OrganizationID:        orgID,
		DatabaseConnectionRef: in.DatabaseConnectionRef,
		ModelConnectionRef:    in.ModelConnectionRef,
		Status:                session.StatusIdle,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (m *Manager) persistSubmission(ctx context.Context, orgID string, userMsg session.Message, task session.Task) error {
	if err := m.store.AppendMessage(ctx, orgID, userMsg); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// claim reserves the session's single task slot.
func (m *Manager) claim(orgID, sessionID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrClosed
	}
	if rec, ok := m.sessions[sessionID]; ok && rec.activeTaskID != "" {
		observability.IncrementSessionBusyRejections()
		return ErrSessionBusy
	}
	m.sessions[sessionID] = &sessionRecord{organizationID: orgID, activeTaskID: taskID}
	return nil
}

func (m *Manager) release(sessionID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok && rec.activeTaskID == taskID {
		delete(m.sessions, sessionID)
	}
}

func (m *Manager) start(job runJob) (<-chan struct{}, error) {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.RunTimeout)
	ctx = observability.ContextWithTask(ctx, job.session.ID, job.task.ID)
	if job.traceID != "" {
		ctx = observability.ContextWithTraceID(ctx, job.traceID)
	}
	rec := &runRecord{task: job.task, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		cancel()
		if err := m.Transition(context.Background(), job.task.OrganizationID, job.task.ID, session.TaskError, nil, apperrors.Cancelled()); err != nil {
			m.logger.Warn("fail task during shutdown", "error", err, "task_id", job.task.ID)
		}
		return nil, ErrClosed
	}
	m.running[job.task.ID] = rec
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(rec.done)
		defer cancel()
		m.run(ctx, rec, job)

		m.mu.Lock()
		delete(m.running, job.task.ID)
		m.mu.Unlock()
	}()
	return rec.done, nil
}

// Busy reports whether the session has an active task on this instance.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	return ok && rec.activeTaskID != ""
}

type StatusView struct {
	SessionID    string         `json:"sessionId"`
	Status       session.Status `json:"status"`
	ActiveTaskID string         `json:"activeTaskId,omitempty"`
	Task         *session.Task  `json:"task,omitempty"`
}

// Status reads the persisted session record, the source of truth for
// reconnecting clients.
func (m *Manager) Status(ctx context.Context, organizationID, sessionID string) (StatusView, error) {
	sess, err := m.store.GetSession(ctx, organizationID, sessionID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{SessionID: sess.ID, Status: sess.Status}
	if sess.Status == session.StatusProcessing && sess.ActiveTaskID != "" {
		view.ActiveTaskID = sess.ActiveTaskID
		if task, err := m.store.GetTask(ctx, organizationID, sess.ActiveTaskID); err == nil {
			view.Task = &task
		}
	}
	return view, nil
}

func (m *Manager) Task(ctx context.Context, organizationID, taskID string) (session.Task, error) {
	return m.store.GetTask(ctx, organizationID, taskID)
}

// Cancel aborts an active task. The task ends in error with a cancelled
// diagnostic; cancelling a finished task returns ErrAlreadyFinished.
func (m *Manager) Cancel(ctx context.Context, organizationID, taskID string) error {
	m.mu.Lock()
	rec, ok := m.running[taskID]
	if ok && rec.task.OrganizationID == organizationID {
		rec.cancelled = true
		rec.cancel()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	task, err := m.store.GetTask(ctx, organizationID, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrAlreadyFinished
	}
	// Not running here, e.g. left behind by a stopped instance.
	return m.Transition(ctx, organizationID, taskID, session.TaskError, nil, apperrors.Cancelled())
}

// Truncate implements edit-and-truncate: messageID and every later message of
// an idle session are removed.
func (m *Manager) Truncate(ctx context.Context, organizationID, sessionID, messageID string) (int, error) {
	if m.Busy(sessionID) {
		return 0, ErrSessionBusy
	}
	sess, err := m.store.GetSession(ctx, organizationID, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Status == session.StatusProcessing {
		return 0, ErrSessionBusy
	}
	return m.store.TruncateFrom(ctx, organizationID, sessionID, messageID)
}

// DeleteSession removes an idle session with its messages, tasks and archives.
func (m *Manager) DeleteSession(ctx context.Context, organizationID, sessionID string) error {
	if m.Busy(sessionID) {
		return ErrSessionBusy
	}
	sess, err := m.store.GetSession(ctx, organizationID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusProcessing {
		return ErrSessionBusy
	}
	if m.archiver != nil {
		for _, msg := range sess.Messages {
			if msg.Metadata == nil || msg.Metadata.ArchiveKey == "" {
				continue
			}
			if err := m.archiver.Delete(ctx, msg.Metadata.ArchiveKey); err != nil {
				m.logger.Warn("delete result archive failed", "error", err, "key", msg.Metadata.ArchiveKey)
			}
		}
	}
	if err := m.store.DeleteSession(ctx, organizationID, sessionID); err != nil {
		return err
	}
	m.broker.Forget(sessionID)
	return nil
}

// Recover fails unfinished tasks that no live manager can still finish, so
// their sessions become usable again. That is a task owned by this instance
// that is not running here, or a task of any owner that has not been updated
// for longer than a run may last.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	tasks, err := m.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished tasks: %w", err)
	}
	now := m.now()
	recovered := 0
	for _, task := range tasks {
		m.mu.Lock()
		_, running := m.running[task.ID]
		m.mu.Unlock()
		if running {
			continue
		}
		stale := now.Sub(task.UpdatedAt) > m.cfg.RunTimeout+recoverGrace
		if task.Owner != m.cfg.InstanceID && !stale {
			continue
		}
		if err := m.Transition(ctx, task.OrganizationID, task.ID, session.TaskError, nil, errInterrupted); err != nil {
			m.logger.Warn("recover task failed", "error", err, "task_id", task.ID)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// RunRecovery calls Recover every interval until ctx ends. It picks up tasks
// of replicas that stopped without recovering their own.
func (m *Manager) RunRecovery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			recovered, err := m.Recover(ctx)
			if err != nil {
				m.logger.Warn("periodic task recovery failed", "error", err)
				continue
			}
			if recovered > 0 {
				m.logger.Warn("failed abandoned tasks", "count", recovered)
			}
		}
	}
}

// InstanceID is the owner recorded on tasks started by this manager.
func (m *Manager) InstanceID() string {
	return m.cfg.InstanceID
}

// Close stops accepting tasks and waits for running ones. When ctx ends first
// the remaining tasks are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) publish(eventType stream.EventType, sessionID, taskID string, data any) {
	event, err := stream.NewEvent(eventType, sessionID, taskID, data)
	if err != nil {
		m.logger.Warn("build stream event failed", "error", err, "type", string(eventType))
		event = stream.Event{Type: eventType, SessionID: sessionID, TaskID: taskID}
	}
	m.broker.Publish(event)
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "chatsql"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
