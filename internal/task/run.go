package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/apperrors"
	"github.com/chatsql/chatsql/internal/catalog"
	"github.com/chatsql/chatsql/internal/nl2sql"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/query"
	"github.com/chatsql/chatsql/internal/query/sqldb"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/sqlsafety"
	"github.com/chatsql/chatsql/internal/stream"
)

const (
	StepSchema    = "schema"
	StepTranslate = "translate"
	StepExplore   = "explore"
	StepRefine    = "refine"
	StepQuery     = "query"
)

const maxContextTurns = 20

type runJob struct {
	caller  sqlsafety.Caller
	session session.Session
	task    session.Task
	turns   []nl2sql.Turn
	content string
	hint    string
	traceID string
}

func (m *Manager) run(ctx context.Context, rec *runRecord, job runJob) {
	// Terminal writes must land even after the run context is cancelled.
	persistCtx := context.WithoutCancel(ctx)
	orgID, taskID := job.task.OrganizationID, job.task.ID

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.fail(persistCtx, rec, job, ctx.Err())
		return
	}
	observability.AddTasksInFlight(1)
	defer observability.AddTasksInFlight(-1)

	if err := m.Transition(persistCtx, orgID, taskID, session.TaskProcessing, nil, nil); err != nil {
		m.fail(persistCtx, rec, job, err)
		return
	}

	answer, err := m.answer(ctx, job)
	if err == nil {
		// A cancellation that raced a successful final step still wins.
		err = ctx.Err()
	}
	if err != nil {
		m.fail(persistCtx, rec, job, err)
		return
	}
	m.publish(stream.EventFinalResultReady, job.session.ID, taskID, answer)
	if err := m.Transition(persistCtx, orgID, taskID, session.TaskCompleted, &answer, nil); err != nil {
		m.logger.Error("complete task failed", "error", err, "task_id", taskID, "session_id", job.session.ID)
	}
}

func (m *Manager) fail(ctx context.Context, rec *runRecord, job runJob, cause error) {
	m.mu.Lock()
	cancelled := rec.cancelled
	m.mu.Unlock()

	var typed *apperrors.Error
	switch {
	case cancelled:
		cause = apperrors.Cancelled()
	case errors.Is(cause, context.DeadlineExceeded) && !errors.As(cause, &typed):
		cause = apperrors.Timeout("task exceeded its %s time limit", m.cfg.RunTimeout)
	}
	m.logger.InfoContext(ctx, "task failed",
		"kind", string(apperrors.KindOf(cause)),
		"error", cause.Error(),
	)
	if err := m.Transition(ctx, job.task.OrganizationID, job.task.ID, session.TaskError, nil, cause); err != nil {
		m.logger.Error("persist task error failed", "error", err, "task_id", job.task.ID)
	}
}

// answer runs the phases of one turn: schema, translate, optional
// exploration, data query. Every statement goes through the safety pipeline.
func (m *Manager) answer(ctx context.Context, job runJob) (session.Message, error) {
	orgID := job.caller.OrganizationID
	connRef := job.session.DatabaseConnectionRef

	started := m.stepStarted(job, StepSchema)
	base, schema, dialect, err := m.prepare(ctx, job, connRef)
	if err != nil {
		return session.Message{}, err
	}
	m.stepCompleted(job, StepSchema, started)

	req := nl2sql.Request{
		OrganizationID: orgID,
		Turns:          m.contextTurns(job),
		Question:       job.content,
		Schema:         schema,
		Dialect:        dialect,
		Hint:           job.hint,
	}
	parsed, err := m.translate(ctx, job, req, StepTranslate)
	if err != nil {
		return session.Message{}, err
	}

	if parsed.Exploratory && parsed.SQL != nil {
		started = m.stepStarted(job, StepExplore)
		in := base
		in.SQL = parsed.SQL
		in.MaxRows = m.cfg.ExplorationSampleRows
		explored, err := m.pipeline.Run(ctx, in)
		if err != nil {
			return session.Message{}, err
		}
		m.stepCompleted(job, StepExplore, started)
		m.statusUpdate(job, StepRefine, fmt.Sprintf("sampled %d rows, refining the query", explored.Result.RowCount))

		sample := explored.Result
		req.Exploration = &sample
		if parsed, err = m.translate(ctx, job, req, StepRefine); err != nil {
			return session.Message{}, err
		}
	}

	started = m.stepStarted(job, StepQuery)
	in := base
	in.SQL = parsed.SQL
	out, err := m.pipeline.Run(ctx, in)
	if err != nil {
		return session.Message{}, err
	}
	m.stepCompleted(job, StepQuery, started)

	now := m.now()
	answer := session.Message{
		ID:        session.NewMessageID(job.session.ID, now),
		SessionID: job.session.ID,
		Role:      session.RoleAssistant,
		Content:   strings.TrimSpace(parsed.Explanation),
		Timestamp: now,
		Metadata: &session.MessageMetadata{
			TaskID:        job.task.ID,
			Reasoning:     parsed.Reasoning,
			Visualization: parsed.Visualization,
			CommandHint:   job.hint,
		},
	}
	if out.Declined {
		answer.Content = strings.TrimSpace(answer.Content + "\n\n" + out.Message)
		return answer, nil
	}

	executed := out.SQL
	result := out.Result
	answer.Metadata.SQL = &executed
	answer.Metadata.Result = &result
	if answer.Content == "" {
		answer.Content = fmt.Sprintf("The query returned %d rows.", result.RowCount)
	}
	if m.archiver != nil {
		key, err := m.archiver.Save(ctx, orgID, job.session.ID, job.task.ID, result)
		if err != nil {
			m.logger.Warn("archive result failed", "error", err, "task_id", job.task.ID)
		} else {
			answer.Metadata.ArchiveKey = key
		}
	}
	return answer, nil
}

// prepare loads the caller's policy, permission and salt and describes the
// portion of the schema the role may see.
func (m *Manager) prepare(ctx context.Context, job runJob, connRef string) (sqlsafety.Input, query.Schema, string, error) {
	orgID, role := job.caller.OrganizationID, job.caller.Role

	policy, err := m.catalog.SQLPolicy(ctx, orgID)
	if err != nil {
		return sqlsafety.Input{}, query.Schema{}, "", fmt.Errorf("load sql policy: %w", err)
	}
	perm, err := m.catalog.DataPermission(ctx, orgID, role, connRef)
	if errors.Is(err, catalog.ErrNotFound) {
		return sqlsafety.Input{}, query.Schema{}, "", apperrors.PermissionDenied("", "role %q has no data permission for connection %q", role, connRef)
	}
	if err != nil {
		return sqlsafety.Input{}, query.Schema{}, "", fmt.Errorf("load data permission: %w", err)
	}
	salt, err := m.catalog.MaskingSalt(ctx, orgID)
	if errors.Is(err, catalog.ErrNotFound) {
		salt, err = m.cfg.DefaultSalt, nil
	}
	if err != nil {
		return sqlsafety.Input{}, query.Schema{}, "", fmt.Errorf("load masking salt: %w", err)
	}

	engine, err := m.engines.Engine(ctx, connRef)
	if err != nil {
		return sqlsafety.Input{}, query.Schema{}, "", apperrors.Execution(fmt.Errorf("resolve connection %q: %w", connRef, err))
	}
	schema, err := engine.DescribeSchema(ctx)
	if err != nil {
		var typed *apperrors.Error
		if !errors.As(err, &typed) {
			err = apperrors.Execution(err)
		}
		return sqlsafety.Input{}, query.Schema{}, "", err
	}

	dialect := ""
	if named, ok := engine.(interface{ Dialect() sqldb.Dialect }); ok {
		dialect = named.Dialect().Name
	}
	base := sqlsafety.Input{
		Caller:        job.caller,
		Policy:        policy,
		Permission:    perm,
		ConnectionRef: connRef,
		Salt:          salt,
	}
	return base, visibleSchema(schema, perm), dialect, nil
}

func (m *Manager) translate(ctx context.Context, job runJob, req nl2sql.Request, step string) (nl2sql.Parsed, error) {
	started := m.stepStarted(job, step)
	resp, err := m.translator.Translate(ctx, req)
	if err != nil {
		return nl2sql.Parsed{}, err
	}
	switch r := resp.(type) {
	case nl2sql.Parsed:
		m.stepCompleted(job, step, started)
		return r, nil
	case nl2sql.ParseFailure:
		return nl2sql.Parsed{}, r.Err()
	default:
		return nl2sql.Parsed{}, apperrors.MalformedResponse("", fmt.Sprintf("unexpected response type %T", resp))
	}
}

// contextTurns returns prior turns, oldest first, excluding the new message.
func (m *Manager) contextTurns(job runJob) []nl2sql.Turn {
	history := job.session.Messages
	if n := len(history); n > 0 && history[n-1].Role == session.RoleUser && history[n-1].Content == job.content {
		history = history[:n-1]
	}
	var turns []nl2sql.Turn
	if len(history) == 0 {
		turns = append(turns, job.turns...)
	}
	for _, msg := range history {
		if msg.Role != session.RoleUser && msg.Role != session.RoleAssistant {
			continue
		}
		content := msg.Content
		if msg.Metadata != nil && msg.Metadata.SQL != nil {
			content += "\nSQL: " + *msg.Metadata.SQL
		}
		turns = append(turns, nl2sql.Turn{Role: string(msg.Role), Content: content})
	}
	if len(turns) > maxContextTurns {
		turns = turns[len(turns)-maxContextTurns:]
	}
	return turns
}

// visibleSchema drops tables the role has no permission for and columns it
// cannot access, so the model never sees them.
func visibleSchema(schema query.Schema, perm sqlsafety.DataPermission) query.Schema {
	out := query.Schema{Tables: make([]query.TableSchema, 0, len(schema.Tables))}
	for _, table := range schema.Tables {
		tablePerm, ok := perm.Table(table.Name)
		if !ok {
			continue
		}
		visible := table
		visible.Columns = make([]query.ColumnSchema, 0, len(table.Columns))
		for _, column := range table.Columns {
			if colPerm, ok := tablePerm.Column(column.Name); ok && !colPerm.Accessible {
				continue
			}
			visible.Columns = append(visible.Columns, column)
		}
		out.Tables = append(out.Tables, visible)
	}
	return out
}

func (m *Manager) stepStarted(job runJob, step string) time.Time {
	m.publish(stream.EventStepStarted, job.session.ID, job.task.ID, stream.StepData{Step: step})
	return m.now()
}

func (m *Manager) stepCompleted(job runJob, step string, started time.Time) {
	m.publish(stream.EventStepCompleted, job.session.ID, job.task.ID, stream.StepData{
		Step:    step,
		Elapsed: m.now().Sub(started).Milliseconds(),
	})
}

func (m *Manager) statusUpdate(job runJob, step, message string) {
	m.publish(stream.EventStatusUpdate, job.session.ID, job.task.ID, stream.StepData{Step: step, Message: message})
}
