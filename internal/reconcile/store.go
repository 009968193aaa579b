package reconcile

import (
	"sync"

	"github.com/chatsql/chatsql/internal/query"
	"github.com/chatsql/chatsql/internal/session"
	"github.com/chatsql/chatsql/internal/stream"
	"github.com/chatsql/chatsql/internal/task"
)

// Progress is the latest step reported for the active task.
type Progress struct {
	TaskID  string
	Step    string
	Message string
	Done    bool
}

// View is a snapshot of one session as the client currently knows it.
type View struct {
	SessionID    string
	Status       session.Status
	ActiveTaskID string
	Messages     []session.Message
	// Results caches query results by the id of the message that carried them.
	Results   map[string]query.Result
	Progress  *Progress
	LastError *stream.ErrorData
	Dropped   int
}

// record is the arena entry for one session.
type record struct {
	status       session.Status
	activeTaskID string
	persisted    []session.Message
	local        []session.Message
	messages     []session.Message
	results      map[string]query.Result
	progress     *Progress
	lastError    *stream.ErrorData
	lastSeq      uint64
	dropped      int
}

func newRecord() *record {
	return &record{status: session.StatusIdle, results: map[string]query.Result{}}
}

// Store holds per-session state keyed by session id. Nothing in one entry
// is reachable from another.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*record
	focused  string
}

func NewStore() *Store {
	return &Store{sessions: map[string]*record{}}
}

func (s *Store) recordLocked(sessionID string) *record {
	rec, ok := s.sessions[sessionID]
	if !ok {
		rec = newRecord()
		s.sessions[sessionID] = rec
	}
	return rec
}

// View returns a copy of the session's state.
func (s *Store) View(sessionID string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return View{}, false
	}
	view := View{
		SessionID:    sessionID,
		Status:       rec.status,
		ActiveTaskID: rec.activeTaskID,
		Messages:     make([]session.Message, len(rec.messages)),
		Results:      make(map[string]query.Result, len(rec.results)),
		Dropped:      rec.dropped,
	}
	for i, msg := range rec.messages {
		view.Messages[i] = msg.Clone()
	}
	for id, result := range rec.results {
		view.Results[id] = result.Clone()
	}
	if rec.progress != nil {
		progress := *rec.progress
		view.Progress = &progress
	}
	if rec.lastError != nil {
		lastError := *rec.lastError
		view.LastError = &lastError
	}
	return view, true
}

func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// AddLocal records an optimistic message, such as the user's text before the
// server has acknowledged it.
func (s *Store) AddLocal(sessionID string, msg session.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(sessionID)
	msg.SessionID = sessionID
	rec.local = Merge(rec.local, []session.Message{msg})
	rec.rebuild()
}

// ApplySnapshot folds in the persisted session, which is authoritative for
// status and the active task.
func (s *Store) ApplySnapshot(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(sess.ID)
	rec.status = sess.Status
	rec.activeTaskID = sess.ActiveTaskID
	if sess.Status != session.StatusProcessing {
		rec.progress = nil
	}
	rec.persisted = Merge(sess.Messages, nil)
	rec.dropLocalPersisted()
	rec.rebuild()
}

// ApplyStatus folds in a status read without messages.
func (s *Store) ApplyStatus(view task.StatusView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(view.SessionID)
	rec.status = view.Status
	rec.activeTaskID = view.ActiveTaskID
	if view.Status != session.StatusProcessing {
		rec.progress = nil
	}
}

// ApplyEvent updates the session the event belongs to and reports whether
// the caller should re-read the persisted session. Events repeating a
// sequence number already seen on the current connection are ignored.
func (s *Store) ApplyEvent(event stream.Event) (refresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(event.SessionID)

	if event.Type == stream.EventConnected {
		// A new connection starts a new sequence space.
		rec.lastSeq = 0
		var view task.StatusView
		if err := event.Decode(&view); err == nil {
			rec.status = view.Status
			rec.activeTaskID = view.ActiveTaskID
		}
		return true
	}
	if event.Seq != 0 {
		if event.Seq <= rec.lastSeq {
			return false
		}
		rec.lastSeq = event.Seq
	}

	switch event.Type {
	case stream.EventTaskCreated:
		rec.status = session.StatusProcessing
		rec.activeTaskID = event.TaskID
		rec.lastError = nil
		rec.progress = &Progress{TaskID: event.TaskID}
	case stream.EventProcessingStarted:
		rec.status = session.StatusProcessing
		if rec.activeTaskID == "" {
			rec.activeTaskID = event.TaskID
		}
		rec.progress = &Progress{TaskID: event.TaskID}
	case stream.EventStepStarted, stream.EventStepCompleted, stream.EventStatusUpdate:
		var step stream.StepData
		if err := event.Decode(&step); err != nil {
			return false
		}
		rec.progress = &Progress{
			TaskID:  event.TaskID,
			Step:    step.Step,
			Message: step.Message,
			Done:    event.Type == stream.EventStepCompleted,
		}
	case stream.EventFinalResultReady:
		var msg session.Message
		if err := event.Decode(&msg); err != nil {
			return true
		}
		msg.SessionID = event.SessionID
		rec.local = Merge(rec.local, []session.Message{msg})
		rec.rebuild()
	case stream.EventTaskCompleted, stream.EventTaskError:
		if rec.activeTaskID == "" || rec.activeTaskID == event.TaskID {
			rec.status = session.StatusIdle
			rec.activeTaskID = ""
		}
		rec.progress = nil
		if event.Type == stream.EventTaskError {
			var data stream.ErrorData
			if err := event.Decode(&data); err == nil {
				rec.lastError = &data
			}
		}
		return true
	}
	return false
}

// NoteDropped records events the consumer knows it missed.
func (s *Store) NoteDropped(sessionID string, count int) {
	if count <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(sessionID).dropped += count
}

// RemapSession moves everything buffered under a client-generated id to the
// id the server assigned and discards the temporary key.
func (s *Store) RemapSession(tempID, realID string) {
	if tempID == realID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	temp, ok := s.sessions[tempID]
	if !ok {
		return
	}
	delete(s.sessions, tempID)
	if s.focused == tempID {
		s.focused = realID
	}

	retag := func(msgs []session.Message) []session.Message {
		out := make([]session.Message, len(msgs))
		for i, msg := range msgs {
			msg = msg.Clone()
			msg.SessionID = realID
			out[i] = msg
		}
		return out
	}

	target, exists := s.sessions[realID]
	if !exists {
		temp.persisted = retag(temp.persisted)
		temp.local = retag(temp.local)
		temp.rebuild()
		s.sessions[realID] = temp
		return
	}
	target.local = Merge(target.local, retag(temp.local))
	target.persisted = Merge(target.persisted, retag(temp.persisted))
	if target.activeTaskID == "" && temp.activeTaskID != "" {
		target.status = temp.status
		target.activeTaskID = temp.activeTaskID
		target.progress = temp.progress
	}
	target.dropped += temp.dropped
	target.dropLocalPersisted()
	target.rebuild()
}

func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	if s.focused == sessionID {
		s.focused = ""
	}
}

// Focus marks the session the user is looking at. Only the focused session
// keeps a live stream.
func (s *Store) Focus(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = sessionID
}

func (s *Store) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// dropLocalPersisted forgets optimistic copies the server now holds at least
// as fresh.
func (r *record) dropLocalPersisted() {
	if len(r.local) == 0 {
		return
	}
	persisted := make(map[string]session.Message, len(r.persisted))
	for _, msg := range r.persisted {
		persisted[msg.ID] = msg
	}
	kept := r.local[:0]
	for _, msg := range r.local {
		if stored, ok := persisted[msg.ID]; ok && !newer(msg, stored) {
			continue
		}
		kept = append(kept, msg)
	}
	r.local = kept
}

// rebuild derives the merged timeline and the result cache from it, so a
// result leaves the cache with its message.
func (r *record) rebuild() {
	r.messages = Merge(r.persisted, r.local)
	r.results = make(map[string]query.Result, len(r.results))
	for _, msg := range r.messages {
		if msg.Metadata != nil && msg.Metadata.Result != nil {
			r.results[msg.ID] = msg.Metadata.Result.Clone()
		}
	}
}
