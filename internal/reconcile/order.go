// Package reconcile is the client-side view of sessions. It merges persisted
// history, optimistic local messages and streamed events into one
// deterministically ordered message list per session.
package reconcile

import (
	"sort"

	"github.com/chatsql/chatsql/internal/session"
)

// Less orders messages by timestamp, then by the time embedded in the id,
// then user before assistant, then by id. It is a strict total order over
// messages with distinct ids.
func Less(a, b session.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}

	at, aok := session.MessageIDTime(a.ID)
	bt, bok := session.MessageIDTime(b.ID)
	switch {
	case aok && bok && !at.Equal(bt):
		return at.Before(bt)
	case aok != bok:
		// ids without an embedded time sort after those with one
		return aok
	}

	if ra, rb := roleRank(a.Role), roleRank(b.Role); ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

func roleRank(role session.Role) int {
	switch role {
	case session.RoleUser:
		return 0
	case session.RoleAssistant:
		return 1
	}
	return 2
}

// Merge combines persisted and in-memory messages. When both hold an id the
// later timestamp wins; on a tie the longer content wins, and the persisted
// copy wins a full tie. The result is sorted with Less and shares no memory
// with the inputs.
func Merge(persisted, inMemory []session.Message) []session.Message {
	byID := make(map[string]session.Message, len(persisted)+len(inMemory))
	for _, msg := range persisted {
		if current, ok := byID[msg.ID]; ok && !newer(msg, current) {
			continue
		}
		byID[msg.ID] = msg
	}
	for _, msg := range inMemory {
		if current, ok := byID[msg.ID]; ok && !newer(msg, current) {
			continue
		}
		byID[msg.ID] = msg
	}

	out := make([]session.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// newer reports whether candidate replaces current.
func newer(candidate, current session.Message) bool {
	if !candidate.Timestamp.Equal(current.Timestamp) {
		return candidate.Timestamp.After(current.Timestamp)
	}
	return len(candidate.Content) > len(current.Content)
}
