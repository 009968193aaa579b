package reconcile

import (
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/chatsql/chatsql/internal/session"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, role session.Role, at time.Time, content string) session.Message {
	return session.Message{ID: id, SessionID: "s-1", Role: role, Timestamp: at, Content: content}
}

func TestMergeKeepsLaterTimestampThenLongerContent(t *testing.T) {
	persisted := []session.Message{
		msg("a", session.RoleAssistant, base, "final answer"),
		msg("b", session.RoleAssistant, base.Add(time.Second), "partial"),
	}
	inMemory := []session.Message{
		msg("a", session.RoleAssistant, base.Add(-time.Second), "stale but much longer text"),
		msg("b", session.RoleAssistant, base.Add(time.Second), "partial answer, still streaming"),
		msg("c", session.RoleUser, base.Add(2*time.Second), "next question"),
	}

	got := Merge(persisted, inMemory)
	if len(got) != 3 {
		t.Fatalf("Merge() len = %d", len(got))
	}
	if got[0].ID != "a" || got[0].Content != "final answer" {
		t.Fatalf("a = %+v", got[0])
	}
	if got[1].ID != "b" || got[1].Content != "partial answer, still streaming" {
		t.Fatalf("b = %+v", got[1])
	}
	if got[2].ID != "c" {
		t.Fatalf("order = %v", ids(got))
	}
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	sql := "SELECT 1"
	persisted := []session.Message{{ID: "a", Timestamp: base, Metadata: &session.MessageMetadata{SQL: &sql}}}
	got := Merge(persisted, nil)
	*got[0].Metadata.SQL = "changed"
	if sql != "SELECT 1" {
		t.Fatal("Merge() output shares metadata with its input")
	}
}

func TestLessTieBreakLevels(t *testing.T) {
	t1 := base
	t2 := base.Add(time.Millisecond)
	early := session.NewMessageID("s-1", t1)
	late := session.NewMessageID("s-1", t2)

	cases := []struct {
		name string
		a, b session.Message
	}{
		{"timestamp", msg("z", session.RoleAssistant, t1, ""), msg("a", session.RoleUser, t2, "")},
		{"embedded id time", msg(early, session.RoleAssistant, t1, ""), msg(late, session.RoleUser, t1, "")},
		{"embedded before plain", msg(late, session.RoleAssistant, t1, ""), msg("plain", session.RoleUser, t1, "")},
		{"user before assistant", msg("q", session.RoleUser, t1, ""), msg("p", session.RoleAssistant, t1, "")},
		{"id", msg("a", session.RoleUser, t1, ""), msg("b", session.RoleUser, t1, "")},
	}
	for _, tc := range cases {
		if !Less(tc.a, tc.b) || Less(tc.b, tc.a) {
			t.Fatalf("%s: Less(a, b) = %v, Less(b, a) = %v", tc.name, Less(tc.a, tc.b), Less(tc.b, tc.a))
		}
	}
}

// randomMessages draws from a small pool of timestamps and ids so ties are
// frequent at every level.
func randomMessages(rng *rand.Rand, n int) []session.Message {
	roles := []session.Role{session.RoleUser, session.RoleAssistant, session.RoleSystem}
	out := make([]session.Message, 0, n)
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(rng.Intn(3)) * time.Millisecond)
		var id string
		switch rng.Intn(3) {
		case 0:
			id = session.NewMessageID("s-1", base.Add(time.Duration(rng.Intn(3))*time.Millisecond))
		case 1:
			id = fmt.Sprintf("plain-%d", rng.Intn(4))
		default:
			id = fmt.Sprintf("m_%d_s-1_fixed%d", base.Add(time.Duration(rng.Intn(2))*time.Millisecond).UnixMilli(), rng.Intn(3))
		}
		content := fmt.Sprintf("%0*d", rng.Intn(4), 0)
		out = append(out, msg(id, roles[rng.Intn(len(roles))], at, content))
	}
	return out
}

func TestLessIsStrictTotalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		msgs := randomMessages(rng, 8)
		for _, a := range msgs {
			if Less(a, a) {
				t.Fatalf("Less(a, a) = true for %+v", a)
			}
			for _, b := range msgs {
				if a.ID != b.ID && Less(a, b) == Less(b, a) {
					t.Fatalf("not total/antisymmetric for %s and %s", a.ID, b.ID)
				}
				for _, c := range msgs {
					if Less(a, b) && Less(b, c) && !Less(a, c) {
						t.Fatalf("not transitive: %s < %s < %s", a.ID, b.ID, c.ID)
					}
				}
			}
		}
	}
}

func TestMergeIsIdempotentAndDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		persisted := randomMessages(rng, 6)
		inMemory := randomMessages(rng, 6)

		once := Merge(persisted, inMemory)
		again := Merge(persisted, inMemory)
		if !reflect.DeepEqual(once, again) {
			t.Fatalf("round %d: Merge() not deterministic", round)
		}
		twice := Merge(once, inMemory)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("round %d: Merge() not idempotent:\n%v\n%v", round, ids(once), ids(twice))
		}
		if !sort.SliceIsSorted(once, func(i, j int) bool { return Less(once[i], once[j]) }) {
			t.Fatalf("round %d: Merge() output unsorted", round)
		}
		seen := map[string]bool{}
		for _, m := range once {
			if seen[m.ID] {
				t.Fatalf("round %d: duplicate id %s", round, m.ID)
			}
			seen[m.ID] = true
		}
	}
}

func ids(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
