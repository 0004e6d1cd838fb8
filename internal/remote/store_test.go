package remote

import (
	"classroom_sync_backend/internal/util"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type participantDoc struct {
	ConversationID string  `json:"conversationId"`
	UserID         string  `json:"userId"`
	Nick           *string `json:"nick"`
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test")
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newRedisStore(t) })
}

// runStoreContract 两种实现共同遵守的行为
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		run  func(t *testing.T, s Store)
	}{
		{"VersionsAreMonotonic", contractVersions},
		{"QueryByField", contractQuery},
		{"QueryFollowsFieldChange", contractIndexMove},
		{"UpdateSeesPrevious", contractUpdate},
		{"UpdateAbortWritesNothing", contractUpdateAbort},
		{"ListenAndCancel", contractListen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, newStore(t))
		})
	}
}

func putParticipant(t *testing.T, s Store, p participantDoc) *Document {
	t.Helper()
	doc, err := Encode("participants", p.ConversationID+":"+p.UserID, p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stored, err := s.Put(context.Background(), doc)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return stored
}

func contractVersions(t *testing.T, s Store) {
	ctx := context.Background()
	p := participantDoc{ConversationID: "c1", UserID: "u1"}

	first := putParticipant(t, s, p)
	second := putParticipant(t, s, p)
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1,2 got %d,%d", first.Version, second.Version)
	}

	if err := s.Delete(ctx, "participants", "c1:u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.Get(ctx, "participants", "c1:u1")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) after delete, got %v, %v", got, err)
	}
	if err := s.Delete(ctx, "participants", "c1:u1"); err != nil {
		t.Fatalf("deleting a missing document: %v", err)
	}

	third := putParticipant(t, s, p)
	if third.Version <= second.Version {
		t.Fatalf("version went backwards after delete: %d <= %d", third.Version, second.Version)
	}
	again, err := s.Get(ctx, "participants", "c1:u1")
	if err != nil || again == nil || again.Version != third.Version {
		t.Fatalf("get after recreate: %+v %v", again, err)
	}
}

func contractQuery(t *testing.T, s Store) {
	ctx := context.Background()
	for _, p := range []participantDoc{
		{ConversationID: "c1", UserID: "u1"},
		{ConversationID: "c1", UserID: "u2"},
		{ConversationID: "c2", UserID: "u1"},
	} {
		putParticipant(t, s, p)
	}

	docs, err := s.QueryByField(ctx, "participants", "userId", "u1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "c1:u1" || docs[1].ID != "c2:u1" {
		t.Fatalf("unexpected result %+v", docs)
	}

	var p participantDoc
	if err := Decode(docs[1], &p); err != nil || p.ConversationID != "c2" {
		t.Fatalf("decode: %+v %v", p, err)
	}

	if err := s.Delete(ctx, "participants", "c1:u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	docs, _ = s.QueryByField(ctx, "participants", "userId", "u1")
	if len(docs) != 1 || docs[0].ID != "c2:u1" {
		t.Fatalf("deleted document still matched: %+v", docs)
	}
}

func contractIndexMove(t *testing.T, s Store) {
	ctx := context.Background()
	putParticipant(t, s, participantDoc{ConversationID: "c1", UserID: "u1"})

	_, err := s.Update(ctx, "participants", "c1:u1", func(prev *Document) (Document, error) {
		var p participantDoc
		if err := Decode(*prev, &p); err != nil {
			return Document{}, err
		}
		p.UserID = "u9"
		return Encode("participants", "c1:u1", p)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if old, _ := s.QueryByField(ctx, "participants", "userId", "u1"); len(old) != 0 {
		t.Fatalf("old value still indexed: %+v", old)
	}
	moved, _ := s.QueryByField(ctx, "participants", "userId", "u9")
	if len(moved) != 1 || moved[0].Version != 2 {
		t.Fatalf("new value not indexed: %+v", moved)
	}
}

type counterDoc struct {
	N int `json:"n"`
}

func increment(prev *Document) (Document, error) {
	var c counterDoc
	if prev != nil {
		if err := json.Unmarshal(prev.Data, &c); err != nil {
			return Document{}, err
		}
	}
	c.N++
	return Encode("counters", "k", c)
}

func contractUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	var last *Document
	for i := 0; i < 3; i++ {
		doc, err := s.Update(ctx, "counters", "k", increment)
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		last = doc
	}

	var c counterDoc
	if err := Decode(*last, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.N != 3 || last.Version != 3 || last.Collection != "counters" || last.ID != "k" {
		t.Fatalf("unexpected document %+v (n=%d)", last, c.N)
	}
	got, _ := s.Get(ctx, "counters", "k")
	if got == nil || got.Version != 3 || string(got.Data) != string(last.Data) {
		t.Fatalf("stored document differs: %+v", got)
	}
}

func contractUpdateAbort(t *testing.T, s Store) {
	ctx := context.Background()
	stop := errors.New("stop")

	_, err := s.Update(ctx, "counters", "k", func(*Document) (Document, error) {
		return Document{}, stop
	})
	if err != stop {
		t.Fatalf("expected the callback error unchanged, got %v", err)
	}
	if got, _ := s.Get(ctx, "counters", "k"); got != nil {
		t.Fatalf("aborted update wrote %+v", got)
	}

	doc, err := s.Update(ctx, "counters", "k", increment)
	if err != nil || doc.Version != 1 {
		t.Fatalf("aborted update consumed a version: %+v %v", doc, err)
	}
}

func contractListen(t *testing.T, s Store) {
	ctx := context.Background()

	got := make(chan Change, 8)
	cancel, err := s.Listen(ctx, "messages", func(c Change) { got <- c })
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	doc, _ := Encode("messages", "m1", map[string]string{"conversationId": "c1"})
	if _, err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	other, _ := Encode("participants", "p1", map[string]string{})
	if _, err := s.Put(ctx, other); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "messages", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := []Change{
		{Type: ChangePut, Collection: "messages", ID: "m1", Version: 1},
		{Type: ChangeDelete, Collection: "messages", ID: "m1", Version: 2},
	}
	for i, w := range want {
		select {
		case c := <-got:
			if c != w {
				t.Fatalf("change %d = %+v, want %+v", i, c, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("change %d not delivered", i)
		}
	}

	cancel()
	if _, err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case c := <-got:
		t.Fatalf("listener still called after cancel: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryStore_NullFieldsDoNotMatch(t *testing.T) {
	s := NewMemoryStore()
	putParticipant(t, s, participantDoc{ConversationID: "c1", UserID: "u1"})
	none, _ := s.QueryByField(context.Background(), "participants", "nick", "x")
	if len(none) != 0 {
		t.Fatalf("null fields must not match")
	}
}

func TestRedisStore_UpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)

	calls := 0
	doc, err := s.Update(ctx, "counters", "k", func(prev *Document) (Document, error) {
		calls++
		if calls == 1 {
			// 另一个连接抢先写入，本次事务必须作废
			if _, err := s.Update(ctx, "counters", "k", increment); err != nil {
				return Document{}, err
			}
		}
		return increment(prev)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("callback ran %d times, want 2", calls)
	}

	var c counterDoc
	if err := Decode(*doc, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.N != 2 || doc.Version != 2 {
		t.Fatalf("lost the concurrent write: n=%d version=%d", c.N, doc.Version)
	}
}

func TestRedisStore_UnreachableIsRemoteUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStore(rdb, "test")
	mr.Close()

	if _, err := s.Get(context.Background(), "users", "u1"); !errors.Is(err, util.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	doc, _ := Encode("users", "u1", map[string]string{})
	if _, err := s.Put(context.Background(), doc); !errors.Is(err, util.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable on write, got %v", err)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().Get(ctx, "users", "u1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestFieldValues_SkipsMissingAndNull(t *testing.T) {
	vals := fieldValues([]byte(`{"a":"x","b":null,"n":3}`), []string{"a", "b", "c", "n"})
	if len(vals) != 2 || vals["a"] != "x" || vals["n"] != "3" {
		t.Fatalf("unexpected values %v", vals)
	}
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s := NewRedisStore(nil, "")
	if got := s.docKey("results", "r1"); got != "classroom:doc:results:r1" {
		t.Fatalf("doc key %q", got)
	}
	if got := s.indexKey("results", "studentId", "s1"); got != "classroom:idx:results:studentId:s1" {
		t.Fatalf("index key %q", got)
	}
	if got := s.channel("results"); got != "classroom:changes:results" {
		t.Fatalf("channel %q", got)
	}
	if !s.indexed("results", "studentId") || s.indexed("results", "score") {
		t.Fatalf("unexpected index configuration")
	}
}

func TestRedisStore_QueryRequiresIndex(t *testing.T) {
	s := NewRedisStore(nil, "ns")
	_, err := s.QueryByField(context.Background(), "users", "name", "x")
	if !errors.Is(err, util.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNormalizeErr(t *testing.T) {
	if err := normalizeErr(errors.New("NOPERM this user has no permissions")); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := normalizeErr(errors.New("dial tcp: connection refused")); !errors.Is(err, util.ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
	if err := normalizeErr(context.Canceled); err != context.Canceled {
		t.Fatalf("context errors pass through, got %v", err)
	}
}
