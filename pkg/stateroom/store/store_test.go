package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/store"
)

const room = "!room:example.org"

func strPtr(s string) *string { return &s }

// adapterFactory creates an adapter instance for testing.
type adapterFactory func(t *testing.T) store.Adapter

func testPdu(id string, ts int64) *pdu.Pdu {
	return &pdu.Pdu{
		EventID:        id,
		RoomID:         room,
		Type:           pdu.TypeMessage,
		Sender:         "@alice:example.org",
		OriginServerTS: ts,
		Content:        map[string]any{"body": "hello"},
	}
}

func testStatePdu(id, typ, stateKey string, ts int64) *pdu.Pdu {
	p := testPdu(id, ts)
	p.Type = typ
	p.StateKey = strPtr(stateKey)
	p.Content = map[string]any{}
	return p
}

// adapterContractTest runs contract tests against any Adapter
// implementation.
func adapterContractTest(t *testing.T, name string, factory adapterFactory) {
	ctx := context.Background()

	t.Run(name+"/PutGet_Event", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		rec := &store.EventRecord{Event: testPdu("$a", 1), StateDeltaID: "d1"}
		require.NoError(t, adapter.PutEvent(ctx, rec))

		got, err := adapter.GetEvent(ctx, "$a")
		require.NoError(t, err)
		assert.Equal(t, "$a", got.Event.EventID)
		assert.Equal(t, "d1", got.StateDeltaID)
		assert.False(t, got.SoftFailed)
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		_, err := adapter.GetEvent(ctx, "$missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/PutEvent_Idempotent", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		first := &store.EventRecord{Event: testPdu("$a", 1), StateDeltaID: "d1"}
		require.NoError(t, adapter.PutEvent(ctx, first))

		// A second write for the same id must not clobber the record.
		second := &store.EventRecord{Event: testPdu("$a", 1), StateDeltaID: "d2"}
		require.NoError(t, adapter.PutEvent(ctx, second))

		got, err := adapter.GetEvent(ctx, "$a")
		require.NoError(t, err)
		assert.Equal(t, "d1", got.StateDeltaID)
	})

	t.Run(name+"/GetEvents_SkipsMissing", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: testPdu("$a", 1)}))
		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: testPdu("$b", 2)}))

		events, err := adapter.GetEvents(ctx, []string{"$a", "$missing", "$b"})
		require.NoError(t, err)
		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.EventID
		}
		assert.ElementsMatch(t, []string{"$a", "$b"}, ids)
	})

	t.Run(name+"/MissingEvents", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: testPdu("$a", 1)}))

		missing, err := adapter.MissingEvents(ctx, []string{"$a", "$x", "$y"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"$x", "$y"}, missing)

		missing, err = adapter.MissingEvents(ctx, []string{"$a"})
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run(name+"/LatestEventBefore", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: testPdu("$a", 10)}))
		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: testPdu("$b", 20)}))
		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: testPdu("$c", 30)}))

		got, err := adapter.LatestEventBefore(ctx, room, 25)
		require.NoError(t, err)
		assert.Equal(t, "$b", got.Event.EventID)

		// Strictly before: an event at the exact timestamp is excluded.
		got, err = adapter.LatestEventBefore(ctx, room, 20)
		require.NoError(t, err)
		assert.Equal(t, "$a", got.Event.EventID)

		_, err = adapter.LatestEventBefore(ctx, room, 10)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/EventsAfter", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{
			Event: testStatePdu("$s1", pdu.TypeName, "", 10)}))
		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{
			Event: testPdu("$m1", 20)}))
		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{
			Event: testStatePdu("$s2", pdu.TypeTopic, "", 30)}))

		recs, err := adapter.EventsAfter(ctx, room, 10)
		require.NoError(t, err)
		require.Len(t, recs, 2, "the boundary timestamp is excluded")
		assert.Equal(t, "$m1", recs[0].Event.EventID, "timeline events are included, in timestamp order")
		assert.Equal(t, "$s2", recs[1].Event.EventID)

		recs, err = adapter.EventsAfter(ctx, room, 30)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run(name+"/StateDeltas", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		d1 := &store.StateDelta{
			ID: "d1", RoomID: room, EventID: "$a",
			Key: pdu.KeyOf(pdu.TypeCreate, ""), ChainID: "c1", Depth: 1,
		}
		d2 := &store.StateDelta{
			ID: "d2", RoomID: room, EventID: "$b",
			Key: pdu.KeyOf(pdu.TypeName, ""), PrevID: "d1", ChainID: "c1", Depth: 2,
		}
		require.NoError(t, adapter.PutStateDelta(ctx, d1))
		require.NoError(t, adapter.PutStateDelta(ctx, d2))

		got, err := adapter.GetStateDelta(ctx, "d2")
		require.NoError(t, err)
		assert.Equal(t, "d1", got.PrevID)
		assert.Equal(t, int64(2), got.Depth)

		latest, err := adapter.LatestStateDelta(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, "d2", latest.ID)

		_, err = adapter.GetStateDelta(ctx, "d9")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = adapter.LatestStateDelta(ctx, "!other:example.org")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/LatestStateDelta_ByDepth", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		shallow := &store.StateDelta{
			ID: "d1", RoomID: room, EventID: "$a",
			Key: pdu.KeyOf(pdu.TypeCreate, ""), ChainID: "c1", Depth: 1,
		}
		deepFork := &store.StateDelta{
			ID: "d2", RoomID: room, EventID: "$b",
			Key: pdu.KeyOf(pdu.TypeName, ""), PrevID: "d1", ChainID: "c2", Depth: 5,
		}
		require.NoError(t, adapter.PutStateDelta(ctx, deepFork))
		require.NoError(t, adapter.PutStateDelta(ctx, shallow))

		latest, err := adapter.LatestStateDelta(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, "d2", latest.ID, "depth decides, not insertion order")
	})

	t.Run(name+"/SetEventStateDelta", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{
			Event: testPdu("$a", 1), StateDeltaID: "d1"}))
		require.NoError(t, adapter.SetEventStateDelta(ctx, "$a", "d2"))

		got, err := adapter.GetEvent(ctx, "$a")
		require.NoError(t, err)
		assert.Equal(t, "d2", got.StateDeltaID)

		assert.ErrorIs(t, adapter.SetEventStateDelta(ctx, "$nope", "d2"), store.ErrNotFound)
	})

	t.Run(name+"/SetSoftFailed", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: testPdu("$a", 1)}))
		require.NoError(t, adapter.SetSoftFailed(ctx, "$a", true))

		got, err := adapter.GetEvent(ctx, "$a")
		require.NoError(t, err)
		assert.True(t, got.SoftFailed)

		require.NoError(t, adapter.SetSoftFailed(ctx, "$a", false))
		got, err = adapter.GetEvent(ctx, "$a")
		require.NoError(t, err)
		assert.False(t, got.SoftFailed)
	})

	t.Run(name+"/FindPrevEvents", func(t *testing.T) {
		adapter := factory(t)
		defer adapter.Close()

		a := testPdu("$a", 1)
		b := testPdu("$b", 2)
		b.PrevEvents = []string{"$a"}
		b.Depth = 1
		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: a}))
		require.NoError(t, adapter.PutEvent(ctx, &store.EventRecord{Event: b}))

		// Only $b has no stored child referencing it.
		tips, err := adapter.FindPrevEvents(ctx, room)
		require.NoError(t, err)
		ids := make([]string, len(tips))
		for i, ev := range tips {
			ids[i] = ev.EventID
		}
		assert.Equal(t, []string{"$b"}, ids)
	})

	t.Run(name+"/Close_ThenError", func(t *testing.T) {
		adapter := factory(t)
		require.NoError(t, adapter.Close())

		_, err := adapter.GetEvent(ctx, "$a")
		assert.Error(t, err)
	})
}

// TestMemoryStore runs contract tests against MemoryStore.
func TestMemoryStore(t *testing.T) {
	factory := func(t *testing.T) store.Adapter {
		return store.NewMemoryStore()
	}
	adapterContractTest(t, "MemoryStore", factory)
}

// TestSQLiteStore runs contract tests against SQLiteStore.
func TestSQLiteStore(t *testing.T) {
	factory := func(t *testing.T) store.Adapter {
		s, err := store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return s
	}
	adapterContractTest(t, "SQLiteStore", factory)
}
