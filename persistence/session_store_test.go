package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionBackends(t *testing.T) map[string]SessionStore {
	t.Helper()
	fileStore, err := NewFileSessionStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]SessionStore{
		"memory": NewMemorySessionStore(),
		"file":   fileStore,
		"sqlite": db.Sessions(),
	}
}

func TestSessionStoreLifecycle(t *testing.T) {
	key := SessionKey{AppName: "audit-ia", UserID: "client1", SessionID: "sess1"}
	for name, store := range sessionBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			created, err := store.Create(ctx, key, map[string]interface{}{"turns": 1})
			require.NoError(t, err)
			assert.Equal(t, key, created.SessionKey)

			_, err = store.Create(ctx, key, nil)
			assert.ErrorIs(t, err, ErrConflict)

			updated, err := store.Update(ctx, key, map[string]interface{}{"last_tier": "senior"})
			require.NoError(t, err)
			assert.Equal(t, "senior", updated.State["last_tier"])
			assert.EqualValues(t, 1, updated.State["turns"])

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "senior", got.State["last_tier"])
			assert.False(t, got.LastUpdateTime.IsZero())

			require.NoError(t, store.Delete(ctx, key))
			_, err = store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, store.Delete(ctx, key))
		})
	}
}

func TestSessionStoreListing(t *testing.T) {
	for name, store := range sessionBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []SessionKey{
				{AppName: "audit-ia", UserID: "client1", SessionID: "a"},
				{AppName: "audit-ia", UserID: "client1", SessionID: "b"},
				{AppName: "audit-ia", UserID: "client2", SessionID: "c"},
				{AppName: "other", UserID: "client1", SessionID: "d"},
			} {
				_, err := store.Create(ctx, key, nil)
				require.NoError(t, err)
				time.Sleep(2 * time.Millisecond)
			}

			mine, err := store.ListForUser(ctx, "audit-ia", "client1")
			require.NoError(t, err)
			require.Len(t, mine, 2)
			assert.Equal(t, "b", mine[0].SessionID)

			all, err := store.ListAll(ctx, "audit-ia")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestTouchCreatesThenUpdates(t *testing.T) {
	store := NewMemorySessionStore()
	key := SessionKey{AppName: "audit-ia", UserID: "client1", SessionID: "s"}
	ctx := context.Background()

	sess, err := Touch(ctx, store, key, map[string]interface{}{"turns": 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, sess.State["turns"])

	sess, err = Touch(ctx, store, key, map[string]interface{}{"turns": 2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, sess.State["turns"])
}

func TestActionLogBackends(t *testing.T) {
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "actions.db"))
	require.NoError(t, err)
	defer db.Close()

	for name, log := range map[string]ActionLog{
		"memory": NewMemoryActionLog(),
		"sqlite": db.Actions(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour).UTC()
			for i, a := range []AgentAction{
				{AgentName: "senior_ia", Action: "review", TaskID: "t1", Timestamp: base},
				{AgentName: "senior_ia", Action: "finding", TaskID: "t1", Timestamp: base.Add(time.Minute)},
				{AgentName: "gerente_ia", Action: "review", TaskID: "t2", Timestamp: base.Add(2 * time.Minute), Details: map[string]interface{}{"k": "v"}},
			} {
				stored, err := log.Append(ctx, a)
				require.NoError(t, err, i)
				assert.NotEmpty(t, stored.ID)
			}

			bySenior, err := log.Query(ctx, ActionFilter{AgentName: "senior_ia"})
			require.NoError(t, err)
			require.Len(t, bySenior, 2)
			assert.Equal(t, "review", bySenior[0].Action)

			latest, err := log.Query(ctx, ActionFilter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, latest, 1)
			assert.Equal(t, "gerente_ia", latest[0].AgentName)
			assert.Equal(t, "v", latest[0].Details["k"])

			since, err := log.Query(ctx, ActionFilter{Since: base.Add(30 * time.Second)})
			require.NoError(t, err)
			assert.Len(t, since, 2)
		})
	}
}
