package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/framework"
)

type escalationBackend interface {
	EscalationStore
	ReportStore
}

func backends(t *testing.T) map[string]escalationBackend {
	t.Helper()
	fileStore, err := NewFileEscalationStore(filepath.Join(t.TempDir(), "tmp"))
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "auditia.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]escalationBackend{
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

var case1 = framework.CaseRef{ClientID: "client1", SessionID: "sess1"}

func TestEscalationStoreCreateLoadRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			summary := "El balance no cuadra: diferencia de 1.250,00 € en la cuenta 1100 - Bancos.\nRevisar conciliación."
			rec := framework.NewRecord(case1, framework.TierSenior, summary, []string{"balance.xlsx"})
			require.NoError(t, store.Create(ctx, rec))
			assert.NotEmpty(t, rec.Version)

			loaded, err := store.Load(ctx, case1, framework.TierSenior)
			require.NoError(t, err)
			assert.Equal(t, summary, loaded.Summary)
			assert.Equal(t, framework.ActionEscalateToSenior, loaded.Action)
			assert.Equal(t, []string{"balance.xlsx"}, loaded.Documents)
			assert.Equal(t, rec.Version, loaded.Version)
			assert.Equal(t, framework.TierSenior, loaded.Tier)
		})
	}
}

func TestEscalationStoreLoadMissing(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), case1, framework.TierManager)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEscalationStoreCreateConflicts(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSupervisor, "uno", nil)))
			err := store.Create(ctx, framework.NewRecord(case1, framework.TierSupervisor, "dos", nil))
			assert.ErrorIs(t, err, ErrConflict)

			loaded, err := store.Load(ctx, case1, framework.TierSupervisor)
			require.NoError(t, err)
			assert.Equal(t, "uno", loaded.Summary)
		})
	}
}

func TestEscalationStoreConcurrentCreateAdmitsOne(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec := framework.NewRecord(case1, framework.TierSenior, fmt.Sprintf("writer-%d", i), nil)
					if err := store.Create(ctx, rec); err == nil {
						atomic.AddInt32(&wins, 1)
					} else {
						assert.ErrorIs(t, err, ErrConflict)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
		})
	}
}

// The legacy handler wrote records with a plain overwrite. Concurrent writers
// all "succeed" and the last one silently wins, which loses escalations.
func TestLegacyOverwriteLosesConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escalation_client1_sess1.json")
	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, _ := json.Marshal(framework.NewRecord(case1, framework.TierSenior, fmt.Sprintf("writer-%d", i), nil))
			if os.WriteFile(path, data, 0o644) == nil {
				atomic.AddInt32(&succeeded, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Greater(t, succeeded, int32(1), "every overwrite reports success")
}

func TestEscalationStoreTransition(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			senior := framework.NewRecord(case1, framework.TierSenior, "resumen", []string{"a.csv"})
			require.NoError(t, store.Create(ctx, senior))

			next := framework.NewRecord(case1, framework.TierSupervisor, "Caso escalado por Senior: resumen", senior.Documents)
			next.SeniorAnalysis = "análisis"
			require.NoError(t, store.Transition(ctx, senior, next))

			_, err := store.Load(ctx, case1, framework.TierSenior)
			assert.ErrorIs(t, err, ErrNotFound)
			sup, err := store.Load(ctx, case1, framework.TierSupervisor)
			require.NoError(t, err)
			assert.Equal(t, "análisis", sup.SeniorAnalysis)

			pending, err := store.Pending(ctx, case1)
			require.NoError(t, err)
			assert.Equal(t, []framework.Tier{framework.TierSupervisor}, pending)

			// consuming the same version twice is a conflict
			err = store.Transition(ctx, senior, nil)
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestEscalationStoreTransitionRejectsStaleVersion(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := framework.NewRecord(case1, framework.TierManager, "primero", nil)
			require.NoError(t, store.Create(ctx, first))
			stale := *first
			require.NoError(t, store.Transition(ctx, first, nil))

			second := framework.NewRecord(case1, framework.TierManager, "segundo", nil)
			second.Timestamp = framework.Timestamp{Time: second.Timestamp.Add(time.Second)}
			require.NoError(t, store.Create(ctx, second))

			err := store.Transition(ctx, &stale, nil)
			assert.ErrorIs(t, err, ErrConflict)
			_, err = store.Load(ctx, case1, framework.TierManager)
			assert.NoError(t, err)
		})
	}
}

func TestEscalationStoreTransitionKeepsCurrentWhenNextConflicts(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			senior := framework.NewRecord(case1, framework.TierSenior, "s", nil)
			require.NoError(t, store.Create(ctx, senior))
			require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSupervisor, "existing", nil)))

			err := store.Transition(ctx, senior, framework.NewRecord(case1, framework.TierSupervisor, "new", nil))
			assert.ErrorIs(t, err, ErrConflict)
			_, err = store.Load(ctx, case1, framework.TierSenior)
			assert.NoError(t, err)
		})
	}
}

func TestEscalationStoreList(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			other := framework.CaseRef{ClientID: "client_2", SessionID: "s_2"}
			require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSenior, "a", nil)))
			require.NoError(t, store.Create(ctx, framework.NewRecord(other, framework.TierManager, "b", nil)))

			records, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, records, 2)
			refs := []framework.CaseRef{records[0].Case(), records[1].Case()}
			assert.ElementsMatch(t, []framework.CaseRef{case1, other}, refs)
		})
	}
}

func TestReportStoreWriteOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			report := &framework.Report{
				ClientID:           "client1",
				SessionID:          "sess1",
				Timestamp:          framework.Now(),
				Summary:            "resumen",
				SeniorAnalysis:     "senior",
				SupervisorAnalysis: "supervisor",
				ManagerAnalysis:    "manager",
				DocumentsAnalyzed:  []string{"a.pdf"},
				AuditResult:        framework.AuditResultCompleted,
			}
			require.NoError(t, store.SaveReport(ctx, report))
			assert.ErrorIs(t, store.SaveReport(ctx, report), ErrReportExists)

			loaded, err := store.LoadReport(ctx, case1)
			require.NoError(t, err)
			assert.Equal(t, "manager", loaded.ManagerAnalysis)

			_, err = store.LoadReport(ctx, framework.CaseRef{ClientID: "client1", SessionID: "other"})
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := store.ListReports(ctx, "client1")
			require.NoError(t, err)
			assert.Len(t, list, 1)
			list, err = store.ListReports(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestFileEscalationStoreLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileEscalationStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSenior, "s", nil)))
	require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSupervisor, "s", nil)))
	require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierManager, "s", nil)))
	require.NoError(t, store.SaveReport(ctx, &framework.Report{ClientID: "client1", SessionID: "sess1"}))

	for _, name := range []string{
		"escalation_client1_sess1.json",
		"supervisor_client1_sess1.json",
		"manager_client1_sess1.json",
		filepath.Join("reports", "report_client1_sess1.json"),
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "escalation_client1_sess1.json"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "escalate_to_senior", doc["action"])
	assert.NotContains(t, doc, "Version")
	assert.NotContains(t, doc, "Tier")
}

func TestFileEscalationStoreMalformedRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileEscalationStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "supervisor_client1_sess1.json"), []byte("{not json"), 0o644))

	_, err = store.Load(context.Background(), case1, framework.TierSupervisor)
	assert.ErrorIs(t, err, ErrMalformed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manager_client1_sess1.json"), []byte(`{"action":"escalate_to_senior"}`), 0o644))
	_, err = store.Load(context.Background(), case1, framework.TierManager)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFileEscalationStoreReadsLegacyFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileEscalationStore(dir)
	require.NoError(t, err)
	legacy := `{
  "timestamp": "2024-05-02T10:11:12.123456",
  "client_id": "client1",
  "session_id": "sess1",
  "action": "escalate_to_senior",
  "summary": "mi balance no cuadra",
  "documents": []
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "escalation_client1_sess1.json"), []byte(legacy), 0o644))
	rec, err := store.Load(context.Background(), case1, framework.TierSenior)
	require.NoError(t, err)
	assert.Equal(t, "mi balance no cuadra", rec.Summary)
	assert.Equal(t, 2024, rec.Timestamp.Year())
	assert.Equal(t, 123456000, rec.Timestamp.Nanosecond())
}

func TestEscalationStoreKeepsCollidingCasesApart(t *testing.T) {
	victim := framework.CaseRef{ClientID: "acme_corp", SessionID: "q1"}
	other := framework.CaseRef{ClientID: "acme", SessionID: "corp_q1"}
	require.Equal(t, victim.Key(), other.Key())

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, framework.NewRecord(victim, framework.TierSenior, "resumen de acme_corp", nil)))

			rec, err := store.Load(ctx, other, framework.TierSenior)
			assert.Error(t, err)
			assert.Nil(t, rec)
			pending, err := store.Pending(ctx, other)
			require.NoError(t, err)
			assert.Empty(t, pending)

			loaded, err := store.Load(ctx, victim, framework.TierSenior)
			require.NoError(t, err)
			assert.Equal(t, "resumen de acme_corp", loaded.Summary)
			assert.Equal(t, victim, loaded.Case())
		})
	}
}

func TestFileEscalationStoreRejectsForeignFile(t *testing.T) {
	store, err := NewFileEscalationStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	victim := framework.CaseRef{ClientID: "acme_corp", SessionID: "q1"}
	other := framework.CaseRef{ClientID: "acme", SessionID: "corp_q1"}

	victimRec := framework.NewRecord(victim, framework.TierSenior, "resumen de acme_corp", nil)
	require.NoError(t, store.Create(ctx, victimRec))

	_, err = store.Load(ctx, other, framework.TierSenior)
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorContains(t, err, "held by another case")

	err = store.Create(ctx, framework.NewRecord(other, framework.TierSenior, "intruso", nil))
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorContains(t, err, "held by another case")

	err = store.Transition(ctx, nil, framework.NewRecord(other, framework.TierSenior, "intruso", nil))
	assert.ErrorIs(t, err, ErrConflict)

	loaded, err := store.Load(ctx, victim, framework.TierSenior)
	require.NoError(t, err)
	assert.Equal(t, victimRec.Version, loaded.Version)
}

func TestFileReportStoreRejectsForeignReport(t *testing.T) {
	store, err := NewFileEscalationStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	victim := framework.CaseRef{ClientID: "acme_corp", SessionID: "q1"}
	other := framework.CaseRef{ClientID: "acme", SessionID: "corp_q1"}

	require.NoError(t, store.SaveReport(ctx, &framework.Report{
		ClientID:        victim.ClientID,
		SessionID:       victim.SessionID,
		ManagerAnalysis: "dictamen de acme_corp",
		AuditResult:     framework.AuditResultCompleted,
	}))

	_, err = store.LoadReport(ctx, other)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.SaveReport(ctx, &framework.Report{ClientID: other.ClientID, SessionID: other.SessionID})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrReportExists)

	loaded, err := store.LoadReport(ctx, victim)
	require.NoError(t, err)
	assert.Equal(t, "dictamen de acme_corp", loaded.ManagerAnalysis)
}

func TestFileEscalationStorePendingSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileEscalationStore(dir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manager_client1_sess1.json"), []byte("{not json"), 0o644))
	require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSupervisor, "s", nil)))

	pending, err := store.Pending(ctx, case1)
	require.NoError(t, err)
	assert.Equal(t, []framework.Tier{framework.TierSupervisor}, pending)
}

func TestFileEscalationStoreQuarantinesUnreadableTarget(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileEscalationStore(dir)
	require.NoError(t, err)
	ctx := context.Background()
	managerPath := filepath.Join(dir, "manager_client1_sess1.json")
	require.NoError(t, os.WriteFile(managerPath, []byte("{not json"), 0o644))

	var quarantined []string
	store.OnQuarantine = func(ref framework.CaseRef, tier framework.Tier, path string, cause error) {
		assert.Equal(t, case1, ref)
		assert.Equal(t, framework.TierManager, tier)
		assert.ErrorIs(t, cause, ErrMalformed)
		quarantined = append(quarantined, path)
	}

	supervisor := framework.NewRecord(case1, framework.TierSupervisor, "s", nil)
	require.NoError(t, store.Create(ctx, supervisor))
	next := framework.NewRecord(case1, framework.TierManager, "Caso escalado por Supervisor: s", nil)
	require.NoError(t, store.Transition(ctx, supervisor, next))

	assert.Equal(t, []string{managerPath + ".bad"}, quarantined)
	bad, err := os.ReadFile(managerPath + ".bad")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(bad))

	loaded, err := store.Load(ctx, case1, framework.TierManager)
	require.NoError(t, err)
	assert.Equal(t, "Caso escalado por Supervisor: s", loaded.Summary)
	pending, err := store.Pending(ctx, case1)
	require.NoError(t, err)
	assert.Equal(t, []framework.Tier{framework.TierManager}, pending)
}
