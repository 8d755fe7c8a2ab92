package escalation

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
)

func newDispatcher(t *testing.T) (*Dispatcher, *persistence.FileEscalationStore, *framework.RingAuditLog) {
	t.Helper()
	store, err := persistence.NewFileEscalationStore(t.TempDir())
	require.NoError(t, err)
	audit := framework.NewRingAuditLog(0)
	return &Dispatcher{Store: store, Audit: audit}, store, audit
}

func TestResolvePrefersHighestTier(t *testing.T) {
	d, store, _ := newDispatcher(t)
	ctx := context.Background()

	tier, rec, err := d.Resolve(ctx, case1)
	require.NoError(t, err)
	assert.Equal(t, framework.TierAssistant, tier)
	assert.Nil(t, rec)

	require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSenior, "s", nil)))
	require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierManager, "m", nil)))
	tier, rec, err = d.Resolve(ctx, case1)
	require.NoError(t, err)
	assert.Equal(t, framework.TierManager, tier)
	assert.Equal(t, "m", rec.Summary)

	state, pending, err := d.State(ctx, case1, store)
	require.NoError(t, err)
	assert.Equal(t, framework.StatePendingManager, state)
	assert.Equal(t, []framework.Tier{framework.TierManager, framework.TierSenior}, pending)

	other := framework.CaseRef{ClientID: "client2", SessionID: "sess1"}
	tier, _, err = d.Resolve(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, framework.TierAssistant, tier)
}

func TestResolveSkipsMalformedRecord(t *testing.T) {
	d, store, audit := newDispatcher(t)
	ctx := context.Background()
	path, err := store.RecordPath(case1, framework.TierManager)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	tier, rec, err := d.Resolve(ctx, case1)
	require.NoError(t, err)
	assert.Equal(t, framework.TierAssistant, tier)
	assert.Nil(t, rec)

	events, err := audit.Query(ctx, framework.AuditQuery{EventType: framework.AuditEscalationError})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "gerente_ia", events[0].AgentName)
}

func TestSummaryRoundTripsVerbatim(t *testing.T) {
	_, store, _ := newDispatcher(t)
	ctx := context.Background()
	summary := "Línea 1: \"saldo\" ≠ 45.000€\n\tLínea 2 con <html> & ñ"
	require.NoError(t, store.Create(ctx, framework.NewRecord(case1, framework.TierSenior, summary, nil)))
	rec, err := store.Load(ctx, case1, framework.TierSenior)
	require.NoError(t, err)
	assert.Contains(t, BuildPrompt(framework.TierSenior, rec, "hola"), "Resumen: "+summary+"\n")
}

func TestCaseLocksSerializePerKey(t *testing.T) {
	locks := NewCaseLocks()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(context.Background(), "c_s")
			require.NoError(t, err)
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
	assert.Equal(t, 0, locks.Len())
}

func TestCaseLocksHonorContext(t *testing.T) {
	locks := NewCaseLocks()
	unlock, err := locks.Lock(context.Background(), "a")
	require.NoError(t, err)

	other, err := locks.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, locks.Len())

	unlock()
	assert.Equal(t, 0, locks.Len())
}
