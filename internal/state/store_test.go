package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/simpleclaw/fleet/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Bootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustUser(t *testing.T, st *Store, email string) (*model.User, *model.UserProfile) {
	t.Helper()
	u, err := st.UpsertUser(email, model.AuthProviderGoogle, "sub-"+email)
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	p, err := st.GetProfileByUserID(u.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	return u, p
}

func insertPoolNode(t *testing.T, st *Store, state model.NodeState) *model.Node {
	t.Helper()
	n := &model.Node{
		ProviderID:   "prov-1",
		IP:           "203.0.113.10",
		SSHUser:      "root",
		SSHPassword:  "pw",
		SSHPort:      22,
		State:        state,
		Stage:        model.StageNone,
		OpenclawPath: "/root/openclaw",
	}
	if _, err := st.InsertNode(n); err != nil {
		t.Fatalf("insert node: %v", err)
	}
	return n
}

func TestUpsertUser_Idempotent(t *testing.T) {
	st := newTestStore(t)

	u1, _ := mustUser(t, st, "alice@example.com")
	u2, _ := mustUser(t, st, "alice@example.com")
	if u1.ID != u2.ID {
		t.Fatalf("expected same user, got %d and %d", u1.ID, u2.ID)
	}
}

func TestClaimNode_EmptyPool(t *testing.T) {
	st := newTestStore(t)
	_, p := mustUser(t, st, "alice@example.com")

	if _, err := st.ClaimNode(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty pool, got %v", err)
	}
}

func TestClaimNode_ConcurrentSingleWinner(t *testing.T) {
	st := newTestStore(t)
	insertPoolNode(t, st, model.NodeStateActive)

	const claimers = 8
	profiles := make([]int64, claimers)
	for i := range profiles {
		_, p := mustUser(t, st, string(rune('a'+i))+"@example.com")
		profiles[i] = p.ID
	}

	var wg sync.WaitGroup
	wins := make(chan int64, claimers)
	for _, pid := range profiles {
		wg.Add(1)
		go func(pid int64) {
			defer wg.Done()
			if n, err := st.ClaimNode(pid); err == nil {
				wins <- n.ID
			}
		}(pid)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", count)
	}
}

func TestBindNode_AlreadyBound(t *testing.T) {
	st := newTestStore(t)
	n := insertPoolNode(t, st, model.NodeStateActive)
	_, p1 := mustUser(t, st, "a@example.com")
	_, p2 := mustUser(t, st, "b@example.com")

	if err := st.BindNode(n.ID, p1.ID); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := st.BindNode(n.ID, p2.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second bind, got %v", err)
	}
}

func TestPoolCounts(t *testing.T) {
	st := newTestStore(t)
	insertPoolNode(t, st, model.NodeStateActive)
	insertPoolNode(t, st, model.NodeStateActive)
	insertPoolNode(t, st, model.NodeStateProvisioning)
	insertPoolNode(t, st, model.NodeStateError)

	bound := insertPoolNode(t, st, model.NodeStateActive)
	_, p := mustUser(t, st, "bound@example.com")
	if err := st.BindNode(bound.ID, p.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	c, err := st.GetPoolCounts()
	if err != nil {
		t.Fatalf("pool counts: %v", err)
	}
	if c.Available != 2 || c.InProgress != 1 || c.Bound != 1 || c.Errored != 1 || c.TotalHealthy != 4 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestActivateSubscription_RestoresAutoRenew(t *testing.T) {
	st := newTestStore(t)
	u, _ := mustUser(t, st, "renew@example.com")
	now := time.Now().UnixNano()

	if err := st.ActivateSubscription(u.ID, now, now+1, "pm-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	sub, err := st.GetSubscriptionByUserID(u.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	sub.AutoRenew = false
	sub.Status = model.SubStatusCancelled
	sub.CancelledAtNs = now
	if err := st.UpdateSubscription(sub); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Paying again restores renewal consent.
	if err := st.ActivateSubscription(u.ID, now, now+2, ""); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	sub, err = st.GetSubscriptionByUserID(u.ID)
	if err != nil || !sub.AutoRenew || sub.Status != model.SubStatusActive || sub.CancelledAtNs != 0 {
		t.Fatalf("subscription = %+v, err %v", sub, err)
	}
	if sub.PaymentMethodToken != "pm-1" {
		t.Fatalf("empty method token clobbered the saved one: %q", sub.PaymentMethodToken)
	}
}

func TestPaymentReplay(t *testing.T) {
	st := newTestStore(t)
	u, _ := mustUser(t, st, "alice@example.com")

	p := &model.Payment{UserID: u.ID, Amount: 20, Currency: "RUB", Status: model.PaymentPending, ExternalID: "pay-1"}
	if err := st.InsertPayment(p); err != nil {
		t.Fatalf("insert payment: %v", err)
	}
	replay := &model.Payment{UserID: u.ID, Amount: 20, Currency: "RUB", Status: model.PaymentPending, ExternalID: "pay-1"}
	if err := st.InsertPayment(replay); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on replayed external id, got %v", err)
	}
}

func TestAdvancePaymentStatus_ForwardOnly(t *testing.T) {
	st := newTestStore(t)
	u, _ := mustUser(t, st, "alice@example.com")
	p := &model.Payment{UserID: u.ID, Status: model.PaymentPending, ExternalID: "pay-2"}
	if err := st.InsertPayment(p); err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	changed, err := st.AdvancePaymentStatus("pay-2", model.PaymentSucceeded)
	if err != nil || !changed {
		t.Fatalf("pending->succeeded: changed=%v err=%v", changed, err)
	}
	// Replay of the same event is a no-op.
	changed, err = st.AdvancePaymentStatus("pay-2", model.PaymentSucceeded)
	if err != nil || changed {
		t.Fatalf("replayed succeeded: changed=%v err=%v", changed, err)
	}
	// Backward transition is rejected.
	if _, err := st.AdvancePaymentStatus("pay-2", model.PaymentPending); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on backward transition, got %v", err)
	}
}

func TestSubscriptionActivateAndSweepQueries(t *testing.T) {
	st := newTestStore(t)
	u, _ := mustUser(t, st, "alice@example.com")

	now := time.Now().UnixNano()
	dayNs := int64(24 * time.Hour)
	if err := st.ActivateSubscription(u.ID, now-31*dayNs, now-dayNs, "pm-token"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	due, err := st.ListDueAutoRenew(now)
	if err != nil || len(due) != 1 {
		t.Fatalf("ListDueAutoRenew = %d, %v", len(due), err)
	}

	sub := due[0]
	sub.AutoRenew = false
	sub.CancelledAtNs = now
	if err := st.UpdateSubscription(sub); err != nil {
		t.Fatalf("update: %v", err)
	}

	expiring, err := st.ListDueExpiry(now)
	if err != nil || len(expiring) != 1 {
		t.Fatalf("ListDueExpiry = %d, %v", len(expiring), err)
	}

	// Re-activation extends the period and clears the cancel mark.
	if err := st.ActivateSubscription(u.ID, now, now+30*dayNs, ""); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	sub2, err := st.GetSubscriptionByUserID(u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sub2.Active || sub2.CancelledAtNs != 0 || sub2.PaymentMethodToken != "pm-token" {
		t.Fatalf("unexpected subscription after re-activate: %+v", sub2)
	}
}

func TestJobs_TakeAndRequeue(t *testing.T) {
	st := newTestStore(t)

	for _, id := range []string{"j1", "j2", "j3"} {
		if err := st.EnqueueJob(&model.Job{ID: id, Kind: "assign", Payload: "{}"}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	taken, err := st.TakePendingJobs(2)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken) != 2 || taken[0].ID != "j1" || taken[1].ID != "j2" {
		t.Fatalf("unexpected batch: %+v", taken)
	}

	if err := st.MarkJobDone("j1"); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := st.MarkJobError("j2", "boom"); err != nil {
		t.Fatalf("error: %v", err)
	}

	// j3 still pending; nothing running, so requeue is a no-op.
	n, err := st.RequeueRunningJobs()
	if err != nil || n != 0 {
		t.Fatalf("requeue = %d, %v", n, err)
	}

	taken, err = st.TakePendingJobs(10)
	if err != nil || len(taken) != 1 || taken[0].ID != "j3" {
		t.Fatalf("expected j3 only, got %+v (%v)", taken, err)
	}

	// Simulate crash: j3 left running, restart requeues it.
	n, err = st.RequeueRunningJobs()
	if err != nil || n != 1 {
		t.Fatalf("requeue after crash = %d, %v", n, err)
	}
}

func TestGatewayTokenLookup(t *testing.T) {
	st := newTestStore(t)
	n := insertPoolNode(t, st, model.NodeStateActive)

	if err := st.SetNodeGatewayToken(n.ID, "gw-abc"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	got, err := st.GetNodeByGatewayToken("gw-abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != n.ID {
		t.Fatalf("wrong node: %d", got.ID)
	}
	if _, err := st.GetNodeByGatewayToken("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
