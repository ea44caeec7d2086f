package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/simpleclaw/fleet/internal/converge"
	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/provider"
	"github.com/simpleclaw/fleet/internal/sshx"
	"github.com/simpleclaw/fleet/internal/state"
)

type fakeProvider struct {
	created     int
	failCreates int
	deleted     []string
}

func (f *fakeProvider) CreateNode(context.Context, string) (string, error) {
	if f.failCreates > 0 {
		f.failCreates--
		return "", errors.New("provider 502")
	}
	f.created++
	return fmt.Sprintf("srv-%d", f.created), nil
}

func (f *fakeProvider) GetNode(context.Context, string) (provider.NodeInfo, error) {
	return provider.NodeInfo{}, nil
}

func (f *fakeProvider) AttachIPv4(context.Context, string) (string, error) { return "", nil }

func (f *fakeProvider) DeleteNode(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeProvider) WaitReady(context.Context, string, time.Duration) (provider.ReadyNode, error) {
	return provider.ReadyNode{IPv4: "203.0.113.5", RootPassword: "boot-pw"}, nil
}

type fakeRunner struct {
	cmds    []string
	respond func(cmd string) (sshx.ExecResult, error)
}

func (f *fakeRunner) Exec(_ context.Context, cmd string, _ time.Duration) (sshx.ExecResult, error) {
	f.cmds = append(f.cmds, cmd)
	if f.respond != nil {
		return f.respond(cmd)
	}
	return sshx.ExecResult{}, nil
}

func (f *fakeRunner) Upload(context.Context, []byte, string) error { return nil }
func (f *fakeRunner) Close() error                                 { return nil }
func (f *fakeRunner) HostKey() string                              { return "SHA256:warm" }

type fakeSender struct{ sent []string }

func (f *fakeSender) SendMessage(_ context.Context, _, chatID, text string) error {
	f.sent = append(f.sent, chatID+": "+text)
	return nil
}

func (f *fakeSender) GetBotInfo(context.Context, string) (notify.BotInfo, error) {
	return notify.BotInfo{}, nil
}

type fixture struct {
	store    *state.Store
	provider *fakeProvider
	runner   *fakeRunner
	sender   *fakeSender
	m        *Maintainer
	h        *HealthMonitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := state.Bootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, provider: &fakeProvider{}, runner: &fakeRunner{}, sender: &fakeSender{}}
	engine := converge.NewEngine("/root/openclaw", "openclaw/openclaw:latest", 18789, "openrouter/")
	engine.Sleep = func(context.Context, time.Duration) error { return nil }
	dial := func(context.Context, sshx.Target) (sshx.Runner, error) { return f.runner, nil }
	notifier := &notify.Notifier{Sender: f.sender, AdminChatID: "1"}

	f.m = &Maintainer{
		Store:        st,
		Provider:     f.provider,
		Engine:       engine,
		Dial:         dial,
		Notifier:     notifier,
		MinAvailable: 2,
		MaxTotal:     10,
		WaitReady:    time.Second,
	}
	f.h = &HealthMonitor{Store: st, Engine: engine, Dial: dial, Notifier: notifier}
	return f
}

func TestRun_RefillsToFloor(t *testing.T) {
	f := newFixture(t)
	f.m.Run(context.Background())

	counts, err := f.store.GetPoolCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Available != 2 {
		t.Fatalf("available = %d, want 2", counts.Available)
	}
	nodes, err := f.store.ListNodesByState(model.NodeStateActive)
	if err != nil || len(nodes) != 2 {
		t.Fatalf("active nodes = %d, err %v", len(nodes), err)
	}
	for _, n := range nodes {
		if n.IP != "203.0.113.5" || n.SSHPassword != "boot-pw" || n.HostKey != "SHA256:warm" {
			t.Fatalf("node = %+v", n)
		}
	}
}

func TestRun_RespectsFleetCap(t *testing.T) {
	f := newFixture(t)
	f.m.MinAvailable = 5
	f.m.MaxTotal = 2

	f.m.Run(context.Background())

	counts, _ := f.store.GetPoolCounts()
	if counts.Available != 2 {
		t.Fatalf("cap ignored: available = %d, want 2", counts.Available)
	}
}

func TestRun_ReapsErroredAndStuck(t *testing.T) {
	f := newFixture(t)
	bad := &model.Node{ProviderID: "srv-bad", State: model.NodeStateError, Stage: model.StageNone}
	if _, err := f.store.InsertNode(bad); err != nil {
		t.Fatalf("insert: %v", err)
	}

	f.m.MinAvailable = 0
	f.m.Run(context.Background())

	if len(f.provider.deleted) != 1 || f.provider.deleted[0] != "srv-bad" {
		t.Fatalf("provider deletions = %v", f.provider.deleted)
	}
	if _, err := f.store.GetNode(bad.ID); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("errored node not reaped: %v", err)
	}
}

func TestCreateWarmNode_RetriesProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.failCreates = 2

	n, err := f.m.CreateWarmNode(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.State != model.NodeStateActive {
		t.Fatalf("node = %+v", n)
	}
	if f.provider.created != 1 {
		t.Fatalf("provider creates = %d, want 1", f.provider.created)
	}
}

func TestHealth_RestartsStoppedRuntime(t *testing.T) {
	f := newFixture(t)
	n := &model.Node{
		IP: "203.0.113.9", SSHUser: "root", SSHPort: 22,
		State: model.NodeStateActive, Stage: model.StageReady,
	}
	if _, err := f.store.InsertNode(n); err != nil {
		t.Fatalf("insert: %v", err)
	}
	u, err := f.store.UpsertUser("bob@example.com", model.AuthProviderGoogle, "g-2")
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	p, _ := f.store.GetProfileByUserID(u.ID)
	if err := f.store.BindNode(n.ID, p.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	f.runner.respond = func(cmd string) (sshx.ExecResult, error) {
		if strings.Contains(cmd, "docker inspect") {
			return sshx.ExecResult{Stdout: "exited\n"}, nil
		}
		return sshx.ExecResult{}, nil
	}

	f.h.Run(context.Background())

	got, err := f.store.GetNode(n.ID)
	if err != nil || !got.RuntimeRunning {
		t.Fatalf("runtime_running not restored: %+v, err %v", got, err)
	}
	restarted := false
	for _, c := range f.runner.cmds {
		if strings.Contains(c, "up -d openclaw") {
			restarted = true
		}
	}
	if !restarted {
		t.Fatalf("runtime not restarted, cmds: %v", f.runner.cmds)
	}
	if len(f.sender.sent) == 0 {
		t.Fatal("admin not notified about the restart")
	}
}
