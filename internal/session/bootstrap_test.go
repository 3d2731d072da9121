package session

import (
	"os"
	"path/filepath"
	"testing"

	"gale-core/pkg/broker"
)

const bootstrapYAML = `
accounts:
  - id: acct-live
    login: trader@example.com
    secret: hunter2
  - id: acct-demo
    login: demo@example.com
    secret: hunter2
    demo: true

sessions:
  - account_id: acct-live
    base_amount: 5
    gale_limit: 2
    gale_multiplier: 2.0
    stop_loss: 100
    sources: [room-7]
  - account_id: acct-demo
    base_amount: 1
    gale_limit: 1
    gale_multiplier: 2.0
    auto_start: true
`

func writeBootstrap(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write bootstrap file: %v", err)
	}
	return path
}

func TestLoadBootstrap(t *testing.T) {
	file, err := LoadBootstrap(writeBootstrap(t, bootstrapYAML))
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	if len(file.Accounts) != 2 {
		t.Fatalf("accounts=%d, expected 2", len(file.Accounts))
	}
	if !file.Accounts[1].Demo {
		t.Fatalf("demo flag not parsed")
	}
	if len(file.Sessions) != 2 {
		t.Fatalf("sessions=%d, expected 2", len(file.Sessions))
	}
	if file.Sessions[0].Sources[0] != "room-7" {
		t.Fatalf("sources not parsed: %+v", file.Sessions[0])
	}
	if !file.Sessions[1].AutoStart {
		t.Fatalf("auto_start not parsed")
	}
}

func TestLoadBootstrapRejectsBadYAML(t *testing.T) {
	if _, err := LoadBootstrap(writeBootstrap(t, "accounts: [unterminated")); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestBootstrapRegistersAndStarts(t *testing.T) {
	e := newTestEngine(t, broker.DefaultPaperConfig())
	e.paper.Fund("trader@example.com", "hunter2", 1000)
	e.paper.Fund("demo@example.com", "hunter2", 1000)

	file, err := LoadBootstrap(writeBootstrap(t, bootstrapYAML))
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	Bootstrap(file, e.pool, e.mgr)

	if !e.pool.Known("acct-live") || !e.pool.Known("acct-demo") {
		t.Fatalf("bootstrap accounts not registered")
	}

	var idle, active int
	for _, snap := range e.mgr.List() {
		switch snap.State {
		case Idle:
			idle++
		case Active:
			active++
		}
	}
	if idle != 1 || active != 1 {
		t.Fatalf("idle=%d active=%d, expected 1 idle and 1 auto-started", idle, active)
	}
}

func TestBootstrapSkipsBadEntries(t *testing.T) {
	e := newTestEngine(t, broker.DefaultPaperConfig())

	file := &BootstrapFile{
		Sessions: []SessionEntry{
			{AccountID: "ghost", BaseAmount: 5, GaleMultiplier: 2},
			{AccountID: "acct", BaseAmount: 5, GaleMultiplier: 2},
		},
	}
	Bootstrap(file, e.pool, e.mgr)

	if got := len(e.mgr.List()); got != 1 {
		t.Fatalf("sessions=%d, expected the one valid entry", got)
	}
}
