package session

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"gale-core/internal/pool"
	"gale-core/pkg/broker"
)

// AccountEntry is one broker account in the bootstrap file.
type AccountEntry struct {
	ID     string `yaml:"id"`
	Login  string `yaml:"login"`
	Secret string `yaml:"secret"`
	Demo   bool   `yaml:"demo"`
}

// SessionEntry is one session declaration in the bootstrap file.
type SessionEntry struct {
	AccountID      string   `yaml:"account_id"`
	BaseAmount     float64  `yaml:"base_amount"`
	GaleLimit      int      `yaml:"gale_limit"`
	GaleMultiplier float64  `yaml:"gale_multiplier"`
	StopProfit     float64  `yaml:"stop_profit"`
	StopLoss       float64  `yaml:"stop_loss"`
	Sources        []string `yaml:"sources"`
	AutoStart      bool     `yaml:"auto_start"`
}

// BootstrapFile is the top-level YAML structure.
type BootstrapFile struct {
	Accounts []AccountEntry `yaml:"accounts"`
	Sessions []SessionEntry `yaml:"sessions"`
}

// LoadBootstrap reads accounts and session declarations from a YAML file.
func LoadBootstrap(path string) (*BootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file BootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse bootstrap %s: %w", path, err)
	}
	return &file, nil
}

// Bootstrap registers the file's accounts with the pool, creates its
// sessions, and starts the ones marked auto_start. Individual failures are
// logged and skipped so one bad entry cannot block the rest.
func Bootstrap(file *BootstrapFile, p *pool.Pool, m *Manager) {
	for _, a := range file.Accounts {
		if a.ID == "" {
			log.Printf("bootstrap: skipping account with empty id")
			continue
		}
		p.Register(broker.Credentials{
			AccountID: a.ID,
			Login:     a.Login,
			Secret:    a.Secret,
			Demo:      a.Demo,
		})
		log.Printf("bootstrap: registered account %s (demo=%v)", a.ID, a.Demo)
	}

	for _, e := range file.Sessions {
		id, err := m.Create(Config{
			AccountID:      e.AccountID,
			BaseAmount:     e.BaseAmount,
			GaleLimit:      e.GaleLimit,
			GaleMultiplier: e.GaleMultiplier,
			StopProfit:     e.StopProfit,
			StopLoss:       e.StopLoss,
			Sources:        e.Sources,
		})
		if err != nil {
			log.Printf("bootstrap: create session for account %s: %v", e.AccountID, err)
			continue
		}
		if !e.AutoStart {
			continue
		}
		if err := m.Start(id); err != nil {
			log.Printf("bootstrap: start session %s: %v", id, err)
		}
	}
}
