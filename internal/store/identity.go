package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Identity names this installation across restarts.
type Identity struct {
	NodeID    string    `yaml:"node_id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// LoadOrCreateIdentity reads the identity file, creating it on first use.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := yaml.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		if _, err := uuid.Parse(id.NodeID); err != nil {
			return nil, fmt.Errorf("identity %s: node_id: %w", path, err)
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id := &Identity{NodeID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	out, err := yaml.Marshal(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}
