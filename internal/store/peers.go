package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerRegistry persists the peer URLs the user added.
type PeerRegistry struct {
	UpdatedAt time.Time   `yaml:"updated_at"`
	Peers     []PeerEntry `yaml:"peers"`
}

// PeerEntry is one configured peer.
type PeerEntry struct {
	URL     string    `yaml:"url"`
	AddedAt time.Time `yaml:"added_at"`
}

// LoadPeerRegistry loads the registry from disk. If the file is missing, returns an empty registry.
func LoadPeerRegistry(path string) (*PeerRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PeerRegistry{}, nil
		}
		return nil, err
	}

	var reg PeerRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// SavePeerRegistry writes the registry to disk.
func SavePeerRegistry(path string, reg *PeerRegistry) error {
	if reg == nil {
		return nil
	}
	reg.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// PeerFile stores a peer list in a PeerRegistry file, keeping the time each
// URL was first added.
type PeerFile struct {
	Path string
}

func (f PeerFile) LoadPeers() ([]string, error) {
	reg, err := LoadPeerRegistry(f.Path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(reg.Peers))
	for _, p := range reg.Peers {
		out = append(out, p.URL)
	}
	return out, nil
}

func (f PeerFile) SavePeers(urls []string) error {
	old, err := LoadPeerRegistry(f.Path)
	if err != nil {
		old = &PeerRegistry{}
	}
	added := make(map[string]time.Time, len(old.Peers))
	for _, p := range old.Peers {
		added[p.URL] = p.AddedAt
	}

	now := time.Now().UTC()
	reg := &PeerRegistry{}
	for _, u := range urls {
		at, ok := added[u]
		if !ok {
			at = now
		}
		reg.Peers = append(reg.Peers, PeerEntry{URL: u, AddedAt: at})
	}
	return SavePeerRegistry(f.Path, reg)
}
