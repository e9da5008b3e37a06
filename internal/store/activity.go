package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"breaksync/internal/activity"
)

// ActivityRecord holds the input counters of the day in progress.
type ActivityRecord struct {
	Day     string              `yaml:"day"`
	SavedAt time.Time           `yaml:"saved_at"`
	Stats   activity.Statistics `yaml:"stats"`
}

// LoadActivity reads the record. A missing file yields an empty record.
func LoadActivity(path string) (*ActivityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ActivityRecord{}, nil
		}
		return nil, err
	}

	var rec ActivityRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveActivity writes the record to disk.
func SaveActivity(path string, rec *ActivityRecord) error {
	if rec == nil {
		return nil
	}
	rec.SavedAt = time.Now().UTC()
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
