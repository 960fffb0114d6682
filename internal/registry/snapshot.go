package registry

import (
	"os"

	"gopkg.in/yaml.v2"
)

// snapshotDoc is the on-disk shape of an exported registry snapshot.
type snapshotDoc struct {
	Devices []Record `yaml:"devices"`
}

// ExportYAML writes every record in store to path as YAML, for
// operator-facing debug/export tooling.
func ExportYAML(store Store, path string) error {
	records, err := store.All()
	if err != nil {
		return err
	}
	doc := snapshotDoc{Devices: records}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// ImportYAML reads a snapshot written by ExportYAML and upserts every
// record into store.
func ImportYAML(store Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc snapshotDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	for _, rec := range doc.Devices {
		if err := store.Put(rec); err != nil {
			return err
		}
	}
	return nil
}
