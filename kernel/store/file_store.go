package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

const (
	testbedFile  = "testbed.json"
	instancesDir = "instances"
)

// FileStore keeps one directory per experiment tag under Root:
//
//	<root>/<tag>/testbed.json
//	<root>/<tag>/instances/<name>.json
type FileStore struct {
	Root string
	mu   sync.RWMutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (s *FileStore) GetTestbed(tag string) (*TestbedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := &TestbedRecord{}
	if err := readRecord(filepath.Join(s.Root, tag, testbedFile), record); err != nil {
		return nil, errors.Wrapf(err, "testbed [%s]", tag)
	}
	if record.Tag == "" {
		record.Tag = tag
	}
	checkSchema(record.Schema, "testbed", tag)
	return record, nil
}

func (s *FileStore) SaveTestbed(record *TestbedRecord) error {
	if record.Tag == "" {
		return errors.New("testbed record has no tag")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Schema = SchemaVersion
	record.Updated = time.Now()
	return writeRecord(filepath.Join(s.Root, record.Tag, testbedFile), record)
}

// DeleteTestbed removes the tag directory, including every instance record. Missing is not an error.
func (s *FileStore) DeleteTestbed(tag string) error {
	if tag == "" || strings.ContainsAny(tag, `/\`) {
		return errors.Errorf("invalid tag [%s]", tag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.Root, tag)); err != nil {
		return errors.Wrapf(err, "failed to remove state for [%s]", tag)
	}
	return nil
}

// ListTestbeds lists every tag with a testbed record or at least one instance record. A
// controller that died early may have written instance records only.
func (s *FileStore) ListTestbeds() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list state directory")
	}
	var tags []string
	for _, entry := range entries {
		if entry.IsDir() && s.holdsRecords(entry.Name()) {
			tags = append(tags, entry.Name())
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *FileStore) holdsRecords(tag string) bool {
	if _, err := os.Stat(filepath.Join(s.Root, tag, testbedFile)); err == nil {
		return true
	}
	instances, _ := filepath.Glob(filepath.Join(s.Root, tag, instancesDir, "*.json"))
	return len(instances) > 0
}

// GetInstances returns all instance records for a testbed. Unreadable records are skipped
// with a warning so that one corrupt file does not block prune.
func (s *FileStore) GetInstances(tag string) (map[string]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.Root, tag, instancesDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return make(map[string]*InstanceRecord), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read instances")
	}

	records := make(map[string]*InstanceRecord, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		record := &InstanceRecord{}
		if err := readRecord(filepath.Join(dir, entry.Name()), record); err != nil {
			pfxlog.Logger().WithError(err).Warnf("skipping unreadable instance record [%s]", entry.Name())
			continue
		}
		if record.Name == "" {
			record.Name = strings.TrimSuffix(entry.Name(), ".json")
		}
		if record.Tag == "" {
			record.Tag = tag
		}
		checkSchema(record.Schema, "instance", record.Name)
		records[record.Name] = record
	}
	return records, nil
}

func (s *FileStore) SaveInstance(record *InstanceRecord) error {
	if record.Tag == "" || record.Name == "" {
		return errors.New("instance record requires tag and name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Schema = SchemaVersion
	record.Updated = time.Now()
	return writeRecord(filepath.Join(s.Root, record.Tag, instancesDir, record.Name+".json"), record)
}

func (s *FileStore) DeleteInstance(tag, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.Root, tag, instancesDir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete instance record [%s/%s]", tag, name)
	}
	return nil
}

func readRecord(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to read record")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "failed to parse record")
	}
	return nil
}

// writeRecord writes through a temp file and rename so a crash never leaves a torn record.
func writeRecord(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal record")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write record")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to commit record")
	}
	return nil
}

func checkSchema(schema int, kind, name string) {
	if schema > SchemaVersion {
		pfxlog.Logger().Warnf("%s record [%s] has schema %d, newer than %d; reading best-effort", kind, name, schema, SchemaVersion)
	}
}
