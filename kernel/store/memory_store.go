package store

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of InstanceStore for testing.
type MemoryStore struct {
	mu        sync.RWMutex
	testbeds  map[string]*TestbedRecord
	instances map[string]map[string]*InstanceRecord // tag -> name -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		testbeds:  make(map[string]*TestbedRecord),
		instances: make(map[string]map[string]*InstanceRecord),
	}
}

func (s *MemoryStore) GetTestbed(tag string) (*TestbedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.testbeds[tag]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	copied.Bridges = append([]BridgeRecord(nil), record.Bridges...)
	copied.Integrations = append([]IntegrationRecord(nil), record.Integrations...)
	copied.Dangling = append([]string(nil), record.Dangling...)
	return &copied, nil
}

func (s *MemoryStore) SaveTestbed(record *TestbedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	copied.Schema = SchemaVersion
	s.testbeds[record.Tag] = &copied
	return nil
}

func (s *MemoryStore) DeleteTestbed(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.testbeds, tag)
	delete(s.instances, tag)
	return nil
}

func (s *MemoryStore) ListTestbeds() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.testbeds))
	for k := range s.testbeds {
		keys = append(keys, k)
	}
	for k, instances := range s.instances {
		if _, found := s.testbeds[k]; !found && len(instances) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// GetInstances returns copies of all instance records for a testbed.
func (s *MemoryStore) GetInstances(tag string) (map[string]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*InstanceRecord, len(s.instances[tag]))
	for k, v := range s.instances[tag] {
		copied := *v
		copied.Taps = append([]string(nil), v.Taps...)
		copied.Dangling = append([]string(nil), v.Dangling...)
		result[k] = &copied
	}
	return result, nil
}

func (s *MemoryStore) SaveInstance(record *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instances[record.Tag] == nil {
		s.instances[record.Tag] = make(map[string]*InstanceRecord)
	}
	copied := *record
	copied.Schema = SchemaVersion
	s.instances[record.Tag][record.Name] = &copied
	return nil
}

func (s *MemoryStore) DeleteInstance(tag, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instances[tag] != nil {
		delete(s.instances[tag], name)
	}
	return nil
}
