package store

import (
	"sync"
	"time"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
)

// SchemaVersion is written into every record. Readers accept older and newer records and
// treat absent fields as zero values, since another controller version may have written them.
const SchemaVersion = 1

var ErrNotFound = errors.New("record not found")

// StateStore manages the persistent per-testbed records used to recover after a controller crash.
type StateStore interface {
	GetTestbed(tag string) (*TestbedRecord, error)
	SaveTestbed(record *TestbedRecord) error
	DeleteTestbed(tag string) error
	ListTestbeds() ([]string, error)
}

// InstanceStore extends StateStore with per-instance records.
type InstanceStore interface {
	StateStore
	GetInstances(tag string) (map[string]*InstanceRecord, error)
	SaveInstance(record *InstanceRecord) error
	DeleteInstance(tag, name string) error
}

type TestbedRecord struct {
	Schema           int                 `json:"schema"`
	Tag              string              `json:"tag"`
	Dir              string              `json:"dir,omitempty"`
	Phase            model.Phase         `json:"phase"`
	ControllerPid    int                 `json:"controller_pid"`
	Started          time.Time           `json:"started"`
	Updated          time.Time           `json:"updated"`
	ManagementSubnet string              `json:"management_subnet,omitempty"`
	ManagementBridge string              `json:"management_bridge,omitempty"`
	Bridges          []BridgeRecord      `json:"bridges,omitempty"`
	Integrations     []IntegrationRecord `json:"integrations,omitempty"`
	Dangling         []string            `json:"dangling,omitempty"`
}

type BridgeRecord struct {
	Network   string   `json:"network"`
	Name      string   `json:"name"`
	HostPorts []string `json:"host_ports,omitempty"`
}

// IntegrationRecord is what dismantle needs to undo an Integration. Pid is cleared once the start
// process is known to be gone; StartTime guards against signalling a recycled pid.
type IntegrationRecord struct {
	Name      string            `json:"name"`
	Pid       int               `json:"pid,omitempty"`
	StartTime uint64            `json:"start_time,omitempty"`
	Stop      []string          `json:"stop,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Phase     model.Phase       `json:"phase"`
}

type InstanceRecord struct {
	Schema            int                 `json:"schema"`
	Tag               string              `json:"tag"`
	Name              string              `json:"name"`
	State             model.InstanceState `json:"state"`
	Pid               int                 `json:"pid,omitempty"`
	Overlay           string              `json:"overlay,omitempty"`
	RunDir            string              `json:"run_dir,omitempty"`
	AgentSocket       string              `json:"agent_socket,omitempty"`
	ConsoleSocket     string              `json:"console_socket,omitempty"`
	MonitorSocket     string              `json:"monitor_socket,omitempty"`
	VsockCID          uint32              `json:"vsock_cid,omitempty"`
	ManagementAddress string              `json:"management_address,omitempty"`
	Taps              []string            `json:"taps,omitempty"`
	Dangling          []string            `json:"dangling,omitempty"`
	Updated           time.Time           `json:"updated"`
}

// AddDangling records a resource that teardown could not release, without duplicates.
func (r *TestbedRecord) AddDangling(resource string) {
	r.Dangling = appendUnique(r.Dangling, resource)
}

func (r *InstanceRecord) AddDangling(resource string) {
	r.Dangling = appendUnique(r.Dangling, resource)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// updateMu serializes the read-modify-write of UpdateTestbed within this controller.
var updateMu sync.Mutex

// UpdateTestbed loads the record for tag, applies f and saves the result. A missing record
// starts out empty.
func UpdateTestbed(s StateStore, tag string, f func(*TestbedRecord)) error {
	updateMu.Lock()
	defer updateMu.Unlock()
	rec, err := s.GetTestbed(tag)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		rec = &TestbedRecord{Tag: tag}
	}
	f(rec)
	return s.SaveTestbed(rec)
}

// ClaimedHostPorts maps every host port attached by a testbed other than except to its tag.
func ClaimedHostPorts(s StateStore, except string) (map[string]string, error) {
	claimed := map[string]string{}
	err := eachOtherTestbed(s, except, func(rec *TestbedRecord) {
		for _, bridge := range rec.Bridges {
			for _, port := range bridge.HostPorts {
				claimed[port] = rec.Tag
			}
		}
	})
	return claimed, err
}

// ClaimedSubnets maps every management subnet held by a testbed other than except to its tag.
func ClaimedSubnets(s StateStore, except string) (map[string]string, error) {
	claimed := map[string]string{}
	err := eachOtherTestbed(s, except, func(rec *TestbedRecord) {
		if rec.ManagementSubnet != "" {
			claimed[rec.ManagementSubnet] = rec.Tag
		}
	})
	return claimed, err
}

func eachOtherTestbed(s StateStore, except string, f func(*TestbedRecord)) error {
	tags, err := s.ListTestbeds()
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if tag == except {
			continue
		}
		rec, err := s.GetTestbed(tag)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		f(rec)
	}
	return nil
}
