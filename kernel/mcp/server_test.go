package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/engine"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/network"
	"github.com/openziti/vmlab/kernel/store"
)

type stubNetworks struct {
	torndown []string
}

func (s *stubNetworks) Build(context.Context, *model.Testbed) (*network.Topology, error) {
	return nil, nil
}

func (s *stubNetworks) Teardown(_ context.Context, rec *store.TestbedRecord) error {
	s.torndown = append(s.torndown, rec.Tag)
	rec.Bridges = nil
	return nil
}

func (s *stubNetworks) CreateTap(string, string, bool) error { return nil }
func (s *stubNetworks) DeleteTap(string) error               { return nil }

func newTestServer(t *testing.T) (*VmlabMCPServer, *store.MemoryStore, *stubNetworks) {
	memStore := store.NewMemoryStore()
	nets := &stubNetworks{}
	cfg := model.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	reconciler := engine.NewReconciler(cfg, engine.Deps{Store: memStore, Networks: nets}, pfxlog.Logger().Entry)
	return NewVmlabMCPServer(memStore, reconciler, "test"), memStore, nets
}

func decode(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &response); err != nil {
		t.Fatalf("result is not json: %v", err)
	}
	return response
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func TestNewVmlabMCPServer(t *testing.T) {
	server, _, _ := newTestServer(t)
	if server.store == nil {
		t.Error("expected store to be set")
	}
	if server.reconciler == nil {
		t.Error("expected reconciler to be set")
	}
}

func TestListTestbedsHandler(t *testing.T) {
	server, memStore, _ := newTestServer(t)
	memStore.SaveTestbed(&store.TestbedRecord{Tag: "exp1", Phase: model.PhaseExperiment, ControllerPid: os.Getpid()})
	memStore.SaveTestbed(&store.TestbedRecord{Tag: "exp2", Phase: model.PhaseSetup})
	memStore.SaveInstance(&store.InstanceRecord{Tag: "exp1", Name: "vma"})

	result, err := server.listTestbedsHandler(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	response := decode(t, result)
	if int(response["count"].(float64)) != 2 {
		t.Errorf("expected 2 testbeds, got %v", response["count"])
	}
	first := response["testbeds"].([]interface{})[0].(map[string]interface{})
	if first["tag"] != "exp1" || first["active"] != true || int(first["instances"].(float64)) != 1 {
		t.Errorf("unexpected summary %v", first)
	}
}

func TestGetTestbedHandler(t *testing.T) {
	server, memStore, _ := newTestServer(t)
	memStore.SaveTestbed(&store.TestbedRecord{Tag: "exp1", Phase: model.PhaseInit})
	memStore.SaveInstance(&store.InstanceRecord{Tag: "exp1", Name: "vma", State: model.InstanceReady})

	result, err := server.getTestbedHandler(context.Background(), callRequest(map[string]any{"tag": "exp1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %v", result.Content)
	}

	response := decode(t, result)
	if response["testbed"].(map[string]interface{})["phase"] != "init" {
		t.Errorf("expected phase init, got %v", response["testbed"])
	}
	if _, found := response["instances"].(map[string]interface{})["vma"]; !found {
		t.Errorf("expected instance vma, got %v", response["instances"])
	}
}

func TestGetTestbedHandler_NotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	result, err := server.getTestbedHandler(context.Background(), callRequest(map[string]any{"tag": "nonexistent"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error result for nonexistent testbed")
	}
}

func TestGetTestbedHandler_MissingTag(t *testing.T) {
	server, _, _ := newTestServer(t)

	result, _ := server.getTestbedHandler(context.Background(), callRequest(nil))
	if !result.IsError {
		t.Error("expected error result without a tag")
	}
}

func TestValidateTestbedHandler(t *testing.T) {
	server, _, _ := newTestServer(t)
	dir := t.TempDir()
	declaration := `
tag: check
networks:
  - name: exp0
instances:
  - name: vma
    image: /images/debian.qcow2
    networks: [exp0]
    applications:
      - name: server
        type: command
        settings:
          command: sleep infinity
  - name: vmb
    image: /images/debian.qcow2
    networks: [exp0]
    applications:
      - name: client
        type: command
        runtime: 10s
        depends: ["started:vma/server"]
        settings:
          command: curl http://vma
`
	if err := os.WriteFile(filepath.Join(dir, "testbed.yml"), []byte(declaration), 0644); err != nil {
		t.Fatalf("failed to write declaration: %v", err)
	}

	result, err := server.validateTestbedHandler(context.Background(), callRequest(map[string]any{"path": dir}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %v", result.Content)
	}
	response := decode(t, result)
	if response["valid"] != true {
		t.Error("expected valid to be true")
	}
	order := response["start_order"].([]interface{})
	if len(order) != 2 || order[0] != "vma/server" {
		t.Errorf("expected vma/server first, got %v", order)
	}
}

func TestValidateTestbedHandler_Cycle(t *testing.T) {
	server, _, _ := newTestServer(t)
	dir := t.TempDir()
	declaration := `
tag: cycle
instances:
  - name: vma
    image: /images/debian.qcow2
    applications:
      - name: a
        type: command
        runtime: 1s
        depends: ["started:vma/b"]
        settings: {command: "true"}
      - name: b
        type: command
        runtime: 1s
        depends: ["started:vma/a"]
        settings: {command: "true"}
`
	if err := os.WriteFile(filepath.Join(dir, "testbed.yml"), []byte(declaration), 0644); err != nil {
		t.Fatalf("failed to write declaration: %v", err)
	}

	result, _ := server.validateTestbedHandler(context.Background(), callRequest(map[string]any{"path": dir}))
	if !result.IsError {
		t.Error("expected error result for a dependency cycle")
	}
}

func TestPruneTestbedHandler(t *testing.T) {
	server, memStore, nets := newTestServer(t)
	memStore.SaveTestbed(&store.TestbedRecord{Tag: "stale", Phase: model.PhaseExperiment})
	memStore.SaveTestbed(&store.TestbedRecord{Tag: "live", Phase: model.PhaseExperiment, ControllerPid: os.Getpid()})

	result, err := server.pruneTestbedHandler(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	response := decode(t, result)
	pruned := response["pruned"].([]interface{})
	if len(pruned) != 1 || pruned[0] != "stale" {
		t.Errorf("expected [stale] pruned, got %v", pruned)
	}
	unchanged := response["unchanged"].([]interface{})
	if len(unchanged) != 1 || unchanged[0] != "live" {
		t.Errorf("expected [live] unchanged, got %v", unchanged)
	}
	if len(nets.torndown) != 1 {
		t.Errorf("expected one network teardown, got %v", nets.torndown)
	}
	if _, err := memStore.GetTestbed("stale"); err == nil {
		t.Error("expected stale record removed")
	}
}

func TestStatusHandler(t *testing.T) {
	server, memStore, _ := newTestServer(t)
	memStore.SaveTestbed(&store.TestbedRecord{Tag: "exp1", Phase: model.PhaseNetwork})

	contents, err := server.statusHandler(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(contents))
	}
	text := contents[0].(mcp.TextResourceContents)
	if text.URI != StatusURI {
		t.Errorf("expected uri %s, got %s", StatusURI, text.URI)
	}
	var status map[string]interface{}
	if err := json.Unmarshal([]byte(text.Text), &status); err != nil {
		t.Fatalf("status is not json: %v", err)
	}
	if int(status["count"].(float64)) != 1 {
		t.Errorf("expected 1 testbed, got %v", status["count"])
	}
}
