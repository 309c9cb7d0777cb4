// Package mcp exposes the State Store and prune to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/openziti/vmlab/kernel/engine"
	"github.com/openziti/vmlab/kernel/loader"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
)

const StatusURI = "vmlab://status"

type VmlabMCPServer struct {
	server     *server.MCPServer
	store      store.InstanceStore
	reconciler *engine.Reconciler
	alive      func(pid int) bool
}

// NewVmlabMCPServer serves s. Without a reconciler the prune tool reports an error.
func NewVmlabMCPServer(s store.InstanceStore, reconciler *engine.Reconciler, version string) *VmlabMCPServer {
	srv := server.NewMCPServer(
		"vmlab testbed controller",
		version,
		server.WithResourceCapabilities(true, true),
		server.WithToolCapabilities(true),
	)

	vs := &VmlabMCPServer{
		server:     srv,
		store:      s,
		reconciler: reconciler,
		alive:      vmm.Alive,
	}

	vs.registerTools()
	vs.registerResources()

	return vs
}

func (vs *VmlabMCPServer) ServeStdio() error {
	return server.ServeStdio(vs.server)
}

func (vs *VmlabMCPServer) registerTools() {
	vs.server.AddTool(mcp.NewTool("list_testbeds",
		mcp.WithDescription("List the testbeds recorded in the state store"),
	), vs.listTestbedsHandler)

	vs.server.AddTool(mcp.NewTool("get_testbed",
		mcp.WithDescription("Show the state record of one testbed and its instances"),
		mcp.WithString("tag",
			mcp.Description("Experiment tag of the testbed"),
			mcp.Required(),
		),
	), vs.getTestbedHandler)

	vs.server.AddTool(mcp.NewTool("validate_testbed",
		mcp.WithDescription("Load a testbed declaration and check it without creating anything"),
		mcp.WithString("path",
			mcp.Description("Path of the declaration file or testbed package directory"),
			mcp.Required(),
		),
	), vs.validateTestbedHandler)

	vs.server.AddTool(mcp.NewTool("prune_testbed",
		mcp.WithDescription("Release the resources of testbeds whose controller is gone"),
		mcp.WithString("tag",
			mcp.Description("Experiment tag to prune; every stale testbed when omitted"),
		),
	), vs.pruneTestbedHandler)
}

func (vs *VmlabMCPServer) registerResources() {
	resource := mcp.NewResource(StatusURI, "vmlab status",
		mcp.WithResourceDescription("Phase and instance count of every recorded testbed"),
		mcp.WithMIMEType("application/json"),
	)
	vs.server.AddResource(resource, vs.statusHandler)
}

type testbedSummary struct {
	Tag           string   `json:"tag"`
	Phase         string   `json:"phase"`
	ControllerPid int      `json:"controller_pid"`
	Active        bool     `json:"active"`
	Instances     int      `json:"instances"`
	Dangling      []string `json:"dangling,omitempty"`
}

func (vs *VmlabMCPServer) summaries() ([]testbedSummary, error) {
	tags, err := vs.store.ListTestbeds()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list testbeds")
	}
	sort.Strings(tags)
	out := make([]testbedSummary, 0, len(tags))
	for _, tag := range tags {
		rec, err := vs.store.GetTestbed(tag)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read testbed [%s]", tag)
		}
		instances, err := vs.store.GetInstances(tag)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read instances of [%s]", tag)
		}
		out = append(out, testbedSummary{
			Tag:           tag,
			Phase:         string(rec.Phase),
			ControllerPid: rec.ControllerPid,
			Active:        vs.alive(rec.ControllerPid),
			Instances:     len(instances),
			Dangling:      rec.Dangling,
		})
	}
	return out, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (vs *VmlabMCPServer) listTestbedsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testbeds, err := vs.summaries()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"count": len(testbeds), "testbeds": testbeds})
}

func (vs *VmlabMCPServer) getTestbedHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag, err := request.RequireString("tag")
	if err != nil {
		return mcp.NewToolResultError("tag argument is required"), nil
	}
	rec, err := vs.store.GetTestbed(tag)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no testbed recorded as [%s]", tag)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	instances, err := vs.store.GetInstances(tag)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"testbed":   rec,
		"instances": instances,
		"active":    vs.alive(rec.ControllerPid),
	})
}

func (vs *VmlabMCPServer) validateTestbedHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path argument is required"), nil
	}
	tb, resolver, err := loader.Load(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	graph, err := engine.Validate(tb, resolver)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	order := make([]string, 0, graph.Len())
	for _, key := range graph.Order() {
		order = append(order, key.String())
	}
	return jsonResult(map[string]any{
		"tag":          tb.Tag,
		"valid":        true,
		"instances":    len(tb.Instances),
		"networks":     len(tb.Networks),
		"integrations": len(tb.Integrations),
		"start_order":  order,
	})
}

func (vs *VmlabMCPServer) pruneTestbedHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if vs.reconciler == nil {
		return mcp.NewToolResultError("prune is not available"), nil
	}
	var tags []string
	if tag := request.GetString("tag", ""); tag != "" {
		tags = append(tags, tag)
	}
	result, err := vs.reconciler.Reconcile(ctx, tags...)
	if result == nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	response := map[string]any{
		"pruned":    result.Pruned,
		"unchanged": result.Unchanged,
		"dangling":  result.Dangling,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	return jsonResult(response)
}

func (vs *VmlabMCPServer) statusHandler(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	testbeds, err := vs.summaries()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]any{"count": len(testbeds), "testbeds": testbeds})
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      StatusURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
