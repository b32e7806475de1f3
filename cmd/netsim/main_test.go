package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/netsim/internal/api"
	"github.com/signalsfoundry/netsim/internal/config"
	"github.com/signalsfoundry/netsim/internal/directory/directorytest"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/scenario"
)

func happyScenario() scenario.Scenario {
	return scenario.Scenario{
		Name:        "happy",
		Description: "write then read back",
		Operations: []scenario.Operation{
			{AtSeconds: 0, Action: scenario.CreateStorageNode{ID: "hs1"}},
			{AtSeconds: 0, Action: scenario.WaitForReady{NodeID: "hs1", TimeoutSeconds: 10}},
			{AtSeconds: 0, Action: scenario.CreateClientIdentity{ID: "alice"}},
			{AtSeconds: 0, Action: scenario.Connect{ClientID: "alice", NodeID: "hs1"}},
			{AtSeconds: 0, Action: scenario.WriteData{ClientID: "alice", Path: "/pub/hello.txt", Content: "hi there"}},
			{AtSeconds: 0, Action: scenario.ReadData{ClientID: "alice", Path: "/pub/hello.txt"}},
		},
	}
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ScenarioDir = t.TempDir()
	return cfg
}

func TestRootCmdSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"version", "serve", "play", "validate", "scenarios", "topology"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
}

func TestVersionCmdJSON(t *testing.T) {
	out, err := executeRoot(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got["version"] != version {
		t.Fatalf("version = %q, want %q", got["version"], version)
	}
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	if err := scenario.SaveFile(good, happyScenario()); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"name":"","operations":[]}`), 0o644); err != nil {
		t.Fatalf("write bad: %v", err)
	}

	out, err := executeRoot(t, "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v\n%s", err, out)
	}
	if !strings.Contains(out, `ok   `+good) || !strings.Contains(out, "6 operations") {
		t.Fatalf("validate output = %q", out)
	}

	out, err = executeRoot(t, "validate", good, bad)
	if err == nil {
		t.Fatalf("validate with a bad file succeeded: %s", out)
	}
	if !strings.Contains(out, "FAIL "+bad) {
		t.Fatalf("validate output = %q, want a FAIL line for %s", out, bad)
	}
}

func TestScenariosCmdListsDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := scenario.SaveFile(filepath.Join(dir, "happy.json"), happyScenario()); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}

	out, err := executeRoot(t, "scenarios", "--dir", dir, "--json")
	if err != nil {
		t.Fatalf("scenarios: %v", err)
	}
	// stderr shares the buffer; the JSON array starts at the first '['.
	start := strings.Index(out, "[")
	if start < 0 {
		t.Fatalf("scenarios output = %q", out)
	}
	var listing []scenarioListing
	if err := json.Unmarshal([]byte(out[start:]), &listing); err != nil {
		t.Fatalf("decode listing: %v\n%s", err, out)
	}
	if len(listing) != 1 || listing[0].Name != "happy" || listing[0].File != "happy.json" || listing[0].Operations != 6 {
		t.Fatalf("listing = %+v", listing)
	}
	if !strings.Contains(out, "skipping broken.json") {
		t.Fatalf("broken file not reported: %q", out)
	}
}

func TestRunPlayPrintsEventLog(t *testing.T) {
	var out bytes.Buffer
	errs, err := runPlay(context.Background(), happyScenario(), playOptions{
		cfg: testConfig(t),
		out: &out,
		log: logging.Noop(),
	})
	if err != nil {
		t.Fatalf("runPlay: %v", err)
	}
	if errs != 0 {
		t.Fatalf("error entries = %d, want 0\n%s", errs, out.String())
	}
	for _, want := range []string{
		"Network started",
		"Storage node hs1 is ready",
		"Connected alice to hs1",
		"Content: hi there",
		`Scenario "happy" completed`,
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunPlayCountsFailures(t *testing.T) {
	sc := scenario.Scenario{Name: "ghost", Operations: []scenario.Operation{
		{AtSeconds: 0, Action: scenario.WriteData{ClientID: "ghost", Path: "/pub/x", Content: "x"}},
		{AtSeconds: 0, Action: scenario.ReadData{ClientID: "ghost", Path: "/pub/x"}},
	}}
	var out bytes.Buffer
	errs, err := runPlay(context.Background(), sc, playOptions{
		cfg:     testConfig(t),
		out:     &out,
		jsonOut: true,
		log:     logging.Noop(),
	})
	if err != nil {
		t.Fatalf("runPlay: %v", err)
	}
	if errs != 2 {
		t.Fatalf("error entries = %d, want 2\n%s", errs, out.String())
	}
	if !strings.Contains(out.String(), `"severity": "error"`) {
		t.Fatalf("JSON output has no error entries:\n%s", out.String())
	}
}

func TestTopologyCmdQueriesServer(t *testing.T) {
	ctx := context.Background()
	eng, err := newEngine(ctx, engineOptions{
		cfg: testConfig(t),
		dir: directorytest.New(),
		log: logging.Noop(),
	})
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	if err := eng.sim.StartNetwork(ctx); err != nil {
		t.Fatalf("StartNetwork: %v", err)
	}
	if _, err := eng.sim.Do(ctx, scenario.CreateClientIdentity{ID: "alice"}); err != nil {
		t.Fatalf("create client: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := api.NewServer(api.NewService(eng.sim, logging.Noop()), logging.Noop(), eng.metrics)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	out, err := executeRoot(t, "topology", "--addr", lis.Addr().String())
	if err != nil {
		t.Fatalf("topology: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 nodes, 0 edges") || !strings.Contains(out, "alice") || !strings.Contains(out, "client_identity") {
		t.Fatalf("topology output = %q", out)
	}
}

func TestStartNetworkProvisionsNodes(t *testing.T) {
	ctx := context.Background()
	eng, err := newEngine(ctx, engineOptions{
		cfg: testConfig(t),
		dir: directorytest.New(),
		log: logging.Noop(),
	})
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	if err := startNetwork(ctx, eng, 2, logging.Noop()); err != nil {
		t.Fatalf("startNetwork: %v", err)
	}
	eng.sim.Settle()
	if eps := eng.sim.Endpoints(); len(eps) != 2 {
		t.Fatalf("Endpoints() = %v, want 2", eps)
	}
}

func TestEngineExposesEventStoreFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventDB = filepath.Join(t.TempDir(), "events.db")
	promReg := prometheus.NewRegistry()
	eng, err := newEngine(context.Background(), engineOptions{
		cfg:     cfg,
		dir:     directorytest.New(),
		log:     logging.Noop(),
		promReg: promReg,
	})
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "netsim_event_store_failures_total" {
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 0 {
				t.Fatalf("failures = %v, want 0", got)
			}
			return
		}
	}
	t.Fatalf("netsim_event_store_failures_total not registered")
}
