package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/netsim/internal/directory/directorytest"
	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/eventstore"
	"github.com/signalsfoundry/netsim/internal/observability"
	"github.com/signalsfoundry/netsim/internal/player"
	"github.com/signalsfoundry/netsim/internal/registry"
	"github.com/signalsfoundry/netsim/internal/sim"
	"github.com/signalsfoundry/netsim/kb"
	"github.com/signalsfoundry/netsim/scenario"
)

type fixture struct {
	sim   *sim.Simulation
	store *eventstore.Store
	http  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := eventstore.Open(ctx, eventstore.MemoryPath)
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	events := eventlog.New(eventlog.WithSink(store), eventlog.WithMetrics(collector))
	reg := registry.New(directorytest.New(), kb.NewKnowledgeBase())
	exec := player.NewExecutor(reg, events)
	s := sim.New(reg, exec, sim.WithScenarioDir(t.TempDir()), sim.WithRunRecorder(store))
	if err := s.StartNetwork(ctx); err != nil {
		t.Fatalf("StartNetwork: %v", err)
	}

	srv := New(s, WithHistory(store), WithMetricsHandler(collector.Handler()))
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		srv.Run(runCtx)
	}()
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-runDone
		_ = s.Close(context.Background())
		_ = store.Close()
	})
	return &fixture{sim: s, store: store, http: ts}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestEndpointsAndTopology(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var eps struct {
		Endpoints []string `json:"endpoints"`
	}
	if code := getJSON(t, f.http.URL+"/endpoints", &eps); code != http.StatusOK || eps.Endpoints == nil || len(eps.Endpoints) != 0 {
		t.Fatalf("GET /endpoints on empty network = %d %+v", code, eps)
	}

	res, err := f.sim.Do(ctx, scenario.CreateStorageNode{ID: "hs1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := res.Handle.Wait(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := f.sim.Do(ctx, scenario.CreateClientIdentity{ID: "alice"}); err != nil {
		t.Fatalf("create client: %v", err)
	}
	if _, err := f.sim.Do(ctx, scenario.Connect{ClientID: "alice", NodeID: "hs1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	getJSON(t, f.http.URL+"/endpoints", &eps)
	if len(eps.Endpoints) != 1 || eps.Endpoints[0] != "http://fake-1.invalid" {
		t.Fatalf("GET /endpoints = %+v", eps)
	}

	var topo sim.TopologyView
	if code := getJSON(t, f.http.URL+"/topology", &topo); code != http.StatusOK {
		t.Fatalf("GET /topology status = %d", code)
	}
	if len(topo.Nodes) != 2 || len(topo.Edges) != 1 || topo.Nodes[0].Status != "running" || topo.Nodes[0].Kind != "storage_node" {
		t.Fatalf("GET /topology = %+v", topo)
	}
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)

	var resp struct {
		Entries []eventlog.Entry `json:"entries"`
	}
	if code := getJSON(t, f.http.URL+"/events", &resp); code != http.StatusOK || len(resp.Entries) != 2 {
		t.Fatalf("GET /events = %d, %+v", code, resp.Entries)
	}
	first := resp.Entries[0].ID
	getJSON(t, f.http.URL+"/events?since="+strconv.FormatUint(first, 10), &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].Message != "Network started" {
		t.Fatalf("GET /events?since=%d = %+v", first, resp.Entries)
	}
	if code := getJSON(t, f.http.URL+"/events?since=-1", nil); code != http.StatusBadRequest {
		t.Fatalf("GET /events?since=-1 status = %d, want 400", code)
	}
}

func TestHistoryAndRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sc := scenario.Scenario{Name: "persisted", Operations: []scenario.Operation{
		{AtSeconds: 0, Action: scenario.WriteData{ClientID: "ghost", Path: "/pub/x", Content: "x"}},
	}}
	done, err := f.sim.PlayScenario(ctx, sc)
	if err != nil {
		t.Fatalf("PlayScenario: %v", err)
	}
	<-done

	var runs struct {
		Runs []eventstore.Run `json:"runs"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		getJSON(t, f.http.URL+"/runs", &runs)
		if len(runs.Runs) == 1 && runs.Runs[0].EndedAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("GET /runs = %+v", runs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Runs[0].Scenario != "persisted" || runs.Runs[0].Events == 0 {
		t.Fatalf("run = %+v", runs.Runs[0])
	}

	var one eventstore.Run
	id := strconv.FormatInt(runs.Runs[0].ID, 10)
	if code := getJSON(t, f.http.URL+"/runs/"+id, &one); code != http.StatusOK || one.Scenario != "persisted" || one.EndedAt == nil {
		t.Fatalf("GET /runs/%s = %d %+v", id, code, one)
	}
	if code := getJSON(t, f.http.URL+"/runs/999", nil); code != http.StatusNotFound {
		t.Fatalf("GET /runs/999 status = %d, want 404", code)
	}
	if code := getJSON(t, f.http.URL+"/runs/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("GET /runs/abc status = %d, want 400", code)
	}

	var hist struct {
		Records []eventstore.Record `json:"records"`
	}
	getJSON(t, f.http.URL+"/history?severity=error", &hist)
	if len(hist.Records) != 1 || !strings.Contains(hist.Records[0].Message, "Failed to write /pub/x as ghost") {
		t.Fatalf("GET /history?severity=error = %+v", hist.Records)
	}
	if code := getJSON(t, f.http.URL+"/history?severity=loud", nil); code != http.StatusBadRequest {
		t.Fatalf("bad severity status = %d, want 400", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("response has no X-Request-ID header")
	}
}

func TestWebsocketFeed(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var greeting Message
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Type != "topology" {
		t.Fatalf("greeting type = %q, want topology", greeting.Type)
	}

	// The connection registers asynchronously; keep creating clients until
	// pushes arrive.
	sawEvent, sawTopology := false, false
	for i := 0; !(sawEvent && sawTopology); i++ {
		if i < 20 {
			id := "client-" + strconv.Itoa(i)
			if _, err := f.sim.Do(context.Background(), scenario.CreateClientIdentity{ID: id}); err != nil {
				t.Fatalf("create client: %v", err)
			}
		}
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read push: %v", err)
		}
		switch msg.Type {
		case "event":
			var e eventlog.Entry
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if e.ID > 0 {
				sawEvent = true
			}
		case "topology":
			sawTopology = true
		}
	}
}
