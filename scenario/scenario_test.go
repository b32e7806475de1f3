package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "name": "two clients",
  "description": "one node, two writers",
  "operations": [
    {"at_seconds": 0, "type": "create_homeserver", "id": "hs1"},
    {"at_seconds": 0.5, "type": "wait_for_homeserver", "homeserver_id": "hs1", "timeout_seconds": 5},
    {"at_seconds": 1, "type": "create_client", "id": "alice"},
    {"at_seconds": 1.5, "type": "connect_client", "client_id": "alice", "homeserver_id": "hs1"},
    {"at_seconds": 2, "type": "write_data", "client_id": "alice", "path": "/pub/a.txt", "content": ""},
    {"at_seconds": 3, "type": "read_data", "client_id": "alice", "path": "/pub/a.txt"}
  ]
}`

func TestParseSample(t *testing.T) {
	s, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Name != "two clients" || len(s.Operations) != 6 {
		t.Fatalf("parsed %q with %d operations", s.Name, len(s.Operations))
	}
	want := []Action{
		CreateStorageNode{ID: "hs1"},
		WaitForReady{NodeID: "hs1", TimeoutSeconds: 5},
		CreateClientIdentity{ID: "alice"},
		Connect{ClientID: "alice", NodeID: "hs1"},
		WriteData{ClientID: "alice", Path: "/pub/a.txt"},
		ReadData{ClientID: "alice", Path: "/pub/a.txt"},
	}
	for i, op := range s.Operations {
		if !reflect.DeepEqual(op.Action, want[i]) {
			t.Fatalf("operation %d = %#v, want %#v", i, op.Action, want[i])
		}
	}
	if got := s.Operations[1].Action.(WaitForReady).Timeout(); got != 5*time.Second {
		t.Fatalf("Timeout() = %v, want 5s", got)
	}
	if got := s.Duration(); got != 3*time.Second {
		t.Fatalf("Duration() = %v, want 3s", got)
	}
}

func TestRoundTrip(t *testing.T) {
	orig, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Encode()): %v", err)
	}
	if !reflect.DeepEqual(orig, back) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", back, orig)
	}
	// An empty write still carries its content field.
	if !strings.Contains(string(data), `"content": ""`) {
		t.Fatalf("encoded write lost its content field:\n%s", data)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	_, err := Parse([]byte(`{"name":"x","operations":[{"at_seconds":0,"type":"launch_rocket"}]}`))
	if !errors.Is(err, ErrInvalidScenario) {
		t.Fatalf("err = %v, want ErrInvalidScenario", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Scenario{
		"missing name": {Operations: nil},
		"negative offset": {Name: "n", Operations: []Operation{
			{AtSeconds: -1, Action: CreateStorageNode{ID: "a"}},
		}},
		"missing id": {Name: "n", Operations: []Operation{
			{Action: CreateClientIdentity{}},
		}},
		"relative path": {Name: "n", Operations: []Operation{
			{Action: WriteData{ClientID: "c", Path: "pub/x"}},
		}},
		"outside public tree": {Name: "n", Operations: []Operation{
			{Action: WriteData{ClientID: "c", Path: "/data/x"}},
		}},
		"bare public prefix": {Name: "n", Operations: []Operation{
			{Action: ReadData{ClientID: "c", Path: "/pub/"}},
		}},
		"zero timeout": {Name: "n", Operations: []Operation{
			{Action: WaitForReady{NodeID: "a"}},
		}},
		"nil action": {Name: "n", Operations: []Operation{{}}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			if err := s.Validate(); !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("Validate() = %v, want ErrInvalidScenario", err)
			}
		})
	}
}

func TestOrderedIsStable(t *testing.T) {
	s := Scenario{Name: "order", Operations: []Operation{
		{AtSeconds: 2, Action: CreateStorageNode{ID: "d"}},
		{AtSeconds: 1, Action: CreateStorageNode{ID: "b"}},
		{AtSeconds: 0, Action: CreateStorageNode{ID: "a"}},
		{AtSeconds: 1, Action: CreateStorageNode{ID: "c"}},
	}}
	var got []string
	for _, op := range s.Ordered() {
		got = append(got, op.Action.(CreateStorageNode).ID)
	}
	if want := []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Ordered() = %v, want %v", got, want)
	}
	if s.Operations[0].Action.(CreateStorageNode).ID != "d" {
		t.Fatalf("Ordered() modified the scenario")
	}
}

func TestLoadDirectorySkipsBrokenFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scenarios")

	good, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := SaveFile(filepath.Join(dir, "b-good.json"), good); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a-broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, broken, err := LoadDirectory(dir)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if len(entries) != 1 || entries[0].Scenario.Name != good.Name {
		t.Fatalf("entries = %+v, want the good scenario only", entries)
	}
	if len(broken) != 1 || filepath.Base(broken[0].Path) != "a-broken.json" {
		t.Fatalf("broken = %+v, want a-broken.json", broken)
	}
}

func TestLoadDirectoryCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "scenarios")
	entries, broken, err := LoadDirectory(dir)
	if err != nil || len(entries) != 0 || len(broken) != 0 {
		t.Fatalf("LoadDirectory(empty) = %v, %v, %v", entries, broken, err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
}
