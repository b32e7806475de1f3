package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// jsonOperation is the flattened wire form: the action's fields sit next to
// at_seconds and the type tag.
type jsonOperation struct {
	AtSeconds      float64    `json:"at_seconds"`
	Type           ActionType `json:"type"`
	ID             string     `json:"id,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	HomeserverID   string     `json:"homeserver_id,omitempty"`
	Path           string     `json:"path,omitempty"`
	Content        *string    `json:"content,omitempty"`
	TimeoutSeconds float64    `json:"timeout_seconds,omitempty"`
}

type jsonScenario struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Operations  []Operation `json:"operations"`
}

// MarshalJSON encodes the operation in the flattened file form.
func (o Operation) MarshalJSON() ([]byte, error) {
	w := jsonOperation{AtSeconds: o.AtSeconds}
	switch a := o.Action.(type) {
	case CreateStorageNode:
		w.Type, w.ID = a.Type(), a.ID
	case CreateClientIdentity:
		w.Type, w.ID = a.Type(), a.ID
	case Connect:
		w.Type, w.ClientID, w.HomeserverID = a.Type(), a.ClientID, a.NodeID
	case WriteData:
		content := a.Content
		w.Type, w.ClientID, w.Path, w.Content = a.Type(), a.ClientID, a.Path, &content
	case ReadData:
		w.Type, w.ClientID, w.Path = a.Type(), a.ClientID, a.Path
	case WaitForReady:
		w.Type, w.HomeserverID, w.TimeoutSeconds = a.Type(), a.NodeID, a.TimeoutSeconds
	default:
		return nil, fmt.Errorf("%w: unsupported action %T", ErrInvalidScenario, o.Action)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the flattened file form. Unknown types are rejected.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w jsonOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	o.AtSeconds = w.AtSeconds

	switch w.Type {
	case TypeCreateStorageNode:
		o.Action = CreateStorageNode{ID: w.ID}
	case TypeCreateClientIdentity:
		o.Action = CreateClientIdentity{ID: w.ID}
	case TypeConnect:
		o.Action = Connect{ClientID: w.ClientID, NodeID: w.HomeserverID}
	case TypeWriteData:
		var content string
		if w.Content != nil {
			content = *w.Content
		}
		o.Action = WriteData{ClientID: w.ClientID, Path: w.Path, Content: content}
	case TypeReadData:
		o.Action = ReadData{ClientID: w.ClientID, Path: w.Path}
	case TypeWaitForReady:
		o.Action = WaitForReady{NodeID: w.HomeserverID, TimeoutSeconds: w.TimeoutSeconds}
	case "":
		return fmt.Errorf("%w: operation type is required", ErrInvalidScenario)
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidScenario, w.Type)
	}
	return nil
}

// MarshalJSON encodes the scenario. A nil operation list is written as [].
func (s Scenario) MarshalJSON() ([]byte, error) {
	ops := s.Operations
	if ops == nil {
		ops = []Operation{}
	}
	return json.Marshal(jsonScenario{Name: s.Name, Description: s.Description, Operations: ops})
}

// UnmarshalJSON decodes a scenario file body.
func (s *Scenario) UnmarshalJSON(data []byte) error {
	var w jsonScenario
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Scenario{Name: w.Name, Description: w.Description, Operations: w.Operations}
	return nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (Scenario, error) {
	return Load(bytes.NewReader(data))
}

// Load decodes and validates a scenario from r.
func Load(r io.Reader) (Scenario, error) {
	var s Scenario
	dec := json.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// LoadFile reads and validates a scenario file.
func LoadFile(path string) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, err
	}
	defer f.Close()

	return Load(f)
}

// Encode renders s as indented JSON.
func Encode(s Scenario) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// SaveFile validates s and writes it as indented JSON.
func SaveFile(path string, s Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// DefaultDirectory is ~/.netsim/scenarios.
func DefaultDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".netsim", "scenarios"), nil
}

// Entry is one loaded scenario file.
type Entry struct {
	Path     string
	Scenario Scenario
}

// LoadError reports one file that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e LoadError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e LoadError) Unwrap() error { return e.Err }

// LoadDirectory creates dir if missing and loads every *.json file in it,
// sorted by file name. Files that fail to load are returned separately and
// do not stop the scan.
func LoadDirectory(dir string) ([]Entry, []LoadError, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create scenario directory: %w", err)
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.EqualFold(filepath.Ext(de.Name()), ".json") {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)

	var (
		entries []Entry
		broken  []LoadError
	)
	for _, name := range names {
		path := filepath.Join(dir, name)
		s, err := LoadFile(path)
		if err != nil {
			broken = append(broken, LoadError{Path: path, Err: err})
			continue
		}
		entries = append(entries, Entry{Path: path, Scenario: s})
	}
	return entries, broken, nil
}
