package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// State is persisted between agent restarts so the endpoint keeps its identity.
type State struct {
	AgentID      string  `json:"agent_id"`
	EndpointID   int64   `json:"endpoint_id,omitempty"`
	RegisteredAt float64 `json:"registered_at,omitempty"`
}

// LoadState reads the state file. A missing file yields a fresh state with a
// generated agent id.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newState()
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	st.AgentID = strings.TrimSpace(st.AgentID)
	if st.AgentID == "" {
		return newState()
	}
	return &st, nil
}

// SaveState writes the state atomically.
func SaveState(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func newState() (*State, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}
	return &State{AgentID: id.String()}, nil
}
