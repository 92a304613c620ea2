package reconcile

import (
	"encoding/json"
	"os"
)

// State is the optionally persisted snapshot of the fingerprint cache and
// the last observed commit. Persisting it is purely an optimization: it
// avoids redundant deploy calls after a restart and never changes
// reconciliation outcomes. A missing or unreadable state file simply means
// a cold cache, which re-applies every enabled stack once.
type State struct {
	Commit       string            `json:"commit"`
	Fingerprints map[string]string `json:"fingerprints"`
}

// loadState loads the persisted state from disk. A missing file yields an
// empty state, not an error.
func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Fingerprints: make(map[string]string)}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Fingerprints == nil {
		state.Fingerprints = make(map[string]string)
	}

	return &state, nil
}

// saveState persists the state to disk
func saveState(path string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
