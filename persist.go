package moo

import (
	"encoding/json"
	"fmt"
	"os"
)

// PersistedState is the one serializable value the caller is
// responsible for writing to disk between runs: the per-core auth
// tokens and which core is currently paired (spec §3 PersistedState,
// §6 "Persisted state layout").
type PersistedState struct {
	Tokens       map[string]string `json:"tokens"`
	PairedCoreID *string           `json:"paired_core_id,omitempty"`
}

// Serialize renders state as human-readable JSON text. The caller owns
// I/O (spec §6: "the caller performs I/O").
func Serialize(state PersistedState) ([]byte, error) {
	if state.Tokens == nil {
		state.Tokens = map[string]string{}
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("moo: serialize persisted state: %w", err)
	}
	return out, nil
}

// Deserialize parses bytes produced by Serialize (or hand-edited JSON
// of the same shape) back into a PersistedState.
func Deserialize(data []byte) (PersistedState, error) {
	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, fmt.Errorf("moo: deserialize persisted state: %w", err)
	}
	if state.Tokens == nil {
		state.Tokens = map[string]string{}
	}
	return state, nil
}

// Apply returns cfg with SavedToken set from state.Tokens[coreID] when
// present, leaving cfg unmodified otherwise (spec §6 "apply(config,
// state, core_id) produces config with token injected iff
// state.tokens[core_id] is present").
func Apply(cfg ConnectionConfig, state PersistedState, coreID string) ConnectionConfig {
	if token, ok := state.Tokens[coreID]; ok {
		cfg.SavedToken = token
	}
	return cfg
}

// LoadStateFile reads and deserializes persisted state from path. A
// missing file is not an error: it returns an empty PersistedState, the
// same convenience the teacher's config loader affords a missing .env
// file.
func LoadStateFile(path string) (PersistedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PersistedState{Tokens: map[string]string{}}, nil
		}
		return PersistedState{}, fmt.Errorf("moo: read state file: %w", err)
	}
	return Deserialize(data)
}

// SaveStateFile serializes state and writes it to path with owner-only
// permissions (it carries an auth token).
func SaveStateFile(path string, state PersistedState) error {
	data, err := Serialize(state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("moo: write state file: %w", err)
	}
	return nil
}
