package moo

import "testing"

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	paired := "core-a"
	state := PersistedState{
		Tokens:       map[string]string{"core-a": "tok-a", "core-b": "tok-b"},
		PairedCoreID: &paired,
	}

	data, err := Serialize(state)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if len(got.Tokens) != 2 || got.Tokens["core-a"] != "tok-a" || got.Tokens["core-b"] != "tok-b" {
		t.Fatalf("unexpected tokens after round trip: %+v", got.Tokens)
	}
	if got.PairedCoreID == nil || *got.PairedCoreID != "core-a" {
		t.Fatalf("unexpected paired core id after round trip: %v", got.PairedCoreID)
	}
}

func TestSerializeDeserializeRoundTripUnpaired(t *testing.T) {
	state := PersistedState{Tokens: map[string]string{}}

	data, err := Serialize(state)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.PairedCoreID != nil {
		t.Fatalf("expected nil paired core id, got %v", *got.PairedCoreID)
	}
}

func TestApplyInjectsTokenOnlyWhenPresent(t *testing.T) {
	state := PersistedState{Tokens: map[string]string{"core-a": "tok-a"}}

	withToken := Apply(ConnectionConfig{Host: "h"}, state, "core-a")
	if withToken.SavedToken != "tok-a" {
		t.Fatalf("expected token injected, got %q", withToken.SavedToken)
	}

	withoutToken := Apply(ConnectionConfig{Host: "h"}, state, "core-unknown")
	if withoutToken.SavedToken != "" {
		t.Fatalf("expected no token injected for unknown core, got %q", withoutToken.SavedToken)
	}
}

func TestLoadStateFileMissingReturnsEmpty(t *testing.T) {
	state, err := LoadStateFile("/nonexistent/path/does-not-exist.json")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if state.Tokens == nil || len(state.Tokens) != 0 {
		t.Fatalf("expected empty tokens map, got %+v", state.Tokens)
	}
}

func TestSaveAndLoadStateFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/state.json"

	paired := "core-x"
	want := PersistedState{Tokens: map[string]string{"core-x": "tok-x"}, PairedCoreID: &paired}

	if err := SaveStateFile(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadStateFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Tokens["core-x"] != "tok-x" || got.PairedCoreID == nil || *got.PairedCoreID != "core-x" {
		t.Fatalf("unexpected state loaded: %+v", got)
	}
}
