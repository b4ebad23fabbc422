package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathForSameTenantIsStable(t *testing.T) {
	r := Resolver{Root: t.TempDir()}

	first, ephemeral, err := r.PathFor("acme")
	if err != nil || ephemeral {
		t.Fatalf("PathFor: ephemeral=%v err=%v", ephemeral, err)
	}
	second, _, err := r.PathFor("acme")
	if err != nil {
		t.Fatalf("PathFor (second): %v", err)
	}
	if first != second {
		t.Fatalf("expected the same directory for the same tenant, got %q then %q", first, second)
	}
	if _, err := os.Stat(first); err != nil {
		t.Fatalf("expected the tenant directory to exist: %v", err)
	}
}

func TestPathForContentSurvivesAcrossResolutions(t *testing.T) {
	r := Resolver{Root: t.TempDir()}

	dir, _, err := r.PathFor("acme")
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.txt"), []byte("kept"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A later session of the same tenant resolves to the same directory and
	// sees the file.
	again, _, err := r.PathFor("acme")
	if err != nil {
		t.Fatalf("PathFor (again): %v", err)
	}
	got, err := os.ReadFile(filepath.Join(again, "state.txt"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "kept" {
		t.Fatalf("expected persisted content %q, got %q", "kept", got)
	}
}

func TestPathForEmptyTenantIsEphemeral(t *testing.T) {
	r := Resolver{Root: t.TempDir()}
	path, ephemeral, err := r.PathFor("")
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if !ephemeral || path != "" {
		t.Fatalf("expected ephemeral with no path, got ephemeral=%v path=%q", ephemeral, path)
	}
}

func TestPathForNoRootDisablesPersistence(t *testing.T) {
	r := Resolver{}
	_, ephemeral, err := r.PathFor("acme")
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if !ephemeral {
		t.Fatal("expected ephemeral when no storage root is configured")
	}
}

func TestPathForRejectsTraversalTenantIDs(t *testing.T) {
	r := Resolver{Root: t.TempDir()}
	for _, id := range []string{"../escape", "a/b", "/abs"} {
		if _, _, err := r.PathFor(id); err == nil {
			t.Fatalf("expected tenant id %q to be rejected", id)
		}
	}
}

func TestEphemeralAndOutputsDirsAreSessionScoped(t *testing.T) {
	r := Resolver{Root: t.TempDir()}

	e1, err := r.EphemeralDir("s1")
	if err != nil {
		t.Fatalf("EphemeralDir: %v", err)
	}
	e2, err := r.EphemeralDir("s2")
	if err != nil {
		t.Fatalf("EphemeralDir: %v", err)
	}
	if e1 == e2 {
		t.Fatalf("expected distinct ephemeral dirs per session, both were %q", e1)
	}

	o1, err := r.OutputsDir("s1")
	if err != nil {
		t.Fatalf("OutputsDir: %v", err)
	}
	if o1 == e1 {
		t.Fatal("expected the outputs dir to be separate from the workspace dir")
	}
	if _, err := os.Stat(o1); err != nil {
		t.Fatalf("expected the outputs dir to exist: %v", err)
	}
}
