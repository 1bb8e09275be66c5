package appz

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", RegistryFile)

	r, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	if len(r.Apps()) != 0 {
		t.Fatalf("new registry has %d apps", len(r.Apps()))
	}

	app := App{Name: "web", Dir: "/srv/web", Opt: AppOptions{Workers: 2}, Env: map[string]string{"A": "1"}, Workers: 2}
	if err := r.Add(app); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(app); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("Add duplicate: got %v, want ErrDuplicateName", err)
	}
	if err := r.Update("web", func(a *App) { a.ReviveCount = 3 }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Update("nope", func(*App) {}); !errors.Is(err, ErrAppNotFound) {
		t.Fatalf("Update missing: got %v", err)
	}
	if err := r.Add(App{Name: "api", Dir: "/srv/api"}); err != nil {
		t.Fatalf("Add api: %v", err)
	}

	reopened, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	apps := reopened.Apps()
	if len(apps) != 2 || apps[0].Name != "web" || apps[1].Name != "api" {
		t.Fatalf("reopened apps = %+v", apps)
	}
	if apps[0].ReviveCount != 3 || apps[0].Env["A"] != "1" || apps[0].Opt.Workers != 2 {
		t.Errorf("web entry not persisted: %+v", apps[0])
	}

	removed, err := reopened.Remove("web")
	if err != nil || !removed {
		t.Fatalf("Remove: %v %v", removed, err)
	}
	if removed, _ := reopened.Remove("web"); removed {
		t.Error("second Remove reported an entry")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != SecretMode {
		t.Errorf("registry mode = %o, want %o", perm, SecretMode)
	}
}

func TestRegistryFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	old := `{"version":"0.0.1","apps":[{"name":"legacy","dir":"/srv/legacy","opt":{},"reviveCount":0,"workers":1}]}`
	if err := os.WriteFile(path, []byte(old), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	if _, ok := r.Get("legacy"); !ok {
		t.Fatal("legacy app not loaded")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var f struct {
		Version string            `json:"version"`
		Apps    []json.RawMessage `json:"apps"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decoding registry: %v", err)
	}
	if f.Version != RegistryVersion {
		t.Errorf("version = %q, want %q", f.Version, RegistryVersion)
	}
	if len(f.Apps) != 1 {
		t.Errorf("apps = %d, want 1", len(f.Apps))
	}

	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	data, _ = os.ReadFile(path)
	if err := json.Unmarshal(data, &f); err != nil || len(f.Apps) != 0 {
		t.Errorf("cleared registry = %s", data)
	}
}

func TestRegistryCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenRegistry(path); err == nil {
		t.Fatal("expected an error for a corrupt registry")
	}
}

func TestRegistryFailedSaveLeavesNoTrace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	r, err := OpenRegistry(filepath.Join(dir, RegistryFile))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	if err := r.Add(App{Name: "api", Dir: "/srv/api", Workers: 1}); err != nil {
		t.Fatalf("Add api: %v", err)
	}

	// Replace the registry directory with a file so every save fails
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, nil, FileMode); err != nil {
		t.Fatal(err)
	}

	if err := r.Add(App{Name: "web", Dir: "/srv/web"}); err == nil {
		t.Fatal("Add succeeded on an unwritable registry")
	}
	if _, ok := r.Get("web"); ok {
		t.Fatal("web is registered after a failed Add")
	}
	if err := r.Update("api", func(a *App) { a.Workers = 9 }); err == nil {
		t.Fatal("Update succeeded on an unwritable registry")
	}
	if got, _ := r.Get("api"); got.Workers != 1 {
		t.Fatalf("api workers = %d after a failed Update, want 1", got.Workers)
	}
	if _, err := r.Remove("api"); err == nil {
		t.Fatal("Remove succeeded on an unwritable registry")
	}
	if err := r.Clear(); err == nil {
		t.Fatal("Clear succeeded on an unwritable registry")
	}
	if len(r.Apps()) != 1 {
		t.Fatalf("registry has %d apps after failed writes, want 1", len(r.Apps()))
	}

	// Once the disk recovers the same name can be registered
	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(App{Name: "web", Dir: "/srv/web"}); err != nil {
		t.Fatalf("Add after recovery: %v", err)
	}
	reopened, err := OpenRegistry(filepath.Join(dir, RegistryFile))
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if names := len(reopened.Apps()); names != 2 {
		t.Fatalf("reopened registry has %d apps, want 2", names)
	}
}
