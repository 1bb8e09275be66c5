package appz

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "server"), "#!/bin/sh\n", 0o755)
	writeFile(t, filepath.Join(dir, ManifestFile), `
name: web
main: server
args: [--flag]
ports: [3000, 3001]
devPorts: [4000]
workers: 2
devWorkers: 1
env:
  FROM: manifest
  KEEP: manifest
`, 0o644)

	d, err := LoadDescriptor(dir, AppOptions{}, map[string]string{"FROM": "request"}, []string{"extra"})
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if d.Name != "web" || d.Workers != 2 {
		t.Errorf("descriptor = %+v", d)
	}
	if len(d.Ports) != 2 || d.Ports[0] != 3000 || d.Ports[1] != 3001 {
		t.Errorf("ports = %v", d.Ports)
	}
	if d.Main != filepath.Join(dir, "server") {
		t.Errorf("main = %q", d.Main)
	}
	if len(d.Args) != 2 || d.Args[0] != "--flag" || d.Args[1] != "extra" {
		t.Errorf("args = %v", d.Args)
	}
	if d.Env["FROM"] != "request" || d.Env["KEEP"] != "manifest" {
		t.Errorf("env = %v", d.Env)
	}

	dev, err := LoadDescriptor(dir, AppOptions{}, map[string]string{ModeEnv: "development"}, nil)
	if err != nil {
		t.Fatalf("LoadDescriptor dev: %v", err)
	}
	if len(dev.Ports) != 1 || dev.Ports[0] != 4000 || dev.Workers != 1 {
		t.Errorf("development descriptor = %+v", dev)
	}

	over, err := LoadDescriptor(dir, AppOptions{Name: "renamed", Ports: []int{5000}, Workers: -3, Output: "logs"}, nil, nil)
	if err != nil {
		t.Fatalf("LoadDescriptor overrides: %v", err)
	}
	if over.Name != "renamed" || over.Workers != 3 || over.Output != "logs" || len(over.Ports) != 1 || over.Ports[0] != 5000 {
		t.Errorf("overridden descriptor = %+v", over)
	}
}

func TestLoadDescriptorDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "run"), "#!/bin/sh\n", 0o755)
	writeFile(t, filepath.Join(dir, ManifestFile), "name: plain\nmain: run\n", 0o644)

	d, err := LoadDescriptor(dir, AppOptions{}, nil, nil)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if d.Workers != runtime.NumCPU() {
		t.Errorf("workers = %d, want %d", d.Workers, runtime.NumCPU())
	}
	if d.Ports != nil {
		t.Errorf("ports = %v, want none", d.Ports)
	}
}

func TestLoadDescriptorErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		opt      AppOptions
		want     error
	}{
		{"MissingName", "main: run\n", AppOptions{}, ErrInvalidName},
		{"ReservedName", "name: appz\nmain: run\n", AppOptions{}, ErrInvalidName},
		{"DuplicatePorts", "name: a\nmain: run\nports: [1, 1]\n", AppOptions{}, ErrInvalidPorts},
		{"TextPorts", "name: a\nmain: run\nports: [http]\n", AppOptions{}, ErrInvalidPorts},
		{"FractionalPort", "name: a\nmain: run\nports: [1.5]\n", AppOptions{}, ErrInvalidPorts},
		{"PortsNotList", "name: a\nmain: run\nports: 80\n", AppOptions{}, ErrInvalidPorts},
		{"OptionPorts", "name: a\nmain: run\n", AppOptions{Ports: []int{70000}}, ErrInvalidPorts},
		{"MissingMain", "name: a\nmain: nowhere\n", AppOptions{}, ErrInvalidManifest},
		{"BadYAML", "name: [\n", AppOptions{}, ErrInvalidManifest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "run"), "#!/bin/sh\n", 0o755)
			writeFile(t, filepath.Join(dir, ManifestFile), tt.manifest, 0o644)

			_, err := LoadDescriptor(dir, tt.opt, nil, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := LoadDescriptor(t.TempDir(), AppOptions{}, nil, nil); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("empty dir: got %v", err)
	}
}

func TestLoadManifestPackageJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, PackageFile), `{"name":"legacy","ports":[3000],"workers":2,"env":{"A":"b"}}`, 0o644)

	m, origin, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if origin != PackageFile {
		t.Errorf("origin = %q", origin)
	}
	if m.Name != "legacy" || m.Main != "index.js" || m.Workers != 2 || m.Env["A"] != "b" {
		t.Errorf("manifest = %+v", m)
	}

	ports, err := parsePorts(m.Ports, "ports", origin)
	if err != nil || len(ports) != 1 || ports[0] != 3000 {
		t.Errorf("ports = %v, %v", ports, err)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"web", "my-app", "scope/app", "a.b"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}

	invalid := []string{"", ReservedName, "*", "has space", "/abs", "../up", "a//b", "a/./b"}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}
