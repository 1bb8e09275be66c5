package appz

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk description of an app (appz.yaml, or
// package.json for apps shared with node tooling)
type Manifest struct {
	Name       string            `yaml:"name" json:"name"`
	Main       string            `yaml:"main" json:"main"`
	Args       []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Ports      any               `yaml:"ports,omitempty" json:"ports,omitempty"`
	DevPorts   any               `yaml:"devPorts,omitempty" json:"devPorts,omitempty"`
	Workers    int               `yaml:"workers,omitempty" json:"workers,omitempty"`
	DevWorkers int               `yaml:"devWorkers,omitempty" json:"devWorkers,omitempty"`
	Output     string            `yaml:"output,omitempty" json:"output,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Descriptor is a fully resolved app, ready to spawn workers from
type Descriptor struct {
	// Name is the unique app name
	Name string
	// Dir is the absolute app directory and worker working directory
	Dir string
	// Main is the executable to run
	Main string
	// Args are passed to Main
	Args []string
	// Ports are the ports every worker must bind, possibly none
	Ports []int
	// Workers is the desired worker count
	Workers int
	// Output is the log directory override, if any
	Output string
	// Env holds manifest and requester environment overrides
	Env map[string]string
}

// LoadManifest reads appz.yaml from dir, falling back to package.json
func LoadManifest(dir string) (*Manifest, string, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, ManifestFile, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
		}
		return &m, ManifestFile, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, ManifestFile, fmt.Errorf("reading manifest: %w", err)
	}

	path = filepath.Join(dir, PackageFile)
	data, err = os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: no %s or %s in %s", ErrInvalidManifest, ManifestFile, PackageFile, dir)
		}
		return nil, PackageFile, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, PackageFile, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	if m.Main == "" {
		m.Main = "index.js"
	}
	return &m, PackageFile, nil
}

// LoadDescriptor resolves the app in dir. opt overrides the manifest; env
// and args come from the requester. Development mode is selected by
// APPZ_ENV or NODE_ENV in env.
func LoadDescriptor(dir string, opt AppOptions, env map[string]string, args []string) (*Descriptor, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving app dir: %w", err)
	}

	m, origin, err := LoadManifest(absDir)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Name:    m.Name,
		Dir:     absDir,
		Workers: m.Workers,
		Output:  m.Output,
		Env:     make(map[string]string, len(m.Env)+len(env)),
	}
	for k, v := range m.Env {
		d.Env[k] = v
	}
	for k, v := range env {
		d.Env[k] = v
	}

	if opt.Name != "" {
		d.Name = opt.Name
	}
	if d.Name == "" {
		return nil, fmt.Errorf("%w: name in %s must be set", ErrInvalidName, origin)
	}
	if err := ValidateName(d.Name); err != nil {
		return nil, err
	}

	if d.Ports, err = parsePorts(m.Ports, "ports", origin); err != nil {
		return nil, err
	}
	if opt.Ports != nil {
		if d.Ports, err = checkPorts(opt.Ports, "ports", "options"); err != nil {
			return nil, err
		}
	}

	if isDevelopment(env) {
		devPorts, err := parsePorts(m.DevPorts, "devPorts", origin)
		if err != nil {
			return nil, err
		}
		if devPorts != nil {
			d.Ports = devPorts
		}
		if m.DevWorkers != 0 {
			d.Workers = m.DevWorkers
		}
	}
	if opt.Workers != 0 {
		d.Workers = opt.Workers
	}
	if d.Workers < 0 {
		d.Workers = -d.Workers
	}
	if d.Workers == 0 {
		d.Workers = runtime.NumCPU()
	}

	if opt.Output != "" {
		d.Output = opt.Output
	}

	d.Main, d.Args, err = resolveMain(absDir, m.Main, origin)
	if err != nil {
		return nil, err
	}
	d.Args = append(d.Args, m.Args...)
	d.Args = append(d.Args, args...)

	return d, nil
}

// ValidateName rejects empty, reserved and path-escaping app names
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case name == ReservedName:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	case name == "*":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, " \t\r\n"):
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidName, name)
	case filepath.IsAbs(name):
		return fmt.Errorf("%w: %q is a path", ErrInvalidName, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func isDevelopment(env map[string]string) bool {
	return env[ModeEnv] == modeDevelopment || env[nodeModeEnv] == modeDevelopment
}

// parsePorts validates a decoded port list: it must be a list of whole
// numbers without duplicates. Absent or empty lists yield nil.
func parsePorts(raw any, field, origin string) ([]int, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s must be a list", ErrInvalidPorts, field, origin)
	}
	if len(list) == 0 {
		return nil, nil
	}

	ports := make([]int, 0, len(list))
	for _, v := range list {
		switch n := v.(type) {
		case int:
			ports = append(ports, n)
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%w: invalid %s in %s", ErrInvalidPorts, field, origin)
			}
			ports = append(ports, int(n))
		default:
			return nil, fmt.Errorf("%w: invalid %s in %s", ErrInvalidPorts, field, origin)
		}
	}
	return checkPorts(ports, field, origin)
}

func checkPorts(ports []int, field, origin string) ([]int, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	seen := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		if p < 0 || p > 65535 {
			return nil, fmt.Errorf("%w: invalid %s in %s", ErrInvalidPorts, field, origin)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: invalid %s in %s", ErrInvalidPorts, field, origin)
		}
		seen[p] = struct{}{}
	}
	return append([]int(nil), ports...), nil
}

// resolveMain finds the executable for main. Scripts from a package.json
// run through node.
func resolveMain(dir, main, origin string) (string, []string, error) {
	if main == "" {
		return "", nil, fmt.Errorf("%w: main in %s must be set", ErrInvalidManifest, origin)
	}

	path := main
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, main)
	}

	if origin == PackageFile {
		switch filepath.Ext(path) {
		case ".js", ".mjs", ".cjs":
			node, err := exec.LookPath("node")
			if err != nil {
				return "", nil, fmt.Errorf("%w: running %s: %v", ErrInvalidManifest, main, err)
			}
			return node, []string{path}, nil
		}
	}

	if _, err := os.Stat(path); err == nil {
		return path, nil, nil
	}
	if !strings.ContainsRune(main, filepath.Separator) {
		if found, err := exec.LookPath(main); err == nil {
			return found, nil, nil
		}
	}
	return "", nil, fmt.Errorf("%w: main %q not found", ErrInvalidManifest, main)
}
