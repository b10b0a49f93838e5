// Package manifest handles baranium.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "baranium.toml"

// Manifest represents a baranium.toml configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Runtime RuntimeConfig `toml:"runtime"`
	Log     LogConfig     `toml:"log"`

	// Dir is the directory containing the baranium.toml file (set at load time).
	Dir string `toml:"-"`

	// Unknown lists keys present in the file that no field consumed.
	Unknown []string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// RuntimeConfig lists what to load and how to run it.
type RuntimeConfig struct {
	// Entry is the name of the function to run.
	Entry     string   `toml:"entry"`
	Scripts   []string `toml:"scripts"`
	Libraries []string `toml:"libraries"`

	// Extensions maps a library path to the native extension attached to it.
	Extensions map[string]string `toml:"extensions"`

	MaxTicks uint64 `toml:"max-ticks"`

	// Lock is the digest lock file, relative to Dir.
	Lock string `toml:"lock"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Load parses a baranium.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	meta, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		m.Unknown = append(m.Unknown, key.String())
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Runtime.Entry == "" {
		m.Runtime.Entry = "main"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a baranium.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ScriptPaths returns absolute paths for the configured scripts.
func (m *Manifest) ScriptPaths() []string {
	var paths []string
	for _, s := range m.Runtime.Scripts {
		paths = append(paths, m.resolve(s))
	}
	return paths
}

// LibraryPaths returns absolute paths for the configured libraries.
func (m *Manifest) LibraryPaths() []string {
	var paths []string
	for _, l := range m.Runtime.Libraries {
		paths = append(paths, m.resolve(l))
	}
	return paths
}

// Extension is one library/extension pairing with absolute paths.
type Extension struct {
	Library string
	Path    string
}

// ExtensionPaths returns the configured extensions sorted by library path.
func (m *Manifest) ExtensionPaths() []Extension {
	var out []Extension
	for lib, ext := range m.Runtime.Extensions {
		out = append(out, Extension{Library: m.resolve(lib), Path: m.resolve(ext)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Library < out[j].Library })
	return out
}

// LogPath returns the absolute log file path, or "" for stderr.
func (m *Manifest) LogPath() string {
	return m.resolve(m.Log.File)
}

// LockFilePath returns the path of the digest lock file, or "" when the
// manifest does not name one.
func (m *Manifest) LockFilePath() string {
	return m.resolve(m.Runtime.Lock)
}
