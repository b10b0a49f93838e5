package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrDigestMismatch is returned when a module no longer matches its lock.
var ErrDigestMismatch = errors.New("module digest does not match lock file")

// LockFile pins the BLAKE2b digests of the modules a project runs.
type LockFile struct {
	Modules []LockedModule `toml:"module"`
}

// LockedModule is one pinned module.
type LockedModule struct {
	Path   string `toml:"path"`
	Digest string `toml:"digest"`
}

// ReadLock reads a lock file. A missing file yields nil, nil.
func ReadLock(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var lf LockFile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &lf, nil
}

// WriteLock writes lf to path, creating the directory if needed.
func WriteLock(path string, lf *LockFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(lf); err != nil {
		f.Close()
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return f.Close()
}

// Find returns the entry for path, or nil.
func (lf *LockFile) Find(path string) *LockedModule {
	for i := range lf.Modules {
		if lf.Modules[i].Path == path {
			return &lf.Modules[i]
		}
	}
	return nil
}

// Pin records digest for path, replacing an existing entry.
func (lf *LockFile) Pin(path string, digest [32]byte) {
	sum := hex.EncodeToString(digest[:])
	if e := lf.Find(path); e != nil {
		e.Digest = sum
		return
	}
	lf.Modules = append(lf.Modules, LockedModule{Path: path, Digest: sum})
}

// Verify checks digest against the entry for path. Paths without an entry
// pass.
func (lf *LockFile) Verify(path string, digest [32]byte) error {
	e := lf.Find(path)
	if e == nil {
		return nil
	}
	if got := hex.EncodeToString(digest[:]); got != e.Digest {
		return fmt.Errorf("%w: %s is %s, locked at %s", ErrDigestMismatch, path, got, e.Digest)
	}
	return nil
}
