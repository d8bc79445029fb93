package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestName is the per-directory checksum file.
const ManifestName = ".checksums"

const manifestVersion = 1

// ErrNoManifest means a directory has no .checksums file and is not locked.
var ErrNoManifest = errors.New("checksums file not found (run 'stagehand config lock')")

// Manifest is the on-disk .checksums file: BLAKE3 hashes keyed by base name.
type Manifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Verify checks the file at path against its recorded hash.
func (m *Manifest) Verify(path string) error {
	name := filepath.Base(path)
	want, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no recorded hash", name)
	}
	return VerifyFile(path, want)
}

// LockedFile is one file considered by a lock.
type LockedFile struct {
	Name   string
	Path   string
	Exists bool
	Hash   string
}

// LockReport describes the manifest of one directory.
type LockReport struct {
	Dir          string
	ManifestPath string
	Written      bool
	Files        []LockedFile
}

// HashFile returns the hex BLAKE3-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile fails when the file's digest differs from want.
func VerifyFile(path, want string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filepath.Base(path), want, got)
	}
	return nil
}

// Lock writes a manifest into every directory of the include tree rooted
// at configPath. With dryRun set nothing is written.
func Lock(configPath string, dryRun bool) ([]*LockReport, error) {
	files, err := DiscoverAllConfigFiles(configPath)
	if err != nil {
		return nil, err
	}

	byDir := make(map[string][]string)
	for _, f := range files {
		byDir[filepath.Dir(f)] = append(byDir[filepath.Dir(f)], filepath.Base(f))
	}
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	reports := make([]*LockReport, 0, len(dirs))
	for _, dir := range dirs {
		r, err := WriteManifest(dir, byDir[dir], dryRun)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// WriteManifest hashes names inside dir and writes the manifest unless
// dryRun is set. Missing files are reported and left out.
func WriteManifest(dir string, names []string, dryRun bool) (*LockReport, error) {
	m := Manifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(names)),
	}
	r := &LockReport{Dir: dir, ManifestPath: filepath.Join(dir, ManifestName)}

	for _, name := range names {
		lf := LockedFile{Name: name, Path: filepath.Join(dir, name)}
		hash, err := HashFile(lf.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			lf.Exists, lf.Hash = true, hash
			m.Hashes[name] = hash
		}
		r.Files = append(r.Files, lf)
	}
	if dryRun {
		return r, nil
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal checksums: %w", err)
	}
	if err := os.WriteFile(r.ManifestPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	r.Written = true
	return r, nil
}

// ReadManifest loads dir's manifest. ErrNoManifest is returned when the
// directory is not locked.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	return &m, nil
}
