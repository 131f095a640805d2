// Package archive resolves archived recordings on durable storage.
//
// Recordings are stored one directory per source under the archive root:
//
//	<root>/<source-dir>/<recording-name>
//
// A recording name is unique across the archive, so lookup searches every
// source directory. Files placed directly under the root are also found.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when no archived recording has the requested name.
var ErrNotFound = errors.New("archived recording not found")

// Ref points at an archived recording.
type Ref struct {
	Name    string
	Path    string
	Dir     string // source directory name, "" for the root
	Size    int64
	ModTime time.Time
}

// Store looks up archived recordings under Root.
type Store struct {
	Root string
	fs   afero.Fs
}

// New returns a Store over the OS filesystem.
func New(root string) *Store { return NewWithFs(root, afero.NewOsFs()) }

// NewWithFs returns a Store over fs; tests pass an in-memory filesystem.
func NewWithFs(root string, fs afero.Fs) *Store {
	return &Store{Root: filepath.Clean(root), fs: fs}
}

// ValidName reports whether name is safe to use as a single path element.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func ValidName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Resolve finds the archived recording called name. Candidates are the root
// itself followed by its subdirectories in lexical order; the first regular
// file wins.
func (s *Store) Resolve(name string) (Ref, error) {
	if !ValidName(name) {
		return Ref{}, fmt.Errorf("invalid recording name %q", name)
	}
	dirs, err := s.candidates()
	if err != nil {
		return Ref{}, err
	}
	for _, d := range dirs {
		p := filepath.Join(s.Root, d, name)
		fi, err := s.fs.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Ref{}, fmt.Errorf("stat %s: %w", p, err)
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		return Ref{Name: name, Path: p, Dir: d, Size: fi.Size(), ModTime: fi.ModTime()}, nil
	}
	return Ref{}, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Refresh re-reads the size and modification time of a resolved recording
// without searching the archive again. It returns ErrNotFound when the file
// is gone.
func (s *Store) Refresh(ref Ref) (Ref, error) {
	fi, err := s.fs.Stat(ref.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Ref{}, fmt.Errorf("%s: %w", ref.Name, ErrNotFound)
		}
		return Ref{}, fmt.Errorf("stat %s: %w", ref.Path, err)
	}
	if !fi.Mode().IsRegular() {
		return Ref{}, fmt.Errorf("%s: %w", ref.Name, ErrNotFound)
	}
	ref.Size, ref.ModTime = fi.Size(), fi.ModTime()
	return ref, nil
}

// Sources lists the source directories present in the archive.
func (s *Store) Sources() ([]string, error) {
	dirs, err := s.candidates()
	if err != nil {
		return nil, err
	}
	return dirs[1:], nil
}

func (s *Store) candidates() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{""}, nil
		}
		return nil, fmt.Errorf("read archive root: %w", err)
	}
	dirs := []string{""}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs[1:])
	return dirs, nil
}
