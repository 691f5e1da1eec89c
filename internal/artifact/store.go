package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownArea = errors.New("unknown staging area")
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Artifact is a handle to one file held in a staging area.
type Artifact struct {
	Area    Area      `json:"area"`
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store keeps every staging area as a directory below root. Collaborators
// that need real files (ffmpeg, transcribers, synthesizers) are handed paths
// from Dir and FilePath.
type Store struct {
	root  string
	areas map[Area]struct{}

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join("data", "staging")
	}

	s := &Store{
		root:  root,
		areas: make(map[Area]struct{}),
		locks: make(map[string]*sync.Mutex),
	}
	for _, area := range knownAreas() {
		s.areas[area] = struct{}{}
		if err := os.MkdirAll(s.dir(area), 0o755); err != nil {
			return nil, fmt.Errorf("create staging area %s: %w", area, err)
		}
	}
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory backing area.
func (s *Store) Dir(area Area) (string, error) {
	if _, ok := s.areas[area]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArea, area)
	}
	return s.dir(area), nil
}

// FilePath resolves name inside area. Names must be plain file names.
func (s *Store) FilePath(area Area, name string) (string, error) {
	dir, err := s.Dir(area)
	if err != nil {
		return "", err
	}
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name), nil
}

// Clear deletes everything inside area. Any entry that cannot be removed
// fails the whole call so a new session never starts on stale files.
func (s *Store) Clear(area Area) error {
	dir, err := s.Dir(area)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read staging area %s: %w", area, err)
	}

	var errs []error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear staging area %s: %w", area, errors.Join(errs...))
	}
	s.dropLocks(dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recreate staging area %s: %w", area, err)
	}
	return nil
}

// ClearAll clears every listed area, stopping at the first failure.
func (s *Store) ClearAll(areas ...Area) error {
	for _, area := range areas {
		if err := s.Clear(area); err != nil {
			return err
		}
	}
	return nil
}

// Write replaces name in area with data. The content is written to a
// temporary file first and renamed into place.
func (s *Store) Write(area Area, name string, data []byte) (Artifact, error) {
	return s.Save(area, name, bytes.NewReader(data))
}

// Save streams r into name in area with replace-in-place semantics.
func (s *Store) Save(area Area, name string, r io.Reader) (Artifact, error) {
	path, err := s.FilePath(area, name)
	if err != nil {
		return Artifact{}, err
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+name+".*.tmp")
	if err != nil {
		return Artifact{}, fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return Artifact{}, fmt.Errorf("rename %s into place: %w", name, err)
	}

	return s.stat(area, name, path)
}

// Append adds data to the end of name, creating it when missing. Appends to
// the same artifact are serialised.
func (s *Store) Append(area Area, name string, data []byte) error {
	path, err := s.FilePath(area, name)
	if err != nil {
		return err
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

func (s *Store) Read(area Area, name string) ([]byte, error) {
	path, err := s.FilePath(area, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, area, name)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *Store) Exists(area Area, name string) bool {
	path, err := s.FilePath(area, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Delete removes name from area. A missing artifact is not an error.
func (s *Store) Delete(area Area, name string) error {
	path, err := s.FilePath(area, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// List returns the files in area, oldest first.
func (s *Store) List(area Area) ([]Artifact, error) {
	dir, err := s.Dir(area)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list staging area %s: %w", area, err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || isTempFile(entry.Name()) {
			continue
		}
		a, err := s.stat(area, entry.Name(), filepath.Join(dir, entry.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		if artifacts[i].ModTime.Equal(artifacts[j].ModTime) {
			return artifacts[i].Name < artifacts[j].Name
		}
		return artifacts[i].ModTime.Before(artifacts[j].ModTime)
	})
	return artifacts, nil
}

// BackupAndArchive copies the files of every source area into a fresh
// directory of the archive area named after label. Working copies are left in
// place. An existing archive directory is never overwritten; a numeric suffix
// is added instead. It returns the archive directory.
func (s *Store) BackupAndArchive(label string, sources ...Area) (string, error) {
	base := SafeName(label)
	if base == "" {
		base = "session"
	}

	archiveRoot := s.dir(AreaArchive)
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return "", fmt.Errorf("create archive area: %w", err)
	}

	dest := filepath.Join(archiveRoot, base)
	for i := 1; ; i++ {
		err := os.Mkdir(dest, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create archive directory %s: %w", dest, err)
		}
		dest = filepath.Join(archiveRoot, base+"-"+strconv.Itoa(i))
	}

	for _, area := range sources {
		artifacts, err := s.List(area)
		if err != nil {
			return dest, err
		}
		for _, a := range artifacts {
			if err := copyFile(a.Path, filepath.Join(dest, a.Name)); err != nil {
				return dest, fmt.Errorf("archive %s/%s: %w", area, a.Name, err)
			}
		}
	}

	return dest, nil
}

// SafeName reduces a client supplied file name to a base name made of
// letters, digits, dots, dashes and underscores.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeNameChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "" || name == "." || name == ".." {
		return ""
	}
	return name
}

// Stem returns name without its extension.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Store) dir(area Area) string {
	return filepath.Join(s.root, filepath.FromSlash(string(area)))
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// dropLocks forgets the per-file locks of every path under dir.
func (s *Store) dropLocks(dir string) {
	prefix := dir + string(filepath.Separator)

	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.locks {
		if strings.HasPrefix(path, prefix) {
			delete(s.locks, path)
		}
	}
}

// isTempFile reports whether name is an in-progress Save. Safe names never
// start with a dot.
func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}

func (s *Store) stat(area Area, name, path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, area, name)
		}
		return Artifact{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Artifact{
		Area:    area,
		Name:    name,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
