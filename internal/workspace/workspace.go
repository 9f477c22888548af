// Package workspace manages per-session directory trees that hold the code,
// input data and execution output of one logical conversation.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Folder names inside a session root.
const (
	CodeDir   = "code"
	DataDir   = "data"
	OutputDir = "output"
)

var folders = []string{CodeDir, DataDir, OutputDir}

var (
	ErrNotFound       = errors.New("file not found")
	ErrInvalidSession = errors.New("invalid session name")
	ErrInvalidPath    = errors.New("invalid workspace path")
)

// StorageError reports a failed filesystem operation. It is kept distinct
// from execution errors so callers can decide whether to degrade.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("workspace %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err came from the filesystem layer.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Session is one sanitized workspace directory.
type Session struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Root string `json:"root"`
}

// Dir returns the absolute path of a session sub folder.
func (s *Session) Dir(folder string) string {
	return filepath.Join(s.Root, folder)
}

// FileInfo describes a file inside a session.
type FileInfo struct {
	Name     string    `json:"name"`
	RelPath  string    `json:"relative_path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified_time"`
}

// Info summarizes a session's contents.
type Info struct {
	Path        string `json:"path"`
	CodeFiles   int    `json:"code_files"`
	DataFiles   int    `json:"data_files"`
	OutputFiles int    `json:"output_files"`
	TotalFiles  int    `json:"total_files"`
	TotalSize   int64  `json:"total_size"`
}

// Store roots all sessions under one directory.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating it if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &StorageError{Op: "resolve", Path: root, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: abs, Err: err}
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute directory holding every session.
func (s *Store) Root() string {
	return s.root
}

// SanitizeName maps a caller supplied name to a session id: every rune that
// is not a letter or digit becomes '_' and the result is lowercased.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// Session resolves name to its workspace. With create set the code, data and
// output folders are made; calling it again for an existing tree is a no-op.
func (s *Store) Session(name string, create bool) (*Session, error) {
	id := SanitizeName(name)
	if id == "" || strings.Trim(id, "_") == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSession, name)
	}
	sess := &Session{ID: id, Name: name, Root: filepath.Join(s.root, id)}
	if !create {
		return sess, nil
	}
	for _, folder := range folders {
		dir := sess.Dir(folder)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return sess, nil
}

// Save writes content to folder/filename, replacing any existing file, and
// returns the absolute path.
func (s *Store) Save(sess *Session, content, filename, folder string) (string, error) {
	path, err := s.filePath(sess, filename, folder)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	// World readable: the container user is not the host user.
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { // #nosec G306
		return "", &StorageError{Op: "write", Path: path, Err: err}
	}
	log.Debug().Str("session", sess.ID).Str("path", path).Int("bytes", len(content)).Msg("workspace file saved")
	return path, nil
}

// Read returns the content of folder/filename. Missing files yield an error
// matching ErrNotFound.
func (s *Store) Read(sess *Session, filename, folder string) (string, error) {
	path, err := s.filePath(sess, filename, folder)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path confined to the session root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, folder, filename)
		}
		return "", &StorageError{Op: "read", Path: path, Err: err}
	}
	return string(data), nil
}

// Exists reports whether folder/filename is a regular file.
func (s *Store) Exists(sess *Session, filename, folder string) bool {
	path, err := s.filePath(sess, filename, folder)
	if err != nil {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// Delete removes folder/filename. It returns false when nothing was there.
func (s *Store) Delete(sess *Session, filename, folder string) (bool, error) {
	path, err := s.filePath(sess, filename, folder)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &StorageError{Op: "delete", Path: path, Err: err}
	}
	return true, nil
}

// List returns the files under folder, or every file in the session when
// folder is empty. Results are sorted by relative path.
func (s *Store) List(sess *Session, folder string) ([]FileInfo, error) {
	base := sess.Root
	if folder != "" {
		if !validFolder(folder) {
			return nil, fmt.Errorf("%w: folder %q", ErrInvalidPath, folder)
		}
		base = sess.Dir(folder)
	}

	var files []FileInfo
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == base {
				return fs.SkipDir
			}
			return err
		}
		// Dot dirs hold in-flight execution output.
		if d.IsDir() && path != base && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sess.Root, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Name:     d.Name(),
			RelPath:  filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "list", Path: base, Err: err}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Info counts the regular files directly inside each folder and sums the
// size of the listed tree.
func (s *Store) Info(sess *Session) (Info, error) {
	info := Info{Path: sess.Root}
	for _, folder := range folders {
		entries, err := os.ReadDir(sess.Dir(folder))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Info{}, &StorageError{Op: "info", Path: sess.Dir(folder), Err: err}
		}
		n := 0
		for _, e := range entries {
			if e.Type().IsRegular() {
				n++
			}
		}
		switch folder {
		case CodeDir:
			info.CodeFiles = n
		case DataDir:
			info.DataFiles = n
		case OutputDir:
			info.OutputFiles = n
		}
	}
	info.TotalFiles = info.CodeFiles + info.DataFiles + info.OutputFiles

	files, err := s.List(sess, "")
	if err != nil {
		return Info{}, err
	}
	for _, f := range files {
		info.TotalSize += f.Size
	}
	return info, nil
}

// LatestOutput returns the most recently modified output file whose name
// starts with prefix. ok is false when none matches.
func (s *Store) LatestOutput(sess *Session, prefix string) (FileInfo, bool, error) {
	files, err := s.List(sess, OutputDir)
	if err != nil {
		return FileInfo{}, false, err
	}
	var latest FileInfo
	var found bool
	for _, f := range files {
		if !strings.HasPrefix(f.Name, prefix) || strings.Contains(f.RelPath, "/.") {
			continue
		}
		if !found || f.Modified.After(latest.Modified) {
			latest, found = f, true
		}
	}
	return latest, found, nil
}

func (s *Store) filePath(sess *Session, filename, folder string) (string, error) {
	if sess == nil {
		return "", fmt.Errorf("%w: nil session", ErrInvalidSession)
	}
	if !validFolder(folder) {
		return "", fmt.Errorf("%w: folder %q", ErrInvalidPath, folder)
	}
	if !ValidFilename(filename) {
		return "", fmt.Errorf("%w: filename %q", ErrInvalidPath, filename)
	}
	return filepath.Join(sess.Dir(folder), filename), nil
}

// ValidFilename reports whether name is a plain base name that cannot escape
// its folder.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}

func validFolder(folder string) bool {
	for _, f := range folders {
		if f == folder {
			return true
		}
	}
	return false
}
