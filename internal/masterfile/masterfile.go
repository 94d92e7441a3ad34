// Package masterfile reads and writes the redis master pointer file.
//
// The file holds one line per system. A deployment with only the default
// system writes the bare address:
//
//	10.0.0.1:6379
//
// Several systems are written as sorted name/address lines:
//
//	primary/10.0.0.1:6379
//	secondary/10.0.1.1:6379
//
// Writes go to a temporary file in the same directory which is synced and
// renamed over the target, so readers see either the old or the new content.
package masterfile

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/cluster"
)

var addrLike = regexp.MustCompile(`^[0-9a-z.]+:[0-9]+$`)

// VerifyPath rejects a master file path that looks like a host:port address,
// a common configuration mistake.
func VerifyPath(path string) error {
	if path == "" {
		return errors.New("redis master file path is empty")
	}
	if addrLike.MatchString(path) {
		return errors.Newf("redis master file path %q looks like a server address", path)
	}
	return nil
}

// Parse decodes file content into a system to address map. Lines without a
// system name belong to cluster.DefaultSystem.
func Parse(content string) map[string]string {
	masters := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if name, addr, ok := strings.Cut(line, "/"); ok {
			masters[name] = addr
		} else {
			masters[cluster.DefaultSystem] = line
		}
	}
	return masters
}

// Marshal encodes a system to address map. Systems with an empty address are
// left out.
func Marshal(masters map[string]string) string {
	if len(masters) == 1 {
		if addr, ok := masters[cluster.DefaultSystem]; ok {
			if addr == "" {
				return ""
			}
			return addr + "\n"
		}
	}
	names := make([]string, 0, len(masters))
	for name, addr := range masters {
		if addr != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name + "/" + masters[name] + "\n")
	}
	return b.String()
}

// File is a master pointer file on a filesystem.
type File struct {
	fs   afero.Fs
	path string
}

// New returns a File on the OS filesystem.
func New(path string) *File {
	return NewWithFs(afero.NewOsFs(), path)
}

// NewWithFs returns a File on fs.
func NewWithFs(fs afero.Fs, path string) *File {
	return &File{fs: fs, path: path}
}

func (f *File) Path() string { return f.path }

// ReadContent returns the raw file content. A missing file reads as empty.
func (f *File) ReadContent() (string, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading master file %s", f.path)
	}
	return string(data), nil
}

// Read returns the masters recorded in the file.
func (f *File) Read() (map[string]string, error) {
	content, err := f.ReadContent()
	if err != nil {
		return nil, err
	}
	return Parse(content), nil
}

// Master returns the recorded master of one system, or "" if there is none.
func (f *File) Master(system string) (string, error) {
	masters, err := f.Read()
	if err != nil {
		return "", err
	}
	return masters[system], nil
}

// Write atomically replaces the file with masters.
func (f *File) Write(masters map[string]string) error {
	return f.WriteContent(Marshal(masters))
}

// WriteContent atomically replaces the file content.
func (f *File) WriteContent(content string) error {
	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for master file %s", f.path)
	}
	tmp, err := afero.TempFile(f.fs, dir, "."+filepath.Base(f.path)+".tmp")
	if err != nil {
		return errors.Wrapf(err, "creating temp file for %s", f.path)
	}
	name := tmp.Name()
	cleanup := func() { _ = f.fs.Remove(name) }

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "writing master file %s", f.path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "syncing master file %s", f.path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "closing master file %s", f.path)
	}
	if err := f.fs.Chmod(name, 0o644); err != nil {
		cleanup()
		return errors.Wrapf(err, "chmod master file %s", f.path)
	}
	if err := f.fs.Rename(name, f.path); err != nil {
		cleanup()
		return errors.Wrapf(err, "renaming master file %s", f.path)
	}
	return nil
}

// Update sets the master of one system, keeping the other systems.
func (f *File) Update(system, addr string) error {
	masters, err := f.Read()
	if err != nil {
		return err
	}
	masters[system] = addr
	return f.Write(masters)
}

// Clear removes the master of one system.
func (f *File) Clear(system string) error {
	return f.Update(system, "")
}

// Watch calls onChange whenever the master file changes on disk, until ctx is
// done. It watches the parent directory so that renames are seen. Watch only
// works on the OS filesystem.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "watching %s", filepath.Dir(path))
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if log != nil {
				log.Sugar().Warnf("Master file watcher error: %v", err)
			}
		}
	}
}
