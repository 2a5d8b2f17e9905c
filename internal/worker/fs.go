package worker

import (
	"errors"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
)

var (
	errFileNotFound = errors.New("no such file or directory")
	errFileExists   = errors.New("file already exists")
)

// memFS is the worker's in-memory file tree. Directories are implicit in file
// paths unless created empty.
type memFS struct {
	mu    sync.Mutex
	files map[string]string
	dirs  map[string]bool
}

func newMemFS() *memFS {
	return &memFS{files: map[string]string{}, dirs: map[string]bool{"/": true}}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (fs *memFS) read(p string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.files[clean(p)]
	return s, ok
}

func (fs *memFS) write(p, contents string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[clean(p)] = contents
}

func (fs *memFS) isDirLocked(p string) bool {
	if fs.dirs[p] {
		return true
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for name := range fs.dirs {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (fs *memFS) info(p string, isDir bool) wire.FileInfo {
	return wire.FileInfo{
		ID:          p,
		Path:        p,
		Name:        path.Base(p),
		IsDirectory: isDir,
		IsNotebook:  !isDir && (strings.HasSuffix(p, ".star") || strings.HasSuffix(p, ".py")),
		Children:    []wire.FileInfo{},
	}
}

func (fs *memFS) list(dir string) []wire.FileInfo {
	dir = clean(dir)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prefix := strings.TrimSuffix(dir, "/") + "/"
	seen := map[string]bool{}
	var out []wire.FileInfo
	add := func(name string) {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || rest == "" {
			return
		}
		child, _, nested := strings.Cut(rest, "/")
		full := prefix + child
		if seen[full] {
			return
		}
		seen[full] = true
		out = append(out, fs.info(full, nested || fs.dirs[full]))
	}
	for name := range fs.files {
		add(name)
	}
	for name := range fs.dirs {
		add(name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (fs *memFS) details(p string) (wire.FileDetailsResponse, error) {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if contents, ok := fs.files[p]; ok {
		return wire.FileDetailsResponse{File: fs.info(p, false), Contents: &contents, MimeType: wire.MimeTextPlain}, nil
	}
	if fs.isDirLocked(p) {
		return wire.FileDetailsResponse{File: fs.info(p, true)}, nil
	}
	return wire.FileDetailsResponse{}, errFileNotFound
}

func (fs *memFS) create(req wire.FileCreateRequest) (wire.FileInfo, error) {
	p := clean(path.Join(req.Path, req.Name))
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.files[p]; ok || fs.isDirLocked(p) {
		return wire.FileInfo{}, errFileExists
	}
	if req.Type == wire.FileTypeDirectory {
		fs.dirs[p] = true
		return fs.info(p, true), nil
	}
	fs.files[p] = req.Contents
	return fs.info(p, false), nil
}

func (fs *memFS) remove(p string) error {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.files[p]; ok {
		delete(fs.files, p)
		return nil
	}
	if !fs.isDirLocked(p) {
		return errFileNotFound
	}
	prefix := p + "/"
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			delete(fs.files, name)
		}
	}
	for name := range fs.dirs {
		if name == p || strings.HasPrefix(name, prefix) {
			delete(fs.dirs, name)
		}
	}
	return nil
}

func (fs *memFS) move(from, to string) (wire.FileInfo, error) {
	from, to = clean(from), clean(to)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.files[to]; ok {
		return wire.FileInfo{}, errFileExists
	}
	if contents, ok := fs.files[from]; ok {
		delete(fs.files, from)
		fs.files[to] = contents
		return fs.info(to, false), nil
	}
	if !fs.isDirLocked(from) {
		return wire.FileInfo{}, errFileNotFound
	}
	prefix := from + "/"
	for name, contents := range fs.files {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			delete(fs.files, name)
			fs.files[to+"/"+rest] = contents
		}
	}
	for name := range fs.dirs {
		if name == from {
			delete(fs.dirs, name)
			fs.dirs[to] = true
		} else if rest, ok := strings.CutPrefix(name, prefix); ok {
			delete(fs.dirs, name)
			fs.dirs[to+"/"+rest] = true
		}
	}
	return fs.info(to, true), nil
}

func (fs *memFS) update(p, contents string) (wire.FileInfo, error) {
	p = clean(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.files[p]; !ok {
		return wire.FileInfo{}, errFileNotFound
	}
	fs.files[p] = contents
	return fs.info(p, false), nil
}
