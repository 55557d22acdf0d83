// Package ignore decides whether a file should be skipped based on the
// nearest ignore file (.csharplyignore by default) in its directory or any
// ancestor directory.
//
// Each non-blank line of an ignore file that does not start with '#' is a glob
// matched against the file's path relative to the ignore file's directory,
// using forward slashes. A line starting with '!' excludes matching paths,
// overriding any include. A glob also matches every path beneath a directory
// it matches, so "bin" ignores bin/Debug/App.cs.
package ignore

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultFileName is the ignore file looked up in each directory.
const DefaultFileName = ".csharplyignore"

// rules is the parsed content of one ignore file.
type rules struct {
	dir      string // directory containing the ignore file, "" if none was found
	includes []string
	excludes []string
}

func (r *rules) empty() bool {
	return len(r.includes) == 0
}

// Matcher caches ignore rules per directory. Every directory walked through
// while looking for an ignore file shares the result that was found.
type Matcher struct {
	fileName string
	log      *slog.Logger

	mu    sync.RWMutex
	cache map[string]*rules

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]bool
}

// NewMatcher returns a Matcher that reads ignore files named fileName.
func NewMatcher(fileName string, log *slog.Logger) *Matcher {
	if fileName == "" {
		fileName = DefaultFileName
	}
	return &Matcher{
		fileName: fileName,
		log:      log,
		cache:    make(map[string]*rules),
	}
}

// Ignore reports whether path should be skipped. A file that does not exist
// is always ignored.
func (m *Matcher) Ignore(path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return true, err
	}

	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return true, err
	}

	r, err := m.lookup(filepath.Dir(abs))
	if err != nil {
		return false, err
	}
	if r.empty() {
		return false, nil
	}

	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return false, err
	}
	return r.match(filepath.ToSlash(rel)), nil
}

func cacheKey(dir string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(dir)
	}
	return dir
}

// lookup finds the rules governing dir, walking up to the filesystem root.
func (m *Matcher) lookup(dir string) (*rules, error) {
	var tried []string

	for {
		m.mu.RLock()
		r, ok := m.cache[cacheKey(dir)]
		m.mu.RUnlock()
		if ok {
			m.store(tried, r)
			return r, nil
		}

		m.watch(dir)
		tried = append(tried, dir)

		r, err := m.load(dir)
		if err != nil {
			return nil, err
		}
		if r != nil {
			m.store(tried, r)
			return r, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			r = &rules{}
			m.store(tried, r)
			return r, nil
		}
		dir = parent
	}
}

func (m *Matcher) store(dirs []string, r *rules) {
	if len(dirs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range dirs {
		m.cache[cacheKey(d)] = r
	}
}

// load parses the ignore file in dir, returning nil if there is none.
func (m *Matcher) load(dir string) (*rules, error) {
	path := filepath.Join(dir, m.fileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := &rules{dir: dir}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		exclude := strings.HasPrefix(line, "!")
		glob := normalize(strings.TrimPrefix(line, "!"))
		if !doublestar.ValidatePattern(glob) {
			m.log.Warn("skipping invalid ignore pattern", "file", path, "pattern", line)
			continue
		}

		if exclude {
			r.excludes = append(r.excludes, glob)
		} else {
			r.includes = append(r.includes, glob)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	m.log.Debug("loaded ignore file", "file", path, "includes", len(r.includes), "excludes", len(r.excludes))
	return r, nil
}

// normalize strips the leading and trailing slashes that anchor a glob to the
// ignore file's directory or mark it as a directory.
func normalize(glob string) string {
	glob = filepath.ToSlash(glob)
	glob = strings.TrimPrefix(glob, "/")
	return strings.TrimSuffix(glob, "/")
}

func (r *rules) match(rel string) bool {
	return matchAny(r.includes, rel) && !matchAny(r.excludes, rel)
}

// matchAny reports whether any glob matches rel or one of its parent directories.
func matchAny(globs []string, rel string) bool {
	for _, g := range globs {
		candidate := rel
		for {
			if ok, _ := doublestar.Match(g, candidate); ok {
				return true
			}
			i := strings.LastIndexByte(candidate, '/')
			if i < 0 {
				break
			}
			candidate = candidate[:i]
		}
	}
	return false
}

// Invalidate drops every cached lookup.
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.cache)
}

// Watch starts invalidating the cache whenever an ignore file is created,
// changed or removed in a directory the matcher has looked in.
func (m *Matcher) Watch() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = w
	m.watched = make(map[string]bool)

	m.mu.RLock()
	dirs := make([]string, 0, len(m.cache))
	for d := range m.cache {
		dirs = append(dirs, d)
	}
	m.mu.RUnlock()
	for _, d := range dirs {
		m.addWatchLocked(d)
	}

	go m.watchLoop(w)
	return nil
}

func (m *Matcher) watch(dir string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher != nil {
		m.addWatchLocked(dir)
	}
}

func (m *Matcher) addWatchLocked(dir string) {
	if m.watched[dir] {
		return
	}
	if err := m.watcher.Add(dir); err != nil {
		m.log.Debug("watch ignore directory failed", "dir", dir, "error", err)
		return
	}
	m.watched[dir] = true
}

func (m *Matcher) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(event.Name) != m.fileName {
				continue
			}
			m.log.Debug("ignore file changed, clearing cache", "file", event.Name, "op", event.Op.String())
			m.Invalidate()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warn("ignore watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (m *Matcher) Close() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	m.watcher = nil
	m.watched = nil
	return err
}
