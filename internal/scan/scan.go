package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	DefaultMaxFiles  = 100
	DefaultMaxDepth  = 5
	SummaryMaxFiles  = 50
	MaxFileSizeBytes = 100000
)

var ignoredDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	"dist":         {},
	"build":        {},
	".next":        {},
	"__pycache__":  {},
}

var sourceExtensions = map[string]struct{}{
	".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {}, ".py": {}, ".java": {}, ".cpp": {}, ".c": {},
	".cs": {}, ".php": {}, ".rb": {}, ".go": {}, ".rs": {}, ".swift": {}, ".kt": {},
}

var mainFileMarkers = []string{"index", "main", "app", "server", "package.json", "readme"}

type FileRecord struct {
	Path      string    `json:"path"`
	Content   string    `json:"-"`
	Size      int64     `json:"size"`
	Extension string    `json:"extension"`
	ModTime   time.Time `json:"modified"`
}

// Options bounds a scan. A zero field selects its default
// (DefaultMaxFiles, DefaultMaxDepth), so Options{} is a default scan.
type Options struct {
	MaxFiles int
	MaxDepth int
}

type Summary struct {
	TotalFiles int            `json:"totalFiles"`
	Languages  map[string]int `json:"languages"`
	TotalLines int            `json:"totalLines"`
	MainFiles  []string       `json:"mainFiles"`
}

// frame is a pending entry. depth is the directory depth of path itself for
// directories and of the containing directory for files.
type frame struct {
	path  string
	depth int
	dir   bool
}

// Scan walks root depth-first in directory-listing order and returns at most
// opts.MaxFiles source files. A subdirectory is walked before the entries
// listed after it. Entries that cannot be read are skipped.
func Scan(root string, opts Options) []FileRecord {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	out := make([]FileRecord, 0)
	stack := []frame{{path: root, depth: 0, dir: true}}
	for len(stack) > 0 && len(out) < opts.MaxFiles {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !cur.dir {
			if rec, ok := loadSource(cur.path); ok {
				out = append(out, rec)
			}
			continue
		}
		if cur.depth > opts.MaxDepth {
			continue
		}

		entries, err := os.ReadDir(cur.path)
		if err != nil {
			continue
		}
		// pushed in reverse so the first listed entry is popped next
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			full := filepath.Join(cur.path, entry.Name())
			switch {
			case entry.IsDir():
				if _, skip := ignoredDirs[entry.Name()]; !skip {
					stack = append(stack, frame{path: full, depth: cur.depth + 1, dir: true})
				}
			case entry.Type().IsRegular() && IsSourceFile(entry.Name()):
				stack = append(stack, frame{path: full, depth: cur.depth})
			}
		}
	}
	return out
}

func loadSource(path string) (FileRecord, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() >= MaxFileSizeBytes {
		return FileRecord{}, false
	}
	rec, err := LoadFile(path)
	if err != nil {
		return FileRecord{}, false
	}
	return rec, true
}

func IsSourceFile(name string) bool {
	_, ok := sourceExtensions[filepath.Ext(name)]
	return ok
}

func LoadFile(path string) (FileRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return FileRecord{}, fmt.Errorf("%s is a directory", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("read %s: %w", path, err)
	}
	return FileRecord{
		Path:      path,
		Content:   string(b),
		Size:      info.Size(),
		Extension: filepath.Ext(path),
		ModTime:   info.ModTime(),
	}, nil
}

func Summarize(root string) Summary {
	return SummarizeFiles(Scan(root, Options{MaxFiles: SummaryMaxFiles}))
}

func SummarizeFiles(files []FileRecord) Summary {
	s := Summary{
		TotalFiles: len(files),
		Languages:  map[string]int{},
		MainFiles:  []string{},
	}
	for _, f := range files {
		s.Languages[f.Extension]++
		s.TotalLines += LineCount(f.Content)
		if IsMainFile(f.Path) {
			s.MainFiles = append(s.MainFiles, f.Path)
		}
	}
	return s
}

// LanguageNames returns the extensions seen, sorted.
func (s Summary) LanguageNames() []string {
	names := make([]string, 0, len(s.Languages))
	for ext := range s.Languages {
		names = append(names, ext)
	}
	sort.Strings(names)
	return names
}

// LineCount counts newline-separated segments, so empty content is one line.
func LineCount(content string) int {
	return strings.Count(content, "\n") + 1
}

func IsMainFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, marker := range mainFileMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
