// Package conflict detects files touched by more than one concurrent slot
// while a batch runs. Overlaps are advisory: they predict merge conflicts
// before reconciliation, they do not block anything.
package conflict

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/taskloop/internal/logging"
)

// Overlap is a workspace-relative file modified in more than one slot.
type Overlap struct {
	Path         string
	Slots        []int
	LastModified time.Time
}

// debounce collapses the burst of events editors emit for a single save.
const debounce = 50 * time.Millisecond

// Detector watches slot workspaces for file modifications.
type Detector struct {
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	// slot -> workspace root
	slots map[int]string

	// relative path -> slot -> last modification
	modifications map[string]map[int]time.Time

	// directory names never tracked
	ignoreDirs []string
	// workspace-relative files never tracked, e.g. the copied backlog
	ignoreFiles []string

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a detector. ignoreFiles lists workspace-relative paths that
// every slot writes and that therefore never count as overlaps.
func New(logger *logging.Logger, ignoreFiles ...string) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Detector{
		watcher:       watcher,
		logger:        logger.WithPhase("overlap"),
		slots:         make(map[int]string),
		modifications: make(map[string]map[int]time.Time),
		ignoreDirs:    []string{".git", ".taskloop", "node_modules", ".DS_Store"},
		ignoreFiles:   ignoreFiles,
		stopCh:        make(chan struct{}),
	}, nil
}

// Watch starts watching the workspace of slot.
func (d *Detector) Watch(slot int, root string) error {
	root = filepath.Clean(root)

	d.mu.Lock()
	d.slots[slot] = root
	d.mu.Unlock()

	if err := d.watcher.Add(root); err != nil {
		return err
	}
	d.watchDirRecursive(root)
	return nil
}

// watchDirRecursive adds every non-ignored subdirectory of root; fsnotify
// does not recurse on its own.
func (d *Detector) watchDirRecursive(root string) {
	_ = filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path != root && slices.Contains(d.ignoreDirs, entry.Name()) {
			return filepath.SkipDir
		}
		_ = d.watcher.Add(path)
		return nil
	})
}

// Start begins processing filesystem events.
func (d *Detector) Start() {
	go d.watchLoop()
}

// Stop stops the detector. Safe to call more than once.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		_ = d.watcher.Close()
	})
}

func (d *Detector) watchLoop() {
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-d.stopCh:
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					d.watchDirRecursive(event.Name)
					continue
				}
			}
			pending[event.Name] = event
			timer.Reset(debounce)

		case <-timer.C:
			for name := range pending {
				d.handlePath(name)
			}
			pending = make(map[string]fsnotify.Event)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Debug("watcher error", "error", err.Error())
		}
	}
}

// handlePath attributes an absolute path to the slot whose workspace holds it.
func (d *Detector) handlePath(path string) {
	d.mu.RLock()
	slot, rel := -1, ""
	for s, root := range d.slots {
		if r, ok := relativeTo(root, path); ok {
			slot, rel = s, r
			break
		}
	}
	d.mu.RUnlock()

	if slot >= 0 {
		d.Record(slot, rel)
	}
}

func relativeTo(root, path string) (string, bool) {
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Record notes that slot modified the workspace-relative path rel.
func (d *Detector) Record(slot int, rel string) {
	if d.ignored(rel) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.modifications[rel] == nil {
		d.modifications[rel] = make(map[int]time.Time)
	}
	first := len(d.modifications[rel]) == 1
	if _, seen := d.modifications[rel][slot]; !seen && first {
		d.logger.Info("file modified in more than one slot", "path", rel)
	}
	d.modifications[rel][slot] = time.Now()
}

func (d *Detector) ignored(rel string) bool {
	if slices.Contains(d.ignoreFiles, rel) {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if slices.Contains(d.ignoreDirs, part) {
			return true
		}
	}
	return false
}

// Overlaps returns the files modified by more than one slot, sorted by path.
func (d *Detector) Overlaps() []Overlap {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var overlaps []Overlap
	for rel, bySlot := range d.modifications {
		if len(bySlot) < 2 {
			continue
		}
		o := Overlap{Path: rel}
		for slot, at := range bySlot {
			o.Slots = append(o.Slots, slot)
			if at.After(o.LastModified) {
				o.LastModified = at
			}
		}
		slices.Sort(o.Slots)
		overlaps = append(overlaps, o)
	}
	slices.SortFunc(overlaps, func(a, b Overlap) int { return strings.Compare(a.Path, b.Path) })
	return overlaps
}

