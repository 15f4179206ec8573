package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	yamlutil "github.com/msageha/conductor/internal/yaml"
)

type itemsFile struct {
	SchemaVersion int              `yaml:"schema_version"`
	FileType      string           `yaml:"file_type"`
	Items         []model.WorkItem `yaml:"items"`
}

// FileSource keeps work items in a single YAML document. Transitions are
// written back with an atomic replace.
type FileSource struct {
	path   string
	mu     sync.Mutex
	logger *logging.Logger
	now    func() time.Time
}

func NewFileSource(path string, logger *logging.Logger) *FileSource {
	return &FileSource{path: path, logger: logger, now: time.Now}
}

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) FetchPending(ctx context.Context) ([]model.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	items := make([]model.WorkItem, 0, len(doc.Items))
	seen := make(map[string]int, len(doc.Items))
	for _, item := range doc.Items {
		if item.ID == "" {
			s.logger.Warnf("item_skipped reason=missing_id title=%q", item.Title)
			continue
		}
		if i, dup := seen[item.ID]; dup {
			s.logger.Warnf("item_duplicate id=%s keeping=last", item.ID)
			items[i] = item
			continue
		}
		seen[item.ID] = len(items)
		items = append(items, item)
	}
	return items, nil
}

func (s *FileSource) WriteTransition(ctx context.Context, id string, tr model.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	found := false
	for i := range doc.Items {
		if doc.Items[i].ID != id {
			continue
		}
		apply(&doc.Items[i], tr)
		doc.Items[i].UpdatedAt = s.now().UTC().Format(time.RFC3339)
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	doc.FileType = yamlutil.FileTypeWorkItems
	if err := yamlutil.AtomicWrite(s.path, doc); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// load reads the document. A missing file is an empty item list.
func (s *FileSource) load() (itemsFile, error) {
	var doc itemsFile
	content, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeWorkItems); err != nil {
		return doc, fmt.Errorf("%s: %w", s.path, err)
	}
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return doc, nil
}

// Watch reports writes to the items file. The parent directory is watched
// because atomic replaces swap the inode.
func (s *FileSource) Watch(ctx context.Context, notify func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				s.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				notify()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Errorf("fsnotify error=%v", err)
		}
	}
}
