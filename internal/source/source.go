// Package source binds the engine to the external system of record that owns
// work items: a YAML file on disk or an HTTP/JSON tracker.
package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// ErrItemNotFound is returned by WriteTransition for an unknown id.
var ErrItemNotFound = errors.New("work item not found")

// TaskSource is the system of record. FetchPending returns every open item
// regardless of workflow state; filtering by state is the router's job.
type TaskSource interface {
	FetchPending(ctx context.Context) ([]model.WorkItem, error)
	WriteTransition(ctx context.Context, id string, tr model.Transition) error
}

// Watcher is implemented by sources that can report changes between polls.
// Watch blocks until ctx is done, calling notify on every relevant change.
type Watcher interface {
	Watch(ctx context.Context, notify func()) error
}

// New builds the configured source. Relative file paths resolve against baseDir.
func New(cfg model.SourceConfig, baseDir string, logger *logging.Logger) (TaskSource, error) {
	switch cfg.Type {
	case "", "file":
		path := cfg.Path
		if path == "" {
			path = "items.yaml"
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		return NewFileSource(path, logger.With("source")), nil
	case "http":
		return NewHTTPSource(cfg, logger.With("source")), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.Type)
	}
}

// apply merges tr into item. Empty fields leave the item unchanged.
func apply(item *model.WorkItem, tr model.Transition) {
	if tr.State != "" {
		item.State = tr.State
	}
	if tr.AgentType != "" {
		item.AgentType = tr.AgentType
	}
	if tr.CorrelationID != "" || tr.ResetCorrelation {
		item.CorrelationID = tr.CorrelationID
	}
	if tr.Owner != "" {
		item.Owner = tr.Owner
	}
	if tr.Comment != "" {
		item.Comments = append(item.Comments, tr.Comment)
	}
}
