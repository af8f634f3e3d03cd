package reconcile

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rjeczalik/notify"
	"go.uber.org/zap"
)

// Kind is what a filesystem event says happened.
// It is advisory: the reconciler re-reads the file whatever the kind.
type Kind int

const (
	Created Kind = iota
	Modified
	Removed
	Renamed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	}
	return "unknown"
}

// Event is a change under the synced root.
type Event struct {
	// Path is relative to the root and slash-separated.
	Path string
	Kind Kind
}

// Watcher produces Events for a directory tree.
type Watcher struct {
	root   string
	ch     chan notify.EventInfo
	events chan Event
	log    *zap.SugaredLogger
}

// Watch starts watching the tree at root.
func Watch(root string, logger *zap.SugaredLogger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", root)
	}
	// Some platforms report events under the resolved path.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	w := &Watcher{
		root:   root,
		ch:     make(chan notify.EventInfo, 100),
		events: make(chan Event, 100),
		log:    logger,
	}
	if err = notify.Watch(root+"/...", w.ch, notify.All); err != nil {
		return nil, errors.Wrapf(err, "watching %s/...", root)
	}
	return w, nil
}

// Run translates events until ctx is canceled, then stops watching.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	defer notify.Stop(w.ch)

	for {
		select {
		case <-ctx.Done():
			return

		case ei := <-w.ch:
			ev, ok := w.translate(ei)
			if !ok {
				continue
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Events produces the translated events. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) translate(ei notify.EventInfo) (Event, bool) {
	rel, err := filepath.Rel(w.root, ei.Path())
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Event{}, false
	}
	rel = filepath.ToSlash(rel)
	if Ignored(rel) {
		return Event{}, false
	}

	var kind Kind
	switch ei.Event() {
	case notify.Create:
		kind = Created
	case notify.Remove:
		kind = Removed
	case notify.Rename:
		kind = Renamed
	default:
		kind = Modified
	}
	w.log.Debugw("filesystem event", "path", rel, "kind", kind)
	return Event{Path: rel, Kind: kind}, true
}

// Follow calls FileChanged for each event until events is closed or ctx is canceled.
func (r *Reconciler) Follow(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.changed(ctx, ev.Path)
		}
	}
}
