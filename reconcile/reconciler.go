// Package reconcile keeps a directory tree consistent with the server's revisions.
//
// A Reconciler is the client's protocol.Handler.
// Local edits become pending manifests that are announced to the server;
// newer server revisions are fetched, written into the tree atomically,
// and recorded as the last-synced manifest for their path.
// When both sides changed a path, the server's revision wins
// and the local version is preserved as a conflict copy.
package reconcile

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/chunker"
	"github.com/cosmicboots/phoenix/gc"
	"github.com/cosmicboots/phoenix/protocol"
	"github.com/cosmicboots/phoenix/store"
	"github.com/cosmicboots/phoenix/wire"
)

// TempPrefix starts the names of files the reconciler writes before renaming them into place.
// Such files are never synced.
const TempPrefix = ".phoenix-"

// Config holds what a Reconciler needs.
type Config struct {
	// Root is the directory tree to keep in sync.
	Root string

	// Device names this client in conflict copies.
	Device string

	Chunker *chunker.Chunker
	Chunks  phoenix.ChunkStore

	// Manifests holds the last-synced manifest of each path.
	Manifests phoenix.ManifestStore

	Pins   *gc.Pins
	Params protocol.Params
	Status *protocol.Status
	Clock  clockwork.Clock
	Logger *zap.SugaredLogger
}

// Reconciler implements protocol.Handler for a client.
type Reconciler struct {
	root      string
	device    string
	chunker   *chunker.Chunker
	chunks    phoenix.ChunkStore
	manifests phoenix.ManifestStore
	committer *store.Committer
	pins      *gc.Pins
	params    protocol.Params
	status    *protocol.Status
	clock     clockwork.Clock
	log       *zap.SugaredLogger

	mu     sync.Mutex
	paths  map[string]*pathState
	peer   *protocol.Peer
	listed chan uint64
}

var _ protocol.Handler = &Reconciler{}

// pathState is the reconciler's view of one path.
// Its mutex serializes local scans and remote applies of the path.
type pathState struct {
	mu sync.Mutex

	// pending is a local revision announced to the server and not yet acknowledged.
	pending *phoenix.Manifest
}

// New produces a Reconciler.
func New(conf Config) (*Reconciler, error) {
	root, err := filepath.Abs(conf.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", conf.Root)
	}
	if conf.Chunker == nil {
		if conf.Chunker, err = chunker.New(chunker.DefaultParams); err != nil {
			return nil, err
		}
	}
	if conf.Params.BatchSize == 0 {
		conf.Params = protocol.DefaultParams
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.Status == nil {
		conf.Status = protocol.NewStatus(conf.Clock)
	}
	if conf.Logger == nil {
		conf.Logger = zap.NewNop().Sugar()
	}
	if conf.Device == "" {
		conf.Device = "client"
	}

	return &Reconciler{
		root:      root,
		device:    conf.Device,
		chunker:   conf.Chunker,
		chunks:    conf.Chunks,
		manifests: conf.Manifests,
		committer: store.NewCommitter(conf.Chunks, conf.Manifests, conf.Logger),
		pins:      conf.Pins,
		params:    conf.Params,
		status:    conf.Status,
		clock:     conf.Clock,
		log:       conf.Logger.Named("reconcile"),
		paths:     make(map[string]*pathState),
		listed:    make(chan uint64, 1),
	}, nil
}

// Root is the absolute path of the synced tree.
func (r *Reconciler) Root() string {
	return r.root
}

// Attach makes p the session that announcements go to.
// Pending revisions from earlier sessions are forgotten;
// the scan that follows a connect announces them again.
func (r *Reconciler) Attach(p *protocol.Peer) {
	r.mu.Lock()
	r.peer = p
	states := make([]*pathState, 0, len(r.paths))
	for _, st := range r.paths {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		r.dropPending(st)
		st.mu.Unlock()
	}
}

// Detach forgets p if it is the attached session.
func (r *Reconciler) Detach(p *protocol.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == p {
		r.peer = nil
	}
}

// ListDone produces the count from each ListDone the server sends.
func (r *Reconciler) ListDone() <-chan uint64 {
	return r.listed
}

func (r *Reconciler) attached() *protocol.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

// lock locks the state of path and returns it.
func (r *Reconciler) lock(path string) *pathState {
	r.mu.Lock()
	st, ok := r.paths[path]
	if !ok {
		st = &pathState{}
		r.paths[path] = st
	}
	r.mu.Unlock()
	st.mu.Lock()
	return st
}

// Pending is the local revision of path awaiting the server's acknowledgment, if any.
func (r *Reconciler) Pending(path string) *phoenix.Manifest {
	st := r.lock(path)
	defer st.mu.Unlock()
	if st.pending == nil {
		return nil
	}
	return st.pending.Clone()
}

// LastSynced is the manifest of path this client and the server last agreed on, or nil.
func (r *Reconciler) LastSynced(ctx context.Context, path string) (*phoenix.Manifest, error) {
	m, err := r.manifests.Get(ctx, path)
	if errors.Is(err, phoenix.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

func revision(m *phoenix.Manifest) uint64 {
	if m == nil {
		return 0
	}
	return m.Revision
}

func (r *Reconciler) filename(path string) string {
	return filepath.Join(r.root, filepath.FromSlash(path))
}

// Ignored tells whether path is never synced.
func Ignored(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if strings.HasPrefix(part, TempPrefix) {
			return true
		}
	}
	return false
}

// FileChanged re-reads the file at path (relative to the root, slash-separated)
// and, if its content differs from the last-synced revision,
// stores its chunks and announces it as the next revision.
// A missing file whose last-synced revision is live is announced as deleted.
// A directory is scanned recursively.
func (r *Reconciler) FileChanged(ctx context.Context, path string) error {
	if Ignored(path) {
		return nil
	}
	if err := phoenix.CheckPath(path); err != nil {
		return errors.Wrapf(err, "checking %s", path)
	}

	full := r.filename(path)
	info, err := os.Lstat(full)
	if err == nil && info.IsDir() {
		return r.scanDir(ctx, full)
	}
	if err != nil && !os.IsNotExist(err) {
		return &phoenix.IOError{Op: "stat", Path: full, Err: err}
	}
	if err == nil && !info.Mode().IsRegular() {
		return nil
	}

	st := r.lock(path)
	defer st.mu.Unlock()

	last, err := r.LastSynced(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "getting last-synced manifest of %s", path)
	}

	var m *phoenix.Manifest
	if info == nil {
		if last == nil || last.Deleted {
			r.dropPending(st)
			return nil
		}
		m = &phoenix.Manifest{Path: path, Deleted: true, MTime: r.clock.Now()}
	} else {
		m, err = r.chunker.BuildFile(ctx, path, full, func(ch phoenix.Chunk) error {
			_, err := r.chunks.Put(ctx, ch.Hash, ch.Data)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		if last != nil && !last.Deleted && m.Digest() == last.Digest() {
			r.dropPending(st)
			return nil
		}
	}
	m.Revision = revision(last) + 1

	if st.pending != nil && st.pending.Revision == m.Revision && st.pending.Digest() == m.Digest() {
		return nil
	}

	r.dropPending(st)
	st.pending = m
	r.pins.Pin(m.Hashes()...)

	r.log.Debugw("local change", "path", path, "revision", m.Revision, "deleted", m.Deleted, "chunks", len(m.Chunks))
	return r.announce(m)
}

func (r *Reconciler) announce(m *phoenix.Manifest) error {
	p := r.attached()
	if p == nil {
		// Announced by the scan that follows the next connect.
		return nil
	}
	err := p.Announce(&wire.ManifestAnnounce{Path: m.Path, Revision: m.Revision, Digest: m.Digest()})
	return errors.Wrapf(err, "announcing %s", m.Path)
}

// Caller must hold st.mu.
func (r *Reconciler) dropPending(st *pathState) {
	if st.pending == nil {
		return
	}
	r.pins.Unpin(st.pending.Hashes()...)
	st.pending = nil
}

// Scan calls FileChanged for every regular file under the root
// and every path with a last-synced manifest,
// so edits and deletions made while the client was not watching are found.
// Failures for single paths are logged; Scan fails only if the tree cannot be walked.
func (r *Reconciler) Scan(ctx context.Context) error {
	seen := make(map[string]bool)
	err := r.walk(r.root, func(path string) {
		seen[path] = true
		r.changed(ctx, path)
	})
	if err != nil {
		return err
	}

	var tracked []string
	err = r.manifests.List(ctx, "", func(m *phoenix.Manifest) error {
		if !seen[m.Path] {
			tracked = append(tracked, m.Path)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing last-synced manifests")
	}
	for _, path := range tracked {
		r.changed(ctx, path)
	}
	return ctx.Err()
}

func (r *Reconciler) scanDir(ctx context.Context, dir string) error {
	return r.walk(dir, func(path string) {
		r.changed(ctx, path)
	})
}

// changed calls FileChanged, retrying local I/O failures with backoff.
// A path whose I/O keeps failing is marked out of sync.
func (r *Reconciler) changed(ctx context.Context, path string) {
	var attempt int
	op := func() error {
		attempt++
		err := r.FileChanged(ctx, path)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, phoenix.ErrIO):
			r.status.Failed(path, err)
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		r.log.Warnw("local change failed, will retry", "path", path, "attempt", attempt, "delay", delay, "error", err)
	}

	err := protocol.Retry(ctx, r.clock, r.params.BackOff(r.clock, r.params.MaxAttempts-1), op, notify)
	switch {
	case err == nil:
		if attempt > 1 {
			r.status.Synced(path)
		}
	case ctx.Err() != nil:
	case errors.Is(err, phoenix.ErrIO):
		r.status.OutOfSync(path, err)
		r.log.Errorw("path out of sync", "path", path, "attempts", attempt, "error", err)
	default:
		r.log.Errorw("handling local change", "path", path, "error", err)
	}
}

// walk calls f with the root-relative path of every syncable regular file under dir.
func (r *Reconciler) walk(dir string, f func(string)) error {
	err := filepath.WalkDir(dir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if strings.HasPrefix(d.Name(), TempPrefix) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.root, full)
		if err != nil {
			return err
		}
		f(filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return &phoenix.IOError{Op: "walking", Path: dir, Err: err}
	}
	return nil
}

// Announced fetches any server revision newer than the last-synced one.
func (r *Reconciler) Announced(ctx context.Context, p *protocol.Peer, a *wire.ManifestAnnounce) {
	if Ignored(a.Path) || phoenix.CheckPath(a.Path) != nil {
		r.log.Warnw("ignoring announcement for invalid path", "path", a.Path)
		return
	}
	last, err := r.LastSynced(ctx, a.Path)
	if err != nil {
		r.log.Errorw("getting last-synced manifest", "path", a.Path, "error", err)
		return
	}

	switch rev := revision(last); {
	case a.Revision > rev:
		p.Fetch(a.Path)
	case last != nil && a.Revision == rev && a.Digest == last.Digest():
		p.SetAcked(a.Path, rev)
	default:
		r.log.Warnw("server announced an older revision", "path", a.Path, "announced", a.Revision, "last_synced", rev)
	}
}

// Source serves the pending local revision of path.
func (r *Reconciler) Source(ctx context.Context, p *protocol.Peer, path string) (*phoenix.Manifest, uint64, error) {
	st := r.lock(path)
	defer st.mu.Unlock()
	if st.pending == nil {
		return nil, 0, errors.Wrapf(phoenix.ErrNotFound, "no pending revision of %s", path)
	}
	return st.pending.Clone(), st.pending.Revision - 1, nil
}

// Apply writes a revision fetched from the server into the tree and records it as last-synced.
// The server is authoritative, so expected is not checked;
// only revisions older than the last-synced one are refused.
func (r *Reconciler) Apply(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, _ uint64) error {
	conflictPath, err := r.apply(ctx, m)
	if conflictPath != "" {
		r.changed(ctx, conflictPath)
	}
	return err
}

func (r *Reconciler) apply(ctx context.Context, m *phoenix.Manifest) (string, error) {
	st := r.lock(m.Path)
	defer st.mu.Unlock()

	last, err := r.LastSynced(ctx, m.Path)
	if err != nil {
		return "", err
	}
	if m.Revision <= revision(last) {
		return "", &phoenix.ConflictError{Path: m.Path, Current: revision(last), Proposed: m.Revision}
	}

	full := r.filename(m.Path)
	local, err := r.localManifest(ctx, m.Path, full)
	if err != nil {
		return "", err
	}

	var conflictPath string
	if localChange(last, local) && differs(local, m) {
		conflictPath = r.conflictPath(m.Path)
		if err = os.Rename(full, r.filename(conflictPath)); err != nil {
			return "", &phoenix.IOError{Op: "renaming", Path: full, Err: err}
		}
		r.log.Infow("conflict, keeping local version", "path", m.Path, "copy", conflictPath, "revision", m.Revision)
	}

	if m.Deleted {
		if err = os.Remove(full); err != nil && !os.IsNotExist(err) {
			return conflictPath, &phoenix.IOError{Op: "removing", Path: full, Err: err}
		}
	} else if err = Materialize(ctx, r.chunks, full, m); err != nil {
		return conflictPath, err
	}

	if _, err = r.committer.Commit(ctx, m, revision(last)); err != nil {
		return conflictPath, errors.Wrapf(err, "recording %s revision %d", m.Path, m.Revision)
	}

	// A local revision numbered at or below this one can no longer be accepted.
	if st.pending != nil && st.pending.Revision <= m.Revision {
		r.dropPending(st)
	}
	r.status.Synced(m.Path)
	r.log.Infow("applied", "path", m.Path, "revision", m.Revision, "deleted", m.Deleted)
	return conflictPath, nil
}

func (r *Reconciler) conflictPath(path string) string {
	now := r.clock.Now()
	name := ConflictName(path, r.device, now)
	for i := 2; ; i++ {
		if _, err := os.Lstat(r.filename(name)); os.IsNotExist(err) {
			return name
		}
		name = ConflictName(path, fmt.Sprintf("%s-%d", r.device, i), now)
	}
}

// localManifest describes the file at full without storing anything,
// or returns nil if there is no file.
func (r *Reconciler) localManifest(ctx context.Context, path, full string) (*phoenix.Manifest, error) {
	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &phoenix.IOError{Op: "stat", Path: full, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &phoenix.IOError{Op: "replacing", Path: full, Err: errors.New("not a regular file")}
	}
	return r.chunker.BuildFile(ctx, path, full, nil)
}

// localChange tells whether the local file (nil if absent) has changed since the last sync.
func localChange(last, local *phoenix.Manifest) bool {
	if local == nil {
		return false
	}
	if last == nil || last.Deleted {
		return true
	}
	return local.Digest() != last.Digest()
}

// differs tells whether the local file's content differs from an incoming revision.
func differs(local, m *phoenix.Manifest) bool {
	return m.Deleted || local.Digest() != m.Digest()
}

// Acked records an acknowledged local revision as last-synced.
func (r *Reconciler) Acked(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest) {
	again := r.acked(ctx, m)
	r.status.Synced(m.Path)
	if again {
		r.changed(ctx, m.Path)
	}
}

func (r *Reconciler) acked(ctx context.Context, m *phoenix.Manifest) bool {
	st := r.lock(m.Path)
	defer st.mu.Unlock()

	last, err := r.LastSynced(ctx, m.Path)
	if err != nil {
		r.log.Errorw("getting last-synced manifest", "path", m.Path, "error", err)
		return false
	}
	if _, err = r.committer.Commit(ctx, m, revision(last)); err != nil {
		r.log.Errorw("recording acknowledged revision", "path", m.Path, "revision", m.Revision, "error", err)
		return false
	}
	r.log.Infow("pushed", "path", m.Path, "revision", m.Revision, "deleted", m.Deleted)

	if st.pending == nil {
		return false
	}
	stale := st.pending.Digest() != m.Digest()
	r.dropPending(st)

	// The file changed again while the previous revision was in flight.
	return stale
}

// Rejected handles the server refusing a local revision.
// On a conflict the server's newer revision is on its way and Apply will keep the local version as a conflict copy.
// A session ending leaves the change to the scan after reconnecting.
// Other refusals count toward marking the path out of sync.
func (r *Reconciler) Rejected(ctx context.Context, p *protocol.Peer, m *phoenix.Manifest, rej *wire.CommitReject) {
	switch rej.Reason {
	case wire.ReasonConflict:
		r.log.Infow("server has a newer revision", "path", m.Path, "proposed", m.Revision, "current", rej.Current)
		return

	case wire.ReasonClosed:
		r.log.Debugw("push interrupted", "path", m.Path, "revision", m.Revision)
		return
	}

	err := &phoenix.TransferError{Path: m.Path, Reason: rej.Reason}
	if rej.Detail != "" {
		err.Err = errors.New(rej.Detail)
	}
	n := r.status.Failed(m.Path, err)
	if n >= r.params.MaxAttempts {
		r.status.OutOfSync(m.Path, err)
		r.log.Errorw("path out of sync", "path", m.Path, "attempts", n, "error", err)
		return
	}
	r.log.Warnw("push refused", "path", m.Path, "revision", m.Revision, "reason", rej.Reason, "detail", rej.Detail)
}

// List announces the pending or last-synced revision of every tracked path.
func (r *Reconciler) List(ctx context.Context, p *protocol.Peer) (int, error) {
	var count int
	err := r.manifests.List(ctx, "", func(m *phoenix.Manifest) error {
		if pending := r.Pending(m.Path); pending != nil {
			m = pending
		}
		count++
		return p.Announce(&wire.ManifestAnnounce{Path: m.Path, Revision: m.Revision, Digest: m.Digest()})
	})
	return count, err
}

// Listed passes the server's count to ListDone.
func (r *Reconciler) Listed(ctx context.Context, p *protocol.Peer, count uint64) {
	r.log.Infow("server listing complete", "paths", count)
	select {
	case r.listed <- count:
	default:
	}
}
