package reconcile

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/chunker"
)

// Materialize writes the content m describes to filename, reading chunks from g.
// The content goes to a temporary file in the same directory,
// which is synced and then renamed over filename,
// so readers see either the old content or the new, never a mix.
// The file gets m's mode and modification time.
func Materialize(ctx context.Context, g phoenix.ChunkGetter, filename string, m *phoenix.Manifest) (err error) {
	dir := filepath.Dir(filename)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return &phoenix.IOError{Op: "creating directory", Path: dir, Err: err}
	}

	f, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return &phoenix.IOError{Op: "creating temp file in", Path: dir, Err: err}
	}
	tmpname := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpname)
		}
	}()

	if err = chunker.Read(ctx, g, m, f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return &phoenix.IOError{Op: "syncing", Path: tmpname, Err: err}
	}
	if err = f.Close(); err != nil {
		return &phoenix.IOError{Op: "closing", Path: tmpname, Err: err}
	}

	mode := m.Mode.Perm()
	if mode == 0 {
		mode = 0644
	}
	if err = os.Chmod(tmpname, mode); err != nil {
		return &phoenix.IOError{Op: "chmod", Path: tmpname, Err: err}
	}
	if err = os.Rename(tmpname, filename); err != nil {
		return &phoenix.IOError{Op: "renaming", Path: tmpname, Err: err}
	}
	if !m.MTime.IsZero() {
		if err := os.Chtimes(filename, m.MTime, m.MTime); err != nil {
			return &phoenix.IOError{Op: "setting times of", Path: filename, Err: err}
		}
	}
	return nil
}

// ConflictName is the path under which a losing local version of p is kept:
// <stem>.conflict-<YYYYMMDD-HHMMSS>-<device><ext>, in p's directory.
func ConflictName(p, device string, when time.Time) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// A dotfile such as .profile has no extension.
		stem, ext = base, ""
	}
	device = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0, ' ':
			return '_'
		}
		return r
	}, device)
	return fmt.Sprintf("%s%s.conflict-%s-%s%s", dir, stem, when.UTC().Format("20060102-150405"), device, ext)
}
