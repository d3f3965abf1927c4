// Package storage writes archive artifacts to the filesystem. Every write
// re-checks containment under the storage root and rejects symlinked path
// components before touching the disk; the group commit stages all files of
// one ticket in a sibling temp directory and publishes them with renames.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/pathpolicy"
)

const fileMode = 0o640

// Writer performs validated writes under a fixed storage root.
type Writer struct {
	root        string
	atomicWrite bool
	fsync       bool
	log         *zap.Logger
}

func NewWriter(root string, atomicWrite, fsync bool, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{root: root, atomicWrite: atomicWrite, fsync: fsync, log: log}
}

// Root returns the storage root the writer is bound to.
func (w *Writer) Root() string { return w.root }

// Write stores data at target using the configured strategy (atomic
// temp+rename, or direct).
func (w *Writer) Write(target string, data []byte) error {
	if w.atomicWrite {
		return w.WriteAtomic(target, data)
	}
	return w.WriteBytes(target, data)
}

// WriteBytes writes data directly to target. The target must lie under the
// storage root and its directory chain must not traverse a symlink. The file
// is opened with O_NOFOLLOW and forced to mode 0640 even when it already
// existed.
func (w *Writer) WriteBytes(target string, data []byte) error {
	parent := filepath.Dir(target)
	if err := w.prepareParent(target, parent); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, fileMode)
	if err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	if err := w.writeFile(f, data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}

	if w.fsync {
		w.fsyncDirBestEffort(parent)
	}
	return nil
}

// WriteAtomic writes data to a temp file next to target and renames it into
// place, so readers never observe a partial file.
func (w *Writer) WriteAtomic(target string, data []byte) error {
	parent := filepath.Dir(target)
	if err := w.prepareParent(target, parent); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(parent, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", parent, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if err := w.writeFile(tmp, data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("rename %s to %s: %w", tmpName, target, err)
	}

	if w.fsync {
		w.fsyncDirBestEffort(parent)
	}
	return nil
}

// MoveWithinRoot renames src to dst. Both endpoints must lie under the
// storage root and the destination directory chain must not traverse a
// symlink. Rename is atomic on the same filesystem.
func (w *Writer) MoveWithinRoot(src, dst string) error {
	if err := pathpolicy.EnsureWithinRoot(w.root, src); err != nil {
		return err
	}
	parent := filepath.Dir(dst)
	if err := w.prepareParent(dst, parent); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s to %s: %w", src, dst, err)
	}
	if w.fsync {
		w.fsyncDirBestEffort(parent)
	}
	return nil
}

// prepareParent validates target containment and the symlink policy for
// parent, then creates the directory chain.
func (w *Writer) prepareParent(target, parent string) error {
	if err := pathpolicy.EnsureWithinRoot(w.root, target); err != nil {
		return err
	}
	if err := w.rejectSymlinksUnderRoot(parent); err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", parent, err)
	}
	return nil
}

func (w *Writer) writeFile(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	// Overwritten files keep their old mode unless forced here.
	if err := f.Chmod(fileMode); err != nil {
		return fmt.Errorf("chmod %s: %w", f.Name(), err)
	}
	if w.fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", f.Name(), err)
		}
	}
	return nil
}

// rejectSymlinksUnderRoot walks every path component of dir below the root
// and fails when one is a symlink. Components that do not exist yet are
// fine; components that cannot be inspected are treated as unsafe. The check
// is best-effort against TOCTOU, the O_NOFOLLOW open covers the final
// component.
func (w *Writer) rejectSymlinksUnderRoot(dir string) error {
	rootAbs, err := filepath.Abs(filepath.Clean(w.root))
	if err != nil {
		return domain.Validationf("target path escapes root")
	}
	dirAbs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return domain.Validationf("target path escapes root")
	}
	if err := pathpolicy.EnsureWithinRoot(rootAbs, dirAbs); err != nil {
		return err
	}
	if dirAbs == rootAbs {
		return nil
	}

	rel, err := filepath.Rel(rootAbs, dirAbs)
	if err != nil {
		return domain.Validationf("target path escapes root")
	}

	current := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return domain.Validationf("target path validation failed (unreadable component)")
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return domain.Validationf("target path traverses a symlink under storage root")
		}
	}
	return nil
}

// fsyncDirBestEffort syncs a directory after a rename. Some filesystems do
// not support fsync on directories; failures are logged and ignored.
func (w *Writer) fsyncDirBestEffort(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		w.log.Debug("directory fsync failed", zap.String("dir", dir), zap.Error(err))
	}
}

// ── group commit ──────────────────────────────────────────────────────────

// Artifact is one file published by a group commit, named relative to the
// target directory (attachments carry an "attachments/" prefix).
type Artifact struct {
	RelPath string
	Data    []byte
}

// CommitArtifacts writes all artifacts of one ticket into a staging
// directory next to targetDir and renames them into place one by one, in the
// given order. Callers put the sidecar last so its presence signals a
// complete archive. The staging directory is removed on every exit.
func (w *Writer) CommitArtifacts(ticketID int, targetDir string, artifacts []Artifact) (err error) {
	if err := pathpolicy.EnsureWithinRoot(w.root, targetDir); err != nil {
		return err
	}

	staging := filepath.Join(filepath.Dir(targetDir), stagingName(ticketID))
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil && err == nil {
			w.log.Warn("failed to remove staging directory",
				zap.String("staging", staging), zap.Error(rmErr))
		}
	}()

	for _, a := range artifacts {
		if err := w.WriteBytes(filepath.Join(staging, a.RelPath), a.Data); err != nil {
			return err
		}
	}
	for _, a := range artifacts {
		src := filepath.Join(staging, a.RelPath)
		dst := filepath.Join(targetDir, a.RelPath)
		if err := w.MoveWithinRoot(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func stagingName(ticketID int) string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// math-free fallback, still unique enough per ticket
		return fmt.Sprintf(".tmp-archiving-%d-%08x", ticketID, os.Getpid())
	}
	return fmt.Sprintf(".tmp-archiving-%d-%s", ticketID, hex.EncodeToString(buf[:]))
}
