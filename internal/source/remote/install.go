package remote

import (
	"context"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

var ErrDigestMismatch = errors.New(errors.CodeSchemaFailed, "payload digest mismatch")

const partSuffix = ".part"

// localFile is what is on disk for one manifest file.
type localFile struct {
	present bool
	size    uint64
	modTime time.Time
}

// statFile checks the installed copy of f by size.
func statFile(dir string, f ManifestFile) localFile {
	info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f.Path)))
	if err != nil || info.IsDir() {
		return localFile{}
	}
	return localFile{
		present: uint64(info.Size()) == f.Size,
		size:    uint64(info.Size()),
		modTime: info.ModTime(),
	}
}

// localState summarizes what of b is installed under dir.
type localState struct {
	state        bundle.InstallState
	present      uint64
	missing      uint64
	lastModified time.Time
}

func scanBundle(dir string, b *ManifestBundle) localState {
	var ls localState
	var have, total int
	for _, f := range b.Files {
		total++
		lf := statFile(dir, f)
		if lf.modTime.After(ls.lastModified) {
			ls.lastModified = lf.modTime
		}
		if lf.present {
			have++
			ls.present += f.Size
			continue
		}
		ls.missing += f.Size
	}
	switch {
	case have == total:
		ls.state = bundle.InstallUpToDate
	case have == 0:
		ls.state = bundle.InstallNotInstalled
	default:
		ls.state = bundle.InstallNeedsUpdate
	}
	return ls
}

// fileDigest returns the hex BLAKE2b-256 digest of the file at path.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHash() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

// progress tracks one bundle install.
type progress struct {
	total   uint64
	written atomic.Uint64
}

func (p *progress) add(n uint64) { p.written.Add(n) }

func (p *progress) snapshot() source.Progress {
	frac := 1.0
	if p.total > 0 {
		frac = min(float64(p.written.Load())/float64(p.total), 1)
	}
	return source.Progress{BackgroundDownload: frac, InstallOnly: -1, Install: frac}
}

type progressWriter struct{ p *progress }

func (w progressWriter) Write(b []byte) (int, error) {
	w.p.add(uint64(len(b)))
	return len(b), nil
}

// pauseGate blocks installs while the user has paused them.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newPauseGate(paused bool) *pauseGate {
	g := &pauseGate{resume: make(chan struct{})}
	g.set(paused)
	return g
}

// set changes the state and reports whether it changed.
func (g *pauseGate) set(paused bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused == paused {
		return false
	}
	g.paused = paused
	if paused {
		g.resume = make(chan struct{})
	} else {
		close(g.resume)
	}
	return true
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	paused, resume := g.paused, g.resume
	g.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// installer downloads bundle payloads into dir.
type installer struct {
	client      *client
	dir         string
	concurrency int
	logger      *zap.Logger
}

// install brings every file of b up to date and reports whether anything
// was written.
func (in *installer) install(ctx context.Context, b *ManifestBundle, prog *progress, gate *pauseGate) (bool, error) {
	dir := filepath.Join(in.dir, string(b.Name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}

	var wrote atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for _, f := range b.Files {
		g.Go(func() error {
			if err := gate.wait(gctx); err != nil {
				return err
			}
			if in.intact(dir, f) {
				prog.add(f.Size)
				return nil
			}
			if err := in.fetchFile(gctx, b.Name, dir, f, prog); err != nil {
				return err
			}
			wrote.Store(true)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		// errgroup swallows a parent cancellation that lands after the last file.
		err = ctx.Err()
	}
	return wrote.Load(), err
}

func (in *installer) intact(dir string, f ManifestFile) bool {
	if !statFile(dir, f).present {
		return false
	}
	digest, err := fileDigest(filepath.Join(dir, filepath.FromSlash(f.Path)))
	return err == nil && digest == f.Digest
}

func (in *installer) fetchFile(ctx context.Context, name bundle.Name, dir string, f ManifestFile, prog *progress) error {
	body, err := in.client.openPayload(ctx, name, f)
	if err != nil {
		return err
	}
	defer body.Close()

	var r io.Reader = body
	if f.Compression == CompressionZstd {
		dec, err := zstd.NewReader(body)
		if err != nil {
			return errors.Wrap(err, errors.CodeSchemaFailed, "open zstd stream")
		}
		defer dec.Close()
		r = dec
	}

	dst := filepath.Join(dir, filepath.FromSlash(f.Path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + partSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	h := newHash()
	n, err := io.Copy(io.MultiWriter(out, h, progressWriter{prog}), r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && (uint64(n) != f.Size || hex.EncodeToString(h.Sum(nil)) != f.Digest) {
		err = errors.Wrapf(ErrDigestMismatch, errors.CodeSchemaFailed, "%s/%s", name, f.Path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	in.logger.Debug("installed file",
		zap.String("bundle", string(name)),
		zap.String("path", f.Path),
		zap.Int64("bytes", n))
	return os.Rename(tmp, dst)
}

// contentPaths returns the installed files of b selected by its mount patterns.
func contentPaths(root string, b *ManifestBundle) []string {
	dir := filepath.Join(root, string(b.Name))
	var paths []string
	for _, f := range b.Files {
		if b.mounts(f.Path) {
			paths = append(paths, filepath.Join(dir, filepath.FromSlash(f.Path)))
		}
	}
	sort.Strings(paths)
	return paths
}

// updateResult classifies an install error.
func updateResult(err error) bundle.UpdateResult {
	switch {
	case err == nil:
		return bundle.UpdateOK
	case errors.Is(err, context.Canceled):
		return bundle.UpdateUserCancelledError
	case errors.Is(err, ErrDigestMismatch), errors.GetCode(err) == errors.CodeSchemaFailed:
		return bundle.UpdateManifestArchiveError
	case errors.Is(err, syscall.ENOSPC):
		return bundle.UpdateInstallerOutOfDiskSpaceError
	}
	switch errors.GetCode(err) {
	case errors.CodeNetwork, errors.CodeTimeout, errors.CodeUnavailable, errors.CodeRateLimit, errors.CodeNotFound:
		return bundle.UpdateConnectionError
	}
	return bundle.UpdateInstallError
}
