// Package staging hands out per-request working directories that hold the
// input and output files exchanged with the processor.
//
// Each Lease owns a private directory named with a random UUID under the
// area root. The Area tracks live leases so that two in-flight requests can
// never share a directory, even if a name were to repeat.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Prefix is prepended to every lease directory name.
const Prefix = "xmlgate-"

// Default file names inside a lease directory.
const (
	InputName  = "input.xml"
	OutputName = "output.bin"
)

const maxAttempts = 8

// ErrTooLarge is returned by ReadOutput when the output exceeds the limit.
var ErrTooLarge = errors.New("artifact too large")

// Area allocates leases under a root directory.
type Area struct {
	root   string
	logger *zap.Logger
	newID  func() string

	mu   sync.Mutex
	live map[string]struct{}
}

// NewArea creates an Area rooted at root. The root is created on first use.
func NewArea(root string, logger *zap.Logger) *Area {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Area{
		root:   root,
		logger: logger,
		newID:  uuid.NewString,
		live:   make(map[string]struct{}),
	}
}

// Root returns the directory leases are created in.
func (a *Area) Root() string { return a.root }

// Live returns the number of leases not yet released.
func (a *Area) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Acquire creates a new lease directory using the default file names.
// The caller must Release the lease.
func (a *Area) Acquire() (*Lease, error) {
	return a.AcquireNamed(InputName, OutputName)
}

// AcquireNamed creates a new lease directory whose input and output files
// have the given base names, and reserves the output file.
func (a *Area) AcquireNamed(input, output string) (*Lease, error) {
	if input == "" || output == "" || input == output ||
		filepath.Base(input) != input || filepath.Base(output) != output {
		return nil, fmt.Errorf("invalid staging file names %q and %q", input, output)
	}
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging root: %w", err)
	}

	for range maxAttempts {
		id := a.newID()
		dir := filepath.Join(a.root, Prefix+id)

		if !a.claim(dir) {
			continue
		}
		if err := os.Mkdir(dir, 0o700); err != nil {
			a.unclaim(dir)
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("creating staging directory: %w", err)
		}

		l := &Lease{
			ID:         id,
			Dir:        dir,
			InputPath:  filepath.Join(dir, input),
			OutputPath: filepath.Join(dir, output),
			area:       a,
		}
		if err := createExclusive(l.OutputPath, nil); err != nil {
			l.Release()
			return nil, fmt.Errorf("reserving output file: %w", err)
		}
		return l, nil
	}
	return nil, fmt.Errorf("no unique staging directory after %d attempts", maxAttempts)
}

func (a *Area) claim(dir string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[dir]; ok {
		return false
	}
	a.live[dir] = struct{}{}
	return true
}

func (a *Area) unclaim(dir string) {
	a.mu.Lock()
	delete(a.live, dir)
	a.mu.Unlock()
}

// Sweep removes lease directories left behind by an earlier process, for
// example after a crash. Directories of live leases and those modified
// within minAge are kept. It returns the number of directories removed.
func (a *Area) Sweep(minAge time.Duration) (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading staging root: %w", err)
	}

	cutoff := time.Now().Add(-minAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		dir := filepath.Join(a.root, e.Name())

		a.mu.Lock()
		_, isLive := a.live[dir]
		a.mu.Unlock()
		if isLive {
			continue
		}

		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			a.logger.Warn("sweeping staging directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Lease is one request's staging directory.
type Lease struct {
	ID         string
	Dir        string
	InputPath  string
	OutputPath string

	area *Area
	once sync.Once
}

// WriteInput writes payload verbatim to the input file. The file must not
// already exist.
func (l *Lease) WriteInput(payload []byte) error {
	if err := createExclusive(l.InputPath, payload); err != nil {
		return fmt.Errorf("writing input file: %w", err)
	}
	return nil
}

// ReadOutput returns the content of the output file. If limit is positive
// and the file is larger, ErrTooLarge is returned. The output must be a
// regular file; a symlink left by the processor is refused.
func (l *Lease) ReadOutput(limit int64) ([]byte, error) {
	info, err := os.Lstat(l.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("reading output file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("output %s is not a regular file", filepath.Base(l.OutputPath))
	}
	if limit > 0 && info.Size() > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d bytes", ErrTooLarge, info.Size(), limit)
	}

	f, err := os.Open(l.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("reading output file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading output file: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// Release removes the lease directory and everything in it. It is safe to
// call more than once. Removal errors are logged, never returned.
func (l *Lease) Release() {
	l.once.Do(func() {
		if err := os.RemoveAll(l.Dir); err != nil {
			l.area.logger.Debug("removing staging directory", zap.String("dir", l.Dir), zap.Error(err))
		}
		l.area.unclaim(l.Dir)
	})
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
