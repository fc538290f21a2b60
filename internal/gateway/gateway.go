// Package gateway delegates payloads to external processors: XML to a
// binary artifact through the processor, and optionally a binary back to
// XML through the import processor.
//
// A call to Process or Import moves through Received, Staged and Invoked, ends in
// Succeeded or Failed, and always reaches CleanedUp: the staging lease is
// released on every return path.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/deixis/xmlgate/internal/config"
	"github.com/deixis/xmlgate/internal/runner"
	"github.com/deixis/xmlgate/internal/runs"
	"github.com/deixis/xmlgate/internal/staging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Download metadata of artifacts produced by Process.
const (
	Filename = "result.bin"
	MIMEType = "application/octet-stream"
)

// Download metadata of artifacts produced by Import.
const (
	ImportFilename = "result.xml"
	ImportMIMEType = "text/xml; charset=utf-8"
)

// Directions recorded on run summaries.
const (
	DirectionProcess = "process"
	DirectionImport  = "import"
)

// ErrImportDisabled is returned by Import when no import processor is set.
var ErrImportDisabled = errors.New("gateway: no import processor configured")

// CommandRunner executes a command in a directory.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Artifact is the processor output returned to the caller.
type Artifact struct {
	RunID    string
	Data     []byte
	Filename string
	MIMEType string
	SHA256   string
}

// Options configures a Gateway.
type Options struct {
	Processor     string   // executable path; never taken from a request
	Args          []string // placed before the input and output paths
	Import        string   // optional BIN to XML executable
	ImportArgs    []string
	Runner        CommandRunner
	Staging       *staging.Area
	MaxArtifact   int64 // 0 = unlimited
	MaxConcurrent int   // 0 = unlimited
	Runs          runs.Store
	Logger        *zap.Logger
}

// Gateway bridges one payload at a time to the processor. It is safe for
// concurrent use; each call gets its own staging lease.
type Gateway struct {
	forward     *conversion
	reverse     *conversion // nil when import is disabled
	runner      CommandRunner
	staging     *staging.Area
	maxArtifact int64
	sem         *semaphore.Weighted
	runs        runs.Store
	logger      *zap.Logger
}

// New creates a Gateway.
func New(o Options) (*Gateway, error) {
	if o.Processor == "" {
		return nil, config.ErrNoProcessor
	}
	if o.Runner == nil {
		return nil, errors.New("gateway: runner is required")
	}
	if o.Staging == nil {
		return nil, errors.New("gateway: staging area is required")
	}
	forward := &conversion{
		direction: DirectionProcess,
		processor: o.Processor,
		args:      append([]string(nil), o.Args...),
		input:     staging.InputName,
		output:    staging.OutputName,
		filename:  Filename,
		mimeType:  MIMEType,
		empty:     "no XML data submitted",
	}
	g := &Gateway{
		forward:     forward,
		runner:      o.Runner,
		staging:     o.Staging,
		maxArtifact: o.MaxArtifact,
		runs:        o.Runs,
		logger:      o.Logger,
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if o.Import != "" {
		g.reverse = &conversion{
			direction: DirectionImport,
			processor: o.Import,
			args:      append([]string(nil), o.ImportArgs...),
			input:     "input.bin",
			output:    "output.xml",
			filename:  ImportFilename,
			mimeType:  ImportMIMEType,
			empty:     "no BIN data submitted",
		}
	}
	if o.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(int64(o.MaxConcurrent))
	}
	return g, nil
}

// conversion is one delegation direction: which executable runs and what
// the staged files and the resulting artifact are called.
type conversion struct {
	direction string
	processor string
	args      []string
	input     string
	output    string
	filename  string
	mimeType  string
	empty     string // InvalidInput detail for an empty payload
}

// FromConfig wires a Gateway, its runner and its staging area from cfg.
func FromConfig(cfg *config.Config, store runs.Store, logger *zap.Logger) (*Gateway, error) {
	if cfg.Processor == "" {
		return nil, config.ErrNoProcessor
	}
	// The processor runs with the lease directory as cwd, so a relative
	// path must be made absolute against ours first.
	processor, err := filepath.Abs(cfg.Processor)
	if err != nil {
		return nil, fmt.Errorf("resolving processor path: %w", err)
	}
	var imp string
	if cfg.Import != "" {
		if imp, err = filepath.Abs(cfg.Import); err != nil {
			return nil, fmt.Errorf("resolving import processor path: %w", err)
		}
	}
	root, err := filepath.Abs(cfg.StagingRoot())
	if err != nil {
		return nil, fmt.Errorf("resolving staging root: %w", err)
	}

	return New(Options{
		Processor:  processor,
		Args:       cfg.ProcessorArgs,
		Import:     imp,
		ImportArgs: cfg.ImportArgs,
		Runner: &runner.Runner{
			Root:      root,
			Timeout:   cfg.Timeout(),
			MaxOutput: cfg.MaxOutputBytes(),
		},
		Staging:       staging.NewArea(root, logger),
		MaxArtifact:   cfg.MaxArtifactBytes(),
		MaxConcurrent: cfg.MaxConcurrent,
		Runs:          store,
		Logger:        logger,
	})
}

// Staging returns the gateway's staging area.
func (g *Gateway) Staging() *staging.Area { return g.staging }

// CanImport reports whether an import processor is configured.
func (g *Gateway) CanImport() bool { return g.reverse != nil }

// Process stages the XML payload, runs the processor on it and returns the
// binary artifact it wrote. Failures are returned as *Error.
func (g *Gateway) Process(ctx context.Context, payload string) (*Artifact, error) {
	return g.convert(ctx, g.forward, []byte(payload))
}

// Import stages a binary payload, runs the import processor on it and
// returns the XML it wrote. It returns ErrImportDisabled when no import
// processor is configured; other failures are returned as *Error.
func (g *Gateway) Import(ctx context.Context, data []byte) (*Artifact, error) {
	if g.reverse == nil {
		return nil, ErrImportDisabled
	}
	return g.convert(ctx, g.reverse, data)
}

func (g *Gateway) convert(ctx context.Context, c *conversion, payload []byte) (*Artifact, error) {
	if len(payload) == 0 {
		return nil, &Error{Kind: InvalidInput, Detail: c.empty}
	}

	id := uuid.NewString()
	t := &tracker{
		run:    &runs.Run{ID: id, Direction: c.direction, StartedAt: time.Now()},
		logger: g.logger.With(zap.String("run_id", id), zap.String("direction", c.direction)),
	}
	t.logger.Debug("received", zap.Int("bytes", len(payload)))

	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, g.fail(t, Timeout, "waiting for a processor slot: "+err.Error(), err)
		}
		defer g.sem.Release(1)
	}

	lease, err := g.staging.AcquireNamed(c.input, c.output)
	if err != nil {
		return nil, g.fail(t, InternalError, err.Error(), err)
	}
	defer func() {
		lease.Release()
		t.logger.Debug("cleaned up", zap.String("dir", lease.Dir))
	}()

	if err := lease.WriteInput(payload); err != nil {
		return nil, g.fail(t, InternalError, err.Error(), err)
	}
	t.logger.Debug("staged", zap.String("dir", lease.Dir))

	argv := make([]string, 0, len(c.args)+3)
	argv = append(argv, c.processor)
	argv = append(argv, c.args...)
	argv = append(argv, lease.InputPath, lease.OutputPath)

	res, err := g.runner.Run(ctx, argv, lease.Dir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, g.fail(t, Timeout, "request cancelled before the processor finished", err)
		}
		return nil, g.fail(t, InternalError, err.Error(), err)
	}
	t.run.ExitCode = res.ExitCode
	t.run.Truncated = res.Truncated
	t.logger.Debug("invoked",
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Bool("timed_out", res.TimedOut))

	if res.TimedOut {
		detail := fmt.Sprintf("processor timed out after %s", res.Duration.Round(time.Millisecond))
		return nil, g.fail(t, Timeout, detail, nil)
	}
	if res.ExitCode != 0 {
		return nil, g.fail(t, ProcessingFailure, diagnostic(res.Stderr), nil)
	}

	data, err := lease.ReadOutput(g.maxArtifact)
	if err != nil {
		detail := err.Error()
		if errors.Is(err, staging.ErrTooLarge) {
			detail = fmt.Sprintf("artifact exceeds %d bytes", g.maxArtifact)
		}
		return nil, g.fail(t, InternalError, detail, err)
	}

	sum := sha256.Sum256(data)
	art := &Artifact{
		RunID:    t.run.ID,
		Data:     data,
		Filename: c.filename,
		MIMEType: c.mimeType,
		SHA256:   hex.EncodeToString(sum[:]),
	}

	t.run.State = runs.Succeeded
	t.run.ArtifactSize = len(data)
	t.run.SHA256 = art.SHA256
	g.record(t)
	t.logger.Info("processed",
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(t.run.StartedAt)))
	return art, nil
}

// tracker carries per-call state through Process.
type tracker struct {
	run    *runs.Run
	logger *zap.Logger
}

func (g *Gateway) fail(t *tracker, kind Kind, detail string, cause error) *Error {
	t.run.State = runs.Failed
	t.run.ErrorKind = string(kind)
	g.record(t)
	t.logger.Warn("failed", zap.String("kind", string(kind)), zap.String("detail", detail))
	return &Error{Kind: kind, RunID: t.run.ID, Detail: detail, Err: cause}
}

func (g *Gateway) record(t *tracker) {
	t.run.Duration = time.Since(t.run.StartedAt)
	if g.runs == nil {
		return
	}
	if err := g.runs.Save(t.run); err != nil {
		t.logger.Warn("recording run", zap.Error(err))
	}
}

// diagnostic turns captured stderr into text, dropping invalid UTF-8.
func diagnostic(stderr []byte) string {
	return strings.ToValidUTF8(string(stderr), "")
}
