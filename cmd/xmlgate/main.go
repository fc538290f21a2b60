// Command xmlgate serves a local web page that converts XML to a binary
// artifact, and optionally back, by delegating to external processors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/deixis/xmlgate"
	"github.com/deixis/xmlgate/internal/browser"
	"github.com/deixis/xmlgate/internal/config"
	"github.com/deixis/xmlgate/internal/gateway"
	xmcp "github.com/deixis/xmlgate/internal/mcp"
	"github.com/deixis/xmlgate/internal/runs"
	"github.com/deixis/xmlgate/internal/web"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// sweepAge is how old an orphaned staging directory must be before serve
// removes it at start-up.
const sweepAge = time.Hour

func main() {
	log.SetFlags(0)
	log.SetPrefix("xmlgate: ")

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

// app holds state shared by all commands.
type app struct {
	configPath string
	debug      bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "xmlgate",
		Short:             "Convert XML to a binary artifact through an external processor",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the config file (default ./"+config.FileName+")")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(a.serveCmd(), a.processCmd(), a.importCmd(), a.mcpCmd(), versionCmd())
	return root
}

// setup loads the config and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining working directory: %w", err)
	}
	loaded, err := config.Load(wd, a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = loaded.Config

	logger, err := newLogger(a.cfg.LogLevel, a.debug, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.logger = logger
	if loaded.Path != "" {
		a.logger.Debug("config loaded", zap.String("path", loaded.Path))
	}
	return a.cfg.Validate()
}

func newLogger(level string, debug bool, w io.Writer) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log_level: %w", err)
		}
		lvl = parsed
	}
	if debug {
		lvl = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(zapcore.AddSync(w)), zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller()), nil
}

func (a *app) newGateway() (*gateway.Gateway, *runs.LRUStore, error) {
	store := runs.NewLRUStore(a.cfg.RunsCapacity())
	gw, err := gateway.FromConfig(a.cfg, store, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return gw, store, nil
}

// --- serve ---

func (a *app) serveCmd() *cobra.Command {
	var addr string
	var open bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web front end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.ListenAddr()
			}
			if !cmd.Flags().Changed("open") {
				open = a.cfg.OpenBrowser
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr, open)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default "+config.DefaultAddr+")")
	cmd.Flags().BoolVar(&open, "open", false, "open the front page in a browser once listening")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, open bool) error {
	gw, store, err := a.newGateway()
	if err != nil {
		return err
	}
	if n, err := gw.Staging().Sweep(sweepAge); err != nil {
		a.logger.Warn("sweeping staging area", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("removed orphaned staging directories", zap.Int("count", n))
	}

	assets, err := web.NewAssets(a.cfg, a.logger)
	if err != nil {
		return err
	}
	opts := web.Options{
		Processor:  gw,
		Assets:     assets,
		Runs:       store,
		MaxPayload: a.cfg.MaxPayloadBytes(),
		Logger:     a.logger,
	}
	if gw.CanImport() {
		opts.Importer = gw
	}
	srv := web.NewServer(opts)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.Serve(gctx, ln, srv.Handler(), a.logger)
	})
	if open {
		url := browserURL(ln.Addr())
		g.Go(func() error {
			if err := browser.NewOpener(time.Second).Open(gctx, url); err != nil {
				a.logger.Warn("could not open browser", zap.String("url", url), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// browserURL returns a URL for addr that a local browser can reach.
func browserURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String() + "/"
	}
	if ip := net.ParseIP(host); host == "" || ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

// --- process ---

func (a *app) processCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "process <file.xml|->",
		Short: "Run one XML file through the processor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.convert(ctx, args[0], output, cmd.InOrStdin(), cmd.OutOrStdout(), processXML)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", gateway.Filename, `artifact destination ("-" for stdout)`)
	return cmd
}

// convertFunc runs one payload through a gateway direction.
type convertFunc func(ctx context.Context, gw *gateway.Gateway, data []byte) (*gateway.Artifact, error)

func processXML(ctx context.Context, gw *gateway.Gateway, data []byte) (*gateway.Artifact, error) {
	return gw.Process(ctx, string(data))
}

func importBIN(ctx context.Context, gw *gateway.Gateway, data []byte) (*gateway.Artifact, error) {
	return gw.Import(ctx, data)
}

// --- import ---

func (a *app) importCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "import <file.bin|->",
		Short: "Convert one binary file back to XML through the import processor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.convert(ctx, args[0], output, cmd.InOrStdin(), cmd.OutOrStdout(), importBIN)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", gateway.ImportFilename, `XML destination ("-" for stdout)`)
	return cmd
}

// convert reads input, runs it through the gateway with run and writes the
// artifact to output.
func (a *app) convert(ctx context.Context, input, output string, stdin io.Reader, stdout io.Writer, run convertFunc) error {
	var data []byte
	var err error
	if input == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	gw, _, err := a.newGateway()
	if err != nil {
		return err
	}
	art, err := run(ctx, gw, data)
	if err != nil {
		return describe(err)
	}

	if output == "-" {
		_, err = stdout.Write(art.Data)
		return err
	}
	if err := os.WriteFile(output, art.Data, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	dest := output
	if abs, err := filepath.Abs(output); err == nil {
		dest = abs
	}
	fmt.Fprintf(stdout, "Run: %s\nWrote %d bytes to %s\nSHA256: %s\n", art.RunID, len(art.Data), dest, art.SHA256)
	return nil
}

// describe turns a gateway error into the message shown on the command line.
func describe(err error) error {
	if errors.Is(err, gateway.ErrImportDisabled) {
		return fmt.Errorf("no import processor configured (set import_processor in %s or %s)", config.FileName, config.EnvImportProcessor)
	}
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		return err
	}
	switch ge.Kind {
	case gateway.InvalidInput:
		return errors.New("input is empty")
	case gateway.ProcessingFailure:
		return fmt.Errorf("processor failed (run %s):\n%s", ge.RunID, strings.TrimRight(ge.Detail, "\n"))
	default:
		return fmt.Errorf("%s (run %s): %s", ge.Kind, ge.RunID, ge.Detail)
	}
}

// --- mcp ---

func (a *app) mcpCmd() *cobra.Command {
	var httpAddr string
	var instructions bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server (stdio, or streamable HTTP with --http)",
		Args:  cobra.NoArgs,
		// The instructions are static, so printing them needs no config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if instructions {
				return nil
			}
			return a.setup(cmd, args)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if instructions {
				fmt.Fprint(cmd.OutOrStdout(), xmcp.Instructions)
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serveMCP(ctx, httpAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve over HTTP on this address (e.g. :9090)")
	cmd.Flags().BoolVar(&instructions, "instructions", false, "print model instructions and exit")
	return cmd
}

func (a *app) serveMCP(ctx context.Context, httpAddr string) error {
	gw, store, err := a.newGateway()
	if err != nil {
		return err
	}
	opts := []xmcp.ServerOption{xmcp.WithLogger(a.logger)}
	if gw.CanImport() {
		opts = append(opts, xmcp.WithImporter(gw))
	}
	server := xmcp.NewServer(gw, store, opts...)

	if httpAddr == "" {
		return server.Run(ctx, &mcpsdk.StdioTransport{})
	}

	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)
	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpAddr, err)
	}
	return web.Serve(ctx, ln, handler, a.logger)
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No config is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), xmlgate.Version)
		},
	}
}
