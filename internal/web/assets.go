package web

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/deixis/xmlgate"
	"github.com/deixis/xmlgate/internal/config"
	"go.uber.org/zap"
)

//go:embed templates/index.html
var templateFS embed.FS

// NewAssets returns the asset handler for the configured strategy.
func NewAssets(cfg *config.Config, logger *zap.Logger) (http.Handler, error) {
	switch cfg.AssetMode() {
	case config.AssetsTemplate:
		a, err := NewTemplateAssets()
		if err != nil {
			return nil, err
		}
		if cfg.Import != "" {
			a.ImportAction = "/import"
		}
		return a, nil
	case config.AssetsBundle:
		return NewBundleAssets(cfg.BundlePath(), logger)
	default:
		return nil, fmt.Errorf("unknown assets strategy %q", cfg.Assets)
	}
}

// TemplateAssets renders the built-in index page. Only "/" is served.
type TemplateAssets struct {
	// ImportAction, when set, adds a BIN upload form posting there.
	ImportAction string

	tmpl *template.Template
}

// NewTemplateAssets parses the embedded index template.
func NewTemplateAssets() (*TemplateAssets, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parsing index template: %w", err)
	}
	return &TemplateAssets{tmpl: tmpl}, nil
}

type indexData struct {
	Title        string
	Action       string
	Field        string
	ImportAction string
	ImportField  string
	Version      string
}

func (a *TemplateAssets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	var buf bytes.Buffer
	err := a.tmpl.Execute(&buf, indexData{
		Title:        "XML to binary",
		Action:       "/process",
		Field:        FormField,
		ImportAction: a.ImportAction,
		ImportField:  ImportFileField,
		Version:      xmlgate.Version,
	})
	if err != nil {
		writeText(w, http.StatusInternalServerError, prefixServerErr+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// BundleAssets serves a pre-built single-page application from a directory.
// Paths that name no file and have no extension get index.html so that
// client-side routes resolve.
type BundleAssets struct {
	fsys   fs.FS
	files  http.Handler
	logger *zap.Logger
}

// NewBundleAssets serves dir, which must contain index.html.
func NewBundleAssets(dir string, logger *zap.Logger) (*BundleAssets, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsys := os.DirFS(dir)
	if _, err := fs.Stat(fsys, "index.html"); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", dir, err)
	}
	return &BundleAssets{
		fsys:   fsys,
		files:  http.FileServerFS(fsys),
		logger: logger,
	}, nil
}

func (a *BundleAssets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "index.html"
	}

	info, err := fs.Stat(a.fsys, name)
	switch {
	case err == nil && !info.IsDir():
		http.ServeFileFS(w, r, a.fsys, name)
	case err == nil || errors.Is(err, fs.ErrNotExist) && path.Ext(name) == "":
		a.logger.Debug("spa fallback", zap.String("path", r.URL.Path))
		http.ServeFileFS(w, r, a.fsys, "index.html")
	default:
		a.files.ServeHTTP(w, r)
	}
}
