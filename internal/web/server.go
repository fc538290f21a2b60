// Package web serves the xmlgate HTTP surface: the front page, the
// /process and /import endpoints that delegate to the gateway, and run
// lookups.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/deixis/xmlgate/internal/gateway"
	"github.com/deixis/xmlgate/internal/runs"
	"go.uber.org/zap"
)

// FormField is the form field carrying the XML payload.
const FormField = "xml_data"

// Fields carrying the binary payload of POST /import: a multipart file
// part, or the base64 member of a JSON body.
const (
	ImportFileField = "bin_file"
	ImportJSONField = "binData"
)

// Response bodies for the /process and /import endpoints.
const (
	msgNoData       = "No XML data submitted"
	msgTooLarge     = "XML data too large"
	msgNoBin        = "No BIN data submitted"
	msgBinTooLarge  = "BIN data too large"
	msgInvalidBin   = "Invalid BIN data"
	prefixExeFailed = "EXE failed: "
	prefixServerErr = "Server error: "
	prefixTimeout   = "Timeout: "
)

// multipartMemory is the part of a multipart body kept in memory.
const multipartMemory = 1 << 20

// Processor runs a payload through the external processor.
// Implemented by gateway.Gateway.
type Processor interface {
	Process(ctx context.Context, payload string) (*gateway.Artifact, error)
}

// Importer runs a binary payload through the import processor.
// Implemented by gateway.Gateway.
type Importer interface {
	Import(ctx context.Context, data []byte) (*gateway.Artifact, error)
}

// Options configures a Server.
type Options struct {
	Processor  Processor
	Importer   Importer     // optional; enables POST /import
	Assets     http.Handler // front page and static files
	Runs       runs.Store   // optional; enables GET /runs/{id}
	MaxPayload int64        // request body limit in bytes; 0 = unlimited
	Logger     *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	proc       Processor
	importer   Importer
	assets     http.Handler
	runs       runs.Store
	maxPayload int64
	logger     *zap.Logger
}

// NewServer creates a Server.
func NewServer(o Options) *Server {
	s := &Server{
		proc:       o.Processor,
		importer:   o.Importer,
		assets:     o.Assets,
		runs:       o.Runs,
		maxPayload: o.MaxPayload,
		logger:     o.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.assets == nil {
		s.assets = http.NotFoundHandler()
	}
	return s
}

// Handler returns the routed handler wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", s.handleProcess)
	if s.importer != nil {
		mux.HandleFunc("POST /import", s.handleImport)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	if s.runs != nil {
		mux.HandleFunc("GET /runs/{id}", s.handleRun)
	}
	mux.Handle("GET /", s.assets)
	return s.withLogging(s.withRecover(mux))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.maxPayload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxPayload)
	}

	payload, err := s.readPayload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		s.logger.Debug("parsing form", zap.Error(err))
		writeText(w, http.StatusBadRequest, msgNoData)
		return
	}

	art, err := s.proc.Process(r.Context(), payload)
	if err != nil {
		s.writeProcessError(w, err, msgNoData)
		return
	}
	s.writeArtifact(w, art)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.maxPayload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxPayload)
	}

	data, err := s.readBinary(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, msgBinTooLarge)
			return
		}
		s.logger.Debug("reading import body", zap.Error(err))
		writeText(w, http.StatusBadRequest, msgInvalidBin)
		return
	}

	art, err := s.importer.Import(r.Context(), data)
	if err != nil {
		s.writeProcessError(w, err, msgNoBin)
		return
	}
	s.writeArtifact(w, art)
}

func (s *Server) writeArtifact(w http.ResponseWriter, art *gateway.Artifact) {
	h := w.Header()
	h.Set("Content-Type", art.MIMEType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Filename}))
	h.Set("Content-Length", strconv.Itoa(len(art.Data)))
	h.Set("X-Run-Id", art.RunID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(art.Data); err != nil {
		s.logger.Debug("writing artifact", zap.String("run_id", art.RunID), zap.Error(err))
	}
}

// readPayload extracts the form field from a urlencoded or multipart body.
// The standard form parsers cap urlencoded bodies at 10 MB, so the body is
// read directly; its size is bounded by MaxPayload instead.
func (s *Server) readPayload(r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return "", err
		}
		// Malformed pairs are skipped; the valid ones are still used.
		values, err := url.ParseQuery(string(body))
		if err != nil {
			s.logger.Debug("skipping malformed form pairs", zap.Error(err))
		}
		return values.Get(FormField), nil
	case "multipart/form-data":
		mem := s.maxPayload
		if mem <= 0 {
			mem = multipartMemory
		}
		if err := r.ParseMultipartForm(mem); err != nil {
			return "", err
		}
		defer r.MultipartForm.RemoveAll()
		if v := r.MultipartForm.Value[FormField]; len(v) > 0 {
			return v[0], nil
		}
		return "", nil
	default:
		return "", nil
	}
}

// readBinary extracts the import payload from a multipart file part, a JSON
// body with base64 data, or a raw body of any other content type.
func (s *Server) readBinary(r *http.Request) ([]byte, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "multipart/form-data":
		mem := s.maxPayload
		if mem <= 0 {
			mem = multipartMemory
		}
		if err := r.ParseMultipartForm(mem); err != nil {
			return nil, err
		}
		defer r.MultipartForm.RemoveAll()
		files := r.MultipartForm.File[ImportFileField]
		if len(files) == 0 {
			return nil, nil
		}
		f, err := files[0].Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	case "application/json":
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		raw, ok := body[ImportJSONField]
		if !ok {
			return nil, nil
		}
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(encoded)
	default:
		return io.ReadAll(r.Body)
	}
}

func (s *Server) writeProcessError(w http.ResponseWriter, err error, noData string) {
	detail := err.Error()
	var ge *gateway.Error
	if errors.As(err, &ge) {
		detail = ge.Detail
		if ge.RunID != "" {
			w.Header().Set("X-Run-Id", ge.RunID)
		}
	}

	switch gateway.KindOf(err) {
	case gateway.InvalidInput:
		writeText(w, http.StatusBadRequest, noData)
	case gateway.ProcessingFailure:
		writeText(w, http.StatusInternalServerError, prefixExeFailed+detail)
	case gateway.Timeout:
		writeText(w, http.StatusGatewayTimeout, prefixTimeout+detail)
	default:
		writeText(w, http.StatusInternalServerError, prefixServerErr+detail)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Load(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			writeText(w, http.StatusNotFound, "Run not found")
			return
		}
		writeText(w, http.StatusInternalServerError, prefixServerErr+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(run)
}

func writeText(w http.ResponseWriter, status int, body string) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
