package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	transport "devbridge/internal/app/http"
	"devbridge/internal/config"
	"devbridge/internal/domain"
	"devbridge/internal/gitexec"
	"devbridge/internal/observability"
	"devbridge/internal/patch"
	"devbridge/internal/pathsafe"
	"devbridge/internal/snapshot"
)

const version = "0.1.0"

type Server struct {
	cfg          config.Config
	token        string
	logger       *slog.Logger
	builder      *snapshot.Builder
	orchestrator *patch.Orchestrator
	metrics      *observability.Metrics

	// snapshots coalesces concurrent builds of the same scope.
	snapshots singleflight.Group
}

// NewServer wires the snapshot builder and the git-backed patch
// orchestrator for cfg.Root. token is required on every request.
func NewServer(cfg config.Config, token string, logger *slog.Logger) (*Server, error) {
	root, err := pathsafe.CanonicalRoot(cfg.Root)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, root, token, logger, gitexec.NewRunner(cfg.GitBinary, root)), nil
}

func newServer(cfg config.Config, root, token string, logger *slog.Logger, backend patch.Backend) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Root = root
	return &Server{
		cfg:          cfg,
		token:        token,
		logger:       logger,
		builder:      snapshot.NewBuilder(root, cfg.ExclusionRules(), cfg.SnapshotLimits()),
		orchestrator: patch.NewOrchestrator(root, backend, logger.With("component", "patch")),
		metrics:      observability.NewMetrics(),
	}
}

func (s *Server) Root() string { return s.cfg.Root }

func (s *Server) Handler() http.Handler {
	return transport.NewRouter(transport.Options{
		Token:   s.token,
		Logger:  s.logger,
		Metrics: s.metrics,
	}, transport.Handlers{
		Snapshot: s.handleSnapshot,
		Apply:    s.handleApply,
		Healthz:  s.handleHealthz,
		Version:  s.handleVersion,
		Metrics:  s.metrics.Handler().ServeHTTP,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.VersionResponse{Version: version})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.HealthResponse{OK: true, Root: s.cfg.Root})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	dir, err := pathsafe.ResolveScope(s.cfg.Root, scope)
	if err != nil {
		if errors.Is(err, pathsafe.ErrPathSecurityViolation) {
			writeErr(w, http.StatusBadRequest, domain.CodeInvalidScope, err.Error(), map[string]string{"scope": scope})
			return
		}
		writeErr(w, http.StatusInternalServerError, domain.CodeInternal, err.Error(), nil)
		return
	}

	v, _, shared := s.snapshots.Do(dir, func() (interface{}, error) {
		return s.builder.Build(dir), nil
	})
	result := v.(snapshot.Result)
	s.metrics.ObserveSnapshot(result.Meta.FileCount, result.Meta.TotalBytes)
	s.logger.Debug("snapshot served",
		"scope", result.Meta.Scope,
		"files", result.Meta.FileCount,
		"size", humanize.IBytes(uint64(result.Meta.TotalBytes)),
		"truncated_total", result.Meta.TruncatedTotal,
		"shared", shared,
	)

	etag := strconv.Quote(result.Meta.Digest)
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, domain.SnapshotResponse{Text: result.Text, Meta: result.Meta})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxDiffBytes)

	var req domain.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg := "request body exceeds " + humanize.IBytes(uint64(tooLarge.Limit))
			s.writeApplyFailure(w, http.StatusRequestEntityTooLarge, domain.CodeDiffTooLarge, msg, patch.Outcome{})
			return
		}
		s.writeApplyFailure(w, http.StatusBadRequest, domain.CodeInvalidJSON, "invalid request body", patch.Outcome{})
		return
	}

	out, err := s.orchestrator.Apply(r.Context(), req.DiffText)
	if err != nil {
		status, code := classifyApplyError(err)
		s.writeApplyFailure(w, status, code, out.Message, out)
		return
	}
	s.metrics.ObserveApply("ok")
	writeJSON(w, http.StatusOK, domain.ApplyResponse{
		OK:           true,
		Message:      out.Message,
		ChangedFiles: out.ChangedFiles,
		DiffBefore:   out.DiffBefore,
		DiffAfter:    out.DiffAfter,
	})
}

func (s *Server) writeApplyFailure(w http.ResponseWriter, status int, code, message string, out patch.Outcome) {
	s.metrics.ObserveApply(code)
	changed := out.ChangedFiles
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, status, domain.ApplyResponse{
		OK:           false,
		Message:      message,
		ChangedFiles: changed,
		DiffBefore:   out.DiffBefore,
		DiffAfter:    out.DiffAfter,
		Error:        &domain.APIError{Code: code, Message: message},
	})
}

func classifyApplyError(err error) (int, string) {
	switch {
	case errors.Is(err, patch.ErrEmptyDiff):
		return http.StatusBadRequest, domain.CodeEmptyDiff
	case errors.Is(err, patch.ErrNoPaths):
		return http.StatusBadRequest, domain.CodeNoPaths
	case errors.Is(err, patch.ErrPathSecurityViolation):
		return http.StatusBadRequest, domain.CodeSecurityViolation
	case errors.Is(err, patch.ErrCheckFailed):
		return http.StatusBadRequest, domain.CodeCheckFailed
	case errors.Is(err, patch.ErrApplyFailed):
		return http.StatusInternalServerError, domain.CodeApplyFailed
	case errors.Is(err, patch.ErrBackendUnavailable):
		return http.StatusInternalServerError, domain.CodeBackendDown
	case errors.Is(err, patch.ErrBackendIO):
		return http.StatusInternalServerError, domain.CodeBackendIO
	default:
		return http.StatusInternalServerError, domain.CodeInternal
	}
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details interface{}) {
	writeJSON(w, code, domain.APIErrorBody{Error: domain.APIError{Code: errCode, Message: message, Details: details}})
}
