package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"devbridge/internal/app"
	"devbridge/internal/config"
	"devbridge/internal/observability"
)

const (
	envHTTPReadHeaderTimeoutSeconds = "DEVBRIDGE_HTTP_READ_HEADER_TIMEOUT_SECONDS"
	envHTTPReadTimeoutSeconds       = "DEVBRIDGE_HTTP_READ_TIMEOUT_SECONDS"
	envHTTPWriteTimeoutSeconds      = "DEVBRIDGE_HTTP_WRITE_TIMEOUT_SECONDS"
	envHTTPIdleTimeoutSeconds       = "DEVBRIDGE_HTTP_IDLE_TIMEOUT_SECONDS"
	envHTTPShutdownTimeoutSeconds   = "DEVBRIDGE_HTTP_SHUTDOWN_TIMEOUT_SECONDS"

	tokenBytes = 32
)

// The write timeout stays off by default: /apply requests wait for the
// apply lock, and git keeps running after a cut connection.
var (
	defaultHTTPReadHeaderTimeout = 10 * time.Second
	defaultHTTPReadTimeout       = 60 * time.Second
	defaultHTTPWriteTimeout      = time.Duration(0)
	defaultHTTPIdleTimeout       = 120 * time.Second
	defaultHTTPShutdownTimeout   = 10 * time.Second
)

var errNoFreePort = errors.New("no free port in search range")

type httpRuntimeConfig struct {
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("devbridge exited with error", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	token, err := newToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	srv, err := app.NewServer(cfg, token, logger)
	if err != nil {
		return fmt.Errorf("init server failed: %w", err)
	}

	listener, err := listen(cfg)
	if err != nil {
		return err
	}
	port := listener.Addr().(*net.TCPAddr).Port

	runtimeCfg := loadHTTPRuntimeConfig()
	httpServer := newHTTPServer(srv.Handler(), runtimeCfg)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
			return
		}
		errCh <- nil
	}()

	printBanner(os.Stdout, srv.Root(), cfg, port, token)
	logger.Info("devbridge listening",
		"addr", listener.Addr().String(),
		"read_header_timeout", runtimeCfg.readHeaderTimeout,
		"read_timeout", runtimeCfg.readTimeout,
		"write_timeout", runtimeCfg.writeTimeout,
		"idle_timeout", runtimeCfg.idleTimeout,
		"shutdown_timeout", runtimeCfg.shutdownTimeout,
	)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case serveErr := <-errCh:
		if serveErr != nil {
			return fmt.Errorf("serve failed: %w", serveErr)
		}
		return nil
	case <-signalCtx.Done():
		logger.Info("shutdown signal received, draining in-flight requests", "timeout", runtimeCfg.shutdownTimeout)
	}

	timedOut, shutdownErr := shutdownHTTPServer(httpServer, runtimeCfg.shutdownTimeout)
	if shutdownErr != nil {
		return shutdownErr
	}
	if timedOut {
		logger.Warn("shutdown degraded: in-flight requests exceeded timeout, forced close", "timeout", runtimeCfg.shutdownTimeout)
	} else {
		logger.Info("shutdown complete")
	}

	if serveErr := <-errCh; serveErr != nil {
		return fmt.Errorf("serve failed during shutdown: %w", serveErr)
	}
	return nil
}

// newToken returns a URL-safe random token for the lifetime of the process.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// listen binds the configured port, or the first free port of the search
// range when none is configured.
func listen(cfg config.Config) (net.Listener, error) {
	if cfg.Port != 0 {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		return listener, nil
	}
	return findFreePort(cfg.Host, cfg.PortSearchStart, cfg.PortSearchRange)
}

func findFreePort(host string, start, count int) (net.Listener, error) {
	for port := start; port <= start+count; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return listener, nil
		}
	}
	return nil, fmt.Errorf("%w: %s:%d-%d", errNoFreePort, host, start, start+count)
}

func printBanner(w io.Writer, root string, cfg config.Config, port int, token string) {
	url := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
	lines := []string{
		"devbridge ready",
		"  root:   " + root,
		"  port:   " + strconv.Itoa(port),
		"  url:    " + url,
		"  token:  " + token,
		fmt.Sprintf("  limits: %s per file, %s per snapshot, %s per diff",
			humanize.IBytes(uint64(cfg.MaxFileBytes)),
			humanize.IBytes(uint64(cfg.MaxTotalBytes)),
			humanize.IBytes(uint64(cfg.MaxDiffBytes)),
		),
		"  send the token as X-Local-Token or Authorization: Bearer",
	}
	_, _ = fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func loadHTTPRuntimeConfig() httpRuntimeConfig {
	return httpRuntimeConfig{
		readHeaderTimeout: readDurationSecondsEnv(envHTTPReadHeaderTimeoutSeconds, defaultHTTPReadHeaderTimeout, false),
		readTimeout:       readDurationSecondsEnv(envHTTPReadTimeoutSeconds, defaultHTTPReadTimeout, false),
		writeTimeout:      readDurationSecondsEnv(envHTTPWriteTimeoutSeconds, defaultHTTPWriteTimeout, true),
		idleTimeout:       readDurationSecondsEnv(envHTTPIdleTimeoutSeconds, defaultHTTPIdleTimeout, false),
		shutdownTimeout:   readDurationSecondsEnv(envHTTPShutdownTimeoutSeconds, defaultHTTPShutdownTimeout, false),
	}
}

func newHTTPServer(handler http.Handler, runtimeCfg httpRuntimeConfig) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: runtimeCfg.readHeaderTimeout,
		ReadTimeout:       runtimeCfg.readTimeout,
		WriteTimeout:      runtimeCfg.writeTimeout,
		IdleTimeout:       runtimeCfg.idleTimeout,
	}
}

func shutdownHTTPServer(httpServer *http.Server, timeout time.Duration) (bool, error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if closeErr := httpServer.Close(); closeErr != nil {
				return true, fmt.Errorf("force close failed after shutdown timeout: %w", closeErr)
			}
			return true, nil
		}
		return false, fmt.Errorf("shutdown failed: %w", err)
	}
	return false, nil
}

func readDurationSecondsEnv(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 || (seconds == 0 && !allowZero) {
		slog.Warn("invalid duration, using fallback", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
