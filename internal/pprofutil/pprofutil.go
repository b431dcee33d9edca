// Package pprofutil serves the runtime profiling endpoints for a
// running node. Nothing listens unless explicitly enabled through the
// environment, and non-loopback binds need a second override: the
// profiles expose heap contents.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"meshvpn/internal/logging"
)

// Environment switches read by StartFromEnv.
const (
	EnvEnable      = "MESHVPN_PPROF"
	EnvAddr        = "MESHVPN_PPROF_ADDR"
	EnvAllowPublic = "MESHVPN_PPROF_ALLOW_PUBLIC"
)

const defaultAddr = "127.0.0.1:6060"

// StartFromEnv starts the profiling server when MESHVPN_PPROF=1, bound
// to MESHVPN_PPROF_ADDR (default 127.0.0.1:6060). Call once at startup.
func StartFromEnv() error {
	if os.Getenv(EnvEnable) != "1" {
		return nil
	}
	addr := strings.TrimSpace(os.Getenv(EnvAddr))
	if addr == "" {
		addr = defaultAddr
	}
	return Start(addr, os.Getenv(EnvAllowPublic) == "1")
}

// Start serves the pprof endpoints on addr in the background. The
// handlers go on a private mux so enabling profiling never widens the
// default mux of the process.
func Start(addr string, allowPublic bool) error {
	if !allowPublic && !loopbackAddr(addr) {
		return fmt.Errorf("refusing non-loopback pprof bind %s (set %s=1 to override)", addr, EnvAllowPublic)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	logging.WithField("addr", ln.Addr().String()).Info("pprof listening")
	return nil
}

func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
