package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/audit"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/clock"
)

const adminPathPrefix = "/v1/admin"

type RemoteAccessActivity struct {
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// RemoteAccessGuard restricts admin routes to trusted networks. The source
// is the direct peer address; forwarding headers are ignored.
type RemoteAccessGuard struct {
	Clock  clock.Clock
	Audit  *audit.Recorder
	Logger *slog.Logger

	trusted []*net.IPNet
	mu      sync.Mutex
	logs    []RemoteAccessActivity
}

const maxRemoteActivities = 1000

func NewRemoteAccessGuard(clk clock.Clock, rec *audit.Recorder, cidrs []string) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{Clock: clk, Audit: rec, Logger: slog.Default(), trusted: trusted}, nil
}

func (g *RemoteAccessGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func isAdminPath(path string) bool {
	return path == adminPathPrefix || strings.HasPrefix(path, adminPathPrefix+"/")
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) logActivity(ctx context.Context, r *http.Request, ip string, allowed bool, reason string) {
	entry := RemoteAccessActivity{
		Timestamp: g.now(),
		SourceIP:  ip,
		Path:      r.URL.Path,
		Method:    r.Method,
		Allowed:   allowed,
		Reason:    reason,
	}
	g.mu.Lock()
	g.logs = append(g.logs, entry)
	if len(g.logs) > maxRemoteActivities {
		g.logs = g.logs[len(g.logs)-maxRemoteActivities:]
	}
	g.mu.Unlock()

	if allowed || g.Audit == nil {
		return
	}
	g.Audit.Denied(ctx, ip, "remote", "remote_access", r.URL.Path, r.Method, reason)
	g.Logger.Warn("admin access denied", "source_ip", ip, "path", r.URL.Path)
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := sourceIP(r)
		if !g.isTrusted(ip) {
			g.logActivity(r.Context(), r, ip, false, "source ip outside trusted network")
			writeError(w, http.StatusForbidden, "remote_access_denied", "remote access denied")
			return
		}
		g.logActivity(r.Context(), r, ip, true, "")
		next.ServeHTTP(w, r)
	})
}
