package main

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts the handful of events worth watching on a long-running
// client: sessions, traffic, PoW cost, and dropped events.
type Metrics struct {
	SessionsEstablished prometheus.Counter
	MessagesSent        prometheus.Counter
	MessagesReceived    prometheus.Counter
	PowAttempts         prometheus.Counter
	EventErrors         prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		SessionsEstablished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_established_total",
			Help: "Two-party MLS groups established, created outbound or joined from a Welcome.",
		}),
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Application messages created and published.",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Application messages decrypted from peers.",
		}),
		PowAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_pow_nonce_attempts_total",
			Help: "Proof-of-work nonces tried while sealing envelopes.",
		}),
		EventErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_event_errors_total",
			Help: "Inbound events dropped after a per-event processing error.",
		}),
	}
}

// ControlServer is the optional localhost-only introspection surface:
// /status, /peers, /metrics. Requests from non-loopback addresses are
// refused, and a bearer token gates the routes when one is set. Off by
// default; main.go only starts it when -control-addr is non-empty.
type ControlServer struct {
	identity  *ClientIdentity
	directory *PeerDirectory
	session   *SessionManager
	token     string
}

func NewControlServer(identity *ClientIdentity, directory *PeerDirectory, session *SessionManager, token string) *ControlServer {
	return &ControlServer{identity: identity, directory: directory, session: session, token: token}
}

func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"client_id": c.identity.ClientID,
			"peers":     len(c.directory.Peers()),
		})
	})
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.session.PeersSummary())
	})
	mux.Handle("/metrics", promhttp.Handler())

	return c.guard(mux)
}

// guard admits only loopback callers and, when a control token is
// configured, only requests presenting it as a bearer credential. The
// two checks live together because neither is meaningful alone on this
// surface: the token is useless off-host, and an unauthenticated local
// surface leaks session metadata to any process on the machine.
func (c *ControlServer) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "local-only", http.StatusForbidden)
			return
		}
		if c.token != "" && !c.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		log.Printf("[control] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (c *ControlServer) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(c.token)) == 1
}

// startControlServer runs the control listener. Local-only enforcement
// lives in the handler's own guard rather than a bind-address
// restriction.
func startControlServer(addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[control] write json: %v", err)
	}
}
