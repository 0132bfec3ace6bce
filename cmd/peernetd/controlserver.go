package main

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainkeeper/peernet/manager"
	"github.com/chainkeeper/peernet/peer"
)

// controlServer exposes a minimal local admin surface over the manager's
// client-facing request handler (spec.md §4.6). A full chain RPC gateway
// is an explicit non-goal (spec.md §1 names the RPC listener as an
// out-of-scope external collaborator); this is only enough for
// peernetcli to report status, manage bans, and schedule reconnects,
// plus a /metrics endpoint, so it is plain net/http
// rather than the teacher's grpc/lnrpc/macaroon-bakery stack — none of
// which this daemon otherwise has any use for once chain RPC itself is
// out of scope (see DESIGN.md).
type controlServer struct {
	mgr *manager.Manager
}

type infoResponse struct {
	NumActive int `json:"num_active"`
	PeerMax   int `json:"peer_max"`
}

func (c *controlServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := c.mgr.FetchInfo()
	json.NewEncoder(w).Encode(infoResponse{
		NumActive: info.NumActive,
		PeerMax:   info.PeerMax,
	})
}

func (c *controlServer) handleBan(w http.ResponseWriter, r *http.Request) {
	idHex := r.URL.Query().Get("id")
	reason := r.URL.Query().Get("reason")

	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != len(peer.ID{}) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	var id peer.ID
	copy(id[:], raw)

	c.mgr.BanPeer(id, reason)
	w.WriteHeader(http.StatusNoContent)
}

// handleReconnect lets an operator manually re-pursue a known peer
// outside of the control loop's own cadence, exercising the manager's
// one-shot reconnect helper.
func (c *controlServer) handleReconnect(w http.ResponseWriter, r *http.Request) {
	idHex := r.URL.Query().Get("id")
	addrStr := r.URL.Query().Get("addr")

	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != len(peer.ID{}) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var id peer.ID
	copy(id[:], raw)

	addr, err := net.ResolveTCPAddr("tcp", addrStr)
	if err != nil {
		http.Error(w, "invalid addr", http.StatusBadRequest)
		return
	}

	c.mgr.ScheduleReconnect(peer.Info{ID: id, Addr: addr})
	w.WriteHeader(http.StatusNoContent)
}

// listenAndServeControl starts the admin HTTP listener in the background,
// including a /metrics endpoint over reg so the gauges manager.Metrics
// sets are actually readable by something outside the process. A
// failure to bind is logged, not fatal — the daemon's peer networking
// works fine without a control surface, it just can't be inspected.
func listenAndServeControl(addr string, mgr *manager.Manager, reg *prometheus.Registry) {
	if addr == "" {
		return
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		ltndLog.Errorf("control server: unable to listen on %v: %v", addr, err)
		return
	}

	mux := http.NewServeMux()
	cs := &controlServer{mgr: mgr}
	mux.HandleFunc("/info", cs.handleInfo)
	mux.HandleFunc("/ban", cs.handleBan)
	mux.HandleFunc("/reconnect", cs.handleReconnect)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		ltndLog.Infof("control server listening on %v", addr)
		if err := http.Serve(l, mux); err != nil {
			ltndLog.Errorf("control server stopped: %v", err)
		}
	}()
}
