// Package adminapi exposes the node's runtime state over plain HTTP/JSON
// for local diagnostics: connected peers, the fragment index, and manual
// delete/download command injection. It is a thin adapter between the
// wire format and the core components, mirroring the teacher's
// thin-RPC-server-over-a-manager shape without the generated-stub
// transport.
package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fragmesh/storage-node/internal/commands"
	"github.com/fragmesh/storage-node/internal/fragindex"
	"github.com/fragmesh/storage-node/internal/peer"
)

// peerSource is the subset of peer.Manager the server reads.
type peerSource interface {
	Snapshots() []peer.Snapshot
}

// Server implements the admin HTTP surface.
type Server struct {
	peers    peerSource
	index    *fragindex.Index
	commands *commands.Handler
	logger   *slog.Logger
}

// New creates a Server and returns the URL prefix its routes are mounted
// under and the http.Handler serving them, mirroring the teacher's
// New(mgr, logger) -> (path, handler) shape.
func New(peers peerSource, index *fragindex.Index, cmds *commands.Handler, logger *slog.Logger) (string, http.Handler) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		peers:    peers,
		index:    index,
		commands: cmds,
		logger:   logger.With(slog.String("component", "adminapi")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/peers", s.handleListPeers)
	mux.HandleFunc("GET /v1/fragments", s.handleListFragments)
	mux.HandleFunc("POST /v1/commands/delete", s.handleDelete)
	mux.HandleFunc("POST /v1/commands/download", s.handleDownload)

	return "/v1/", mux
}

// peerView is the wire shape of one peer.Snapshot.
type peerView struct {
	Remote        string  `json:"remote"`
	State         string  `json:"state"`
	IdleSeconds   float64 `json:"idle_seconds"`
	TransferCount int     `json:"transfer_count"`
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	snaps := s.peers.Snapshots()
	out := make([]peerView, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, peerView{
			Remote:        sn.Remote,
			State:         sn.State,
			IdleSeconds:   sn.IdleSeconds,
			TransferCount: sn.TransferCount,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type fragmentsView struct {
	Count     int      `json:"count"`
	Fragments []string `json:"fragments"`
}

func (s *Server) handleListFragments(w http.ResponseWriter, r *http.Request) {
	snap := s.index.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	s.writeJSON(w, http.StatusOK, fragmentsView{Count: len(ids), Fragments: ids})
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.commands.HandleDelete(r.Context(), req.IDs)
	w.WriteHeader(http.StatusAccepted)
}

type urlsRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req urlsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	s.commands.HandleDownload(r.Context(), req.URLs)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write json response failed", slog.Any("error", err))
	}
}

type errorView struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorView{Error: err.Error()})
}

// ErrNotFound names a 404 from the admin surface. No function in this
// repository returns it.
var ErrNotFound = errors.New("adminapi: not found")
