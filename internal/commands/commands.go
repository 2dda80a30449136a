// Package commands consumes delete/download commands relayed by the
// signaling client and applies them against the fragment index, the
// filesystem, and the origin fetcher.
package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/fragmesh/storage-node/internal/config"
	"github.com/fragmesh/storage-node/internal/fragindex"
	"github.com/fragmesh/storage-node/internal/fsprobe"
	"github.com/fragmesh/storage-node/internal/hasher"
	"github.com/fragmesh/storage-node/internal/originfetch"
)

// emitter is the subset of signaling.Client the handler needs. Declared
// locally (instead of importing internal/signaling) so commands has no
// dependency on the transport, only on the event contract.
type emitter interface {
	Emit(event string, payload any) error
}

// Handler applies delete/download commands relayed from signaling.
type Handler struct {
	index      *fragindex.Index
	paths      []config.StoragePath
	httpClient *http.Client
	nodeID     string
	nodeToken  string
	signaling  emitter
	logger     *slog.Logger
}

// New returns a Handler wired to the given collaborators.
func New(index *fragindex.Index, paths []config.StoragePath, httpClient *http.Client, nodeID, nodeToken string, signaling emitter, logger *slog.Logger) *Handler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		index:      index,
		paths:      paths,
		httpClient: httpClient,
		nodeID:     nodeID,
		nodeToken:  nodeToken,
		signaling:  signaling,
		logger:     logger.With(slog.String("component", "commands")),
	}
}

// HandleDelete removes each fragment id from the index and unlinks its
// backing file. A missing id is warned, not treated as an error — the
// remote side may be retrying a delete that already completed.
func (h *Handler) HandleDelete(ctx context.Context, ids []string) {
	for _, id := range ids {
		path, ok := h.index.Delete(id)
		if !ok {
			h.logger.Warn("delete: fragment not indexed", slog.String("fragment_id", id))
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.logger.Error("delete: unlink failed",
				slog.String("fragment_id", id), slog.String("path", path), slog.Any("error", err))
			continue
		}
		h.logger.Info("deleted fragment", slog.String("fragment_id", id))
	}
}

// verifiedResource is one entry of the command_verify payload.
type verifiedResource struct {
	FragmentID string `json:"fragment_id"`
	Hash       string `json:"hash"`
}

// HandleDownload fetches each URL from its origin, registers the result
// in the fragment index, and hashes it. Per-URL failures are logged and
// skipped; after the batch, a command_verify event is emitted listing
// every URL that succeeded (an empty batch emits nothing — Open
// Question 2 in DESIGN.md).
func (h *Handler) HandleDownload(ctx context.Context, urls []string) {
	var verified []verifiedResource

	for _, url := range urls {
		resource, ok := h.downloadOne(ctx, url)
		if ok {
			verified = append(verified, resource)
		}
	}

	if len(verified) == 0 {
		return
	}
	if h.signaling == nil {
		return
	}
	if err := h.signaling.Emit("command_verify", verified); err != nil {
		h.logger.Error("emit command_verify failed", slog.Any("error", err))
	}
}

func (h *Handler) downloadOne(ctx context.Context, url string) (verifiedResource, bool) {
	logger := h.logger.With(slog.String("url", url))

	size, filename, err := originfetch.Probe(ctx, h.httpClient, url, h.nodeID, h.nodeToken)
	if err != nil {
		logger.Warn("download: size/filename probe failed", slog.Any("error", err))
		return verifiedResource{}, false
	}

	best, free, err := fsprobe.MostFree(h.paths)
	if err != nil {
		logger.Warn("download: no storage path available", slog.Any("error", err))
		return verifiedResource{}, false
	}
	if free < uint64(size) {
		logger.Warn("download: insufficient free space", slog.Int64("size", size), slog.Uint64("free", free))
		return verifiedResource{}, false
	}

	finalPath, _, err := originfetch.Fetch(ctx, h.httpClient, url, h.nodeID, h.nodeToken, best.RemoteDir())
	if err != nil {
		logger.Warn("download: fetch failed", slog.Any("error", err))
		return verifiedResource{}, false
	}

	h.index.Put(filename, finalPath)

	hash, err := hasher.HashFile(finalPath)
	if err != nil {
		logger.Error("download: hash failed", slog.Any("error", err))
		return verifiedResource{}, false
	}

	return verifiedResource{FragmentID: filename, Hash: hash}, true
}
