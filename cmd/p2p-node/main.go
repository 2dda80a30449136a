// p2p-node is the storage-node daemon: it authenticates to a signaling
// service, negotiates WebRTC peer connections on demand, and streams
// cached fragments to remote peers while reporting device and transfer
// telemetry.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/fragmesh/storage-node/internal/adminapi"
	"github.com/fragmesh/storage-node/internal/commands"
	"github.com/fragmesh/storage-node/internal/config"
	"github.com/fragmesh/storage-node/internal/fragindex"
	"github.com/fragmesh/storage-node/internal/fsprobe"
	"github.com/fragmesh/storage-node/internal/hasher"
	"github.com/fragmesh/storage-node/internal/metrics"
	"github.com/fragmesh/storage-node/internal/peer"
	"github.com/fragmesh/storage-node/internal/signaling"
	"github.com/fragmesh/storage-node/internal/telemetry"
	appversion "github.com/fragmesh/storage-node/internal/version"
)

// deviceUpdateInterval is how often device_update is emitted while a
// signaling connection is live (spec.md Section 5).
const deviceUpdateInterval = 5 * time.Second

// shutdownTimeout bounds how long the admin HTTP server is given to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// hashVerifyChunkSize is the maximum number of resources per hash_verify
// event (spec.md Section 6).
const hashVerifyChunkSize = 5

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "node-settings.json", "path to node-settings.json")
	addr := flag.String("addr", ":8090", "admin/health/metrics HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(*logLevel),
	}))

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load settings", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("p2p-node starting",
		slog.String("version", appversion.Version),
		slog.String("addr", *addr),
		slog.Int("storage_paths", len(settings.Paths)),
	)

	if err := runNode(settings, *configPath, *addr, logger); err != nil {
		logger.Error("p2p-node exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("p2p-node stopped")
	return 0
}

func runNode(settings *config.Settings, configPath, addr string, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	idx := fragindex.New()
	remoteDirs := make([]string, 0, len(settings.Paths))
	for _, p := range settings.Paths {
		remoteDirs = append(remoteDirs, p.RemoteDir())
	}
	if err := idx.Scan(remoteDirs); err != nil {
		return fmt.Errorf("scan fragment directories: %w", err)
	}
	collector.SetFragmentsIndexed(idx.Len())
	logger.Info("fragment index scanned", slog.Int("count", idx.Len()))

	var settingsMu sync.Mutex
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sigClient, err := signaling.NewClient(ctx, settings.SignalingServers, signInFunc(configPath, settings, &settingsMu), logger)
	if err != nil {
		return fmt.Errorf("connect to signaling: %w", err)
	}
	defer sigClient.Close() //nolint:errcheck // best-effort on shutdown

	peerMgr := peer.NewManager(settings.WebRTC, sigClient, logger)
	peerMgr.SetFragmentIndex(idx)
	peerMgr.SetMetrics(collector)
	defer peerMgr.Shutdown()

	sampler := telemetry.NewSampler(peerMgr, sigClient, logger)
	peerMgr.SetStatsFinalizer(sampler)

	cmdHandler := commands.New(idx, settings.Paths, http.DefaultClient, settings.Info.ID, settings.Info.AuthToken, sigClient, logger)

	emitStartupInventory(idx, sigClient, logger)

	httpServer := newAdminServer(addr, peerMgr, idx, cmdHandler, reg, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return serveHTTP(gCtx, httpServer, addr, logger) })
	g.Go(func() error { sampler.Run(gCtx); return nil })
	g.Go(func() error { return runDeviceUpdates(gCtx, sigClient, settings, logger) })
	g.Go(func() error { return runCommandDispatch(gCtx, sigClient, cmdHandler) })
	g.Go(func() error { return runOfferDispatch(gCtx, sigClient, peerMgr, logger) })
	g.Go(func() error { return runAnswerDispatch(gCtx, sigClient, peerMgr, logger) })
	g.Go(func() error { return runIceDispatch(gCtx, sigClient, peerMgr, logger) })
	g.Go(func() error { return runWatchdog(gCtx, logger) })
	g.Go(func() error { return watchSignaling(gCtx, sigClient) })

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, peerMgr, httpServer, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run node: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Sign-up / Sign-in
// -------------------------------------------------------------------------

type signUpCredentials struct {
	NodeID    string `json:"node_id"`
	AuthToken string `json:"auth_token"`
}

// signInFunc builds the SignInFunc run on every fresh signaling
// connection: sign_up once (persisting the issued credentials) if the
// node has none yet, sign_in otherwise.
func signInFunc(configPath string, settings *config.Settings, mu *sync.Mutex) signaling.SignInFunc {
	return func(ctx context.Context, c signaling.Client) error {
		mu.Lock()
		info := settings.Info
		mu.Unlock()

		if !info.HasCredentials() {
			ack, err := c.EmitWithAck(ctx, "sign_up", map[string]any{})
			if err != nil {
				return fmt.Errorf("sign_up: %w", err)
			}
			if !ack.Success {
				return fmt.Errorf("sign_up rejected: %s", ack.Error)
			}
			var creds signUpCredentials
			if err := json.Unmarshal(ack.Data, &creds); err != nil {
				return fmt.Errorf("decode sign_up response: %w", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err := settings.PersistCredentials(configPath, creds.NodeID, creds.AuthToken); err != nil {
				return fmt.Errorf("persist credentials: %w", err)
			}
			return nil
		}

		ack, err := c.EmitWithAck(ctx, "sign_in", map[string]any{
			"id":         info.ID,
			"auth_token": info.AuthToken,
		})
		if err != nil {
			return fmt.Errorf("sign_in: %w", err)
		}
		if !ack.Success {
			return fmt.Errorf("sign_in rejected: %s", ack.Error)
		}
		return nil
	}
}

// -------------------------------------------------------------------------
// Startup fragment verification (spec.md Section 6)
// -------------------------------------------------------------------------

type hashResource struct {
	FragmentID string `json:"fragment_id"`
	Hash       string `json:"hash"`
}

type hashVerifyPayload struct {
	Index     int            `json:"index"`
	Total     int            `json:"total"`
	Resources []hashResource `json:"resources"`
}

// emitStartupInventory hashes every indexed fragment and reports the
// result as hash_empty (empty index) or chunked hash_verify events.
func emitStartupInventory(idx *fragindex.Index, sig signaling.Client, logger *slog.Logger) {
	snap := idx.Snapshot()
	if len(snap) == 0 {
		if err := sig.Emit("hash_empty", map[string]any{}); err != nil {
			logger.Warn("emit hash_empty failed", slog.Any("error", err))
		}
		return
	}

	resources := make([]hashResource, 0, len(snap))
	for fragmentID, path := range snap {
		hash, err := hasher.HashFile(path)
		if err != nil {
			logger.Error("hash fragment failed", slog.String("fragment_id", fragmentID), slog.Any("error", err))
			continue
		}
		resources = append(resources, hashResource{FragmentID: fragmentID, Hash: hash})
	}

	total := (len(resources) + hashVerifyChunkSize - 1) / hashVerifyChunkSize
	for i := 0; i < len(resources); i += hashVerifyChunkSize {
		end := i + hashVerifyChunkSize
		if end > len(resources) {
			end = len(resources)
		}
		payload := hashVerifyPayload{Index: i, Total: total, Resources: resources[i:end]}
		if err := sig.Emit("hash_verify", payload); err != nil {
			logger.Warn("emit hash_verify failed", slog.Any("error", err))
		}
	}
}

// -------------------------------------------------------------------------
// Device updates
// -------------------------------------------------------------------------

type deviceUpdatePayload struct {
	CPUPercent   float64 `json:"cpu_percent"`
	FreeRAMBytes uint64  `json:"free_ram_bytes"`
	StorageBytes uint64  `json:"storage_bytes"`
}

// runDeviceUpdates (re)arms a device_update ticker on every signaling
// (re)connect, per spec.md Section 4.5's "re-activates device updates
// every 5 s" reconnect policy.
func runDeviceUpdates(ctx context.Context, c signaling.Client, settings *config.Settings, logger *slog.Logger) error {
	var cancel context.CancelFunc
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Connected():
			if cancel != nil {
				cancel()
			}
			var tickCtx context.Context
			tickCtx, cancel = context.WithCancel(ctx)
			go deviceUpdateLoop(tickCtx, c, settings, logger)
		}
	}
}

func deviceUpdateLoop(ctx context.Context, c signaling.Client, settings *config.Settings, logger *slog.Logger) {
	ticker := time.NewTicker(deviceUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emitDeviceUpdate(c, settings, logger)
		}
	}
}

func emitDeviceUpdate(c signaling.Client, settings *config.Settings, logger *slog.Logger) {
	payload := deviceUpdatePayload{}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		payload.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload.FreeRAMBytes = vm.Available
	}
	if total, err := fsprobe.TotalAvailable(settings.Paths); err == nil {
		payload.StorageBytes = total
	}

	if err := c.Emit("device_update", payload); err != nil {
		logger.Warn("emit device_update failed", slog.Any("error", err))
	}
}

// watchSignaling observes the signaling connection's terminal state. A
// clean Close (Err nil) exits quietly along with the rest of the group;
// server-list exhaustion (Err non-nil) is fatal per the reconnect
// policy, so it is returned as an error to fail the errgroup and carry
// a non-zero exit code out of run(), letting an orchestrator restart
// the node.
func watchSignaling(ctx context.Context, c signaling.Client) error {
	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return fmt.Errorf("signaling connection ended fatally: %w", err)
		}
		return nil
	}
}

// -------------------------------------------------------------------------
// Signaling event dispatch
// -------------------------------------------------------------------------

func runCommandDispatch(ctx context.Context, c signaling.Client, h *commands.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.OnCommand():
			if len(cmd.Delete) > 0 {
				h.HandleDelete(ctx, cmd.Delete)
			}
			if len(cmd.Download) > 0 {
				h.HandleDownload(ctx, cmd.Download)
			}
		}
	}
}

func runOfferDispatch(ctx context.Context, c signaling.Client, mgr *peer.Manager, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case offer := <-c.OnOffer():
			answerSDP, err := mgr.OnOffer(ctx, offer.Remote, offer.SDP)
			if err != nil {
				logger.Warn("handle offer failed", slog.String("remote", offer.Remote), slog.Any("error", err))
				continue
			}
			if err := c.Emit("answer", signaling.Answer{Remote: offer.Remote, SDP: answerSDP}); err != nil {
				logger.Warn("emit answer failed", slog.String("remote", offer.Remote), slog.Any("error", err))
			}
		}
	}
}

func runAnswerDispatch(ctx context.Context, c signaling.Client, mgr *peer.Manager, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case answer := <-c.OnAnswer():
			if err := mgr.OnAnswer(answer.Remote, answer.SDP); err != nil {
				logger.Warn("handle answer failed", slog.String("remote", answer.Remote), slog.Any("error", err))
			}
		}
	}
}

func runIceDispatch(ctx context.Context, c signaling.Client, mgr *peer.Manager, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cand := <-c.OnIceCandidate():
			if cand.Candidate == "" {
				continue
			}
			if err := mgr.OnIceCandidate(cand.Remote, cand.Candidate); err != nil {
				logger.Warn("handle ice candidate failed", slog.String("remote", cand.Remote), slog.Any("error", err))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Admin/health/metrics HTTP server
// -------------------------------------------------------------------------

func newAdminServer(addr string, mgr *peer.Manager, idx *fragindex.Index, cmdHandler *commands.Handler, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	path, handler := adminapi.New(mgr, idx, cmdHandler, logger)
	mux.Handle(path, handler)

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serveHTTP(ctx context.Context, srv *http.Server, addr string, logger *slog.Logger) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	logger.Info("admin HTTP server listening", slog.String("addr", addr))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func gracefulShutdown(ctx context.Context, mgr *peer.Manager, srv *http.Server, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	mgr.CleanupAll()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}
