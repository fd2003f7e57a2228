// Command dcc_server runs one node of the distributed commit
// coordinator: the arbiter vote loop, the HTTP/3 replication streams,
// the raft replicated register, membership and recovery, and the
// admin HTTP surface.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/Charles-Schleich/postgres-cluster/config"
	"github.com/Charles-Schleich/postgres-cluster/config/certs"
	"github.com/Charles-Schleich/postgres-cluster/core/cluster"
	"github.com/Charles-Schleich/postgres-cluster/core/csn"
	"github.com/Charles-Schleich/postgres-cluster/core/dcc"
	"github.com/Charles-Schleich/postgres-cluster/core/deadlock"
	"github.com/Charles-Schleich/postgres-cluster/core/host"
	"github.com/Charles-Schleich/postgres-cluster/core/host/memengine"
	"github.com/Charles-Schleich/postgres-cluster/core/membership"
	"github.com/Charles-Schleich/postgres-cluster/core/messaging"
	"github.com/Charles-Schleich/postgres-cluster/core/recovery"
	"github.com/Charles-Schleich/postgres-cluster/core/registry"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/apply"
	"github.com/Charles-Schleich/postgres-cluster/core/replication/stream"
	"github.com/Charles-Schleich/postgres-cluster/core/txstate"
	"github.com/Charles-Schleich/postgres-cluster/pkg/connection"
	"github.com/Charles-Schleich/postgres-cluster/pkg/logger"
	"github.com/Charles-Schleich/postgres-cluster/pkg/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "dcc.yaml", "path to the yaml configuration file")
		nodeID     = flag.Int("node_id", 0, "override node_id from the config file")
		bootstrap  = flag.Bool("bootstrap_register", false, "bootstrap the replicated register on this node")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *nodeID != 0 {
		cfg.NodeID = *nodeID
		if err := cfg.Validate(); err != nil {
			log.Fatalf("config override: %v", err)
		}
	}
	if *bootstrap {
		cfg.BootstrapRegister = true
	}

	zlog, err := logger.New(cfg.Logger, cfg.NodeID)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(zlog, cfg); err != nil {
		zlog.Fatal("node failed", zap.Error(err))
	}
}

func run(zlog *zap.Logger, cfg *config.Config) error {
	peers, err := cfg.Peers()
	if err != nil {
		return err
	}
	self := peers[cfg.NodeID-1]

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "dcc.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !held {
		return errors.New("data directory already in use by another node")
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry, cfg.NodeID)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		telShutdown(sctx)
	}()

	serverTLS, clientTLS, err := loadTLS(zlog, cfg)
	if err != nil {
		return err
	}

	engine, err := memengine.Open(zlog.Named("host"), cfg.DataDir)
	if err != nil {
		return err
	}
	defer engine.Close()

	state, err := cluster.NewState(zlog.Named("cluster"), txstate.NodeID(cfg.NodeID), peers)
	if err != nil {
		return err
	}

	// One replication slot per peer tracks how far it has applied our
	// log; the donor loop advances them from heartbeat acks.
	for _, n := range state.Nodes {
		if n.ID == state.SelfID {
			continue
		}
		if err := engine.CreateSlot(n.ID); err != nil {
			return err
		}
	}
	clock := csn.NewClock()

	reg, err := registry.NewRaftRegister(zlog.Named("registry"), registry.RaftConfig{
		NodeID:    strconv.Itoa(cfg.NodeID),
		BindAddr:  self.RaftAddr(),
		DataDir:   cfg.DataDir,
		Bootstrap: cfg.BootstrapRegister,
		Servers:   raftServers(peers),
	})
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	bus := messaging.NewBus()
	pool := connection.NewManager(len(peers), cfg.ConnectTimeout())
	defer pool.Close()

	dispatcher := messaging.NewDispatcher(zlog.Named("votes"), state, clock)
	listener, err := messaging.NewListener(zlog.Named("arbiter"), self.ArbiterAddr(), dispatcher)
	if err != nil {
		return err
	}
	voteSender := messaging.NewSender(zlog.Named("arbiter"), bus, pool, func(id txstate.NodeID) string {
		return peers[id-1].ArbiterAddr()
	})

	rec := recovery.NewManager(zlog.Named("recovery"), state, engine, recovery.Config{
		MinRecoveryLag: cfg.MinRecoveryLag,
		MaxRecoveryLag: cfg.MaxRecoveryLag,
	})
	det := deadlock.NewDetector(zlog.Named("deadlock"), state, reg)

	recv, err := stream.NewReceiver(zlog.Named("stream"), stream.ReceiverConfig{
		Addr: self.ReplAddr(),
		TLS:  serverTLS,
	})
	if err != nil {
		return err
	}
	streams := newPeerStreams(zlog.Named("stream"), state, clientTLS, txstate.NodeID(cfg.NodeID), peers)
	defer streams.Close()

	coordinator, err := dcc.New(dcc.Config{
		GCPeriod:        cfg.GCPeriod,
		Min2PCTimeout:   cfg.TwoPCMinTimeout(),
		PrepareRatio:    cfg.TwoPCPrepareRatio,
		VacuumDelay:     cfg.VacuumDelay(),
		DeadlockTimeout: cfg.DeadlockTimeout(),
	}, dcc.Deps{
		Log:      zlog.Named("dcc"),
		Clock:    clock,
		State:    state,
		Engine:   engine,
		Bus:      bus,
		Recovery: rec,
		Register: reg,
		Streams:  streams,
		Detector: det,
		Meter:    tel.Meter,
	})
	if err != nil {
		return err
	}

	monitor := membership.NewMonitor(zlog.Named("membership"), state, clock, reg, engine, membership.Config{
		HeartbeatSendInterval: cfg.HeartbeatSendInterval(),
		HeartbeatRecvTimeout:  cfg.HeartbeatRecvTimeout(),
		NodeDisableDelay:      cfg.NodeDisableDelay(),
	})

	if err := recv.Start(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		recv.Close(sctx)
	}()

	var wg sync.WaitGroup
	goRun := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	goRun(monitor.Run)
	goRun(listener.Run)
	goRun(voteSender.Run)
	goRun(coordinator.RunGC)
	goRun(coordinator.RunDeadlockDetection)
	goRun(func(ctx context.Context) { donorLoop(ctx, zlog, cfg, state, rec, engine, coordinator) })
	goRun(func(ctx context.Context) { promoteLoop(ctx, zlog, cfg, state, engine) })

	for _, p := range state.Nodes {
		if p.ID == state.SelfID {
			continue
		}
		worker := apply.NewWorker(zlog.Named("apply"), p.ID, engine, coordinator)
		frames := recv.Stream(strconv.Itoa(int(p.ID)))
		source := p.ID
		goRun(func(ctx context.Context) {
			if err := runApply(ctx, rec, worker, source, frames); err != nil && !errors.Is(err, context.Canceled) {
				coordinator.HandleApplyError(source, err)
			}
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat", monitor.Handler())
	mux.HandleFunc("/registry/set", reg.Handler())
	mux.Handle("/admin/", coordinator.AdminHandler())
	httpSrv := &http.Server{Addr: self.HTTPAddr(), Handler: mux}
	goRun(func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		httpSrv.Shutdown(sctx)
	})
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	zlog.Info("node started",
		zap.Int("node", cfg.NodeID),
		zap.String("repl", self.ReplAddr()),
		zap.String("arbiter", self.ArbiterAddr()),
		zap.String("http", self.HTTPAddr()))

	<-ctx.Done()
	zlog.Info("shutting down")
	wg.Wait()
	return nil
}

// loadTLS returns the server and client TLS configs, generating a
// self-signed set under the data directory when none is configured.
func loadTLS(zlog *zap.Logger, cfg *config.Config) (server, client *tls.Config, err error) {
	ca, cert, key := cfg.TLSCAFile, cfg.TLSCertFile, cfg.TLSKeyFile
	clientCert, clientKey := cert, key
	if ca == "" {
		dir := filepath.Join(cfg.DataDir, "certs")
		ca = filepath.Join(dir, "ca.crt")
		cert = filepath.Join(dir, "server.crt")
		key = filepath.Join(dir, "server.key")
		clientCert = filepath.Join(dir, "client.crt")
		clientKey = filepath.Join(dir, "client.key")
		if _, statErr := os.Stat(ca); os.IsNotExist(statErr) {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, err
			}
			zlog.Info("generating self-signed TLS material", zap.String("dir", dir))
			if err := certs.Generate(dir); err != nil {
				return nil, nil, err
			}
		}
	}
	server, err = certs.ServerTLSConfig(ca, cert, key)
	if err != nil {
		return nil, nil, err
	}
	client, err = certs.ClientTLSConfig(ca, clientCert, clientKey)
	if err != nil {
		return nil, nil, err
	}
	return server, client, nil
}

func raftServers(peers []cluster.ConnInfo) []registry.RaftServer {
	out := make([]registry.RaftServer, 0, len(peers))
	for i, p := range peers {
		out = append(out, registry.RaftServer{
			ID:       strconv.Itoa(i + 1),
			RaftAddr: p.RaftAddr(),
			HTTPAddr: p.HTTPAddr(),
		})
	}
	return out
}

// donorLoop watches peers we stream to: it drops slots of hopeless
// laggards, advances slots to the positions peers acknowledged over
// heartbeats, and walks recovering peers through the catch-up
// protocol, flagging the caught-up marker when one fully drains. It
// also sends position-only sync markers to recovering peers so acks
// keep flowing while no commit traffic does.
func donorLoop(ctx context.Context, zlog *zap.Logger, cfg *config.Config, state *cluster.State, rec *recovery.Manager, engine host.Engine, coordinator *dcc.DCC) {
	ticker := time.NewTicker(cfg.HeartbeatSendInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec.CheckSlots()

		type peerFlush struct {
			id      txstate.NodeID
			flushed host.LSN
		}
		var acked, recovering []peerFlush
		state.RLock()
		for _, n := range state.Nodes {
			if n.ID == state.SelfID || n.SlotDropped {
				continue
			}
			if n.FlushPos != 0 {
				acked = append(acked, peerFlush{n.ID, host.LSN(n.FlushPos)})
			}
			if !state.IsEnabled(n.ID) {
				recovering = append(recovering, peerFlush{n.ID, host.LSN(n.FlushPos)})
			}
		}
		state.RUnlock()

		for _, p := range acked {
			if err := engine.AdvanceSlot(p.id, p.flushed); err != nil {
				zlog.Warn("advance slot", zap.Int("node", int(p.id)), zap.Error(err))
			}
		}
		for _, p := range recovering {
			if p.flushed != 0 && rec.CaughtUp(p.id, p.flushed) == recovery.Done {
				coordinator.FlagCaughtUp(p.id)
			}
			if err := coordinator.EmitSync(p.id); err != nil {
				zlog.Debug("sync marker send", zap.Int("node", int(p.id)), zap.Error(err))
			}
		}
	}
}

// runApply holds the stream until the recovery manager assigns this
// source a receiver mode. The decision waits for the first frame so an
// idle stream never claims the recovery slot, and while another
// receiver holds the slot the frame is parked until the slot frees.
func runApply(ctx context.Context, rec *recovery.Manager, worker *apply.Worker, source txstate.NodeID, frames <-chan []byte) error {
	var first []byte
	select {
	case <-ctx.Done():
		return ctx.Err()
	case frame, ok := <-frames:
		if !ok {
			return nil
		}
		first = frame
	}
	for rec.ReceiverMode(source) == recovery.ModeWait {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := worker.Apply(first); err != nil {
		return err
	}
	return worker.Run(ctx, frames)
}

// promoteLoop moves a freshly connected node online once nothing is
// left to replay: no donor claimed the recovery slot and the host log
// did not move for a full disable delay.
func promoteLoop(ctx context.Context, zlog *zap.Logger, cfg *config.Config, state *cluster.State, engine host.Engine) {
	ticker := time.NewTicker(cfg.NodeDisableDelay())
	defer ticker.Stop()
	var lastLSN host.LSN
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lsn := engine.CurrentLSN()
		state.Lock()
		if state.Status == cluster.StatusConnected && state.RecoverySlot == 0 && lsn == lastLSN {
			zlog.Info("nothing to replay, going online")
			state.SetStatus(cluster.StatusOnline)
		}
		state.Unlock()
		lastLSN = lsn
	}
}
