package bus

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/arqonbus/arqonbus/internal/auth"
	"github.com/arqonbus/arqonbus/internal/casil"
	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/continuum"
	"github.com/arqonbus/arqonbus/internal/dispatch"
	"github.com/arqonbus/arqonbus/internal/metrics"
	"github.com/arqonbus/arqonbus/internal/omega"
	"github.com/arqonbus/arqonbus/internal/ops"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
	"github.com/arqonbus/arqonbus/internal/storage"
)

// serverSender is the identity stamped on envelopes the bus originates.
const serverSender = "arqonbus"

// Server owns every bus subsystem and the set of live connections.
type Server struct {
	cfg      *config.Config
	registry *routing.Registry
	commands *commands.Registry
	casil    *casil.Engine
	store    storage.Backend
	seq      *protocol.MonotonicSequenceGenerator

	operators *dispatch.OperatorRegistry
	collector *dispatch.ResultCollector
	tasks     *dispatch.Dispatcher

	webhooks *ops.WebhookManager
	cron     *ops.CronManager
	kv       *ops.KVStore
	lab      *omega.Lab

	validator *auth.Validator
	metrics   *metrics.Metrics
	logger    *log.Logger

	mu        sync.RWMutex
	conns     map[string]*connection
	startedAt time.Time
}

// NewServer wires the bus from its configuration. The storage backend
// is injected so the daemon can fail fast on strict-mode backends
// before accepting traffic.
func NewServer(cfg *config.Config, backend storage.Backend, m *metrics.Metrics) (*Server, error) {
	policyCfg := casil.DefaultConfig()
	if cfg.CASILPath != "" {
		loaded, err := casil.LoadConfigFile(cfg.CASILPath)
		if err != nil {
			return nil, err
		}
		policyCfg = loaded
	}

	s := &Server{
		cfg:      cfg,
		registry: routing.NewRegistry(),
		commands: commands.NewRegistry(),
		casil:    casil.NewEngine(policyCfg),
		store:    backend,
		seq:      protocol.NewSequenceGenerator(),
		operators: dispatch.NewOperatorRegistry(dispatch.OperatorAuth{
			Required: cfg.Operator.AuthRequired,
			Token:    cfg.Operator.Token,
		}),
		collector: dispatch.NewResultCollector(),
		webhooks:  ops.NewWebhookManager(0),
		kv:        ops.NewKVStore(),
		metrics:   m,
		logger:    log.New(log.Writer(), "[Bus] ", log.LstdFlags),
		conns:     make(map[string]*connection),
		startedAt: time.Now(),
	}

	s.tasks = dispatch.NewDispatcher(s.operators, s.collector, func(clientID string, data []byte) bool {
		return s.registry.SendToClient(clientID, data)
	})
	s.cron = ops.NewCronManager(func(env *protocol.Envelope) { s.Publish(env) })
	s.lab = omega.NewLab(omegaConfig(cfg), func(env *protocol.Envelope) int {
		return s.Publish(env)
	})

	if cfg.Auth.Enabled {
		s.validator = auth.NewValidator(cfg.Auth.JWTSecret)
	}

	s.casil.SetTelemetry(func(event map[string]interface{}) {
		decision, _ := event["decision"].(string)
		reason, _ := event["reason_code"].(string)
		s.metrics.CASILDecisions.WithLabelValues(decision, reason).Inc()
	})

	var projector continuum.Backend = continuum.NewMemoryProjector()
	if pg, ok := backend.(*storage.PostgresBackend); ok && pg.ProjectorAvailable() {
		projector = pg
	}

	s.registerBuiltins()
	continuum.RegisterCommands(s.commands, projector)
	ops.RegisterStoreCommands(s.commands, s.kv)
	ops.RegisterWebhookCommands(s.commands, s.webhooks)
	ops.RegisterCronCommands(s.commands, s.cron)
	omega.RegisterCommands(s.commands, s.lab)

	return s, nil
}

func omegaConfig(cfg *config.Config) omega.Config {
	oc := omega.DefaultConfig()
	oc.Enabled = cfg.Omega.Enabled
	if cfg.Omega.LabRoom != "" {
		oc.LabRoom = cfg.Omega.LabRoom
	}
	if cfg.Omega.LabChannel != "" {
		oc.LabChannel = cfg.Omega.LabChannel
	}
	if cfg.Omega.MaxEvents > 0 {
		oc.MaxEvents = cfg.Omega.MaxEvents
	}
	if cfg.Omega.MaxSubstrates > 0 {
		oc.MaxSubstrates = cfg.Omega.MaxSubstrates
	}
	if cfg.Omega.Runtime != "" {
		oc.Runtime = cfg.Omega.Runtime
	}
	oc.Firecracker = omega.FirecrackerConfig{
		Bin:          cfg.Omega.FirecrackerBin,
		KernelImage:  cfg.Omega.KernelImage,
		RootfsImage:  cfg.Omega.RootfsImage,
		WorkspaceDir: cfg.Omega.WorkspaceDir,
		MaxVMs:       cfg.Omega.MaxVMs,
	}
	return oc
}

// ValidateStartup runs the checks that must abort the daemon before it
// binds: the config preflight and the omega runtime probe.
func (s *Server) ValidateStartup() error {
	if err := s.cfg.Preflight(); err != nil {
		return err
	}
	return s.lab.ValidateStartup()
}

// Handler returns the WebSocket endpoint router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)
	return r
}

// CASIL exposes the policy engine to the admin facade.
func (s *Server) CASIL() *casil.Engine { return s.casil }

// Registry exposes the client registry to the admin facade.
func (s *Server) Registry() *routing.Registry { return s.registry }

// HandleWebSocket authenticates (when enabled), upgrades, registers the
// client, and starts its pumps. The first frame the client sees is the
// welcome message carrying its assigned id.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	metadata := map[string]interface{}{}

	if s.validator != nil {
		token := bearerToken(r)
		if token == "" {
			s.metrics.ConnectionsTotal.WithLabelValues("auth_failed").Inc()
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := s.validator.Validate(token)
		if err != nil {
			s.metrics.ConnectionsTotal.WithLabelValues("auth_failed").Inc()
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		metadata = claims.Metadata()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := protocol.GenerateClientID()
	c := newConnection(s, clientID, conn)
	if _, err := s.registry.Register(clientID, metadata, c.enqueue); err != nil {
		slog.Warn("client registration failed", "client_id", clientID, "error", err)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[clientID] = c
	s.mu.Unlock()

	s.metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	s.metrics.ConnectionsActive.Inc()
	s.logger.Printf("client connected: %s", clientID)

	go c.writePump()
	go c.readPump()

	welcome := protocol.NewEnvelope(protocol.TypeMessage, serverSender)
	welcome.ToClient = clientID
	welcome.Payload = map[string]interface{}{
		"welcome":   "Connected to ArqonBus",
		"client_id": clientID,
	}
	s.sendEnvelope(clientID, welcome)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// disconnect runs the client teardown in its contractual order:
// operator groups first, then cron jobs, webhook rules, and finally the
// registry entry.
func (s *Server) disconnect(clientID string) {
	s.mu.Lock()
	_, known := s.conns[clientID]
	delete(s.conns, clientID)
	s.mu.Unlock()
	if !known {
		return
	}

	s.operators.UnregisterAll(clientID)
	s.cron.CancelByOwner(clientID)
	s.webhooks.RemoveByOwner(clientID)
	s.commands.ForgetClient(clientID)
	if err := s.registry.Unregister(clientID); err == nil {
		s.metrics.ConnectionsActive.Dec()
	}
	s.logger.Printf("client disconnected: %s", clientID)
}

// encodeWire serializes a server emission in the infra wire format:
// binary frames when the infra lane is protobuf-only, JSON otherwise.
func (s *Server) encodeWire(env *protocol.Envelope) ([]byte, error) {
	if s.cfg.Infra.Protocol == config.InfraProtobuf && !s.cfg.Infra.AllowJSONInfra {
		return protocol.EncodeBinary(env)
	}
	return env.ToJSON()
}

// sendEnvelope serializes an envelope and queues it for one client.
func (s *Server) sendEnvelope(clientID string, env *protocol.Envelope) bool {
	data, err := s.encodeWire(env)
	if err != nil {
		slog.Warn("envelope encode failed", "client_id", clientID, "error", err)
		return false
	}
	return s.registry.SendToClient(clientID, data)
}

// Publish persists a server-originated envelope and fans it out to its
// room and channel. Cron emissions and omega telemetry come through
// here. Returns the number of clients written to.
func (s *Server) Publish(env *protocol.Envelope) int {
	if env.Type == protocol.TypeMessage {
		s.stampSequence(env)
	}
	s.persist(env)

	data, err := s.encodeWire(env)
	if err != nil {
		slog.Warn("publish encode failed", "error", err)
		return 0
	}
	sent := s.registry.BroadcastToRoomChannel(env.Room, env.Channel, data, env.Sender)
	s.metrics.EnvelopesFanout.WithLabelValues(env.Room).Add(float64(sent))

	if env.Type == protocol.TypeMessage {
		s.webhooks.OnMessage(env, env.Sender)
	}
	return sent
}

func (s *Server) stampSequence(env *protocol.Envelope) {
	if _, has := env.Sequence(); has {
		return
	}
	domain := "tenant:default"
	if tenant := env.TenantID(); tenant != "" {
		domain = "tenant:" + tenant
	}
	env.SetMeta(protocol.MetaSequence, s.seq.Next(domain))
}

// persist appends the envelope to history. Strict mode propagates the
// failure; degraded mode logs and lets the broadcast proceed.
func (s *Server) persist(env *protocol.Envelope) error {
	if s.store == nil || env.Room == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.store.Append(ctx, env); err != nil {
		s.metrics.StorageAppends.WithLabelValues("failed").Inc()
		if s.cfg.Storage.Mode == storage.ModeStrict {
			return err
		}
		slog.Warn("history append failed", "envelope_id", env.ID, "error", err)
		return nil
	}
	s.metrics.StorageAppends.WithLabelValues("stored").Inc()
	return nil
}

// Shutdown closes every live connection, cancels pending selection
// windows, and drains cron jobs and webhook workers.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.collector.CancelAll()
	s.cron.Shutdown(ctx)
	s.webhooks.Shutdown()
	s.lab.Close()
	if s.store != nil {
		s.store.Close()
	}
}
