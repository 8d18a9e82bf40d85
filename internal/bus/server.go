package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/logging"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/scaling"
	"github.com/tOgg1/elastic/internal/topology"
)

var ErrServerStarted = errors.New("bus server already started")

// Scaler runs scaling operations.
type Scaler interface {
	EnableNodes(ctx context.Context, vmIDs []string, totalTargetEnabled int, clusterID string) ([]string, error)
	DisableNodes(ctx context.Context, vmIDs []string, totalTargetEnabled int, clusterID string) ([]string, error)
}

// InventorySink receives inventory updates.
type InventorySink interface {
	ApplyInventory(inv topology.Inventory) error
}

// Server dispatches scaling directives from NATS to a Scaler and applies
// inventory updates. Operations on the same cluster run one at a time.
type Server struct {
	conn      Conn
	scaler    Scaler
	inventory InventorySink
	cfg       Config
	logger    zerolog.Logger

	slots chan struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu      sync.Mutex
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server. inventory may be nil to skip the inventory
// subscription.
func NewServer(conn Conn, scaler Scaler, inventory InventorySink, cfg Config, opts ...ServerOption) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s := &Server{
		conn:      conn,
		scaler:    scaler,
		inventory: inventory,
		cfg:       cfg,
		logger:    logging.Component("bus"),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the configured subjects. Operations started by the
// server are cancelled when ctx is.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrServerStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	sub, err := s.conn.QueueSubscribe(s.cfg.ScaleSubject, s.cfg.QueueGroup, s.handleScale)
	if err != nil {
		s.cancel()
		return fmt.Errorf("subscribe %s: %w", s.cfg.ScaleSubject, err)
	}
	s.subs = append(s.subs, sub)

	if s.inventory != nil && s.cfg.InventorySubject != "" {
		sub, err := s.conn.Subscribe(s.cfg.InventorySubject, s.handleInventory)
		if err != nil {
			s.cancel()
			return multierror.Append(fmt.Errorf("subscribe %s: %w", s.cfg.InventorySubject, err), s.unsubscribe())
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info().
		Str("scale_subject", s.cfg.ScaleSubject).
		Str("inventory_subject", s.cfg.InventorySubject).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Msg("bus server started")
	return nil
}

// Close unsubscribes, cancels running operations and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	err := s.unsubscribe()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.running.Wait()
	return err
}

// unsubscribe must be called with s.mu held.
func (s *Server) unsubscribe() error {
	var result *multierror.Error
	for _, sub := range s.subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.subs = nil
	return result.ErrorOrNil()
}

func (s *Server) handleScale(msg *nats.Msg) {
	var req ScaleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed scale request")
		s.reply(msg, ScaleReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	if err := req.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("cluster_id", req.ClusterID).Msg("rejecting invalid scale request")
		s.reply(msg, ScaleReply{OperationID: req.RequestID, Error: err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	// Registered under s.mu so Close either sees this request in running or
	// this request sees the cancelled context.
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		s.reply(msg, ScaleReply{OperationID: req.RequestID, Error: "server is shutting down"})
		return
	}
	s.running.Add(1)
	s.mu.Unlock()

	// Blocks the subscription when every slot is busy.
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.reply(msg, ScaleReply{OperationID: req.RequestID, Error: "server is shutting down"})
		s.running.Done()
		return
	}

	go func() {
		defer s.running.Done()
		defer func() { <-s.slots }()
		s.reply(msg, s.run(ctx, req))
	}()
}

func (s *Server) run(ctx context.Context, req ScaleRequest) ScaleReply {
	unlock := s.lockCluster(req.ClusterID)
	defer unlock()

	ctx = scaling.WithOperationID(ctx, req.RequestID)

	var (
		vmIDs []string
		err   error
	)
	switch req.Action {
	case models.ActionEnable:
		vmIDs, err = s.scaler.EnableNodes(ctx, req.VMIDs, req.TargetEnabled, req.ClusterID)
	default:
		vmIDs, err = s.scaler.DisableNodes(ctx, req.VMIDs, req.TargetEnabled, req.ClusterID)
	}

	reply := ScaleReply{OperationID: req.RequestID, VMIDs: vmIDs, Completed: vmIDs != nil}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

func (s *Server) lockCluster(clusterID string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[clusterID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[clusterID] = lock
	}
	s.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *Server) reply(msg *nats.Msg, reply ScaleReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode scale reply")
		return
	}
	if err := s.conn.Publish(msg.Reply, data); err != nil {
		s.logger.Warn().Err(err).Str("operation_id", reply.OperationID).Msg("failed to send scale reply")
	}
}

func (s *Server) handleInventory(msg *nats.Msg) {
	var inv topology.Inventory
	if err := json.Unmarshal(msg.Data, &inv); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed inventory update")
		return
	}
	if err := s.inventory.ApplyInventory(inv); err != nil {
		s.logger.Warn().Err(err).Str("cluster_id", inv.ClusterID).Msg("failed to apply inventory update")
		return
	}
	s.logger.Debug().Str("cluster_id", inv.ClusterID).Int("vms", len(inv.VMs)).Msg("inventory applied")
}
