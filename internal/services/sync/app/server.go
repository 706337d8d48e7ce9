// Package server hosts the realtime sync HTTP/WebSocket process and wires
// the gateway, message pipeline, delta engine, and presence propagator to
// the durable store and the cross-instance bus.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/openmutual/realtime/internal/platform/id"
	"github.com/openmutual/realtime/internal/platform/timeouts"
	"github.com/openmutual/realtime/internal/services/sync/bus"
	"github.com/openmutual/realtime/internal/services/sync/delta"
	"github.com/openmutual/realtime/internal/services/sync/events"
	"github.com/openmutual/realtime/internal/services/sync/gateway"
	"github.com/openmutual/realtime/internal/services/sync/pipeline"
	"github.com/openmutual/realtime/internal/services/sync/presence"
	"github.com/openmutual/realtime/internal/services/sync/storage/sqlite"
)

const offlinePurgeInterval = time.Hour

// Config defines the inputs for the sync process.
type Config struct {
	HTTPAddr string
	DBPath   string
	// NATSURL connects the instance to the cross-instance bus. When empty
	// the server runs single-instance on an in-process bus.
	NATSURL    string
	InstanceID string
	// ChannelTokenSecret enables WebSocket auth; empty disables it and
	// identity falls back to the user_id query parameter.
	ChannelTokenSecret string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	HeartbeatInterval  time.Duration
	HeartbeatDeadline  time.Duration
	PresenceTTL        time.Duration
	BatchSize          int
	BatchFlushInterval time.Duration
}

// Server hosts the sync HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server

	store    *sqlite.Store
	fanout   bus.Bus
	registry *gateway.Registry
	pipe     *pipeline.Service
	deltas   *delta.Engine
	presence *presence.Propagator
	emitter  *events.Emitter

	unsubscribe func()
	purgeStop   chan struct{}
	purgeDone   chan struct{}
}

// NewServer builds a configured sync server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	instanceID := strings.TrimSpace(config.InstanceID)
	if instanceID == "" {
		generated, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate instance id: %w", err)
		}
		instanceID = generated
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var fanout bus.Bus
	if strings.TrimSpace(config.NATSURL) != "" {
		natsBus, err := bus.ConnectNATS(config.NATSURL, instanceID)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		fanout = natsBus
	} else {
		log.Printf("sync: no bus configured, running single-instance")
		fanout = bus.NewMemory(instanceID)
	}

	server, err := assemble(config, instanceID, store, fanout)
	if err != nil {
		_ = fanout.Close()
		_ = store.Close()
		return nil, err
	}
	return server, nil
}

func assemble(config Config, instanceID string, store *sqlite.Store, fanout bus.Bus) (*Server, error) {
	emitter := events.NewEmitter()

	// The registry's presence hook fires before the propagator exists, so
	// it goes through an indirection filled in below.
	var propagator *presence.Propagator
	registry := gateway.NewRegistry(gateway.Options{
		InstanceID:        instanceID,
		HeartbeatInterval: config.HeartbeatInterval,
		HeartbeatDeadline: config.HeartbeatDeadline,
		PresenceTTL:       config.PresenceTTL,
		LastSeen:          store,
		OnPresenceChange: func(userID string, online bool) {
			if propagator != nil {
				propagator.AnnounceChange(userID, online)
			}
		},
	})
	propagator = presence.NewPropagator(fanout, registry, store, config.PresenceTTL/3)

	pipe := pipeline.NewService(pipeline.Config{
		Store:         store,
		Bus:           fanout,
		Routes:        registry,
		Emitter:       emitter,
		MaxBatch:      config.BatchSize,
		FlushInterval: config.BatchFlushInterval,
	})
	deltas := delta.NewEngine(delta.Config{
		Store:   store,
		Bus:     fanout,
		Routes:  registry,
		Emitter: emitter,
	})

	server := &Server{
		httpAddr:        strings.TrimSpace(config.HTTPAddr),
		shutdownTimeout: config.ShutdownTimeout,
		store:           store,
		fanout:          fanout,
		registry:        registry,
		pipe:            pipe,
		deltas:          deltas,
		presence:        propagator,
		emitter:         emitter,
	}

	unsubscribe, err := fanout.Subscribe(bus.AllTopics(), server.dispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe bus: %w", err)
	}
	server.unsubscribe = unsubscribe

	authorizer := newChannelTokenAuthorizer(config.ChannelTokenSecret)
	handler := newHandler(deps{
		store:    store,
		registry: registry,
		pipeline: pipe,
		deltas:   deltas,
		presence: propagator,
		clock:    time.Now,
	}, authorizer, authorizer != nil)

	server.httpServer = &http.Server{
		Addr:              server.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return server, nil
}

// dispatch routes one bus envelope to the owning service. Envelopes this
// instance published are skipped; their local fan-out already happened on
// the publish path.
func (s *Server) dispatch(envelope bus.Envelope) {
	if envelope.Origin == s.registry.InstanceID() {
		return
	}

	switch envelope.Topic {
	case bus.TopicMessageNew:
		var payload pipeline.NewMessagePayload
		if !decodeEnvelope(envelope, &payload) {
			return
		}
		s.pipe.HandleRemoteNewMessage(payload)
	case bus.TopicMessageDelivered, bus.TopicMessageRead:
		var payload pipeline.ReceiptPayload
		if !decodeEnvelope(envelope, &payload) {
			return
		}
		s.pipe.HandleRemoteReceipt(payload)
	case bus.TopicTyping:
		var payload presence.TypingPayload
		if !decodeEnvelope(envelope, &payload) {
			return
		}
		s.presence.HandleRemoteTyping(payload)
	case bus.TopicProfileDelta:
		var payload delta.Delta
		if !decodeEnvelope(envelope, &payload) {
			return
		}
		s.deltas.HandleRemoteDelta(payload)
	case bus.TopicPresence:
		var payload presence.AnnouncePayload
		if !decodeEnvelope(envelope, &payload) {
			return
		}
		s.presence.HandleRemoteAnnouncement(payload)
	default:
		log.Printf("sync: drop envelope on unknown topic %q", envelope.Topic)
	}
}

func decodeEnvelope(envelope bus.Envelope, target any) bool {
	if err := json.Unmarshal(envelope.Payload, target); err != nil {
		log.Printf("sync: drop malformed payload on %s from %q: %v", envelope.Topic, envelope.Origin, err)
		return false
	}
	return true
}

// Events exposes the domain event emitter for embedding consumers such as
// notification delivery.
func (s *Server) Events() *events.Emitter { return s.emitter }

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe starts the background loops and runs the HTTP server
// until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	s.startLoops()

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func (s *Server) startLoops() {
	if s.purgeStop != nil {
		return
	}
	s.pipe.Start()
	s.registry.StartHeartbeat()
	s.presence.StartRefresh()

	s.purgeStop = make(chan struct{})
	s.purgeDone = make(chan struct{})
	go s.purgeLoop(s.purgeStop, s.purgeDone)
}

func (s *Server) purgeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(offlinePurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
			s.pipe.PurgeExpiredOffline(ctx)
			cancel()
		}
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.purgeStop != nil {
		close(s.purgeStop)
		<-s.purgeDone
		s.purgeStop = nil
		s.purgeDone = nil
	}
	s.presence.StopRefresh()
	s.registry.StopHeartbeat()
	s.pipe.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if err := s.fanout.Close(); err != nil {
		log.Printf("close bus: %v", err)
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}
