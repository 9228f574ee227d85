// Package gateway is the streaming WebSocket front of the pipeline. Each
// inbound message starts one logical flow identified by a fresh rid; flows on
// a session run one at a time and always end with a terminal event.
package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itskum47/fleetgate/control_plane/decision"
	"github.com/itskum47/fleetgate/control_plane/execution"
	"github.com/itskum47/fleetgate/control_plane/streaming"
	"github.com/itskum47/fleetgate/control_plane/timeline"
)

const (
	DefaultChunkSize  = 24
	DefaultChunkDelay = 15 * time.Millisecond
	// DefaultRunPollInterval is how often a flow waiting on a run checks the
	// store in case the final event never reached it.
	DefaultRunPollInterval = 5 * time.Second

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 64 << 10
)

// Router is the Decision Engine split into its two suspension points.
type Router interface {
	Prepare(ctx context.Context, req decision.Request) (*decision.Prepared, error)
	Decide(ctx context.Context, p *decision.Prepared) (*decision.Outcome, error)
}

// TenantFunc resolves the tenant of an upgrade request.
type TenantFunc func(r *http.Request) (string, error)

// Options tune token streaming and run following.
type Options struct {
	ChunkSize       int
	ChunkDelay      time.Duration
	RunPollInterval time.Duration
}

// Gateway upgrades HTTP requests into sessions.
type Gateway struct {
	router   Router
	pipeline *execution.Pipeline
	bus      streaming.Subscriber
	timeline *timeline.Store
	hub      *Hub
	tenant   TenantFunc
	opts     Options
	upgrader websocket.Upgrader
}

func New(router Router, pipeline *execution.Pipeline, bus streaming.Subscriber, tl *timeline.Store, hub *Hub, tenant TenantFunc, opts Options) *Gateway {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}
	if opts.RunPollInterval <= 0 {
		opts.RunPollInterval = DefaultRunPollInterval
	}
	return &Gateway{
		router:   router,
		pipeline: pipeline,
		bus:      bus,
		timeline: tl,
		hub:      hub,
		tenant:   tenant,
		opts:     opts,
		upgrader: websocket.Upgrader{
			// Origin checks are left to the CORS layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID, err := g.tenant(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[GATEWAY] WebSocket upgrade failed: %v", err)
		return
	}

	// The session outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	s := &Session{
		id:       uuid.NewString(),
		tenantID: tenantID,
		conn:     conn,
		gw:       g,
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := g.hub.Register(s); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		s.close()
		return
	}
	defer g.hub.Unregister(s)

	s.serve()
}
