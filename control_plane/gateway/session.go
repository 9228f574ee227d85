package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/timeline"
)

// Session is one WebSocket connection. Closing the socket cancels ctx, which
// aborts whatever flow is in flight.
type Session struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	gw       *Gateway

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

// serve runs flows sequentially until the socket closes.
func (s *Session) serve() {
	defer s.cancel()

	inbox := make(chan []byte, 8)
	go s.readPump(inbox)
	go s.pingLoop()

	for msg := range inbox {
		s.handle(msg)
	}
}

func (s *Session) readPump(inbox chan<- []byte) {
	defer close(inbox)
	defer s.cancel()

	s.conn.SetReadLimit(maxMessage)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[GATEWAY] Session %s read error: %v", s.id, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case inbox <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) write(env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

// handle starts one flow for an inbound message.
func (s *Session) handle(raw []byte) {
	f := &flow{s: s, rid: uuid.NewString(), fsm: NewFSM()}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		f.emit(EventGatewayError, errorData{Error: "invalid message: " + err.Error()})
		observability.GatewayFlows.WithLabelValues("unknown", outcomeError).Inc()
		return
	}
	f.agentID = in.AgentID

	mode := in.resolveMode()
	var outcome string
	switch mode {
	case ModeRouter:
		outcome = f.route(in)
	case ModePreflight:
		outcome = f.preflight(in, false)
	case ModeExecution:
		if len(in.Decision) == 0 && in.RunID != "" {
			outcome = f.resume(in.RunID)
		} else {
			outcome = f.preflight(in, true)
		}
	default:
		f.emit(EventGatewayError, errorData{Error: "unknown mode " + string(in.Mode)})
		outcome = outcomeError
	}
	if s.ctx.Err() != nil {
		outcome = outcomeCancelled
	}
	observability.GatewayFlows.WithLabelValues(string(mode), outcome).Inc()
}

func (s *Session) record(f *flow, eventType string, ts time.Time) {
	if s.gw.timeline == nil {
		return
	}
	meta := map[string]string{"session_id": s.id, "state": f.fsm.State().String()}
	if f.runID != "" {
		meta["run_id"] = f.runID
	}
	s.gw.timeline.Record(timeline.StageEvent{
		RID:       f.rid,
		Stage:     eventType,
		Timestamp: ts,
		TenantID:  s.tenantID,
		AgentID:   f.agentID,
		Metadata:  meta,
	})
}
