package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stockroom.ai/internal/observerproto"
	"stockroom.ai/internal/sim/zone"
)

// Source is the read side of a running zone set.
type Source interface {
	ZoneIDs() []string
	Metrics() []zone.Metrics
	Ticks() uint64
}

type Server struct {
	src        Source
	tickRateHz int
	palette    []string
	log        *log.Logger

	// AllowRemote disables the loopback-only check.
	AllowRemote bool

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session

	dropped atomic.Uint64
}

type session struct {
	id     string
	out    chan []byte
	mu     sync.Mutex
	zones  map[string]bool
	every  int
	audits bool
}

func (s *session) set(sub observerproto.SubscribeMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones = nil
	if len(sub.Zones) > 0 {
		s.zones = make(map[string]bool, len(sub.Zones))
		for _, z := range sub.Zones {
			s.zones[z] = true
		}
	}
	s.every = sub.MetricsEveryTicks
	s.audits = sub.Audits
}

func (s *session) wants(zoneID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones == nil || s.zones[zoneID]
}

func NewServer(src Source, tickRateHz int, palette []string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		src:        src,
		tickRateHz: tickRateHz,
		palette:    palette,
		log:        logger,
		sessions:   map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetSource replaces the zone source. Handlers answer 503 until one is set.
func (s *Server) SetSource(src Source) {
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

func (s *Server) source() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.src
}

// Dropped counts messages discarded because a session's buffer was full.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		src := s.source()
		if src == nil {
			http.Error(rw, "not ready", http.StatusServiceUnavailable)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            src.Ticks(),
			TickRateHz:      s.tickRateHz,
			ItemPalette:     s.palette,
		}
		for _, m := range src.Metrics() {
			resp.Zones = append(resp.Zones, observerproto.ZoneRef{ID: m.Zone, Tick: m.Tick})
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// MetricsHandler serves the current zone metrics as JSON.
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		src := s.source()
		if src == nil {
			http.Error(rw, "not ready", http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"tick":              src.Ticks(),
			"zones":             src.Metrics(),
			"observer_sessions": s.Sessions(),
			"observer_dropped":  s.Dropped(),
		})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := &session{
			id:  fmt.Sprintf("O%d", s.nextID.Add(1)),
			out: make(chan []byte, 1024),
		}
		sess.set(sub)
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()
		s.log.Printf("observer %s subscribed zones=%v", sess.id, sub.Zones)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				sess.set(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if sub.MetricsEveryTicks <= 0 {
		sub.MetricsEveryTicks = 1
	}
	return sub, true
}

func (s *Server) each(fn func(*session)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		fn(sess)
	}
}

func (s *Server) send(sess *session, b []byte) {
	select {
	case sess.out <- b:
	default:
		s.dropped.Add(1)
	}
}

// PublishTick sends a ZONE_METRICS message to every session due at tick.
func (s *Server) PublishTick(tick uint64, ms []zone.Metrics) {
	s.each(func(sess *session) {
		sess.mu.Lock()
		every := sess.every
		sess.mu.Unlock()
		if every > 1 && tick%uint64(every) != 0 {
			return
		}
		msg := observerproto.ZoneMetricsMsg{
			Type:            observerproto.TypeZoneMetrics,
			ProtocolVersion: observerproto.Version,
			Tick:            tick,
		}
		for _, m := range ms {
			if sess.wants(m.Zone) {
				msg.Zones = append(msg.Zones, stats(m))
			}
		}
		if len(msg.Zones) == 0 {
			return
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return
		}
		s.send(sess, b)
	})
}

// PublishReactivation matches the zone reactivation hook signature.
func (s *Server) PublishReactivation(r zone.Reactivation) {
	b, err := json.Marshal(observerproto.ReactivateMsg{
		Type:            observerproto.TypeReactivate,
		ProtocolVersion: observerproto.Version,
		Zone:            r.Zone,
		Tick:            r.Tick,
		Entity:          r.Entity.String(),
		ActionID:        r.ActionID,
		Item:            r.Key.String(),
	})
	if err != nil {
		return
	}
	s.each(func(sess *session) {
		if sess.wants(r.Zone) {
			s.send(sess, b)
		}
	})
}

// WriteAudit forwards audit entries to sessions subscribed to audits.
func (s *Server) WriteAudit(e zone.AuditEntry) error {
	b, err := json.Marshal(observerproto.AuditMsg{
		Type:            observerproto.TypeAudit,
		ProtocolVersion: observerproto.Version,
		Zone:            e.Zone,
		Tick:            e.Tick,
		Actor:           e.Actor,
		Action:          e.Action,
		Entity:          e.Entity,
		Slot:            e.Slot,
		Item:            e.Item,
		Quantity:        e.Quantity,
		Code:            e.Code,
		Reason:          e.Reason,
	})
	if err != nil {
		return err
	}
	s.each(func(sess *session) {
		sess.mu.Lock()
		on := sess.audits
		sess.mu.Unlock()
		if on && sess.wants(e.Zone) {
			s.send(sess, b)
		}
	})
	return nil
}

func stats(m zone.Metrics) observerproto.ZoneStats {
	return observerproto.ZoneStats{
		Zone:         m.Zone,
		Tick:         m.Tick,
		Entities:     m.Entities,
		IndexedSlots: m.IndexedSlots,
		QueueDepth:   m.QueueDepth,
		Reservations: m.Reservations,
		NotFound:     m.NotFound,
		NoDropOff:    m.NoDropOff,
		Disabled:     m.Disabled,
		BatchCommits: m.BatchCommits,
		BatchRejects: m.BatchRejects,
		Conflicts:    m.Conflicts,
		ApplyMS:      m.ApplyMS,
		Strategy:     [3]uint64{m.Sched.Inline, m.Sched.Chunked, m.Sched.Parallel},
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
