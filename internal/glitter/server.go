package glitter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geekgame/glitter/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 70 * time.Second
	subBufferSize  = 256
	maxActionBytes = 1 << 20
)

// IncomingAction is one decoded request waiting for the reducer loop.
// Exactly one ActionRep must be sent on Reply.
type IncomingAction struct {
	Req   ActionReq
	Reply chan ActionRep
}

type subscriber struct {
	send chan []byte
}

// Server is the reducer end of both channels. Actions arrive on the Actions
// channel one at a time per connection; events fan out to every subscriber.
type Server struct {
	Actions chan *IncomingAction

	secret string
	logf   func(format string, args ...any)

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	httpSrv *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func NewServer(secret string, logf func(format string, args ...any)) *Server {
	return &Server{
		Actions: make(chan *IncomingAction),
		secret:  secret,
		logf:    logf,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Serve binds the listen address derived from actionAddr and serves both
// endpoints until the context is canceled. eventAddr must share the same
// host:port; only its path may differ.
func (s *Server) Serve(ctx context.Context, actionAddr, eventAddr string) error {
	host, actionPath, err := ParseEndpoint(actionAddr)
	if err != nil {
		return err
	}
	_, eventPath, err := ParseEndpoint(eventAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(actionPath, s.handleAction)
	mux.HandleFunc(eventPath, s.handleEvent)

	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logf("listening on %s (action %s, event %s)", host, actionPath, eventPath)
	if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish fans an event out to every subscriber. Slow subscribers lose
// events; their counter gap detection will trigger a resync.
func (s *Server) Publish(e Event) {
	msg := EncodeParts(e.Encode())

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.send <- msg:
		default:
			telemetry.Metrics.PushDropped.Inc()
		}
	}
	telemetry.Metrics.EventsPublished.Inc()
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("action upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxActionBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		rep := s.dispatch(data)
		out, err := EncodeRep(rep)
		if err != nil {
			s.logf("encode action reply: %v", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeParts([][]byte{out})); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(data []byte) ActionRep {
	parts, err := DecodeParts(data)
	if err != nil || len(parts) != 2 {
		s.logf("malformed action packet: %v", err)
		return ActionRep{ErrorMsg: "服务器无法解析此请求", StateCounter: -1}
	}
	if s.secret != "" && string(parts[0]) != s.secret {
		s.logf("action packet with bad auth token")
		return ActionRep{ErrorMsg: "服务器无法解析此请求", StateCounter: -1}
	}
	req, err := DecodeReq(parts[1])
	if err != nil {
		s.logf("undecodable action payload: %v", err)
		return ActionRep{ErrorMsg: "服务器无法解析此请求", StateCounter: -1}
	}

	in := &IncomingAction{Req: req, Reply: make(chan ActionRep, 1)}
	s.Actions <- in
	return <-in.Reply
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("event upgrade failed: %v", err)
		return
	}

	sub := &subscriber{send: make(chan []byte, subBufferSize)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain the read side so pongs and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
