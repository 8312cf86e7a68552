// Package app wires the Attenda subsystems into the public HTTP surface:
// the TwiML webhook for inbound calls, the media-stream WebSocket endpoint
// that feeds the call runtime, the conference status callback, and the
// health and metrics endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/attenda-ai/attenda/internal/call"
	"github.com/attenda-ai/attenda/internal/conference"
	"github.com/attenda-ai/attenda/internal/health"
	"github.com/attenda-ai/attenda/internal/observe"
	"github.com/attenda-ai/attenda/pkg/telephony"
	"github.com/attenda-ai/attenda/pkg/telephony/twilio"
)

// shutdownTimeout bounds the graceful drain of in-flight HTTP requests.
const shutdownTimeout = 10 * time.Second

// Config carries the server settings.
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// PublicBaseURL is the externally reachable base URL, used to build
	// the media-stream WebSocket URL returned in TwiML.
	PublicBaseURL string

	// Greeting, when non-empty, is spoken verbatim as soon as a new solo
	// session connects.
	Greeting string
}

// Deps are the collaborators the server dispatches into.
type Deps struct {
	Registry *call.Registry

	// Coordinator may be nil when transfer-to-human is disabled.
	Coordinator *conference.Coordinator

	Health  *health.Handler
	Metrics *observe.Metrics
}

// Server is the Attenda HTTP and WebSocket front end.
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	http *http.Server

	// greeting is swappable at runtime via [Server.SetGreeting].
	greeting atomic.Pointer[string]
}

// NewServer builds the route table and returns a Server ready to Run.
func NewServer(cfg Config, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.greeting.Store(&cfg.Greeting)

	api := http.NewServeMux()
	api.HandleFunc("POST /voice/inbound", s.handleInbound)
	api.HandleFunc("POST /conference/status", s.handleConferenceStatus)
	api.Handle("GET /metrics", promhttp.Handler())
	deps.Health.Register(api)

	// The media stream bypasses the middleware: the status recorder would
	// hide the http.Hijacker the WebSocket upgrade needs.
	root := http.NewServeMux()
	root.HandleFunc("GET /media-stream", s.handleMediaStream)
	root.Handle("/", observe.Middleware(deps.Metrics)(api))

	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: root,
	}
	return s
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// SetGreeting replaces the greeting spoken to new solo calls. Used by the
// config hot-reload path.
func (s *Server) SetGreeting(greeting string) { s.greeting.Store(&greeting) }

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server listening", "addr", s.cfg.ListenAddr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleInbound answers the carrier's inbound-call webhook with TwiML that
// opens a media stream back to this server. Caller identity travels as
// custom stream parameters so the start frame carries it.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	params := map[string]string{}
	if from := r.FormValue("From"); from != "" {
		params["from"] = from
	}
	if to := r.FormValue("To"); to != "" {
		params["to"] = to
	}
	twiml := twilio.StreamTwiML(s.mediaStreamURL(), params)

	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, twiml)

	s.log.Info("inbound call answered",
		"call_sid", r.FormValue("CallSid"), "from", r.FormValue("From"))
}

// handleConferenceStatus receives the carrier's conference lifecycle
// callbacks. Only the end event is acted on; join and leave are visible
// through the media streams themselves.
func (s *Server) handleConferenceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	event := r.FormValue("StatusCallbackEvent")
	name := r.FormValue("FriendlyName")
	s.log.Info("conference status", "event", event, "conference", name)

	if event == "conference-end" && s.deps.Coordinator != nil {
		s.deps.Coordinator.End(name)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMediaStream upgrades to a WebSocket and serves one media stream
// until the carrier sends stop or the connection drops.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("media stream upgrade failed", "error", err)
		return
	}
	s.serveStream(r.Context(), conn)
}

// serveStream runs the per-connection frame loop. The session is created on
// the start frame; a start frame for a stream id the registry already knows
// swaps the session's adapters instead (carrier reconnect). The session is
// deleted only on an explicit stop frame: a bare connection drop leaves the
// session alive for the reconnect path.
func (s *Server) serveStream(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusInternalError, "stream handler exited")

	// Uplink writes need the stream sid from the start frame, so reads
	// run through a sid-less wrapper until then.
	reader := telephony.NewStream(conn, "")

	var sess *call.Session
	for {
		frame, err := reader.ReadFrame(ctx)
		if err != nil {
			s.log.Debug("media stream closed", "error", err)
			return
		}

		switch frame.Event {
		case telephony.EventConnected, telephony.EventMark:
			// No action needed.

		case telephony.EventStart:
			sess = s.handleStartFrame(ctx, conn, frame)
			if sess == nil {
				return
			}

		case telephony.EventMedia:
			if sess == nil {
				continue
			}
			audio, err := frame.AudioBytes()
			if err != nil {
				s.log.Warn("bad media frame", "error", err)
				continue
			}
			sess.HandleFrame(audio)

		case telephony.EventDTMF:
			if sess != nil && frame.DTMF != nil {
				sess.HandleDTMF(frame.DTMF.Digit)
			}

		case telephony.EventStop:
			if sess != nil {
				s.teardown(ctx, sess)
			}
			return

		default:
			s.log.Debug("unhandled stream event", "event", frame.Event)
		}
	}
}

// handleStartFrame binds the connection to a session, greeting new solo
// calls and adopting conference legs into their bridge.
func (s *Server) handleStartFrame(ctx context.Context, conn *websocket.Conn, frame *telephony.Frame) *call.Session {
	p := frame.Start
	if p == nil {
		s.log.Warn("start frame missing payload")
		return nil
	}
	sid := p.StreamSID
	if sid == "" {
		sid = frame.StreamSID
	}
	info := call.StartInfo{
		StreamSID:     sid,
		CallSID:       p.CallSID,
		From:          p.CustomParameters["from"],
		To:            p.CustomParameters["to"],
		AppointmentID: p.CustomParameters["appointmentId"],
		ConferenceID:  p.CustomParameters["conferenceId"],
		Role:          call.LegRole(p.CustomParameters["role"]),
	}

	stream := telephony.NewStream(conn, sid)
	sess, created, err := s.deps.Registry.HandleStart(ctx, info, stream)
	if err != nil {
		s.log.Error("start frame rejected", "stream_sid", sid, "error", err)
		return nil
	}

	if !created {
		s.deps.Metrics.Reconnects.Add(ctx, 1)
		return sess
	}

	s.deps.Metrics.ActiveSessions.Add(ctx, 1)
	if info.ConferenceID != "" && s.deps.Coordinator != nil {
		s.deps.Coordinator.Adopt(sess, info.ConferenceID, info.Role)
		return sess
	}
	if s.deps.Coordinator != nil {
		// Solo sessions get the coordinator so the transfer tool can
		// reach it; routing stays solo until a bridge adopts the leg.
		sess.AttachConference(s.deps.Coordinator)
	}
	if greeting := *s.greeting.Load(); greeting != "" {
		// SpeakVerbatim blocks until the event loop picks it up; do not
		// stall the frame reader.
		go func() {
			if err := sess.SpeakVerbatim(greeting); err != nil {
				s.log.Warn("greeting failed", "stream_sid", sid, "error", err)
			}
		}()
	}
	return sess
}

// teardown handles an explicit stop frame: conference legs leave their
// bridge, then the registry reclaims the session.
func (s *Server) teardown(ctx context.Context, sess *call.Session) {
	if sess.InConference() && s.deps.Coordinator != nil {
		s.deps.Coordinator.Leave(sess.ID())
	}
	s.deps.Registry.Delete(sess.ID())
	s.deps.Metrics.ActiveSessions.Add(ctx, -1)
}

func (s *Server) mediaStreamURL() string {
	u, err := url.Parse(s.cfg.PublicBaseURL)
	if err != nil {
		return s.cfg.PublicBaseURL + "/media-stream"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/media-stream"
	return u.String()
}
