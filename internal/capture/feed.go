package capture

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"apitap/internal/constants"
	"apitap/internal/events"
	"apitap/internal/models"
	"apitap/internal/monitoring"
	"apitap/internal/skill/store"
	"apitap/internal/vault"
)

// Frame types on the feed socket.
const (
	FrameExchange = "exchange"
	FrameCookies  = "cookies"
	FrameNetwork  = "network"
	FrameDOM      = "dom"
	FrameCaptcha  = "captcha"
	FrameFinish   = "finish"
	FrameEvent    = "event"
	FrameSummary  = "summary"
	FrameError    = "error"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second
)

// DriverFrame is one inbound message from the browser driver.
type DriverFrame struct {
	Type     string                   `json:"type"`
	Exchange *models.CapturedExchange `json:"exchange,omitempty"`
	Cookies  []vault.Cookie           `json:"cookies,omitempty"`
	MaxAgeMs int64                    `json:"maxAgeMs,omitempty"`
	Bytes    int64                    `json:"bytes,omitempty"`
	Risk     bool                     `json:"risk,omitempty"`
}

// FeedFrame is one outbound message to drivers and observers.
type FeedFrame struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Summary   *Summary  `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type observer struct {
	conn *websocket.Conn
	send chan FeedFrame
}

// Feed is the websocket surface of a capture run: the browser driver
// streams exchanges in, observers stream endpoint events out.
type Feed struct {
	store  *store.Store
	vault  *vault.Vault
	bus    *events.Hub
	filter *Filter

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	observers map[*observer]struct{}
	unsubs    []func()
	closed    bool
}

// NewFeed wires a feed over the given store, vault, and event bus. The
// bus may be shared with other components; the feed fans its capture
// topics out to every connected observer.
func NewFeed(st *store.Store, v *vault.Vault, bus *events.Hub, filter *Filter) *Feed {
	if filter == nil {
		filter = &Filter{}
	}
	f := &Feed{
		store:  st,
		vault:  v,
		bus:    bus,
		filter: filter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed binds to localhost for a local capture tool.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		observers: make(map[*observer]struct{}),
	}
	if bus != nil {
		for _, topic := range []string{
			events.TopicCaptureAccepted,
			events.TopicCaptureEndpoint,
			events.TopicCaptureFiltered,
			events.TopicSkillWritten,
			events.TopicSkillsChanged,
			events.TopicAuthRefreshed,
		} {
			f.unsubs = append(f.unsubs, bus.Subscribe(topic, f.onEvent))
		}
	}
	return f
}

// HandleWS upgrades the request and serves it until the peer goes away.
// A `role=driver` query opens a capture session for the `domain` query;
// anything else attaches as an observer.
func (f *Feed) HandleWS(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	domain := r.URL.Query().Get("domain")
	if role == "driver" && domain == "" {
		http.Error(w, "driver connections require a domain query parameter", http.StatusBadRequest)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("feed: websocket upgrade failed")
		return
	}

	if role == "driver" {
		f.serveDriver(r.Context(), conn, domain)
		return
	}
	f.serveObserver(conn)
}

// Close drops every observer and detaches from the bus.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	unsubs := f.unsubs
	f.unsubs = nil
	for o := range f.observers {
		close(o.send)
		delete(f.observers, o)
		monitoring.FeedSubscribers.Dec()
	}
	f.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// ObserverCount returns how many observers are attached.
func (f *Feed) ObserverCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.observers)
}

func (f *Feed) serveDriver(ctx context.Context, conn *websocket.Conn, domain string) {
	defer conn.Close()

	session := NewSession(domain,
		WithStore(f.store),
		WithVault(f.vault),
		WithHub(f.bus),
		WithFilter(f.filter),
	)
	log.WithFields(log.Fields{"session": session.ID, "domain": domain}).Info("feed: driver connected")

	conn.SetReadLimit(int64(constants.FeedReadLimit))
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	var writeMu sync.Mutex
	writeFrame := func(frame FeedFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		return conn.WriteJSON(frame)
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(feedPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-pingDone:
				return
			}
		}
	}()

	for {
		var frame DriverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			// Abandoned sessions are discarded; only a finish frame
			// writes the skill file.
			log.WithFields(log.Fields{
				"session":   session.ID,
				"domain":    domain,
				"endpoints": session.EndpointCount(),
			}).Warn("feed: driver disconnected without finishing")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))

		switch frame.Type {
		case FrameExchange:
			session.HandleExchange(ctx, frame.Exchange)
		case FrameCookies:
			session.SetBrowserSession(frame.Cookies, frame.MaxAgeMs)
		case FrameNetwork:
			session.AddNetworkBytes(frame.Bytes)
		case FrameDOM:
			session.SetDOMBytes(frame.Bytes)
		case FrameCaptcha:
			session.SetCaptchaRisk(frame.Risk)
		case FrameFinish:
			summary, err := session.Finish(ctx)
			if err != nil {
				_ = writeFrame(FeedFrame{Type: FrameError, Error: err.Error(), Timestamp: time.Now().UTC()})
				return
			}
			_ = writeFrame(FeedFrame{Type: FrameSummary, Summary: summary, Timestamp: time.Now().UTC()})
			return
		default:
			log.WithField("type", frame.Type).Debug("feed: unknown driver frame")
		}
	}
}

func (f *Feed) serveObserver(conn *websocket.Conn) {
	o := &observer{
		conn: conn,
		send: make(chan FeedFrame, constants.FeedSendBuffer),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.observers[o] = struct{}{}
	count := len(f.observers)
	f.mu.Unlock()

	monitoring.FeedSubscribers.Inc()
	log.WithField("observers", count).Debug("feed: observer attached")

	go o.writeLoop()
	o.readLoop(f)
}

func (f *Feed) dropObserver(o *observer) {
	f.mu.Lock()
	_, ok := f.observers[o]
	if ok {
		delete(f.observers, o)
		close(o.send)
	}
	f.mu.Unlock()

	if ok {
		monitoring.FeedSubscribers.Dec()
	}
}

// onEvent fans one bus event out to every observer. Slow observers drop
// frames rather than stalling the capture path.
func (f *Feed) onEvent(_ context.Context, ev events.Event) {
	frame := FeedFrame{
		Type:      FrameEvent,
		Topic:     ev.Topic,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
	monitoring.FeedEventsTotal.WithLabelValues(ev.Topic).Inc()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for o := range f.observers {
		select {
		case o.send <- frame:
		default:
		}
	}
}

func (o *observer) writeLoop() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = o.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := o.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound messages; observers are write-only. It exits
// when the peer closes, unregistering the observer.
func (o *observer) readLoop(f *Feed) {
	defer f.dropObserver(o)

	o.conn.SetReadLimit(512)
	_ = o.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
		_ = o.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	}
}
