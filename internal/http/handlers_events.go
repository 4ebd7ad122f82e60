// Package httpx provides the HTTP surface of the back-office auth service.
package httpx

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = (eventsPongWait * 9) / 10
)

// EventHandlers streams orchestrator state changes to the browser over a websocket.
type EventHandlers struct {
	Hub      *ClientHub
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewEventHandlers constructs EventHandlers. Upgrades are accepted from the request's
// own origin and from allowedOrigins.
func NewEventHandlers(hub *ClientHub, allowedOrigins []string, logger *slog.Logger) *EventHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return &EventHandlers{
		Hub:    hub,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowed)
			},
		},
	}
}

func originAllowed(r *http.Request, allowed map[string]struct{}) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := allowed[strings.ToLower(origin)]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Stream upgrades the connection and pushes the current state, then every change.
// GET /auth/events.
func (h *EventHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := ClientIDFromContext(r.Context())
	if !ok {
		writeAuthRequired(w)
		return
	}
	orch, err := h.Hub.Acquire(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	release := h.Hub.Hold(id)
	defer release()

	// Latest state wins; listeners must never block the orchestrator.
	updates := make(chan domainauth.AuthState, 1)
	unsubscribe := orch.Subscribe(func(s domainauth.AuthState) {
		for {
			select {
			case updates <- s:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go readPump(conn, closed)

	if err := writeState(conn, orch.Snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case s := <-updates:
			if err := writeState(conn, s); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeState(conn *websocket.Conn, s domainauth.AuthState) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(stateResponse(s))
}
