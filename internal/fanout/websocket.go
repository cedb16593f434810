package fanout

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsMessage is the envelope every broadcast frame takes on the wire.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// hub upgrades /ws/events connections and fans out the Event Log's
// domain-event, inbox, and conversation feeds to every connected client.
// Each connection gets its own bounded outbound channel; per spec §5's
// backpressure rule, a slow client is disconnected rather than allowed to
// stall the broadcasters.
type hub struct {
	log *eventlog.Log
}

func newHub(l *eventlog.Log) *hub {
	return &hub{log: l}
}

// resumeFromSeq resolves a client's resume cursor for /ws/events (spec
// §4.6): a `from` or `cursor` query parameter, or a Last-Event-ID
// header, each carrying the last seq the client already has. Absent or
// unparseable, it falls back to the log's current head so a fresh
// connection only sees events from now on.
func (h *hub) resumeFromSeq(r *http.Request) int64 {
	for _, key := range []string{"from", "cursor"} {
		if v := r.URL.Query().Get(key); v != "" {
			if seq, err := strconv.ParseInt(v, 10, 64); err == nil {
				return seq
			}
		}
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if seq, err := strconv.ParseInt(v, 10, 64); err == nil {
			return seq
		}
	}
	return h.log.Snapshot().LastSeq
}

func (h *hub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("fanout: websocket upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan wsMessage, wsSendBuffer)

	events, err := h.log.Subscribe(ctx, h.resumeFromSeq(r))
	if err != nil {
		conn.Close()
		return
	}
	conversation := h.log.SubscribeConversation(ctx)
	items := h.log.SubscribeInbox(ctx)

	go h.pump(ctx, cancel, conn, send)
	go h.readLoop(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close()
				return
			}
			offer(send, wsMessage{Type: wsMessageType(ev), Data: eventEnvelope(ev)}, cancel)
		case entry, ok := <-conversation:
			if !ok {
				continue
			}
			offer(send, wsMessage{Type: "conversation_entry", Data: conversationEntryResponse(entry)}, cancel)
		case item, ok := <-items:
			if !ok {
				continue
			}
			offer(send, wsMessage{Type: "inbox_item", Data: inboxItemResponse(item)}, cancel)
		}
	}
}

// offer attempts a non-blocking send; a full channel means the client is
// too slow to keep up, so the connection is torn down instead of letting
// the broadcaster block on it.
func offer(send chan wsMessage, msg wsMessage, cancel context.CancelFunc) {
	select {
	case send <- msg:
	default:
		cancel()
	}
}

// wsMessageType picks the wire message type for a domain event (spec
// §4.6): builder status changes get their own "builder_status" type so
// clients can react to them without inspecting the nested event type;
// everything else is a generic "task_update".
func wsMessageType(ev domain.Event) string {
	if ev.Type == domain.EventBuilderStatusChanged {
		return "builder_status"
	}
	return "task_update"
}

func eventEnvelope(ev domain.Event) map[string]any {
	return map[string]any{
		"seq":     ev.Seq,
		"type":    ev.Type,
		"task_id": ev.TaskID,
		"time":    ev.Time,
	}
}

func (h *hub) pump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send <-chan wsMessage) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames (this API takes no client→server messages
// over the socket) solely to detect the connection closing.
func (h *hub) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
