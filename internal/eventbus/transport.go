package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/metrics"
)

const (
	gatewayWriteWait  = 10 * time.Second
	gatewayPongWait   = 60 * time.Second
	gatewayPingPeriod = (gatewayPongWait * 9) / 10

	// Rate limit inbound stats: 50 samples per second, burst of 100
	statsRateLimit = 50
	statsRateBurst = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundMessage is the single envelope a gateway sends upstream: exactly
// one of Stats is set per message.
type inboundMessage struct {
	Stats *domain.PeerStatsSample `json:"stats,omitempty"`
}

// Transport upgrades incoming gateway connections to websockets and runs
// the gateway session loop: authenticate, push the initial snapshot, then
// pump bus events out and stats samples in until the socket closes.
// The readPump/writePump split mirrors the proxyfabric client's, from the
// server side of the same kind of long-lived duplex stream.
type Transport struct {
	Stream *StreamServer
}

func NewTransport(stream *StreamServer) *Transport {
	return &Transport{Stream: stream}
}

// ServeHTTP handles GET /v1/gateway/stream. The gateway's bearer token is
// taken from the Authorization header or a "token" query parameter (the
// latter exists because browsers' websocket clients cannot set headers).
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("eventbus: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	now := time.Now().UTC()
	sess, snapshot, err := t.Stream.Connect(ctx, token, r.Host, r.URL.Query().Get("hostname"), now)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	metrics.IncGatewayConnection(sess.Registration.LocationID, "connect")
	metrics.SetGatewayActive(sess.Registration.LocationID, 1)

	defer func() {
		if derr := t.Stream.Disconnect(context.Background(), sess, time.Now().UTC()); derr != nil {
			log.Printf("eventbus: disconnect %s: %v", sess.Registration.ID, derr)
		}
		metrics.IncGatewayConnection(sess.Registration.LocationID, "disconnect")
		metrics.SetGatewayActive(sess.Registration.LocationID, 0)
	}()

	if err := conn.WriteJSON(*snapshot); err != nil {
		return
	}

	done := make(chan struct{})
	go t.writePump(conn, sess, done)
	t.readPump(ctx, conn, sess)
	close(done)
}

func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn, sess *Session) {
	conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(gatewayPongWait))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(statsRateLimit), statsRateBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Stats == nil {
			continue
		}
		msg.Stats.LocationID = sess.Registration.LocationID
		if err := t.Stream.IngestStats(ctx, *msg.Stats); err != nil {
			log.Printf("eventbus: ingest stats for %s: %v", sess.Registration.LocationID, err)
		}
	}
}

func (t *Transport) writePump(conn *websocket.Conn, sess *Session, done chan struct{}) {
	ticker := time.NewTicker(gatewayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sess.Subscriber.Send:
			conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
			if !ok {
				// Dropped for lagging: force the gateway to reconnect and
				// resync from a fresh snapshot.
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(gatewayWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
