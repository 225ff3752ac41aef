package proxyfabric

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectBackoff = 10 * time.Second
	pingInterval     = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
)

// Handler processes one proxy-originated CoreRequest and returns the
// CoreResponse payload to send back.
type Handler interface {
	Handle(ctx context.Context, req CoreRequest) (CoreResponse, error)
}

// HelloMessage is the metadata core sends immediately after dialing a
// proxy, carrying the server's own version.
type HelloMessage struct {
	CoreVersion string `json:"core_version"`
}

// Fabric owns the set of outbound proxy connections and the shared
// correlation table stateful request types route through.
type Fabric struct {
	Handler     Handler
	CoreVersion string

	corr *correlationTable
}

func New(handler Handler, coreVersion string) *Fabric {
	return &Fabric{Handler: handler, CoreVersion: coreVersion, corr: newCorrelationTable()}
}

// Connect runs one reconnecting client for a proxy endpoint in the calling
// goroutine and returns only once ctx is canceled: dial and handshake
// failures are retried indefinitely after reconnectBackoff.
func (f *Fabric) Connect(ctx context.Context, url string) {
	c := &proxyClient{url: url, fabric: f, replyCh: make(chan CoreResponse, 64)}
	c.run(ctx)
}

type proxyClient struct {
	url     string
	fabric  *Fabric
	replyCh chan CoreResponse
}

func (c *proxyClient) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Printf("proxyfabric: dial %s failed: %v, retrying in %s", c.url, err, reconnectBackoff)
			if !sleepOrDone(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		if err := c.handshake(conn); err != nil {
			log.Printf("proxyfabric: handshake with %s failed: %v, retrying in %s", c.url, err, reconnectBackoff)
			conn.Close()
			if !sleepOrDone(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		c.serve(ctx, conn)
		c.fabric.corr.dropProxy(map[chan CoreResponse]struct{}{c.replyCh: {}})
		conn.Close()

		if !sleepOrDone(ctx, reconnectBackoff) {
			return
		}
	}
}

func (c *proxyClient) handshake(conn *websocket.Conn) error {
	return conn.WriteJSON(HelloMessage{CoreVersion: c.fabric.CoreVersion})
}

// serve runs the read and write pumps for one established connection
// until it errors or ctx is canceled, mirroring
// internal/websocket/client.go's readPump/writePump split.
func (c *proxyClient) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	go c.writePump(conn, done)
	c.readPump(ctx, conn)
	close(done)
}

func (c *proxyClient) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req CoreRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		go c.handle(ctx, req)
	}
}

func (c *proxyClient) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case resp := <-c.replyCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches req to the Handler and routes the reply through the
// correlation table.
func (c *proxyClient) handle(ctx context.Context, req CoreRequest) {
	if req.Type == RequestClientMfaTokenValidate && req.Token != "" {
		c.fabric.corr.register(req.Token, c.replyCh)
	}

	resp, err := c.fabric.Handler.Handle(ctx, req)
	if err != nil {
		resp = CoreResponse{ID: req.ID, Error: &ResponseError{Code: "ERR_INTERNAL_SERVER", Message: err.Error()}}
	}
	resp.ID = req.ID

	if req.Type == RequestClientMfaFinish && req.Token != "" {
		// Delivered to every proxy registered for this token, not just
		// the one that sent Finish; dropped silently if none registered.
		c.fabric.corr.dispatch(req.Token, resp)
		return
	}

	select {
	case c.replyCh <- resp:
	default:
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
