package server

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net"
	"time"

	"github.com/3redronin/mu-server/application/http/status"
	"github.com/pkg/errors"
)

// UpgradeHandler takes over a connection after a protocol switch. conn
// first yields the bytes the client sent after the upgrade request. The
// connection is closed when the handler returns.
type UpgradeHandler func(ctx context.Context, conn net.Conn) error

// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-1.3
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptWebSocket answers an opening handshake with 101 and registers h to
// run on the connection once the response is sent. A handshake that cannot
// be accepted returns a [status.Error] for the handler to return.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-4.2
func AcceptWebSocket(req *Request, res *Response, h UpgradeHandler) error {
	if h == nil {
		return errors.New("upgrade handler should be non-nil")
	}

	headers := req.Headers()
	if !headers.IsWebSocketUpgrade() || !headers.ContainsToken("connection", "upgrade") {
		return status.NewError(errors.New("not a websocket upgrade request"), status.BadRequest)
	}
	if v, _ := headers.Get("sec-websocket-version"); v != "13" {
		return status.NewError(errors.Errorf("unsupported websocket version %q", v), status.UpgradeRequired).
			WithHeader("sec-websocket-version", "13")
	}
	key, _ := headers.Get("sec-websocket-key")
	if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 16 {
		return status.NewError(errors.New("invalid sec-websocket-key"), status.BadRequest)
	}

	if err := res.SetStatus(status.SwitchingProtocols.Code); err != nil {
		return err
	}
	res.Headers().Set("upgrade", "websocket")
	res.Headers().Set("connection", "Upgrade")
	res.Headers().Set("sec-websocket-accept", websocketAccept(key))
	res.upgrade = h
	return nil
}

func websocketAccept(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// upgradedConn replays the parser's read-ahead before reading the socket.
type upgradedConn struct {
	net.Conn
	r io.Reader
}

func (c *upgradedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func serveUpgrade(ctx context.Context, conn net.Conn, h UpgradeHandler) (err error) {
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("upgrade handler panicked: %v", e)
		}
	}()

	return h(ctx, conn)
}
