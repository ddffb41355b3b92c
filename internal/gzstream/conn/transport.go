package conn

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/publicsuffix"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4 << 20

	// CloseNormal is the close code sent on a deliberate disconnect
	CloseNormal = websocket.CloseNormalClosure
	// CloseGoingAway is the close code sent when the client drops a session to reconnect
	CloseGoingAway = websocket.CloseGoingAway
)

// Transport is one live duplex connection carrying text frames
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// NewCookieJar returns the jar shared by the websocket dialer and the health probe
func NewCookieJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil
	}
	return jar
}

// WebsocketDialer dials the backend with gorilla/websocket
type WebsocketDialer struct {
	Jar      http.CookieJar
	Header   http.Header
	Insecure bool
}

// Dial opens a websocket; ctx bounds the handshake
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Jar:              d.Jar,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if d.Insecure {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // G402: self-signed backends in lab setups
			MinVersion:         tls.VersionTLS12,
		}
	}

	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(maxMessageSize)
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return t.conn.Close()
}
