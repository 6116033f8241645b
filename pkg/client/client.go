// Package client implements the WebSocket RPC client used by the sherpa
// CLI: dialing (with trust-on-first-use for wss), request/response
// correlation, and streaming progress callbacks.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/rpc"
	"github.com/sherpa-labs/sherpa/pkg/trust"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// dialTimeout bounds the WebSocket handshake.
const dialTimeout = 3 * time.Second

// Options configures a connection.
type Options struct {
	// Insecure skips certificate verification on wss. Loud, for dev only.
	Insecure bool
	// TrustDir is the pinned-certificate directory. Empty uses the
	// default under the user's home.
	TrustDir string
	// Prompt asks the user about an unknown server certificate. Nil
	// rejects unknown certificates.
	Prompt trust.PromptFunc

	// OnStatus and OnLog receive streamed events. Nil discards.
	OnStatus func(progress.Status)
	OnLog    func(progress.Log)
}

// Client is one live connection to a sherpa server.
type Client struct {
	ws   *websocket.Conn
	opts Options

	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[string]chan rpc.Response
	connectionID string
	connected    chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to rawURL (ws:// or wss://) and waits for the server's
// connected frame.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse server url %q: %w", rawURL, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if u.Scheme == "wss" {
		tlsCfg, err := tlsConfig(u, opts)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: connect %s: %w (HTTP %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: connect %s: %w", u.Host, err)
	}

	c := &Client{
		ws:        ws,
		opts:      opts,
		pending:   map[string]chan rpc.Response{},
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.connected:
	case <-time.After(dialTimeout):
		c.Close()
		return nil, fmt.Errorf("client: no connected frame from %s", u.Host)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// tlsConfig builds the wss TLS setup: insecure bypass, or TOFU pinning
// against the trust store.
func tlsConfig(u *url.URL, opts Options) (*tls.Config, error) {
	if opts.Insecure {
		util.Warnf("client: --insecure set, skipping certificate verification for %s", u.Host)
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	dir := opts.TrustDir
	if dir == "" {
		var err error
		dir, err = DefaultTrustDir()
		if err != nil {
			return nil, err
		}
	}
	store, err := trust.NewStore(dir, opts.Prompt)
	if err != nil {
		return nil, err
	}

	port := u.Port()
	if port == "" {
		port = "443"
	}
	return store.TLSConfig(u.Hostname(), port), nil
}

// ConnectionID returns the server-assigned connection identifier.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Close tears the connection down. In-flight calls fail.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	return nil
}

// SubscribeLogs asks the server to stream log events.
func (c *Client) SubscribeLogs() error {
	return c.writeJSON(map[string]string{"type": rpc.TypeSubscribeLogs})
}

// Call runs one RPC to completion, decoding the result into out (skipped
// when out is nil). Streamed events arrive on the Options callbacks while
// the call runs. A server-side error comes back as *rpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: marshal params: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan rpc.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err = c.writeJSON(rpc.Request{
		Type:   rpc.TypeRequest,
		ID:     id,
		Method: method,
		Params: data,
	})
	if err != nil {
		return fmt.Errorf("client: send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("client: decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		return fmt.Errorf("client: connection closed during %s", method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frameType, err := rpc.DecodeType(data)
		if err != nil {
			continue
		}

		switch frameType {
		case rpc.TypeConnected:
			var f rpc.Connected
			if json.Unmarshal(data, &f) == nil {
				c.mu.Lock()
				if c.connectionID == "" {
					c.connectionID = f.ConnectionID
					close(c.connected)
				}
				c.mu.Unlock()
			}

		case rpc.TypeResponse:
			var resp rpc.Response
			if json.Unmarshal(data, &resp) != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- resp
			}

		case rpc.TypeStatus:
			if c.opts.OnStatus != nil {
				var st progress.Status
				if json.Unmarshal(data, &st) == nil {
					c.opts.OnStatus(st)
				}
			}

		case rpc.TypeLog:
			if c.opts.OnLog != nil {
				var l progress.Log
				if json.Unmarshal(data, &l) == nil {
					c.opts.OnLog(l)
				}
			}

		case rpc.TypePing:
			c.writeJSON(rpc.Pong{Type: rpc.TypePong})
		}
	}
}

// FetchServerCert retrieves the server certificate from the cert endpoint
// on port+1 so it can be shown or pinned before the first wss handshake.
func FetchServerCert(host string, rpcPort int) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d/cert", host, rpcPort+1)
	httpc := &http.Client{Timeout: dialTimeout}
	resp, err := httpc.Get(url)
	if err != nil {
		return nil, fmt.Errorf("client: fetch certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: certificate endpoint returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
