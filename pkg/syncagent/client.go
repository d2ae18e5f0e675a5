// Package syncagent keeps a local, role-scoped view of instructions in step
// with the server. It patches the view from real-time events, refetches the
// full list whenever it cannot trust a patch, and reconnects after a fixed
// delay for as long as its credential is accepted.
package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// Client is one client session against a desk server: endpoint, credential
// and the identity the credential resolved to. Nothing here is global, so
// several clients can run in one process.
type Client struct {
	BaseURL  string
	Token    string
	Identity auth.Identity

	HTTP   *http.Client
	Dialer *websocket.Dialer
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    http.DefaultClient,
		Dialer:  websocket.DefaultDialer,
	}
}

// Login exchanges a username and password for a token and returns a ready client.
func Login(ctx context.Context, baseURL, username, password string) (*Client, error) {
	c := NewClient(baseURL, "")
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})

	var resp struct {
		AccessToken string        `json:"access_token"`
		User        auth.Identity `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/token", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	c.Token = resp.AccessToken
	c.Identity = resp.User
	return c, nil
}

// Resolve fills Identity from the server using the current token.
func (c *Client) Resolve(ctx context.Context) error {
	var id auth.Identity
	if err := c.do(ctx, http.MethodGet, "/me", nil, &id); err != nil {
		return err
	}
	c.Identity = id
	return nil
}

// ListInstructions implements Fetcher.
func (c *Client) ListInstructions(ctx context.Context) ([]*instruction.Instruction, error) {
	var out []*instruction.Instruction
	if err := c.do(ctx, http.MethodGet, "/api/v1/instructions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dial opens the real-time connection. A 401 at handshake is reported as
// auth.ErrAuth.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {c.Token}}.Encode()

	conn, resp, err := c.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake rejected", auth.ErrAuth)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s", auth.ErrAuth, method, path)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
