// Package client is a terminal client for the story server: it joins a
// session over websocket, forwards typed lines as actions and prints the
// shared history as it grows.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/storyweave/internal/game/story"
	"github.com/cory-johannsen/storyweave/internal/protocol"
)

const writeWait = 10 * time.Second

// Options selects how the client joins.
type Options struct {
	// SessionID is sent as ?session= and in every envelope; empty uses the
	// server default.
	SessionID string
	Name      string
	Backstory string
	// Setting, when set, starts a fresh session with START_GAME instead of
	// joining with CHARACTER_SETUP.
	Setting string
	// Language, when set, is sent with LANGUAGE_SETUP after joining.
	Language  string
	Translate bool
}

// Client is one websocket connection to the server.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *zap.Logger
}

// Dial connects to the websocket endpoint at serverURL.
//
// Postcondition: Returns a connected Client or an error.
func Dial(ctx context.Context, serverURL, sessionID string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if sessionID != "" {
		q := u.Query()
		q.Set("session", sessionID)
		u.RawQuery = q.Encode()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}
	return &Client{conn: conn, logger: logger.Named("client")}, nil
}

// Send encodes and writes one message.
func (c *Client) Send(msg protocol.Inbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next server message. A normal close is reported
// as io.EOF.
func (c *Client) Receive() (protocol.Outbound, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.Outbound{}, io.EOF
			}
			return protocol.Outbound{}, err
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.logger.Warn("ignoring unreadable server message", zap.Error(err))
			continue
		}
		return msg, nil
	}
}

// CloseGracefully sends a close frame; the server answers and Receive
// then returns io.EOF.
func (c *Client) CloseGracefully() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// Close tears the connection down immediately.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Join performs the opening handshake for opts and prints the result.
//
// Postcondition: Returns the number of history entries authored by
// opts.Name at join time.
func (c *Client) Join(opts Options, p *Printer) (int, error) {
	if opts.Setting != "" {
		if err := c.Send(protocol.Inbound{
			Type:      protocol.TypeStartGame,
			SessionID: opts.SessionID,
			Setting:   opts.Setting,
			Name:      opts.Name,
			Backstory: opts.Backstory,
		}); err != nil {
			return 0, fmt.Errorf("sending START_GAME: %w", err)
		}
		msg, err := c.await(p, protocol.TypeStatus)
		if err != nil {
			return 0, fmt.Errorf("awaiting start status: %w", err)
		}
		if msg.Code != string(story.StatusOK) && msg.Code != string(story.StatusDegraded) {
			return 0, fmt.Errorf("start rejected: %s", msg.Content)
		}
	} else {
		if err := c.Send(protocol.Inbound{
			Type:      protocol.TypeCharacterSetup,
			SessionID: opts.SessionID,
			Name:      opts.Name,
			Backstory: opts.Backstory,
		}); err != nil {
			return 0, fmt.Errorf("sending CHARACTER_SETUP: %w", err)
		}
		msg, err := c.await(p, protocol.TypeSetupResponse)
		if err != nil {
			return 0, fmt.Errorf("awaiting setup response: %w", err)
		}
		if msg.Type != protocol.TypeSetupResponse {
			return 0, fmt.Errorf("setup rejected: %s", msg.Content)
		}
	}

	if opts.Language != "" {
		translate := opts.Translate
		if err := c.Send(protocol.Inbound{
			Type:               protocol.TypeLanguageSetup,
			SessionID:          opts.SessionID,
			Language:           opts.Language,
			TranslationEnabled: &translate,
		}); err != nil {
			return 0, fmt.Errorf("sending LANGUAGE_SETUP: %w", err)
		}
		if _, err := c.await(p, protocol.TypeStatus); err != nil {
			return 0, fmt.Errorf("awaiting language status: %w", err)
		}
	}
	return p.Authored(opts.Name), nil
}

// await prints messages until one of type want, or any STATUS, arrives.
func (c *Client) await(p *Printer, want protocol.Type) (protocol.Outbound, error) {
	for {
		msg, err := c.Receive()
		if err != nil {
			return protocol.Outbound{}, err
		}
		p.Print(msg)
		if msg.Type == want || msg.Type == protocol.TypeStatus {
			return msg, nil
		}
	}
}

// Run joins with opts, then forwards each non-blank line of in as an action
// and prints every server message to p. When in is exhausted Run waits for
// the server to acknowledge every action sent, closes the connection and
// returns.
func (c *Client) Run(ctx context.Context, opts Options, in io.Reader, p *Printer) error {
	baseline, err := c.Join(opts, p)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines <- line
			}
		}
	}()

	acks := make(chan struct{}, 1024)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		own := baseline
		for {
			msg, err := c.Receive()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("receiving: %w", err)
			}
			p.Print(msg)
			switch msg.Type {
			case protocol.TypeUpdateHistory:
				for n := p.Authored(opts.Name); own < n; own++ {
					acks <- struct{}{}
				}
			case protocol.TypeStatus:
				if msg.Code != string(story.StatusOK) {
					acks <- struct{}{}
				}
			}
		}
	})

	g.Go(func() error {
		sent, acked := 0, 0
	forward:
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-acks:
				acked++
			case line, ok := <-lines:
				if !ok {
					break forward
				}
				if err := c.Send(protocol.Inbound{
					Type:      protocol.TypeClientMessage,
					SessionID: opts.SessionID,
					Name:      opts.Name,
					Content:   line,
				}); err != nil {
					return fmt.Errorf("sending action: %w", err)
				}
				sent++
			}
		}
		for acked < sent {
			select {
			case <-gctx.Done():
				return nil
			case <-acks:
				acked++
			}
		}
		return c.CloseGracefully()
	})

	go func() {
		<-gctx.Done()
		_ = c.Close()
	}()
	return g.Wait()
}
