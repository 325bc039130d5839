package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamMessage is a server frame on the event stream.
type StreamMessage struct {
	Type       string            `json:"type"`
	Events     []json.RawMessage `json:"events,omitempty"`
	Cursor     string            `json:"cursor,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	RetryAfter int               `json:"retryAfter,omitempty"`
}

const (
	MessageEvents = "events"
	MessageError  = "error"
	MessagePing   = "ping"

	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
)

// WSStream subscribes to the event stream over a WebSocket.
type WSStream struct {
	url      string
	tokens   TokenSource
	dialer   *websocket.Dialer
	pongWait time.Duration
}

func NewWSStream(streamURL string, tokens TokenSource) *WSStream {
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &WSStream{
		url:      strings.TrimRight(streamURL, "/"),
		tokens:   tokens,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pongWait: 60 * time.Second,
	}
}

// StreamURLFromBase derives the stream endpoint from an http(s) base URL.
func StreamURLFromBase(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/stream"
}

func (s *WSStream) Subscribe(ctx context.Context, cursor string) (Subscription, error) {
	target := s.url
	if cursor != "" {
		target += "?" + url.Values{"cursor": {cursor}}.Encode()
	}
	header := http.Header{}
	if token := s.tokens.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, ErrUnauthorized
			case http.StatusTooManyRequests:
				return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub := &wsSubscription{
		conn:   conn,
		frames: make(chan frame, 16),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})
	sub.wg.Add(1)
	go sub.readLoop(s.pongWait)
	return sub, nil
}

type frame struct {
	msg StreamMessage
	err error
}

type wsSubscription struct {
	conn      *websocket.Conn
	frames    chan frame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *wsSubscription) readLoop(pongWait time.Duration) {
	defer s.wg.Done()
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.frames <- frame{err: err}:
			case <-s.done:
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case s.frames <- frame{msg: msg}:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) Next(ctx context.Context) (*Batch, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f, ok := <-s.frames:
			if !ok {
				return nil, fmt.Errorf("%w: stream closed", ErrUnavailable)
			}
			if f.err != nil {
				select {
				case <-s.done:
					return nil, fmt.Errorf("%w: subscription closed", ErrUnavailable)
				default:
				}
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, f.err)
			}
			switch f.msg.Type {
			case MessageEvents:
				return &Batch{Events: f.msg.Events, Cursor: f.msg.Cursor}, nil
			case MessageError:
				return nil, streamError(f.msg)
			}
		}
	}
}

func streamError(msg StreamMessage) error {
	switch msg.Code {
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeRateLimited:
		return &RateLimitError{RetryAfter: time.Duration(msg.RetryAfter) * time.Second}
	}
	return fmt.Errorf("%w: %s %s", ErrUnavailable, msg.Code, msg.Message)
}

// Close is idempotent.
func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		s.wg.Wait()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
