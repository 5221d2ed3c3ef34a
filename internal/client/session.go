package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned by Run when the server rejects the token.
// Reconnecting would not help.
var ErrUnauthorized = errors.New("server rejected credentials")

const (
	outboxSize   = 64
	eventsSize   = 256
	expireEvery  = time.Second
	writeTimeout = 10 * time.Second
)

type SessionConfig struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8081/ws.
	URL   string
	Token string
	// Kind is the connection kind; empty means user.
	Kind       string
	MaxBackoff time.Duration
}

// Session keeps one websocket open, reconnecting with exponential
// backoff, and feeds every server event through the Store before handing
// it to the UI.
type Session struct {
	cfg    SessionConfig
	dialer *websocket.Dialer
	store  *Store
	logger *zap.Logger

	out      chan []byte
	events   chan protocol.Outbound
	failures chan Failure
}

func NewSession(cfg SessionConfig, store *Store, logger *zap.Logger) *Session {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Session{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		store:    store,
		logger:   logger,
		out:      make(chan []byte, outboxSize),
		events:   make(chan protocol.Outbound, eventsSize),
		failures: make(chan Failure, eventsSize),
	}
}

// Events delivers every server event after the store has applied it.
func (s *Session) Events() <-chan protocol.Outbound { return s.events }

// Failures delivers rejected or timed out optimistic entities.
func (s *Session) Failures() <-chan Failure { return s.failures }

func (s *Session) Store() *Store { return s.store }

// Run connects and serves until ctx is done or the server rejects the
// credentials.
func (s *Session) Run(ctx context.Context) error {
	go s.expireLoop(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		err := s.serve(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("session dropped, reconnecting", zap.Duration("in", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Session) dialURL() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if s.cfg.Kind != "" {
		q := u.Query()
		q.Set("kind", s.cfg.Kind)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// serve runs one connection until it fails.
func (s *Session) serve(ctx context.Context, connected func()) error {
	target, err := s.dialURL()
	if err != nil {
		return backoff.Permanent(err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + s.cfg.Token}}
	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	connected()
	s.logger.Info("session connected", zap.String("url", s.cfg.URL))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(connCtx, conn)
	}()

	err = s.readLoop(connCtx, conn)
	cancel()
	<-writerDone
	return err
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case frame := <-s.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("session write failed", zap.Error(err))
				// Unblock the reader; the frame is lost with the socket.
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_, ev, err := protocol.DecodeEvent(raw)
		if err != nil {
			s.logger.Warn("undecodable server frame", zap.Error(err))
			continue
		}
		if f := s.store.Apply(ev); f != nil {
			s.fail(ctx, *f)
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) fail(ctx context.Context, f Failure) {
	select {
	case s.failures <- f:
	case <-ctx.Done():
	}
}

func (s *Session) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(expireEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, f := range s.store.Expire() {
				s.fail(ctx, f)
			}
		}
	}
}

// send queues a request. Frames queued while disconnected go out after
// the next reconnect.
func (s *Session) send(ctx context.Context, ref string, in protocol.Inbound) error {
	frame, err := protocol.EncodeRequest(ref, in)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage shows the message immediately and sends it.
func (s *Session) SendMessage(ctx context.Context, channelID, content, replyToID string) (models.Message, error) {
	req, m := s.store.Send(channelID, content, replyToID, nil)
	return m, s.send(ctx, req.TempID, &req)
}

// CreateChannel shows the channel immediately and asks the server to
// create it. The temp id is returned.
func (s *Session) CreateChannel(ctx context.Context, name, parentID string) (string, error) {
	req := s.store.CreateChannel(name, parentID)
	return req.OriginalID, s.send(ctx, req.OriginalID, &req)
}

// PromoteThread starts a thread on messageID.
func (s *Session) PromoteThread(ctx context.Context, messageID, name, initial string) (string, error) {
	req, err := s.store.PromoteThread(messageID, name, initial)
	if err != nil {
		return "", err
	}
	return req.OriginalID, s.send(ctx, req.OriginalID, &req)
}

func (s *Session) React(ctx context.Context, messageID, content string) error {
	req, ref, ok := s.store.React(messageID, content)
	if !ok {
		return nil
	}
	return s.send(ctx, ref, &req)
}

func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	req, ok := s.store.Delete(messageID)
	if !ok {
		return fmt.Errorf("cannot delete %s", messageID)
	}
	return s.send(ctx, req.ID, &req)
}

func (s *Session) SetStatus(ctx context.Context, status models.Status) error {
	return s.send(ctx, "", &protocol.UpdateStatus{Status: status})
}

func (s *Session) OpenDM(ctx context.Context, userID string) error {
	return s.send(ctx, "", &protocol.OpenDM{UserID: userID})
}

func (s *Session) Typing(ctx context.Context, channelID string, active bool) error {
	if active {
		return s.send(ctx, "", &protocol.StartTyping{ChannelID: channelID})
	}
	return s.send(ctx, "", &protocol.StopTyping{ChannelID: channelID})
}
