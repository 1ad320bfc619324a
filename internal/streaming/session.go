package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SessionInfo is a read-only view of a session
type SessionInfo struct {
	ID                string    `json:"id"`
	ClientID          string    `json:"clientId,omitempty"`
	RequestedProvider string    `json:"requestedProvider"`
	CurrentProvider   string    `json:"currentProvider,omitempty"`
	ConnectedAt       time.Time `json:"connectedAt"`
	LastHeartbeat     time.Time `json:"lastHeartbeat"`
	Active            bool      `json:"active"`
}

// Session is one open SSE connection
type Session struct {
	id                string
	clientID          string
	requestedProvider string
	connectedAt       time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// writeMu serializes sink writes and guards the fields below
	writeMu         sync.Mutex
	sink            EventSink
	nextID          int64
	closed          bool
	lastHeartbeat   time.Time
	currentProvider string

	closeOnce sync.Once
	manager   *Manager
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Context is cancelled when the session closes
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed once the session has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return SessionInfo{
		ID:                s.id,
		ClientID:          s.clientID,
		RequestedProvider: s.requestedProvider,
		CurrentProvider:   s.currentProvider,
		ConnectedAt:       s.connectedAt,
		LastHeartbeat:     s.lastHeartbeat,
		Active:            !s.closed,
	}
}

// Send writes an event. A failed write closes the session.
func (s *Session) Send(typ EventType, data interface{}) error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return &SessionTransportError{SessionID: s.id, Err: ErrSessionClosed}
	}
	s.nextID++
	err := s.sink.Write(Event{Type: typ, ID: s.nextID, Data: data})
	s.writeMu.Unlock()

	if err != nil {
		s.manager.logger.WithError(err).WithField("session_id", s.id).Warn("SSE write failed, closing session")
		_ = s.Close()
		return &SessionTransportError{SessionID: s.id, Err: err}
	}
	return nil
}

func (s *Session) setProvider(name string) {
	s.writeMu.Lock()
	s.currentProvider = name
	s.writeMu.Unlock()
}

func (s *Session) touchHeartbeat(t time.Time) {
	s.writeMu.Lock()
	s.lastHeartbeat = t
	s.writeMu.Unlock()
}

// Close tears the session down. Only the first call has any effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.manager.deregister(s.id)

		s.writeMu.Lock()
		s.closed = true
		err = s.sink.Close()
		s.writeMu.Unlock()

		close(s.done)
		s.manager.logger.WithField("session_id", s.id).Debug("SSE session closed")
	})
	return err
}

// heartbeat emits a heartbeat event on every tick until the session ends
func (s *Session) heartbeat(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			// client went away or the session was closed
			_ = s.Close()
			return
		case t := <-ticker.C:
			s.touchHeartbeat(t)
			if err := s.Send(EventHeartbeat, HeartbeatData{
				ActiveSessions: s.manager.ActiveSessions(),
				Timestamp:      t,
			}); err != nil {
				return
			}
		}
	}
}
