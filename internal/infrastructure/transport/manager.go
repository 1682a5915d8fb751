package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/tree"
	"github.com/mindsync/mindsync/internal/infrastructure/httpclient"
	"github.com/mindsync/mindsync/internal/protocol"
)

// State is the push channel state of the active session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

const DefaultPollInterval = time.Second

var (
	ErrNotOpen       = errors.New("no document session is open")
	ErrEmptyDocument = errors.New("document id is required")
)

// Sink receives everything the transports deliver. Implementations serialize internally.
type Sink interface {
	Reset(documentID string)
	Load(doc protocol.DocumentSnapshot)
	HandleMessage(msg protocol.Message)
	HandlePoll(resp protocol.PollResponse)
	SetConnectionState(state string)
	Version() int64
}

// Requester is the authenticated request facility.
type Requester interface {
	Do(ctx context.Context, method, path string, body any) (*httpclient.Response, error)
}

type Settings struct {
	PollInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		PollInterval:  DefaultPollInterval,
		ReconnectBase: DefaultReconnectBase,
		ReconnectCap:  DefaultReconnectCap,
	}
}

// Manager owns the transports of at most one open document: a push channel with
// reconnect, and a poll loop that runs regardless of channel state.
type Manager struct {
	requester Requester
	dialer    Dialer
	sink      Sink
	settings  Settings
	logger    zerolog.Logger

	// lifecycle serializes Open and Close.
	lifecycle sync.Mutex

	mu      sync.Mutex
	current *session
	state   State
}

type session struct {
	documentID string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	channel Channel
}

func (s *session) setChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
}

func (s *session) getChannel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// clearChannel drops ch if it is still the session's channel.
func (s *session) clearChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == ch {
		s.channel = nil
	}
}

// NewManager wires the transports. A nil dialer runs the session on polling alone.
func NewManager(requester Requester, dialer Dialer, sink Sink, settings Settings, logger zerolog.Logger) *Manager {
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultPollInterval
	}
	return &Manager{
		requester: requester,
		dialer:    dialer,
		sink:      sink,
		settings:  settings,
		logger:    logger.With().Str("service", "transport").Logger(),
		state:     StateIdle,
	}
}

// Open starts a session for documentID, tearing down any previous one first.
// Network failures during the initial load are logged; polling recovers them.
func (m *Manager) Open(ctx context.Context, documentID string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ErrEmptyDocument
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{documentID: documentID, ctx: sctx, cancel: cancel}

	m.mu.Lock()
	prev := m.current
	m.current = s
	m.state = StateIdle
	m.mu.Unlock()

	m.teardown(prev)
	m.sink.Reset(documentID)

	m.logger.Info().Str("document_id", documentID).Msg("opening document")
	m.load(ctx, s)

	s.wg.Add(1)
	go m.pollLoop(s)
	if m.dialer != nil {
		s.wg.Add(1)
		go m.connectLoop(s)
	}
	return nil
}

// Close is an explicit disconnect: no reconnect is scheduled and pending timers stop.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	s := m.current
	m.current = nil
	if s != nil {
		m.state = StateClosed
	}
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.teardown(s)
	m.sink.Reset("")
}

// teardown stops a session that is no longer current and waits for its loops.
func (m *Manager) teardown(s *session) {
	if s == nil {
		return
	}
	s.cancel()
	if ch := s.getChannel(); ch != nil {
		ch.Close()
	}
	s.wg.Wait()
	m.logger.Info().Str("document_id", s.documentID).Msg("document closed")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DocumentID returns the open document, or "".
func (m *Manager) DocumentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.documentID
}

// ChannelOpen reports whether frames currently go over the push channel.
func (m *Manager) ChannelOpen() bool {
	return m.openChannel() != nil
}

func (m *Manager) openChannel() Channel {
	m.mu.Lock()
	s, state := m.current, m.state
	m.mu.Unlock()
	if s == nil || state != StateOpen {
		return nil
	}
	return s.getChannel()
}

func (m *Manager) active() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) isActive(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s && s.ctx.Err() == nil
}

// setState records st only while s is still the active session.
func (m *Manager) setState(s *session, st State) bool {
	m.mu.Lock()
	if m.current != s || s.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	changed := m.state != st
	m.state = st
	m.mu.Unlock()
	if changed {
		m.sink.SetConnectionState(string(st))
	}
	return true
}

func (m *Manager) connectLoop(s *session) {
	defer s.wg.Done()
	backoff := NewBackoff(m.settings.ReconnectBase, m.settings.ReconnectCap)

	for {
		if !m.setState(s, StateConnecting) {
			return
		}
		ch, err := m.dialer.Dial(s.ctx, s.documentID)
		if err == nil {
			if !m.isActive(s) {
				ch.Close()
				return
			}
			backoff.Reset()
			s.setChannel(ch)
			m.setState(s, StateOpen)
			m.logger.Info().Str("document_id", s.documentID).Msg("channel open")

			err = m.receive(s, ch)
			s.clearChannel(ch)
			ch.Close()
		}
		if s.ctx.Err() != nil {
			return
		}

		m.setState(s, StateClosed)
		delay := backoff.Next()
		m.logger.Warn().
			Err(err).
			Str("document_id", s.documentID).
			Int("attempt", backoff.Failures()).
			Dur("retry_in", delay).
			Msg("channel closed, scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) receive(s *session, ch Channel) error {
	for {
		raw, err := ch.Receive(s.ctx)
		if err != nil {
			return err
		}
		if !m.isActive(s) {
			return context.Canceled
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			m.logger.Warn().Err(err).Str("document_id", s.documentID).Msg("dropping channel frame")
			continue
		}
		m.sink.HandleMessage(msg)
	}
}

func (m *Manager) pollLoop(s *session) {
	defer s.wg.Done()
	ticker := time.NewTicker(m.settings.PollInterval)
	defer ticker.Stop()

	m.poll(s)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !m.isActive(s) {
				return
			}
			m.poll(s)
		}
	}
}

func (m *Manager) poll(s *session) {
	since := m.sink.Version()
	path := fmt.Sprintf("%s/sync?since=%d", mapPath(s.documentID), since)
	resp, err := m.requester.Do(s.ctx, http.MethodGet, path, nil)
	if err != nil {
		if s.ctx.Err() == nil {
			m.logger.Debug().Err(err).Str("document_id", s.documentID).Msg("poll failed")
		}
		return
	}
	if !resp.OK() {
		m.logger.Debug().Int("status", resp.Status).Str("document_id", s.documentID).Msg("poll rejected")
		return
	}
	batch, err := protocol.DecodePollResponse(resp.Body)
	if err != nil {
		m.logger.Warn().Err(err).Str("document_id", s.documentID).Msg("bad poll response")
		return
	}
	if !m.isActive(s) {
		return
	}
	m.sink.HandlePoll(batch)
}

func (m *Manager) load(ctx context.Context, s *session) {
	resp, err := m.requester.Do(ctx, http.MethodGet, mapPath(s.documentID), nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("document_id", s.documentID).Msg("initial load failed")
		return
	}
	if !resp.OK() {
		m.logger.Warn().Int("status", resp.Status).Str("document_id", s.documentID).Msg("initial load rejected")
		return
	}
	doc, err := protocol.DecodeSnapshot(resp.Body)
	if err != nil {
		m.logger.Warn().Err(err).Str("document_id", s.documentID).Msg("bad document snapshot")
		return
	}
	if m.isActive(s) {
		m.sink.Load(doc)
	}
}

// Send puts a frame on the channel when it is open, otherwise on the legacy REST
// endpoints whose responses are delivered to the sink as acks.
func (m *Manager) Send(ctx context.Context, out protocol.Outbound) error {
	if err := out.ValidateBasic(); err != nil {
		return err
	}
	s := m.active()
	if s == nil {
		return ErrNotOpen
	}

	if ch := m.openChannel(); ch != nil {
		frame, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode %s: %w", out.Type, err)
		}
		err = ch.Send(ctx, frame)
		if err == nil {
			return nil
		}
		m.logger.Warn().Err(err).Str("type", string(out.Type)).Msg("channel send failed, using REST")
	}
	return m.sendREST(ctx, s, out)
}

func (m *Manager) sendREST(ctx context.Context, s *session, out protocol.Outbound) error {
	nodes := mapPath(s.documentID) + "/nodes"

	var method, path string
	var body any
	switch p := out.Data.(type) {
	case protocol.CreatePayload:
		method, path, body = http.MethodPost, nodes, p
	case protocol.UpdatePayload:
		method, path, body = http.MethodPut, nodes+"/"+url.PathEscape(p.ID), p.Changes
	case protocol.MovePayload:
		method, path = http.MethodPut, nodes+"/"+url.PathEscape(p.ID)
		body = tree.Changes{ParentID: tree.Ptr(p.ParentID), Position: tree.Ptr(p.Position)}
	case protocol.DeletePayload:
		method, path = http.MethodDelete, nodes+"/"+url.PathEscape(p.ID)
	case protocol.LockPayload:
		if out.Type == protocol.TypeNodeUnlock {
			return m.ReleaseLegacy(ctx, p.NodeID)
		}
		_, err := m.AcquireLegacy(ctx, p.NodeID)
		return err
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownMessageType, out.Data)
	}

	resp, err := m.requester.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s %s: status %d", method, path, resp.Status)
	}
	msg, err := protocol.AckFromREST(out.Type, resp.Body)
	if err != nil {
		return err
	}
	if m.isActive(s) {
		m.sink.HandleMessage(msg)
	}
	return nil
}

// AcquireLegacy requests a lock over HTTP. A 409 is a refusal, not an error.
func (m *Manager) AcquireLegacy(ctx context.Context, nodeID string) (lock.Result, error) {
	s := m.active()
	if s == nil {
		return lock.Result{}, ErrNotOpen
	}
	resp, err := m.requester.Do(ctx, http.MethodPost, lockPath(s.documentID, nodeID), nil)
	if err != nil {
		return lock.Result{}, err
	}
	switch {
	case resp.OK():
		return lock.Result{Held: true}, nil
	case resp.Conflict():
		var refusal lock.Result
		if err := resp.Decode(&refusal); err != nil {
			m.logger.Debug().Err(err).Str("node_id", nodeID).Msg("lock refusal without structured body")
		}
		refusal.Held = false
		return refusal, nil
	default:
		return lock.Result{}, fmt.Errorf("lock %s: status %d", nodeID, resp.Status)
	}
}

// ReleaseLegacy releases a lock over HTTP. Releasing an unknown lock succeeds.
func (m *Manager) ReleaseLegacy(ctx context.Context, nodeID string) error {
	s := m.active()
	if s == nil {
		return ErrNotOpen
	}
	resp, err := m.requester.Do(ctx, http.MethodDelete, lockPath(s.documentID, nodeID), nil)
	if err != nil {
		return err
	}
	if resp.OK() || resp.Status == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("unlock %s: status %d", nodeID, resp.Status)
}

func mapPath(documentID string) string {
	return "/api/maps/" + url.PathEscape(documentID)
}

func lockPath(documentID, nodeID string) string {
	return mapPath(documentID) + "/nodes/" + url.PathEscape(nodeID) + "/lock"
}
