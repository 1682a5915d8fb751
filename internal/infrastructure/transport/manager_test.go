package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync/mindsync/internal/domain/tree"
	"github.com/mindsync/mindsync/internal/infrastructure/httpclient"
	"github.com/mindsync/mindsync/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeChannel struct {
	in        chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan []byte, 16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Send(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.sent <- frame
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    []string
	fail     atomic.Bool
	channels chan *fakeChannel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{channels: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, documentID string) (Channel, error) {
	d.mu.Lock()
	d.dials = append(d.dials, documentID)
	d.mu.Unlock()
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	ch := newFakeChannel()
	d.channels <- ch
	return ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type call struct {
	method string
	path   string
	body   any
}

type fakeRequester struct {
	mu      sync.Mutex
	calls   []call
	respond func(method, path string, body any) (*httpclient.Response, error)
}

func (r *fakeRequester) Do(_ context.Context, method, path string, body any) (*httpclient.Response, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{method, path, body})
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return &httpclient.Response{Status: http.StatusServiceUnavailable}, nil
	}
	return respond(method, path, body)
}

func (r *fakeRequester) pathsWithPrefix(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if strings.HasPrefix(c.path, prefix) {
			out = append(out, c.path)
		}
	}
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	resets   []string
	loads    []protocol.DocumentSnapshot
	messages []protocol.Message
	polls    []protocol.PollResponse
	states   []string
	version  int64
}

func (s *recordingSink) Reset(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, documentID)
	s.version = 0
}

func (s *recordingSink) Load(doc protocol.DocumentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, doc)
	if doc.Version > s.version {
		s.version = doc.Version
	}
}

func (s *recordingSink) HandleMessage(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if msg.Version > s.version {
		s.version = msg.Version
	}
}

func (s *recordingSink) HandlePoll(resp protocol.PollResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, resp)
	if resp.Version > s.version {
		s.version = resp.Version
	}
}

func (s *recordingSink) SetConnectionState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *recordingSink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *recordingSink) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.polls)
}

func jsonResponse(status int, body string) *httpclient.Response {
	return &httpclient.Response{Status: status, Body: []byte(body)}
}

func serverStub(method, path string, _ any) (*httpclient.Response, error) {
	switch {
	case method == http.MethodGet && path == "/api/maps/m1":
		return jsonResponse(http.StatusOK, `{"id":"m1","name":"Plan","version":3,"nodes":[{"id":"r","parent_id":null}]}`), nil
	case method == http.MethodGet && strings.HasPrefix(path, "/api/maps/m1/sync"):
		return jsonResponse(http.StatusOK, `{"version":4,"changed":[],"deleted":[]}`), nil
	case method == http.MethodGet && path == "/api/maps/m2":
		return jsonResponse(http.StatusOK, `{"id":"m2","version":1,"nodes":[]}`), nil
	case method == http.MethodGet && strings.HasPrefix(path, "/api/maps/m2/sync"):
		return jsonResponse(http.StatusOK, `{"version":1,"changed":[],"deleted":[]}`), nil
	}
	return jsonResponse(http.StatusNotFound, `{}`), nil
}

func fastSettings() Settings {
	return Settings{PollInterval: 20 * time.Millisecond, ReconnectBase: 10 * time.Millisecond, ReconnectCap: 40 * time.Millisecond}
}

func TestManagerOpenLoadsConnectsAndDelivers(t *testing.T) {
	requester := &fakeRequester{respond: serverStub}
	dialer := newFakeDialer()
	sink := &recordingSink{}
	m := NewManager(requester, dialer, sink, fastSettings(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Open(context.Background(), "m1"))

	sink.mu.Lock()
	require.Len(t, sink.loads, 1)
	assert.Equal(t, "Plan", sink.loads[0].Name)
	assert.Equal(t, []string{"m1"}, sink.resets)
	sink.mu.Unlock()

	var ch *fakeChannel
	select {
	case ch = <-dialer.channels:
	case <-time.After(waitFor):
		t.Fatal("no channel dialed")
	}
	require.Eventually(t, m.ChannelOpen, waitFor, tick)
	assert.Equal(t, StateOpen, m.State())

	ch.in <- []byte(`{"type":"connected","client_id":"c-1","version":5}`)
	ch.in <- []byte(`{"type":"node:explode"}`)
	ch.in <- []byte(`{"type":"node:lock","client_id":"c-2","version":6,"data":{"node_id":"r","user_id":"u2","username":"bob"}}`)

	require.Eventually(t, func() bool { return sink.messageCount() == 2 }, waitFor, tick)
	assert.Equal(t, int64(6), sink.Version())
}

func TestManagerPollsSinceLastVersion(t *testing.T) {
	requester := &fakeRequester{respond: serverStub}
	sink := &recordingSink{}
	m := NewManager(requester, nil, sink, fastSettings(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Open(context.Background(), "m1"))
	require.Eventually(t, func() bool { return sink.pollCount() >= 2 }, waitFor, tick)

	paths := requester.pathsWithPrefix("/api/maps/m1/sync")
	require.NotEmpty(t, paths)
	assert.Equal(t, "/api/maps/m1/sync?since=3", paths[0])
	assert.Contains(t, paths, "/api/maps/m1/sync?since=4")
	assert.False(t, m.ChannelOpen())
}

func TestManagerReconnectsAfterClose(t *testing.T) {
	requester := &fakeRequester{respond: serverStub}
	dialer := newFakeDialer()
	sink := &recordingSink{}
	m := NewManager(requester, dialer, sink, fastSettings(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Open(context.Background(), "m1"))
	first := <-dialer.channels
	require.Eventually(t, m.ChannelOpen, waitFor, tick)

	close(first.in)

	var second *fakeChannel
	select {
	case second = <-dialer.channels:
	case <-time.After(waitFor):
		t.Fatal("no reconnect")
	}
	assert.NotSame(t, first, second)
	require.Eventually(t, m.ChannelOpen, waitFor, tick)
	assert.True(t, first.isClosed())

	sink.mu.Lock()
	assert.Contains(t, sink.states, string(StateClosed))
	sink.mu.Unlock()
}

func TestManagerKeepsRetryingFailedDials(t *testing.T) {
	requester := &fakeRequester{respond: serverStub}
	dialer := newFakeDialer()
	dialer.fail.Store(true)
	sink := &recordingSink{}
	m := NewManager(requester, dialer, sink, fastSettings(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Open(context.Background(), "m1"))
	require.Eventually(t, func() bool { return dialer.dialCount() >= 3 }, waitFor, tick)
	assert.False(t, m.ChannelOpen())

	dialer.fail.Store(false)
	require.Eventually(t, m.ChannelOpen, waitFor, tick)
}

func TestManagerCloseStopsEverything(t *testing.T) {
	requester := &fakeRequester{respond: serverStub}
	dialer := newFakeDialer()
	sink := &recordingSink{}
	m := NewManager(requester, dialer, sink, fastSettings(), zerolog.Nop())

	require.NoError(t, m.Open(context.Background(), "m1"))
	ch := <-dialer.channels
	require.Eventually(t, m.ChannelOpen, waitFor, tick)

	m.Close()
	assert.True(t, ch.isClosed())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, "", m.DocumentID())

	dials := dialer.dialCount()
	polls := sink.pollCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount())
	assert.Equal(t, polls, sink.pollCount())

	err := m.Send(context.Background(), protocol.NewDelete("n1", 0))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestManagerSwitchTearsDownPreviousSession(t *testing.T) {
	requester := &fakeRequester{respond: serverStub}
	dialer := newFakeDialer()
	sink := &recordingSink{}
	m := NewManager(requester, dialer, sink, fastSettings(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Open(context.Background(), "m1"))
	old := <-dialer.channels
	require.Eventually(t, m.ChannelOpen, waitFor, tick)

	require.NoError(t, m.Open(context.Background(), "m2"))
	assert.True(t, old.isClosed())
	assert.Equal(t, "m2", m.DocumentID())

	<-dialer.channels
	require.Eventually(t, m.ChannelOpen, waitFor, tick)

	sink.mu.Lock()
	assert.Equal(t, []string{"m1", "m2"}, sink.resets)
	sink.mu.Unlock()

	before := len(requester.pathsWithPrefix("/api/maps/m1/sync"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, len(requester.pathsWithPrefix("/api/maps/m1/sync")))
}

func TestManagerConcurrentOpensLeaveOneSession(t *testing.T) {
	requester := &fakeRequester{respond: func(string, string, any) (*httpclient.Response, error) {
		return jsonResponse(http.StatusOK, `{"version":1,"nodes":[],"changed":[],"deleted":[]}`), nil
	}}
	dialer := newFakeDialer()
	sink := &recordingSink{}
	m := NewManager(requester, dialer, sink, fastSettings(), zerolog.Nop())
	defer m.Close()

	docs := []string{"d1", "d2", "d3", "d4", "d5"}
	var wg sync.WaitGroup
	for _, doc := range docs {
		wg.Add(1)
		go func(doc string) {
			defer wg.Done()
			assert.NoError(t, m.Open(context.Background(), doc))
		}(doc)
	}
	wg.Wait()

	current := m.DocumentID()
	require.Contains(t, docs, current)
	sink.mu.Lock()
	assert.Len(t, sink.resets, len(docs))
	assert.Equal(t, current, sink.resets[len(sink.resets)-1])
	sink.mu.Unlock()

	var seen []*fakeChannel
	require.Eventually(t, func() bool {
	drain:
		for {
			select {
			case ch := <-dialer.channels:
				seen = append(seen, ch)
			default:
				break drain
			}
		}
		open := 0
		for _, ch := range seen {
			if !ch.isClosed() {
				open++
			}
		}
		return open == 1 && m.ChannelOpen()
	}, waitFor, tick)

	for _, doc := range docs {
		if doc == current {
			continue
		}
		before := len(requester.pathsWithPrefix("/api/maps/" + doc + "/sync"))
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, before, len(requester.pathsWithPrefix("/api/maps/"+doc+"/sync")), "superseded session %s still polling", doc)
	}
}

func TestManagerSendOverChannel(t *testing.T) {
	requester := &fakeRequester{respond: serverStub}
	dialer := newFakeDialer()
	m := NewManager(requester, dialer, &recordingSink{}, fastSettings(), zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Open(context.Background(), "m1"))
	ch := <-dialer.channels
	require.Eventually(t, m.ChannelOpen, waitFor, tick)

	require.NoError(t, m.Send(context.Background(), protocol.NewMove("n1", "r", 2, 7)))

	select {
	case frame := <-ch.sent:
		assert.JSONEq(t, `{"type":"node:move","data":{"id":"n1","parent_id":"r","position":2},"version":7}`, string(frame))
	case <-time.After(waitFor):
		t.Fatal("frame not sent")
	}
}

func TestManagerSendFallsBackToREST(t *testing.T) {
	var mu sync.Mutex
	var bodies []any
	requester := &fakeRequester{respond: func(method, path string, body any) (*httpclient.Response, error) {
		switch {
		case method == http.MethodPost && path == "/api/maps/m1/nodes":
			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()
			return jsonResponse(http.StatusCreated, `{"id":"n1","parent_id":"r","position":9,"version":12}`), nil
		case method == http.MethodPut && path == "/api/maps/m1/nodes/n1":
			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()
			return jsonResponse(http.StatusOK, `{"id":"n1","parent_id":"x","position":1,"version":13}`), nil
		case method == http.MethodDelete && path == "/api/maps/m1/nodes/n1":
			return jsonResponse(http.StatusOK, `{"deleted_ids":["n1","n2"],"version":14}`), nil
		}
		return serverStub(method, path, body)
	}}
	sink := &recordingSink{}
	m := NewManager(requester, nil, sink, Settings{PollInterval: time.Hour}, zerolog.Nop())
	defer m.Close()
	require.NoError(t, m.Open(context.Background(), "m1"))

	n := tree.Node{ID: "n1", ParentID: tree.Ptr("r"), Content: "hi"}
	require.NoError(t, m.Send(context.Background(), protocol.NewCreate(n, 3)))
	require.NoError(t, m.Send(context.Background(), protocol.NewMove("n1", "x", 1, 12)))
	require.NoError(t, m.Send(context.Background(), protocol.NewDelete("n1", 13)))

	sink.mu.Lock()
	require.Len(t, sink.messages, 3)
	created := sink.messages[0].Event.(protocol.Ack)
	require.NotNil(t, created.Node)
	assert.Equal(t, 9.0, created.Node.Position)
	assert.Equal(t, []string{"n1", "n2"}, sink.messages[2].Event.(protocol.Ack).DeletedIDs)
	assert.Equal(t, int64(14), sink.version)
	sink.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	moveBody, err := json.Marshal(bodies[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"parent_id":"x","position":1}`, string(moveBody))
}

func TestManagerSendRESTFailureIsReturned(t *testing.T) {
	requester := &fakeRequester{respond: func(method, path string, body any) (*httpclient.Response, error) {
		if method == http.MethodDelete {
			return nil, errors.New("network down")
		}
		return serverStub(method, path, body)
	}}
	m := NewManager(requester, nil, &recordingSink{}, Settings{PollInterval: time.Hour}, zerolog.Nop())
	defer m.Close()
	require.NoError(t, m.Open(context.Background(), "m1"))

	assert.Error(t, m.Send(context.Background(), protocol.NewDelete("n1", 0)))
	assert.Error(t, m.Send(context.Background(), protocol.NewUpdate("n1", tree.Changes{}, 0)), "invalid frames are rejected")
}

func TestManagerLegacyLocks(t *testing.T) {
	requester := &fakeRequester{respond: func(method, path string, body any) (*httpclient.Response, error) {
		switch {
		case method == http.MethodPost && path == "/api/maps/m1/nodes/free/lock":
			return jsonResponse(http.StatusOK, `{"ok":true}`), nil
		case method == http.MethodPost && path == "/api/maps/m1/nodes/taken/lock":
			return jsonResponse(http.StatusConflict, `{"held":false,"locked_by":"bob"}`), nil
		case method == http.MethodPost && path == "/api/maps/m1/nodes/legacy/lock":
			return jsonResponse(http.StatusConflict, `{"detail":"bob is editing this node"}`), nil
		case method == http.MethodDelete && strings.HasSuffix(path, "/lock"):
			return jsonResponse(http.StatusNotFound, `{}`), nil
		}
		return serverStub(method, path, body)
	}}
	m := NewManager(requester, nil, &recordingSink{}, Settings{PollInterval: time.Hour}, zerolog.Nop())
	defer m.Close()

	ctx := context.Background()
	_, err := m.AcquireLegacy(ctx, "free")
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, m.Open(ctx, "m1"))

	res, err := m.AcquireLegacy(ctx, "free")
	require.NoError(t, err)
	assert.True(t, res.Held)

	res, err = m.AcquireLegacy(ctx, "taken")
	require.NoError(t, err)
	assert.False(t, res.Held)
	assert.Equal(t, "bob", res.LockedBy)

	res, err = m.AcquireLegacy(ctx, "legacy")
	require.NoError(t, err)
	assert.False(t, res.Held)
	assert.Empty(t, res.LockedBy)

	assert.NoError(t, m.ReleaseLegacy(ctx, "free"))
}

func TestManagerOpenRequiresDocument(t *testing.T) {
	m := NewManager(&fakeRequester{}, nil, &recordingSink{}, fastSettings(), zerolog.Nop())
	assert.ErrorIs(t, m.Open(context.Background(), "  "), ErrEmptyDocument)
}
