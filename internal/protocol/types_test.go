package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync/mindsync/internal/domain/tree"
)

func TestDecodeConnected(t *testing.T) {
	raw := []byte(`{"type":"connected","client_id":"c-1","version":7,"data":{"user_id":"u-1","locks":[{"node_id":"n1","user_id":"u-2","username":"bob"}]}}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	ev, ok := msg.Event.(Connected)
	require.True(t, ok)
	assert.Equal(t, "c-1", ev.ClientID)
	assert.Equal(t, int64(7), ev.Version)
	assert.Equal(t, "u-1", ev.UserID)
	require.Len(t, ev.Locks, 1)
	assert.Equal(t, "bob", ev.Locks[0].Username)
	assert.Equal(t, int64(7), msg.Version)
}

func TestDecodeConnectedWithoutData(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connected","client_id":"c-9","version":3}`))
	require.NoError(t, err)
	ev := msg.Event.(Connected)
	assert.Equal(t, "c-9", ev.ClientID)
	assert.Empty(t, ev.Locks)
}

func TestDecodeAckCarriesNode(t *testing.T) {
	raw := []byte(`{"type":"ack","original_type":"node:create","version":4,"data":{"id":"n1","map_id":"m","parent_id":"r","content":"x","position":6,"style":"{}","collapsed":false,"last_edited_by_name":"amy"}}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	ack, ok := msg.Event.(Ack)
	require.True(t, ok)
	assert.Equal(t, TypeNodeCreate, ack.OriginalType)
	require.NotNil(t, ack.Node)
	assert.Equal(t, 6.0, ack.Node.Position)
	assert.Equal(t, "amy", ack.Node.LastEditedByName)
	assert.Equal(t, int64(4), msg.Version)
}

func TestDecodeAckForDelete(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ack","original_type":"node:delete","version":5,"data":{"id":"n1"}}`))
	require.NoError(t, err)
	ack := msg.Event.(Ack)
	assert.Nil(t, ack.Node)
	assert.Equal(t, []string{"n1"}, ack.DeletedIDs)
}

func TestDecodeAckWithNullData(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ack","original_type":"node:update","version":5,"data":null}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Event.(Ack).Node)
}

func TestDecodeNodeEvents(t *testing.T) {
	cases := []struct {
		raw  string
		want MessageType
	}{
		{`{"type":"node:create","client_id":"c","version":1,"data":{"id":"a","parent_id":"r"}}`, TypeNodeCreate},
		{`{"type":"node:update","client_id":"c","version":2,"data":{"id":"a","parent_id":"r","content":"y"}}`, TypeNodeUpdate},
		{`{"type":"node:move","client_id":"c","version":3,"data":{"id":"a","parent_id":"b"}}`, TypeNodeMove},
		{`{"type":"node:delete","client_id":"c","version":4,"data":{"id":"a"}}`, TypeNodeDelete},
		{`{"type":"node:lock","client_id":"c","version":4,"data":{"node_id":"a","user_id":"u","username":"ursula"}}`, TypeNodeLock},
		{`{"type":"node:unlock","client_id":"c","version":4,"data":{"node_id":"a"}}`, TypeNodeUnlock},
		{`{"type":"peer:disconnect","client_id":"c"}`, TypePeerDisconnect},
	}
	for _, tc := range cases {
		msg, err := Decode([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, msg.Type(), tc.raw)
		assert.Equal(t, "c", msg.ClientID)
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"node:explode"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessageType))

	_, err = Decode([]byte(`{"type":"node:create","data":{}}`))
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = Decode([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = Decode([]byte(`{"type":"node:lock","data":{"user_id":"u"}}`))
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestOutboundWireShape(t *testing.T) {
	out := NewUpdate("n1", tree.Changes{Content: tree.Ptr("hello")}, 12)
	require.NoError(t, out.ValidateBasic())

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"node:update","data":{"id":"n1","changes":{"content":"hello"}},"version":12}`, string(b))

	n := tree.Node{ID: "n2", ParentID: tree.Ptr("r"), Content: "c", Position: 3}
	b, err = json.Marshal(NewCreate(n, 1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"node:create","data":{"id":"n2","parent_id":"r","content":"c","position":3},"version":1}`, string(b))

	b, err = json.Marshal(NewLock("n3", 2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"node:lock","data":{"node_id":"n3"},"version":2}`, string(b))
}

func TestOutboundValidateBasic(t *testing.T) {
	assert.Error(t, NewUpdate("n1", tree.Changes{}, 0).ValidateBasic())
	assert.Error(t, NewDelete("", 0).ValidateBasic())
	assert.Error(t, NewMove("n1", "", 0, 0).ValidateBasic())
	assert.Error(t, Outbound{Type: TypeAck, Data: DeletePayload{ID: "x"}}.ValidateBasic())
	assert.NoError(t, NewDelete("n1", 0).ValidateBasic())
	assert.NoError(t, NewUnlock("n1", 0).ValidateBasic())
}

func TestDecodePollResponse(t *testing.T) {
	resp, err := DecodePollResponse([]byte(`{"version":9,"changed":[{"id":"a","parent_id":"r"}],"deleted":["b"]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9), resp.Version)
	assert.Len(t, resp.Changed, 1)
	assert.Equal(t, []string{"b"}, resp.Deleted)
	assert.False(t, resp.HasLocks)

	resp, err = DecodePollResponse([]byte(`{"version":9,"changed":[],"deleted":[],"locks":[]}`))
	require.NoError(t, err)
	assert.True(t, resp.HasLocks)
	assert.Empty(t, resp.Locks)
}

func TestAckFromREST(t *testing.T) {
	msg, err := AckFromREST(TypeNodeCreate, []byte(`{"id":"n1","parent_id":"r","position":2,"version":14}`))
	require.NoError(t, err)
	assert.Equal(t, int64(14), msg.Version)
	ack := msg.Event.(Ack)
	require.NotNil(t, ack.Node)
	assert.Equal(t, "n1", ack.Node.ID)

	msg, err = AckFromREST(TypeNodeDelete, []byte(`{"deleted_ids":["a","b"],"version":15,"map_id":"m"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, msg.Event.(Ack).DeletedIDs)

	_, err = AckFromREST(TypeNodeLock, nil)
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}
