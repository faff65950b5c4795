package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bootCall struct {
	roomID    string
	playerIDs [2]string
}

type fakeBoot struct {
	mu    sync.Mutex
	calls []bootCall
	err   error
}

func (b *fakeBoot) Initialize(_ context.Context, roomID string, ids [2]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, bootCall{roomID: roomID, playerIDs: ids})
	return b.err
}

func (b *fakeBoot) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *fakeBoot) snapshot() []bootCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bootCall(nil), b.calls...)
}

func decodeMatch(t *testing.T, c *fakeConn) MatchMessage {
	t.Helper()
	select {
	case b := <-c.msgs:
		var m MatchMessage
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(waitTimeout):
		t.Fatal("no match message")
		return MatchMessage{}
	}
}

func startMatchmaker(t *testing.T, boot Bootstrapper) *Matchmaker {
	t.Helper()
	m := NewMatchmaker(boot, discardLog)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func TestMatchmaker_PairsTwoConnections(t *testing.T) {
	boot := &fakeBoot{}
	m := startMatchmaker(t, boot)

	a, b := newFakeConn(), newFakeConn()
	require.True(t, m.Join(a))
	assert.True(t, m.Waiting())
	require.True(t, m.Join(b))
	assert.False(t, m.Waiting())

	calls := boot.snapshot()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.NotEmpty(t, call.roomID)
	assert.NotEqual(t, call.playerIDs[0], call.playerIDs[1])

	assert.Equal(t, MsgMatch, a.next(t).Type)
	assert.Equal(t, MsgMatch, b.next(t).Type)
	a.waitClosed(t)
	b.waitClosed(t)
}

func TestMatchmaker_MatchPayload(t *testing.T) {
	boot := &fakeBoot{}
	m := startMatchmaker(t, boot)

	a, b := newFakeConn(), newFakeConn()
	m.Join(a)
	m.Join(b)
	m.Waiting()

	call := boot.snapshot()[0]
	assert.Equal(t, MatchMessage{Type: MsgMatch, RoomID: call.roomID, PlayerID: call.playerIDs[0]}, decodeMatch(t, a))
	assert.Equal(t, MatchMessage{Type: MsgMatch, RoomID: call.roomID, PlayerID: call.playerIDs[1]}, decodeMatch(t, b))
}

func TestMatchmaker_Leave(t *testing.T) {
	cases := []struct {
		name        string
		leave       func(a, other *fakeConn) *fakeConn
		wantWaiting bool
	}{
		{name: "identical connection", leave: func(a, _ *fakeConn) *fakeConn { return a }, wantWaiting: false},
		{name: "different connection", leave: func(_, other *fakeConn) *fakeConn { return other }, wantWaiting: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := startMatchmaker(t, &fakeBoot{})
			a, other := newFakeConn(), newFakeConn()
			m.Join(a)
			m.Leave(tc.leave(a, other))
			assert.Equal(t, tc.wantWaiting, m.Waiting())
		})
	}
}

func TestMatchmaker_SameConnectionDoesNotPairWithItself(t *testing.T) {
	boot := &fakeBoot{}
	m := startMatchmaker(t, boot)

	a := newFakeConn()
	m.Join(a)
	m.Join(a)
	assert.True(t, m.Waiting())
	assert.Empty(t, boot.snapshot())
	assert.False(t, a.isClosed())
}

func TestMatchmaker_BootstrapFailure(t *testing.T) {
	boot := &fakeBoot{err: errors.New("room service down")}
	m := startMatchmaker(t, boot)

	a, b := newFakeConn(), newFakeConn()
	m.Join(a)
	m.Join(b)
	assert.True(t, m.Waiting())
	a.waitClosed(t)
	assert.False(t, b.isClosed())
	assert.Empty(t, a.drain())

	boot.setErr(nil)
	c := newFakeConn()
	m.Join(c)
	assert.False(t, m.Waiting())

	calls := boot.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[1].playerIDs[0], decodeMatch(t, b).PlayerID)
	assert.Equal(t, calls[1].playerIDs[1], decodeMatch(t, c).PlayerID)
}

func TestMatchmaker_StopClosesWaiting(t *testing.T) {
	m := NewMatchmaker(&fakeBoot{}, discardLog)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	a := newFakeConn()
	m.Join(a)
	require.True(t, m.Waiting())

	cancel()
	require.NoError(t, <-done)
	assert.True(t, a.isClosed())
	assert.False(t, m.Join(newFakeConn()))
	assert.False(t, m.Waiting())
}
