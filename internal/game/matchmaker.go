package game

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const bootstrapTimeout = 5 * time.Second

type lobbyOp int

const (
	lobbyJoin lobbyOp = iota
	lobbyLeave
	lobbyQuery
)

type lobbyEvent struct {
	op    lobbyOp
	conn  Conn
	reply chan<- bool
}

// Matchmaker pairs lobby connections two at a time. Its state is owned by
// the goroutine running Run.
type Matchmaker struct {
	boot  Bootstrapper
	log   *slog.Logger
	newID func() string

	inbox   chan lobbyEvent
	stopped chan struct{}
	waiting Conn
}

func NewMatchmaker(boot Bootstrapper, log *slog.Logger) *Matchmaker {
	if log == nil {
		log = slog.Default()
	}
	return &Matchmaker{
		boot:    boot,
		log:     log.With("component", "matchmaker"),
		newID:   uuid.NewString,
		inbox:   make(chan lobbyEvent, 16),
		stopped: make(chan struct{}),
	}
}

// Join enters conn into the lobby. Returns false once the matchmaker stopped.
func (m *Matchmaker) Join(conn Conn) bool {
	return m.post(lobbyEvent{op: lobbyJoin, conn: conn})
}

// Leave removes conn if it is the waiting connection.
func (m *Matchmaker) Leave(conn Conn) {
	m.post(lobbyEvent{op: lobbyLeave, conn: conn})
}

// Waiting reports whether a connection is parked in the lobby.
func (m *Matchmaker) Waiting() bool {
	reply := make(chan bool, 1)
	if !m.post(lobbyEvent{op: lobbyQuery, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-m.stopped:
		return false
	}
}

func (m *Matchmaker) post(ev lobbyEvent) bool {
	select {
	case <-m.stopped:
		return false
	default:
	}
	select {
	case m.inbox <- ev:
		return true
	case <-m.stopped:
		return false
	}
}

// Run processes lobby events until ctx is cancelled. The waiting connection,
// if any, is closed on exit.
func (m *Matchmaker) Run(ctx context.Context) error {
	defer func() {
		close(m.stopped)
		if m.waiting != nil {
			m.waiting.Close()
			m.waiting = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.inbox:
			switch ev.op {
			case lobbyJoin:
				m.join(ctx, ev.conn)
			case lobbyLeave:
				if m.waiting == ev.conn {
					m.waiting = nil
				}
			case lobbyQuery:
				ev.reply <- m.waiting != nil
			}
		}
	}
}

func (m *Matchmaker) join(ctx context.Context, conn Conn) {
	if m.waiting == nil || m.waiting == conn {
		m.waiting = conn
		return
	}

	first := m.waiting
	m.waiting = nil

	roomID := m.newID()
	ids := [2]string{m.newID(), m.newID()}

	bctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	err := m.boot.Initialize(bctx, roomID, ids)
	cancel()
	if err != nil {
		m.log.Error("initialize room", "room", roomID, "err", err)
		first.Close()
		m.waiting = conn
		return
	}

	m.notify(first, roomID, ids[0])
	m.notify(conn, roomID, ids[1])
	first.Close()
	conn.Close()
	m.log.Info("players matched", "room", roomID)
}

func (m *Matchmaker) notify(conn Conn, roomID, playerID string) {
	b, err := json.Marshal(MatchMessage{Type: MsgMatch, RoomID: roomID, PlayerID: playerID})
	if err != nil {
		m.log.Error("encode match message", "err", err)
		return
	}
	if err := conn.Send(b); err != nil {
		m.log.Warn("send match message", "room", roomID, "err", err)
	}
}
