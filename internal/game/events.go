package game

import (
	"time"

	"example.com/promptctf/internal/responder"
)

// event: всё, что попадает в inbox сессии.
type event interface{ isEvent() }

type connectResult struct {
	sub *Subscription
	err error
}

type connectEvent struct {
	playerID string
	conn     Conn
	reply    chan<- connectResult
}

type disconnectEvent struct{ sub *Subscription }

type messageEvent struct {
	sub  *Subscription
	data []byte
}

// timerEvent помечен фазой и поколением: устаревший таймер ничего не делает.
type timerEvent struct {
	phase Phase
	gen   uint64
}

type defenseDoneEvent struct {
	slot     int
	src      int64
	response string
	err      error
}

type streamEvent struct {
	slot  int
	task  uint64
	delta responder.Delta
	err   error
}

type viewEvent struct{ reply chan<- View }

func (connectEvent) isEvent()     {}
func (disconnectEvent) isEvent()  {}
func (messageEvent) isEvent()     {}
func (timerEvent) isEvent()       {}
func (defenseDoneEvent) isEvent() {}
func (streamEvent) isEvent()      {}
func (viewEvent) isEvent()        {}

// View is a point-in-time copy of a session, including both slots.
type View struct {
	Phase     Phase
	Deadline  time.Time
	Winner    int
	Reason    EndReason
	Players   [2]PlayerState
	Bound     [2]bool
	Streaming [2]bool
}

func (s *Session) view() View {
	v := View{
		Phase:    s.phase,
		Deadline: s.deadline,
		Winner:   s.winner,
		Reason:   s.reason,
	}
	for i, p := range s.players {
		v.Players[i] = p.state()
		v.Bound[i] = p.ch.Bound()
		v.Streaming[i] = p.stream != nil
	}
	return v
}
