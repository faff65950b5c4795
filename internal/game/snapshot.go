package game

import "time"

// Snapshot: сериализуемое состояние матча для архива (Redis).
// Игроки хранятся без id: они нужны только для подключения.
type Snapshot struct {
	MatchID    string         `json:"matchId"`
	Phase      Phase          `json:"phase"`
	DeadlineMs int64          `json:"deadlineMs"` // unix millis, 0 если нет дедлайна
	Winner     int            `json:"winner"`
	Reason     EndReason      `json:"reason,omitempty"`
	Players    [2]PlayerState `json:"players"`
	SavedAtMs  int64          `json:"savedAtMs"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		MatchID:    s.id,
		Phase:      s.phase,
		DeadlineMs: toMs(s.deadline),
		Winner:     s.winner,
		Reason:     s.reason,
		SavedAtMs:  toMs(time.Now()),
	}
	for i, p := range s.players {
		snap.Players[i] = p.state()
	}
	return snap
}

// RoomInfo is the public description of a room: whether it exists and which
// phase it is in.
type RoomInfo struct {
	Initialized bool  `json:"initialized"`
	Phase       Phase `json:"phase,omitempty"`
}
