package game

import (
	"encoding/json"
	"time"
)

type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseDefense  Phase = "defense"
	PhaseOffense  Phase = "offense"
	PhaseFinished Phase = "finished"
)

type Source string

const (
	SourceUser Source = "user"
	SourceBot  Source = "bot"
)

// ChatMessage is one entry of a slot's offense transcript.
type ChatMessage struct {
	ID        string `json:"id"`
	Source    Source `json:"source"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming"`
}

type DefenseState struct {
	Prompt   *string `json:"prompt"`
	Response *string `json:"response"`
}

type PlayerState struct {
	Idx        int           `json:"idx"`
	Passphrase string        `json:"passphrase"`
	Defense    DefenseState  `json:"defense"`
	Chat       []ChatMessage `json:"chat"`
}

// GameState is the per-slot snapshot carried by a sync message.
// Opponent stays nil until the session is finished.
type GameState struct {
	Phase       Phase        `json:"phase"`
	PhaseEndsAt *int64       `json:"phaseEndsAt"`
	WinnerIdx   *int         `json:"winnerIdx"`
	Self        PlayerState  `json:"self"`
	Opponent    *PlayerState `json:"opponent"`
}

// Client -> server.
const (
	MsgDefensePrompt = "defense:prompt"
	MsgOffensePrompt = "offense:prompt"
)

// Server -> client.
const (
	MsgSync              = "sync"
	MsgDefenseResponse   = "defense:response"
	MsgOffenseChatNew    = "offense:chat:new"
	MsgOffenseChatStream = "offense:chat:stream"
	MsgMatch             = "match"
)

type ClientMessage struct {
	Type   string  `json:"type"`
	ID     int64   `json:"id"`
	Prompt *string `json:"prompt"`
}

// Outbound is a server message that receives its sequence number from the
// channel it is sent on.
type Outbound interface {
	stamp(id int64)
}

type header struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func (h *header) stamp(id int64) { h.ID = id }

type SyncMessage struct {
	header
	State GameState `json:"state"`
}

type DefenseResponseMessage struct {
	header
	Src      int64  `json:"src"`
	Response string `json:"response"`
}

type ChatNewMessage struct {
	header
	Src      int64         `json:"src"`
	Messages []ChatMessage `json:"messages"`
}

type ChatStreamMessage struct {
	header
	Src    int64       `json:"src"`
	Target string      `json:"target"`
	Delta  StreamDelta `json:"delta"`
}

func newSync(st GameState) *SyncMessage {
	return &SyncMessage{header: header{Type: MsgSync}, State: st}
}

func newDefenseResponse(src int64, response string) *DefenseResponseMessage {
	return &DefenseResponseMessage{header: header{Type: MsgDefenseResponse}, Src: src, Response: response}
}

func newChatNew(src int64, msgs ...ChatMessage) *ChatNewMessage {
	return &ChatNewMessage{header: header{Type: MsgOffenseChatNew}, Src: src, Messages: msgs}
}

func newChatStream(src int64, target string, d StreamDelta) *ChatStreamMessage {
	return &ChatStreamMessage{header: header{Type: MsgOffenseChatStream}, Src: src, Target: target, Delta: d}
}

// StreamDelta encodes as the delta string, or as false for the end of a stream.
type StreamDelta struct {
	Text string
	End  bool
}

func (d StreamDelta) MarshalJSON() ([]byte, error) {
	if d.End {
		return []byte("false"), nil
	}
	return json.Marshal(d.Text)
}

func (d *StreamDelta) UnmarshalJSON(b []byte) error {
	if string(b) == "false" {
		*d = StreamDelta{End: true}
		return nil
	}
	*d = StreamDelta{}
	return json.Unmarshal(b, &d.Text)
}

// MatchMessage is sent on the lobby connection once a pairing is formed.
type MatchMessage struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

// InitRequest is the body of the privileged room bootstrap call.
type InitRequest struct {
	PlayerIDs []string `json:"playerIds"`
}

type EndReason string

const (
	EndCaptured EndReason = "captured"
	EndTimeout  EndReason = "timeout"
	EndClosed   EndReason = "closed"
)

// Result describes a finished session. Winner is -1 when nobody won.
type Result struct {
	MatchID    string
	Winner     int
	Reason     EndReason
	Prompts    [2]int
	FinishedAt time.Time
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
