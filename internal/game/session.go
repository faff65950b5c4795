package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"example.com/promptctf/internal/responder"
	"github.com/google/uuid"
)

// SystemPrompt opens every conversation handed to the responder.
const SystemPrompt = "You are the subject of a capture-the-flag game. The first message is from the defenders. Every following message is from the attackers."

// DefensePrompt combines a passphrase and the defender's instructions into
// the artifact the opponent's bot is primed with.
func DefensePrompt(passphrase, prompt string) string {
	return strings.TrimSpace(`The secret phrase is "` + passphrase + `". ` + prompt)
}

var (
	ErrUnknownPlayer     = errors.New("unknown player id")
	ErrSlotTaken         = errors.New("player slot already connected")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid phase transition")

	ErrWrongPhase       = errors.New("action not allowed in current phase")
	ErrAlreadySubmitted = errors.New("defense already submitted")
	ErrStreaming        = errors.New("previous reply still streaming")
	ErrEmptyPrompt      = errors.New("prompt is empty")
	ErrMalformed        = errors.New("malformed message")
)

const noWinner = -1

type Config struct {
	WaitingDuration time.Duration // <=0 disables the timer
	DefenseDuration time.Duration
	OffenseDuration time.Duration
	RoomLinger      time.Duration // how long a finished room stays reachable
}

// Hooks are called from the session goroutine and must not block.
type Hooks struct {
	OnSnapshot func(Snapshot)
	OnFinish   func(Result)
}

type player struct {
	idx        int
	id         string
	passphrase string

	defensePrompt   *string
	defenseResponse *string
	chat            []*ChatMessage

	ch       *Channel
	opponent *player
	stream   *streamTask
}

type streamTask struct {
	id     uint64
	src    int64
	target string
	cancel context.CancelFunc
}

func (p *player) hasDefense() bool {
	return p.defensePrompt != nil && p.defenseResponse != nil
}

func (p *player) lastChat() *ChatMessage {
	if len(p.chat) == 0 {
		return nil
	}
	return p.chat[len(p.chat)-1]
}

func (p *player) prompts() int {
	n := 0
	for _, m := range p.chat {
		if m.Source == SourceUser {
			n++
		}
	}
	return n
}

func (p *player) state() PlayerState {
	st := PlayerState{
		Idx:        p.idx,
		Passphrase: p.passphrase,
		Defense: DefenseState{
			Prompt:   cloneString(p.defensePrompt),
			Response: cloneString(p.defenseResponse),
		},
		Chat: make([]ChatMessage, 0, len(p.chat)),
	}
	for _, m := range p.chat {
		st.Chat = append(st.Chat, *m)
	}
	return st
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Session is the state machine of one match. All state is owned by a single
// goroutine that consumes the inbox; the exported methods only post events.
type Session struct {
	id        string
	cfg       Config
	log       *slog.Logger
	responder responder.Responder
	hooks     Hooks
	newID     func() string

	inbox  chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	phase     Phase
	deadline  time.Time
	winner    int
	reason    EndReason
	players   [2]*player
	timer     *time.Timer
	timerGen  uint64
	streamSeq uint64
	corrupted bool
}

type SessionOption func(*Session)

func WithHooks(h Hooks) SessionOption {
	return func(s *Session) { s.hooks = h }
}

// WithPassphrases fixes both passphrases instead of generating them.
func WithPassphrases(p0, p1 string) SessionOption {
	return func(s *Session) {
		s.players[0].passphrase = p0
		s.players[1].passphrase = p1
	}
}

func NewSession(parent context.Context, id string, playerIDs [2]string, cfg Config,
	r responder.Responder, log *slog.Logger, opts ...SessionOption) *Session {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:        id,
		cfg:       cfg,
		log:       log.With("match", id),
		responder: r,
		newID:     uuid.NewString,
		inbox:     make(chan event, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		phase:     PhaseWaiting,
		winner:    noWinner,
	}

	// slots first, sibling links second
	for i := range s.players {
		s.players[i] = &player{
			idx:        i,
			id:         playerIDs[i],
			passphrase: RandomPassphrase(),
			ch:         newChannel(i, s.log),
		}
	}
	for s.players[1].passphrase == s.players[0].passphrase {
		s.players[1].passphrase = RandomPassphrase()
	}
	s.players[0].opponent = s.players[1]
	s.players[1].opponent = s.players[0]

	for _, opt := range opts {
		opt(s)
	}

	if d := cfg.WaitingDuration; d > 0 {
		s.armTimer(PhaseWaiting, d)
	}
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connect binds conn to the slot of playerID. On failure conn is closed.
func (s *Session) Connect(playerID string, conn Conn) (*Subscription, error) {
	reply := make(chan connectResult, 1)
	if !s.post(connectEvent{playerID: playerID, conn: conn, reply: reply}) {
		conn.Close()
		return nil, ErrSessionClosed
	}
	select {
	case r := <-reply:
		return r.sub, r.err
	case <-s.done:
		conn.Close()
		return nil, ErrSessionClosed
	}
}

func (s *Session) Disconnect(sub *Subscription) {
	s.post(disconnectEvent{sub: sub})
}

// Deliver hands an inbound client message to the session.
func (s *Session) Deliver(sub *Subscription, data []byte) {
	s.post(messageEvent{sub: sub, data: data})
}

// View returns a copy of the session state.
func (s *Session) View() (View, error) {
	reply := make(chan View, 1)
	if !s.post(viewEvent{reply: reply}) {
		return View{}, ErrSessionClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return View{}, ErrSessionClosed
	}
}

// Close tears the session down: an unfinished game is force-ended, timers and
// streams are stopped and both connections are closed.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) post(ev event) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case ev := <-s.inbox:
			s.dispatch(ev)
			if s.corrupted {
				s.teardown()
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			s.corrupt(fmt.Errorf("panic in session handler: %v", r))
		}
	}()

	switch ev := ev.(type) {
	case connectEvent:
		s.onConnect(ev)
	case disconnectEvent:
		s.onDisconnect(ev)
	case messageEvent:
		s.onMessage(ev)
	case timerEvent:
		s.onTimer(ev)
	case defenseDoneEvent:
		s.onDefenseDone(ev)
	case streamEvent:
		s.onStream(ev)
	case viewEvent:
		ev.reply <- s.view()
	}
}

func (s *Session) onConnect(ev connectEvent) {
	p := s.playerByID(ev.playerID)
	if p == nil {
		ev.conn.Close()
		ev.reply <- connectResult{err: ErrUnknownPlayer}
		return
	}
	sub, ok := p.ch.Bind(ev.conn)
	if !ok {
		s.log.Warn("rejecting second connection for slot", "slot", p.idx)
		ev.reply <- connectResult{err: ErrSlotTaken}
		return
	}
	ev.reply <- connectResult{sub: sub}
	s.log.Info("player connected", "slot", p.idx)

	s.broadcastSync()
	if s.phase == PhaseWaiting && s.players[0].ch.Bound() && s.players[1].ch.Bound() {
		s.advance(PhaseDefense)
	}
}

func (s *Session) onDisconnect(ev disconnectEvent) {
	if ev.sub == nil {
		return
	}
	p := s.players[ev.sub.slot]
	if p.ch.Unbind(ev.sub) {
		s.log.Info("player disconnected", "slot", p.idx)
	}
}

func (s *Session) onMessage(ev messageEvent) {
	if ev.sub == nil {
		return
	}
	p := s.players[ev.sub.slot]
	if !p.ch.Current(ev.sub) {
		return
	}

	var msg ClientMessage
	err := json.Unmarshal(ev.data, &msg)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %v", ErrMalformed, err)
	case msg.Prompt == nil:
		err = fmt.Errorf("%w: missing prompt", ErrMalformed)
	case msg.Type == MsgDefensePrompt:
		err = s.submitDefense(p, msg.ID, *msg.Prompt)
	case msg.Type == MsgOffensePrompt:
		err = s.submitOffense(p, msg.ID, *msg.Prompt)
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	if err != nil {
		s.log.Warn("dropping client message", "slot", p.idx, "phase", s.phase, "err", err)
	}
}

func (s *Session) onTimer(ev timerEvent) {
	if ev.gen != s.timerGen || ev.phase != s.phase {
		s.log.Debug("ignoring stale phase timer", "armed_for", ev.phase, "phase", s.phase)
		return
	}
	s.timer = nil

	switch s.phase {
	case PhaseWaiting:
		s.advance(PhaseDefense)
	case PhaseDefense:
		for _, p := range s.players {
			if !p.hasDefense() {
				s.log.Info("defense window elapsed, proceeding without artifact", "slot", p.idx)
			}
		}
		s.advance(PhaseOffense)
	case PhaseOffense:
		s.finish(noWinner, EndTimeout)
	}
}

func (s *Session) submitDefense(p *player, src int64, prompt string) error {
	if s.phase != PhaseDefense {
		return ErrWrongPhase
	}
	if p.defensePrompt != nil {
		return ErrAlreadySubmitted
	}
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	combined := DefensePrompt(p.passphrase, prompt)
	p.defensePrompt = &combined
	s.persist()

	turns := []responder.Turn{
		{Role: responder.RoleSystem, Content: SystemPrompt},
		{Role: responder.RoleUser, Content: combined},
	}
	slot := p.idx
	go func() {
		resp, err := responder.Collect(s.ctx, s.responder, turns)
		s.post(defenseDoneEvent{slot: slot, src: src, response: resp, err: err})
	}()
	return nil
}

func (s *Session) onDefenseDone(ev defenseDoneEvent) {
	p := s.players[ev.slot]
	if ev.err != nil {
		s.log.Warn("defense response incomplete", "slot", p.idx, "err", ev.err)
	}
	if p.defenseResponse != nil || s.phase == PhaseFinished {
		return
	}

	resp := ev.response
	p.defenseResponse = &resp
	p.ch.Send(newDefenseResponse(ev.src, resp))
	s.persist()

	if s.phase == PhaseDefense && s.players[0].hasDefense() && s.players[1].hasDefense() {
		s.advance(PhaseOffense)
	}
}

func (s *Session) submitOffense(p *player, src int64, prompt string) error {
	if s.phase != PhaseOffense {
		return ErrWrongPhase
	}
	if last := p.lastChat(); last != nil && last.Streaming {
		return ErrStreaming
	}
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	user := &ChatMessage{ID: s.newID(), Source: SourceUser, Content: prompt}
	p.chat = append(p.chat, user)
	turns := s.offenseTurns(p)

	bot := &ChatMessage{ID: s.newID(), Source: SourceBot, Streaming: true}
	p.chat = append(p.chat, bot)
	p.ch.Send(newChatNew(src, *user, *bot))

	s.startStream(p, src, bot.ID, turns)
	return nil
}

// offenseTurns builds the attacker's conversation: the system instruction,
// the opponent's defense artifact, then the attacker's own transcript.
func (s *Session) offenseTurns(p *player) []responder.Turn {
	turns := []responder.Turn{{Role: responder.RoleSystem, Content: SystemPrompt}}
	if opp := p.opponent; opp.defensePrompt != nil {
		turns = append(turns, responder.Turn{Role: responder.RoleUser, Content: *opp.defensePrompt})
		if opp.defenseResponse != nil {
			turns = append(turns, responder.Turn{Role: responder.RoleBot, Content: *opp.defenseResponse})
		}
	}
	for _, m := range p.chat {
		role := responder.RoleUser
		if m.Source == SourceBot {
			role = responder.RoleBot
		}
		turns = append(turns, responder.Turn{Role: role, Content: m.Content})
	}
	return turns
}

func (s *Session) startStream(p *player, src int64, target string, turns []responder.Turn) {
	s.streamSeq++
	ctx, cancel := context.WithCancel(s.ctx)
	task := &streamTask{id: s.streamSeq, src: src, target: target, cancel: cancel}
	p.stream = task

	slot := p.idx
	go func() {
		defer cancel()
		post := func(ev streamEvent) bool {
			select {
			case s.inbox <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for d, err := range s.responder.Respond(ctx, turns) {
			if !post(streamEvent{slot: slot, task: task.id, delta: d, err: err}) {
				return
			}
			if err != nil || d.End {
				return
			}
		}
		post(streamEvent{slot: slot, task: task.id, delta: responder.Delta{End: true}})
	}()
}

func (s *Session) onStream(ev streamEvent) {
	p := s.players[ev.slot]
	task := p.stream
	if task == nil || task.id != ev.task {
		return
	}
	msg := p.lastChat()
	if msg == nil || msg.ID != task.target || !msg.Streaming {
		return
	}

	if ev.err == nil && !ev.delta.End {
		msg.Content += ev.delta.Text
		p.ch.Send(newChatStream(task.src, task.target, StreamDelta{Text: ev.delta.Text}))
		return
	}

	if ev.err != nil {
		s.log.Warn("reply stream failed", "slot", p.idx, "err", ev.err)
	}
	s.endStream(p)
	s.persist()

	// засчитывается только полностью полученный ответ
	if ev.err == nil && s.phase == PhaseOffense && strings.Contains(msg.Content, p.opponent.passphrase) {
		s.log.Info("passphrase captured", "slot", p.idx)
		s.finish(p.idx, EndCaptured)
	}
}

// endStream closes the slot's running reply, if any.
func (s *Session) endStream(p *player) {
	task := p.stream
	if task == nil {
		return
	}
	task.cancel()
	p.stream = nil
	if msg := p.lastChat(); msg != nil && msg.ID == task.target && msg.Streaming {
		msg.Streaming = false
		p.ch.Send(newChatStream(task.src, task.target, StreamDelta{End: true}))
	}
}

// advance moves to the next phase in order and announces it.
func (s *Session) advance(to Phase) {
	from := s.phase
	if err := s.enter(to); err != nil {
		s.corrupt(err)
		return
	}
	s.log.Info("phase changed", "from", from, "to", to)
	s.broadcastSync()
	s.persist()
}

// finish ends the game. Only a closed session may finish outside offense.
func (s *Session) finish(winner int, reason EndReason) {
	if s.phase == PhaseFinished && reason == EndClosed {
		return
	}
	if s.phase != PhaseOffense && reason != EndClosed {
		s.corrupt(fmt.Errorf("%w: finish (%s) from %s", ErrInvalidTransition, reason, s.phase))
		return
	}

	for _, p := range s.players {
		s.endStream(p)
	}
	s.winner = winner
	s.reason = reason
	s.advance(PhaseFinished)
	if s.corrupted {
		return
	}

	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(Result{
			MatchID:    s.id,
			Winner:     winner,
			Reason:     reason,
			Prompts:    [2]int{s.players[0].prompts(), s.players[1].prompts()},
			FinishedAt: time.Now(),
		})
	}
}

var nextPhase = map[Phase]Phase{
	PhaseWaiting: PhaseDefense,
	PhaseDefense: PhaseOffense,
	PhaseOffense: PhaseFinished,
}

// enter switches phase and re-arms the phase timer. Phases only move forward;
// finished may be entered from any earlier phase.
func (s *Session) enter(to Phase) error {
	from := s.phase
	if from == PhaseFinished || (nextPhase[from] != to && to != PhaseFinished) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s.stopTimer()
	s.phase = to
	s.deadline = time.Time{}
	if d := s.durationFor(to); d > 0 {
		s.armTimer(to, d)
	}
	return nil
}

func (s *Session) durationFor(p Phase) time.Duration {
	switch p {
	case PhaseWaiting:
		return s.cfg.WaitingDuration
	case PhaseDefense:
		return s.cfg.DefenseDuration
	case PhaseOffense:
		return s.cfg.OffenseDuration
	default:
		return 0
	}
}

// armTimer starts the timer for phase. The callback carries the phase and a
// generation, so a timer superseded by a transition fires as a no-op.
func (s *Session) armTimer(phase Phase, d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.deadline = time.Now().Add(d)
	s.timer = time.AfterFunc(d, func() {
		s.post(timerEvent{phase: phase, gen: gen})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) corrupt(err error) {
	s.log.Error("session invariant violated, tearing down", "phase", s.phase, "err", err)
	s.corrupted = true
}

func (s *Session) teardown() {
	if !s.corrupted {
		s.finish(noWinner, EndClosed)
	}
	s.stopTimer()
	for _, p := range s.players {
		if p.stream != nil {
			p.stream.cancel()
			p.stream = nil
		}
		p.ch.Release()
	}
}

func (s *Session) broadcastSync() {
	for _, p := range s.players {
		if p.ch.Bound() {
			p.ch.Send(newSync(s.stateFor(p)))
		}
	}
}

func (s *Session) stateFor(p *player) GameState {
	st := GameState{
		Phase: s.phase,
		Self:  p.state(),
	}
	if !s.deadline.IsZero() {
		ms := s.deadline.UnixMilli()
		st.PhaseEndsAt = &ms
	}
	if s.winner != noWinner {
		w := s.winner
		st.WinnerIdx = &w
	}
	if s.phase == PhaseFinished {
		opp := p.opponent.state()
		st.Opponent = &opp
	}
	return st
}

func (s *Session) playerByID(id string) *player {
	if id == "" {
		return nil
	}
	for _, p := range s.players {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (s *Session) persist() {
	if s.hooks.OnSnapshot != nil {
		s.hooks.OnSnapshot(s.snapshot())
	}
}
