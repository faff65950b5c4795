package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"example.com/promptctf/internal/responder"
)

var (
	ErrAlreadyInitialized = errors.New("room already initialized")
	ErrNotInitialized     = errors.New("room not initialized")
	ErrBadPlayerIDs       = errors.New("expected two distinct non-empty player ids")
)

const resultTimeout = 5 * time.Second

// Bootstrapper creates the session for a freshly paired match.
type Bootstrapper interface {
	Initialize(ctx context.Context, roomID string, playerIDs [2]string) error
}

// Archive receives session snapshots and serves them back for reaped rooms.
type Archive interface {
	Submit(snap Snapshot)
	Load(ctx context.Context, matchID string) (Snapshot, bool, error)
}

type ResultRecorder interface {
	Record(ctx context.Context, res Result) error
}

// Registry holds one session per room id.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Session
	closed bool

	ctx       context.Context
	cfg       Config
	responder responder.Responder
	log       *slog.Logger
	archive   Archive
	results   ResultRecorder
	sessOpts  []SessionOption
}

type RegistryOption func(*Registry)

func WithArchive(a Archive) RegistryOption {
	return func(r *Registry) { r.archive = a }
}

func WithResults(rr ResultRecorder) RegistryOption {
	return func(r *Registry) { r.results = rr }
}

// WithSessionOptions applies opts to every session the registry creates.
func WithSessionOptions(opts ...SessionOption) RegistryOption {
	return func(r *Registry) { r.sessOpts = append(r.sessOpts, opts...) }
}

func NewRegistry(ctx context.Context, cfg Config, resp responder.Responder, log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		rooms:     make(map[string]*Session),
		ctx:       ctx,
		cfg:       cfg,
		responder: resp,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize creates the session for roomID. Each room is initialized once.
func (r *Registry) Initialize(_ context.Context, roomID string, playerIDs [2]string) error {
	if roomID == "" || playerIDs[0] == "" || playerIDs[1] == "" || playerIDs[0] == playerIDs[1] {
		return ErrBadPlayerIDs
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrSessionClosed
	}
	if _, ok := r.rooms[roomID]; ok {
		return fmt.Errorf("room %s: %w", roomID, ErrAlreadyInitialized)
	}

	var sess *Session
	hooks := Hooks{
		OnSnapshot: r.submitSnapshot,
		OnFinish: func(res Result) {
			// sess присваивается под r.mu
			r.mu.Lock()
			self := sess
			r.mu.Unlock()
			r.onFinish(roomID, self, res)
		},
	}
	opts := append([]SessionOption{WithHooks(hooks)}, r.sessOpts...)
	sess = NewSession(r.ctx, roomID, playerIDs, r.cfg, r.responder, r.log, opts...)
	r.rooms[roomID] = sess

	r.log.Info("room initialized", "room", roomID)
	return nil
}

func (r *Registry) Lookup(roomID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[roomID]
	return s, ok
}

// Connect admits conn into roomID as playerID. On failure conn is closed.
func (r *Registry) Connect(roomID, playerID string, conn Conn) (*Session, *Subscription, error) {
	sess, ok := r.Lookup(roomID)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("room %s: %w", roomID, ErrNotInitialized)
	}
	sub, err := sess.Connect(playerID, conn)
	if err != nil {
		return nil, nil, fmt.Errorf("room %s: %w", roomID, err)
	}
	return sess, sub, nil
}

// Info reports whether roomID exists and its phase. Reaped rooms are answered
// from the snapshot archive when one is configured.
func (r *Registry) Info(ctx context.Context, roomID string) (RoomInfo, error) {
	if sess, ok := r.Lookup(roomID); ok {
		v, err := sess.View()
		if err != nil {
			return RoomInfo{Initialized: true, Phase: PhaseFinished}, nil
		}
		return RoomInfo{Initialized: true, Phase: v.Phase}, nil
	}
	if r.archive == nil {
		return RoomInfo{}, nil
	}
	snap, found, err := r.archive.Load(ctx, roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	if !found {
		return RoomInfo{}, nil
	}
	return RoomInfo{Initialized: true, Phase: snap.Phase}, nil
}

// Remove tears down the room's session and forgets it.
func (r *Registry) Remove(roomID string) {
	r.mu.Lock()
	sess, ok := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()

	if ok {
		sess.Close()
		r.log.Info("room removed", "room", roomID)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close tears down every room. Initialize fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close()
		}()
	}
	wg.Wait()
}

func (r *Registry) submitSnapshot(snap Snapshot) {
	if r.archive != nil {
		r.archive.Submit(snap)
	}
}

// onFinish runs on the session goroutine and must not block it.
func (r *Registry) onFinish(roomID string, sess *Session, res Result) {
	r.log.Info("match finished", "room", roomID, "winner", res.Winner, "reason", res.Reason)

	if r.results != nil && res.Reason != EndClosed {
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), resultTimeout)
			defer cancel()
			if err := r.results.Record(ctx, res); err != nil {
				r.log.Warn("record match result", "room", roomID, "err", err)
			}
		}()
	}

	if res.Reason == EndClosed {
		return
	}
	time.AfterFunc(r.cfg.RoomLinger, func() {
		r.mu.Lock()
		cur, ok := r.rooms[roomID]
		if ok && cur == sess {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		if ok && cur == sess {
			sess.Close()
			r.log.Info("finished room reaped", "room", roomID)
		}
	})
}
