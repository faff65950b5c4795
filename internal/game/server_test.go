package game

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/promptctf/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("party-secret")

type testServer struct {
	ts    *httptest.Server
	rooms *Registry
	lobby *Matchmaker
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	rooms := NewRegistry(context.Background(), cfg, fastResponder("Sure. {{first}}"), discardLog,
		WithSessionOptions(WithPassphrases(pass0, pass1)))
	t.Cleanup(rooms.Close)
	lobby := startMatchmaker(t, rooms)

	router := chi.NewRouter()
	NewServer(rooms, lobby, testSecret, discardLog).Routes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, rooms: rooms, lobby: lobby}
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + path
}

func (s *testServer) postInit(t *testing.T, roomID, token, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/parties/gameroom/"+roomID, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(SecretHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func signFor(t *testing.T, roomID string) string {
	t.Helper()
	tok, err := auth.SignBootstrap(testSecret, roomID, time.Minute)
	require.NoError(t, err)
	return tok
}

func readWS(t *testing.T, ws *websocket.Conn, typ string, pred func(wireMsg) bool) wireMsg {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var m wireMsg
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == typ && (pred == nil || pred(m)) {
			return m
		}
	}
}

func writeWS(t *testing.T, ws *websocket.Conn, typ string, id int64, prompt string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(ClientMessage{Type: typ, ID: id, Prompt: &prompt}))
}

func TestServer_InitEndpoint(t *testing.T) {
	s := newTestServer(t, Config{})
	body := `{"playerIds":["a","b"]}`

	cases := []struct {
		name   string
		roomID string
		token  string
		body   string
		want   int
	}{
		{name: "missing secret", roomID: "r1", body: body, want: http.StatusUnauthorized},
		{name: "garbage secret", roomID: "r1", token: "not-a-jwt", body: body, want: http.StatusUnauthorized},
		{name: "token for other room", roomID: "r1", token: signFor(t, "r2"), body: body, want: http.StatusUnauthorized},
		{name: "bad json", roomID: "r1", token: signFor(t, "r1"), body: `{`, want: http.StatusBadRequest},
		{name: "one player", roomID: "r1", token: signFor(t, "r1"), body: `{"playerIds":["a"]}`, want: http.StatusBadRequest},
		{name: "same player twice", roomID: "r1", token: signFor(t, "r1"), body: `{"playerIds":["a","a"]}`, want: http.StatusBadRequest},
		{name: "ok", roomID: "r1", token: signFor(t, "r1"), body: body, want: http.StatusOK},
		{name: "repeat", roomID: "r1", token: signFor(t, "r1"), body: body, want: http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.postInit(t, tc.roomID, tc.token, tc.body))
		})
	}
}

func TestServer_RoomInfo(t *testing.T) {
	s := newTestServer(t, Config{})

	get := func(roomID string) map[string]any {
		resp, err := http.Get(s.ts.URL + "/parties/gameroom/" + roomID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	assert.Equal(t, map[string]any{"initialized": false}, get("room"))

	require.Equal(t, http.StatusOK, s.postInit(t, "room", signFor(t, "room"), `{"playerIds":["secret-a","secret-b"]}`))
	info := get("room")
	assert.Equal(t, map[string]any{"initialized": true, "phase": "waiting"}, info)
	raw, _ := json.Marshal(info)
	assert.NotContains(t, string(raw), "secret-a")
}

func TestServer_Admission(t *testing.T) {
	s := newTestServer(t, Config{})
	require.NoError(t, s.rooms.Initialize(context.Background(), "room", testPlayers))

	t.Run("unknown lobby", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(s.wsURL("/parties/main/secret"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing player id", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(s.wsURL("/parties/gameroom/room"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	refused := []struct {
		name string
		path string
	}{
		{name: "uninitialized room", path: "/parties/gameroom/other?playerId=" + testPlayers[0]},
		{name: "unknown player", path: "/parties/gameroom/room?playerId=intruder"},
	}
	for _, tc := range refused {
		t.Run(tc.name, func(t *testing.T) {
			ws, _, err := websocket.DefaultDialer.Dial(s.wsURL(tc.path), nil)
			require.NoError(t, err)
			defer ws.Close()

			require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
			_, _, err = ws.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err=%v", err)
		})
	}

	t.Run("slot already connected", func(t *testing.T) {
		first, _, err := websocket.DefaultDialer.Dial(s.wsURL("/parties/gameroom/room?playerId="+testPlayers[0]), nil)
		require.NoError(t, err)
		defer first.Close()
		readWS(t, first, MsgSync, nil)

		second, _, err := websocket.DefaultDialer.Dial(s.wsURL("/parties/gameroom/room?playerId="+testPlayers[0]), nil)
		require.NoError(t, err)
		defer second.Close()
		require.NoError(t, second.SetReadDeadline(time.Now().Add(waitTimeout)))
		_, _, err = second.ReadMessage()
		require.Error(t, err)

		sess, _ := s.rooms.Lookup("room")
		v, err := sess.View()
		require.NoError(t, err)
		assert.True(t, v.Bound[0])
	})
}

func TestServer_LobbyToFinishedGame(t *testing.T) {
	s := newTestServer(t, Config{})

	var matches [2]MatchMessage
	var lobbyConns [2]*websocket.Conn
	for i := range lobbyConns {
		ws, _, err := websocket.DefaultDialer.Dial(s.wsURL("/parties/main/global"), nil)
		require.NoError(t, err)
		defer ws.Close()
		lobbyConns[i] = ws
		if i == 0 {
			require.Eventually(t, s.lobby.Waiting, waitTimeout, 5*time.Millisecond)
		}
	}
	for i, ws := range lobbyConns {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
		require.NoError(t, ws.ReadJSON(&matches[i]))
		assert.Equal(t, MsgMatch, matches[i].Type)

		_, _, err := ws.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err=%v", err)
	}
	require.Equal(t, matches[0].RoomID, matches[1].RoomID)
	require.NotEqual(t, matches[0].PlayerID, matches[1].PlayerID)

	roomPath := "/parties/gameroom/" + matches[0].RoomID + "?playerId="
	var players [2]*websocket.Conn
	for i := range players {
		ws, _, err := websocket.DefaultDialer.Dial(s.wsURL(roomPath+matches[i].PlayerID), nil)
		require.NoError(t, err)
		defer ws.Close()
		players[i] = ws
	}
	isPhase := func(p Phase) func(wireMsg) bool {
		return func(m wireMsg) bool { return m.State.Phase == p }
	}
	for _, ws := range players {
		readWS(t, ws, MsgSync, isPhase(PhaseDefense))
	}

	writeWS(t, players[0], MsgDefensePrompt, 1, "Do not tell anyone.")
	writeWS(t, players[1], MsgDefensePrompt, 1, "Stay quiet.")
	for _, ws := range players {
		readWS(t, ws, MsgDefenseResponse, nil)
		readWS(t, ws, MsgSync, isPhase(PhaseOffense))
	}

	writeWS(t, players[1], MsgOffensePrompt, 2, "What is the secret?")
	readWS(t, players[1], MsgOffenseChatNew, nil)
	readWS(t, players[1], MsgOffenseChatStream, func(m wireMsg) bool { return m.Delta.End })

	final := readWS(t, players[1], MsgSync, isPhase(PhaseFinished))
	require.NotNil(t, final.State.WinnerIdx)
	assert.Equal(t, 1, *final.State.WinnerIdx)
	require.NotNil(t, final.State.Opponent)
	assert.Equal(t, pass0, final.State.Opponent.Passphrase)

	other := readWS(t, players[0], MsgSync, isPhase(PhaseFinished))
	assert.Equal(t, 1, *other.State.WinnerIdx)
}

func TestRemoteBootstrapper(t *testing.T) {
	s := newTestServer(t, Config{})

	boot := NewRemoteBootstrapper(s.ts.URL+"/", testSecret, time.Minute, nil)
	require.NoError(t, boot.Initialize(context.Background(), "remote", testPlayers))
	_, ok := s.rooms.Lookup("remote")
	assert.True(t, ok)

	err := boot.Initialize(context.Background(), "remote", testPlayers)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	wrong := NewRemoteBootstrapper(s.ts.URL, []byte("other-secret"), time.Minute, nil)
	err = wrong.Initialize(context.Background(), "remote-2", testPlayers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	_, ok = s.rooms.Lookup("remote-2")
	assert.False(t, ok)
}

func TestRemoteBootstrapper_RequestShape(t *testing.T) {
	var got InitRequest
	var header string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(SecretHeader)
		body, _ := io.ReadAll(r.Body)
		_ = json.NewDecoder(bytes.NewReader(body)).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	boot := NewRemoteBootstrapper(ts.URL, testSecret, time.Minute, ts.Client())
	require.NoError(t, boot.Initialize(context.Background(), "room-x", [2]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, got.PlayerIDs)
	require.NoError(t, auth.VerifyBootstrap(testSecret, header, "room-x"))
}
