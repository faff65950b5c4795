package game

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/promptctf/internal/auth"
)

// SecretHeader carries the signed bootstrap token.
const SecretHeader = "X-Secret"

// RemoteBootstrapper initializes rooms hosted by another process through the
// privileged POST /parties/gameroom/{roomId} endpoint.
type RemoteBootstrapper struct {
	baseURL  string
	secret   []byte
	tokenTTL time.Duration
	client   *http.Client
}

func NewRemoteBootstrapper(baseURL string, secret []byte, tokenTTL time.Duration, client *http.Client) *RemoteBootstrapper {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteBootstrapper{
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   secret,
		tokenTTL: tokenTTL,
		client:   client,
	}
}

func (b *RemoteBootstrapper) Initialize(ctx context.Context, roomID string, playerIDs [2]string) error {
	token, err := auth.SignBootstrap(b.secret, roomID, b.tokenTTL)
	if err != nil {
		return fmt.Errorf("sign bootstrap token: %w", err)
	}
	body, err := json.Marshal(InitRequest{PlayerIDs: playerIDs[:]})
	if err != nil {
		return err
	}

	u := b.baseURL + "/parties/gameroom/" + url.PathEscape(roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, token)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap room %s: %w", roomID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("room %s: %w", roomID, ErrAlreadyInitialized)
	default:
		return fmt.Errorf("bootstrap room %s: unexpected status %d", roomID, resp.StatusCode)
	}
}
