package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrSessionMissing means the relay does not list the instance.
var ErrSessionMissing = errors.New("session not registered with relay")

// SessionInfo is one entry of the relay's session listing. Unknown fields
// are ignored.
type SessionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type sessionList struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ListSessions fetches GET {base}/api/v1/sessions with bearer auth.
func ListSessions(ctx context.Context, client *http.Client, relay RelayConfig, token string) ([]SessionInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(relay.BaseHTTPURL, "/") + SessionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build sessions request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list sessions: HTTP %d", resp.StatusCode)
	}

	var list sessionList
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return list.Sessions, nil
}

// CheckSession returns nil when the relay lists instanceID, ErrSessionMissing
// when it does not, or the transport error.
func CheckSession(ctx context.Context, client *http.Client, relay RelayConfig, token, instanceID string) error {
	sessions, err := ListSessions(ctx, client, relay, token)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.ID == instanceID {
			return nil
		}
	}
	return ErrSessionMissing
}
