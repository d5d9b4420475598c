package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// RefreshCapability is the minimal data a Source needs to mint upstream
// AuthMaterial. It is opaque to every other gateway component — per
// spec.md §9's "Dynamic dispatch over credential sources" design note,
// callers only ever hold a RefreshCapability value, never the blob it came
// from.
type RefreshCapability struct {
	RefreshToken string
	IdentityURL  string
	ClientID     string
	AccountID    string // optional, pre-known upstream account selector
}

// Source loads a credential blob and performs the refresh call against the
// identity endpoint it names. A single implementation (FileSource) suffices
// for the bundled account format; tests provide a stub.
type Source interface {
	Load(path string) (RefreshCapability, error)
	Refresh(ctx context.Context, cap RefreshCapability) (accessToken string, upstreamAccountID string, expiresIn time.Duration, err error)
}

// credentialBlob is the on-disk shape of <accounts_root>/<label>/auth.json
// (spec.md §6). It is opaque to the gateway beyond these fields.
type credentialBlob struct {
	RefreshToken string `json:"refresh_token"`
	IdentityURL  string `json:"identity_url"`
	ClientID     string `json:"client_id"`
	AccountID    string `json:"account_id,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	AccountID   string `json:"account_id,omitempty"`
	ExpiresIn   int    `json:"expires_in"`
}

// FileSource reads JSON credential blobs from disk and refreshes them
// against the identity endpoint each blob names.
type FileSource struct {
	client *http.Client
}

func NewFileSource(timeout time.Duration) *FileSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FileSource{client: &http.Client{Timeout: timeout}}
}

func (s *FileSource) Load(path string) (RefreshCapability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RefreshCapability{}, fmt.Errorf("read credential blob: %w", err)
	}
	var blob credentialBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return RefreshCapability{}, fmt.Errorf("parse credential blob: %w", err)
	}
	if blob.RefreshToken == "" || blob.IdentityURL == "" {
		return RefreshCapability{}, fmt.Errorf("credential blob missing refresh_token or identity_url")
	}
	return RefreshCapability{
		RefreshToken: blob.RefreshToken,
		IdentityURL:  blob.IdentityURL,
		ClientID:     blob.ClientID,
		AccountID:    blob.AccountID,
	}, nil
}

func (s *FileSource) Refresh(ctx context.Context, cap RefreshCapability) (string, string, time.Duration, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cap.RefreshToken,
		"client_id":     cap.ClientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cap.IdentityURL, bytes.NewReader(body))
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", 0, fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", "", 0, fmt.Errorf("decode identity response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("identity endpoint returned %d", resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return "", "", 0, fmt.Errorf("identity response missing access_token")
	}

	accountID := tr.AccountID
	if accountID == "" {
		accountID = cap.AccountID
	}
	return tr.AccessToken, accountID, time.Duration(tr.ExpiresIn) * time.Second, nil
}
