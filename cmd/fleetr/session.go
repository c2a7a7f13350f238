package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Session is a saved operator login.
type Session struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	ClientID  string    `json:"client_id"`
	ServerURL string    `json:"server_url"`
}

// SessionManager handles session storage and retrieval
type SessionManager struct {
	sessionPath string
}

// NewSessionManager stores sessions under ~/.fleetr.
func NewSessionManager() *SessionManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return &SessionManager{sessionPath: filepath.Join(homeDir, ".fleetr", "session.json")}
}

func (sm *SessionManager) SaveSession(session *Session) error {
	if err := os.MkdirAll(filepath.Dir(sm.sessionPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.sessionPath, data, 0o600)
}

// LoadSession returns nil without error when no unexpired session exists.
func (sm *SessionManager) LoadSession() (*Session, error) {
	data, err := os.ReadFile(sm.sessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		_ = sm.ClearSession()
		return nil, nil
	}
	return &session, nil
}

func (sm *SessionManager) ClearSession() error {
	if err := os.Remove(sm.sessionPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (sm *SessionManager) GetSessionPath() string {
	return sm.sessionPath
}
