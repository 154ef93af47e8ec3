// Package cred is the credential store: per-workstation auth tokens and
// encryption keys. It is deliberately a separate 0600 file from the
// relational store so message history and key material never share a
// backend.
package cred

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when no credentials exist for a workstation.
var ErrNotFound = errors.New("credentials not found")

// Entry keys are namespaced by workstation id.
const (
	keyAuthToken     = "auth-token"
	keyEncryptionKey = "encryption-key"
)

// Credentials is the decoded pair held for one workstation.
type Credentials struct {
	AuthToken     []byte
	EncryptionKey []byte
}

// Store persists credentials in a single JSON file with base64 values and
// caches decoded keys in memory.
type Store struct {
	path string

	mu      sync.Mutex
	decoded map[string]*Credentials
}

// Open loads (or lazily creates) the credential file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &Store{path: path, decoded: make(map[string]*Credentials)}, nil
}

func (s *Store) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return entries, nil
}

func (s *Store) save(entries map[string]string) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

func entryKey(workstationID, name string) string {
	return workstationID + "/" + name
}

// Set stores both credentials for a workstation.
func (s *Store) Set(workstationID string, c *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[entryKey(workstationID, keyAuthToken)] = base64.StdEncoding.EncodeToString(c.AuthToken)
	entries[entryKey(workstationID, keyEncryptionKey)] = base64.StdEncoding.EncodeToString(c.EncryptionKey)
	if err := s.save(entries); err != nil {
		return err
	}
	s.decoded[workstationID] = &Credentials{
		AuthToken:     append([]byte{}, c.AuthToken...),
		EncryptionKey: append([]byte{}, c.EncryptionKey...),
	}
	return nil
}

// Get returns the credentials for a workstation, decoding at most once.
func (s *Store) Get(workstationID string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.decoded[workstationID]; ok {
		return c, nil
	}
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	tokenB64, okToken := entries[entryKey(workstationID, keyAuthToken)]
	keyB64, okKey := entries[entryKey(workstationID, keyEncryptionKey)]
	if !okToken || !okKey {
		return nil, fmt.Errorf("workstation %s: %w", workstationID, ErrNotFound)
	}
	token, err := base64.StdEncoding.DecodeString(tokenB64)
	if err != nil {
		return nil, fmt.Errorf("decode auth token for %s: %w", workstationID, err)
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key for %s: %w", workstationID, err)
	}
	c := &Credentials{AuthToken: token, EncryptionKey: key}
	s.decoded[workstationID] = c
	return c, nil
}

// Delete removes both entries for a workstation and drops the cached keys.
func (s *Store) Delete(workstationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	delete(entries, entryKey(workstationID, keyAuthToken))
	delete(entries, entryKey(workstationID, keyEncryptionKey))
	delete(s.decoded, workstationID)
	return s.save(entries)
}

// Evict drops the in-memory decoded keys without touching disk, e.g. on
// disconnect.
func (s *Store) Evict(workstationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decoded, workstationID)
}
