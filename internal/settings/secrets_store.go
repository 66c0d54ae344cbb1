package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// WebSearchKeyID is the reserved secret id for the web search backend key.
const WebSearchKeyID = "websearch"

// SecretsStore persists user-managed secrets to a local file.
//
// It is intentionally separate from config.json: config.json holds tunable
// settings, secrets.json holds API keys (LLM providers and web search).
//
// Secrets must never be echoed back to callers. Status surfaces only derived
// fields such as "api_key_set".
type SecretsStore struct {
	path string
	mu   sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int               `json:"schema_version"`
	APIKeys       map[string]string `json:"api_keys,omitempty"`
}

func (s *SecretsStore) getKey(id string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false, errors.New("missing key id")
	}

	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	if sf == nil || len(sf.APIKeys) == 0 {
		return "", false, nil
	}
	v := strings.TrimSpace(sf.APIKeys[id])
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *SecretsStore) HasAPIKey(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.getKey(id)
	return ok, err
}

func (s *SecretsStore) GetAPIKey(id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getKey(id)
}

func (s *SecretsStore) SetAPIKey(id string, apiKey string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing key id")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.applyPatches([]APIKeyPatch{{ID: id, APIKey: &apiKey}})
}

func (s *SecretsStore) ClearAPIKey(id string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing key id")
	}
	return s.applyPatches([]APIKeyPatch{{ID: id, APIKey: nil}})
}

type APIKeyPatch struct {
	ID string
	// APIKey is the new key to set. If nil, the key is cleared.
	APIKey *string
}

func (s *SecretsStore) applyPatches(patches []APIKeyPatch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf == nil {
		sf = &secretsFile{SchemaVersion: 1}
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	if sf.APIKeys == nil {
		sf.APIKeys = make(map[string]string)
	}

	for i := range patches {
		p := patches[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("missing key id")
		}
		if p.APIKey == nil {
			delete(sf.APIKeys, id)
			continue
		}
		key := strings.TrimSpace(*p.APIKey)
		if key == "" {
			return errors.New("missing api key")
		}
		sf.APIKeys[id] = key
	}

	if len(sf.APIKeys) == 0 {
		sf.APIKeys = nil
	}
	return s.saveLocked(sf)
}

// APIKeySetStatus reports which of the given ids have a key on file, without
// revealing the keys.
func (s *SecretsStore) APIKeySetStatus(ids []string) (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	out := make(map[string]bool, len(ids))

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	var keys map[string]string
	if sf != nil {
		keys = sf.APIKeys
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = strings.TrimSpace(keys[id]) != ""
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	if sf == nil {
		return errors.New("nil secrets")
	}
	path := strings.TrimSpace(s.path)
	if path == "" {
		return errors.New("missing secrets path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
