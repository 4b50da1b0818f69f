package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"gatekeeper/internal/models"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JSONStore implements BanStore using a single JSON file.
// The file is read once at construction and rewritten on every mutation.
type JSONStore struct {
	filePath string
	mu       sync.RWMutex
	bans     map[string]*models.Ban
}

// JSONData represents the structure of data stored in JSON format
type JSONData struct {
	Bans        []*models.Ban `json:"bans"`
	LastUpdated time.Time     `json:"last_updated"`
}

// NewJSONStore creates a new JSON-based ban store
func NewJSONStore(config Config) (*JSONStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}

	store := &JSONStore{
		filePath: config.Path,
		bans:     make(map[string]*models.Ban),
	}

	// Initialize with empty data if file doesn't exist
	if err := store.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}

	if err := store.loadData(); err != nil {
		return nil, fmt.Errorf("failed to load initial data: %w", err)
	}

	return store, nil
}

// ensureFileExists creates the JSON file with empty data if it doesn't exist
func (j *JSONStore) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return j.writeFile(&JSONData{Bans: []*models.Ban{}})
	}
	return nil
}

func (j *JSONStore) loadData() error {
	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data JSONData
	if err := json.Unmarshal(fileData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	for _, ban := range data.Bans {
		if ban != nil && ban.IP != "" {
			j.bans[ban.IP] = ban
		}
	}
	return nil
}

// persist writes the current map to disk. Callers must hold the write lock.
func (j *JSONStore) persist() error {
	data := &JSONData{Bans: make([]*models.Ban, 0, len(j.bans))}
	for _, ban := range j.bans {
		data.Bans = append(data.Bans, ban)
	}
	sort.Slice(data.Bans, func(a, b int) bool { return data.Bans[a].IP < data.Bans[b].IP })
	return j.writeFile(data)
}

// writeFile replaces the file atomically via a temp file and rename.
func (j *JSONStore) writeFile(data *JSONData) error {
	data.LastUpdated = time.Now()

	fileData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp := j.filePath + ".tmp"
	if err := os.WriteFile(tmp, fileData, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, j.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	return nil
}

// LoadBans returns copies of all stored bans
func (j *JSONStore) LoadBans(ctx context.Context) ([]*models.Ban, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	bans := make([]*models.Ban, 0, len(j.bans))
	for _, ban := range j.bans {
		banCopy := *ban
		bans = append(bans, &banCopy)
	}
	sort.Slice(bans, func(a, b int) bool { return bans[a].IP < bans[b].IP })
	return bans, nil
}

// SaveBan stores or replaces a ban and rewrites the file
func (j *JSONStore) SaveBan(ctx context.Context, ban *models.Ban) error {
	if err := validateBan(ban); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	previous, existed := j.bans[ban.IP]
	banCopy := *ban
	j.bans[ban.IP] = &banCopy

	if err := j.persist(); err != nil {
		// Roll back so memory and disk agree
		if existed {
			j.bans[ban.IP] = previous
		} else {
			delete(j.bans, ban.IP)
		}
		return err
	}
	return nil
}

// DeleteBan removes the ban for ip and rewrites the file
func (j *JSONStore) DeleteBan(ctx context.Context, ip string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	previous, existed := j.bans[ip]
	if !existed {
		return nil
	}
	delete(j.bans, ip)

	if err := j.persist(); err != nil {
		j.bans[ip] = previous
		return err
	}
	return nil
}

// Ping verifies the backing file is still reachable
func (j *JSONStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(j.filePath); err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	return nil
}

// Close is a no-op; every mutation is already on disk
func (j *JSONStore) Close() error {
	return nil
}
