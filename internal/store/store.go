package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a conversation record does not exist.
var ErrNotFound = errors.New("conversation not found")

// FileStore keeps one JSON file per conversation under
// dataDir/conversations/<owner>/<conversation>.json.
type FileStore struct {
	root string
}

// NewFileStore creates the store, making the root directory if needed.
func NewFileStore(dataDir string) (*FileStore, error) {
	root := filepath.Join(dataDir, "conversations")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// validID rejects identifiers that could escape the store directory.
func validID(id string) error {
	if id == "" {
		return errors.New("empty identifier")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid identifier %q", id)
	}
	return nil
}

func (s *FileStore) path(owner, conversationID string) (string, error) {
	if err := validID(owner); err != nil {
		return "", err
	}
	if err := validID(conversationID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, owner, conversationID+".json"), nil
}

// Load reads a conversation record. Returns ErrNotFound if it does not exist.
func (s *FileStore) Load(owner, conversationID string) (*Record, error) {
	path, err := s.path(owner, conversationID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", owner, conversationID, err)
	}
	return &rec, nil
}

// LoadOrCreate reads a record, or returns a fresh empty one if the
// conversation has no history yet.
func (s *FileStore) LoadOrCreate(owner, conversationID string) (*Record, error) {
	rec, err := s.Load(owner, conversationID)
	if errors.Is(err, ErrNotFound) {
		return NewRecord(owner, conversationID), nil
	}
	return rec, err
}

// Save writes a record atomically: the JSON is written to a temp file
// in the same directory and renamed over the destination, so a reader
// never observes a partially written record.
func (s *FileStore) Save(rec *Record) error {
	path, err := s.path(rec.Owner, rec.ConversationID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create owner dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename record into place: %w", err)
	}
	return nil
}

// Delete removes a conversation permanently.
func (s *FileStore) Delete(owner, conversationID string) error {
	path, err := s.path(owner, conversationID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Summary is one row in an owner's conversation listing.
type Summary struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
	Topic          string `json:"topic,omitempty"`
	LastMessageTs  int64  `json:"last_message_ts"`
	MessageCount   int    `json:"message_count"`
}

// List returns summaries of an owner's conversations, most recent
// activity first. Unreadable or malformed files are skipped rather
// than failing the whole listing.
func (s *FileStore) List(owner string) ([]Summary, error) {
	if err := validID(owner); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, owner)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Load(owner, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ConversationID: rec.ConversationID,
			Title:          rec.Title,
			Topic:          rec.Topic,
			LastMessageTs:  rec.LastMessageTs,
			MessageCount:   len(rec.Messages),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTs > out[j].LastMessageTs
	})
	return out, nil
}
