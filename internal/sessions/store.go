package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const indexFile = "active.json"

// Store manages session JSONL files and the active-pointer index under one
// directory. All methods are safe for concurrent use, though the agent loop
// is the only writer by design.
type Store struct {
	dir   string
	mu    sync.Mutex
	index map[string]string // baseKey -> activeKey
	cache map[string]*Session

	lastMint string // last minted timestamp suffix, for monotonicity
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &Store{
		dir:   dir,
		index: make(map[string]string),
		cache: make(map[string]*Session),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// GetOrCreate resolves a key to its current session. An exact active key
// (containing "#") bypasses the index so channels can pin a specific session.
// For a base key: follow the pointer, adopt a legacy un-suffixed file if one
// exists, or mint a fresh active key.
func (s *Store) GetOrCreate(key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if IsActiveKey(key) {
		return s.loadOrCreateLocked(key)
	}

	if activeKey, ok := s.index[key]; ok {
		return s.loadOrCreateLocked(activeKey)
	}

	// Legacy file named after the bare base key: adopt it as-is.
	legacyPath := s.sessionPath(key)
	if _, err := os.Stat(legacyPath); err == nil {
		s.index[key] = key
		if err := s.saveIndexLocked(); err != nil {
			return nil, err
		}
		slog.Info("adopted legacy session file", "key", key)
		return s.loadOrCreateLocked(key)
	}

	activeKey := key + "#" + s.mintSuffixLocked()
	s.index[key] = activeKey
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}
	return s.loadOrCreateLocked(activeKey)
}

// StartNew mints a fresh active key for baseKey and returns the new empty
// session. The previous session file stays on disk.
func (s *Store) StartNew(baseKey string) (*Session, error) {
	baseKey = BaseKey(baseKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	activeKey := baseKey + "#" + s.mintSuffixLocked()
	s.index[baseKey] = activeKey
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{Key: activeKey, Messages: []Message{}, CreatedAt: now, UpdatedAt: now}
	s.cache[activeKey] = sess
	return sess, nil
}

// ActiveKey returns the current active key for a base key, or "".
func (s *Store) ActiveKey(baseKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[baseKey]
}

// Save rewrites the session's JSONL file atomically: a metadata header line
// followed by one line per message.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.UpdatedAt = time.Now()
	s.cache[sess.Key] = sess

	var buf strings.Builder
	header := map[string]interface{}{
		"_type":     "metadata",
		"key":       sess.Key,
		"createdAt": sess.CreatedAt,
		"updatedAt": sess.UpdatedAt,
		"metadata":  sess.Metadata,
	}
	headerLine, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal session header: %w", err)
	}
	buf.Write(headerLine)
	buf.WriteByte('\n')

	for _, msg := range sess.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal session message: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	return s.atomicWrite(s.sessionPath(sess.Key), []byte(buf.String()))
}

// Delete removes the session file and clears the active pointer when the
// deleted key is the current one.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, key)
	if err := os.Remove(s.sessionPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}

	base := BaseKey(key)
	if s.index[base] == key {
		delete(s.index, base)
		return s.saveIndexLocked()
	}
	return nil
}

// List returns the base keys with an active pointer.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) loadOrCreateLocked(key string) (*Session, error) {
	if sess, ok := s.cache[key]; ok {
		return sess, nil
	}

	path := s.sessionPath(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			now := time.Now()
			sess := &Session{Key: key, Messages: []Message{}, CreatedAt: now, UpdatedAt: now}
			s.cache[key] = sess
			return sess, nil
		}
		return nil, fmt.Errorf("open session %s: %w", key, err)
	}
	defer f.Close()

	sess := &Session{Key: key, Messages: []Message{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if first {
			first = false
			var header struct {
				Type      string    `json:"_type"`
				Key       string    `json:"key"`
				CreatedAt time.Time `json:"createdAt"`
				UpdatedAt time.Time `json:"updatedAt"`
				Metadata  Metadata  `json:"metadata"`
			}
			if err := json.Unmarshal(line, &header); err == nil && header.Type == "metadata" {
				sess.CreatedAt = header.CreatedAt
				sess.UpdatedAt = header.UpdatedAt
				sess.Metadata = header.Metadata
				continue
			}
			// No header: legacy file, first line is a message.
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("skipping malformed session line", "key", key, "error", err)
			continue
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session %s: %w", key, err)
	}

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	s.cache[key] = sess
	return sess, nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	return s.atomicWrite(filepath.Join(s.dir, indexFile), data)
}

func (s *Store) atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// mintSuffixLocked returns a yyyymmddHHMMSS suffix strictly greater than any
// previously minted one, so startNew always rolls forward even within one
// wall-clock second.
func (s *Store) mintSuffixLocked() string {
	suffix := time.Now().Format("20060102150405")
	if suffix <= s.lastMint {
		t, err := time.Parse("20060102150405", s.lastMint)
		if err != nil {
			t = time.Now()
		}
		suffix = t.Add(time.Second).Format("20060102150405")
	}
	s.lastMint = suffix
	return suffix
}

func (s *Store) sessionPath(key string) string {
	return filepath.Join(s.dir, safeFilename(key)+".jsonl")
}

// safeFilename escapes path separators and key delimiters; the "#" suffix
// separator is preserved so active files are recognizable on disk.
func safeFilename(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")
	return r.Replace(key)
}
