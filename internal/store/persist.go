package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/contextlens/contextlens/internal/capture"
)

// logRecord is one line of the durable capture log.
type logRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	recordConversation = "conversation"
	recordEntry        = "entry"
)

// detailFile is the per-entry sidecar holding the full pre-compaction
// context.
type detailFile struct {
	ContextInfo *capture.ContextInfo `json:"contextInfo"`
}

func (s *Store) detailPath(id int64) string {
	return filepath.Join(s.detailsDir, fmt.Sprintf("%d.json", id))
}

// appendEntryLocked marshals the entry under the store lock, so the
// compacted projection appended later reflects a later state, and hands
// the append to the background worker.
func (s *Store) appendEntryLocked(e *capture.CapturedEntry) {
	line, err := marshalRecord(recordEntry, e)
	if err != nil {
		log.Printf("warning: failed to encode entry %d: %v", e.ID, err)
		return
	}
	s.enqueueAppend(line)
}

func (s *Store) appendConversationLocked(c *capture.Conversation) {
	line, err := marshalRecord(recordConversation, c)
	if err != nil {
		log.Printf("warning: failed to encode conversation %s: %v", c.ID, err)
		return
	}
	s.enqueueAppend(line)
}

func marshalRecord(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(logRecord{Type: typ, Data: raw})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func (s *Store) enqueueAppend(line []byte) {
	logPath := s.logPath
	s.enqueue(func() {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Printf("warning: failed to open capture log: %v", err)
			return
		}
		defer f.Close()
		if _, err := f.Write(line); err != nil {
			log.Printf("warning: failed to append capture log: %v", err)
		}
	})
}

// writeDetailLocked snapshots the full pre-compaction context for one
// entry. The snapshot is marshaled under the lock; the write itself is
// asynchronous and may land before or after the log append for the same
// entry. Both are independently recoverable from the entry id.
func (s *Store) writeDetailLocked(e *capture.CapturedEntry) {
	data, err := json.Marshal(detailFile{ContextInfo: e.ContextInfo})
	if err != nil {
		log.Printf("warning: failed to encode detail for entry %d: %v", e.ID, err)
		return
	}
	path := s.detailPath(e.ID)
	s.enqueue(func() {
		if err := os.WriteFile(path, data, 0600); err != nil {
			log.Printf("warning: failed to write detail file: %v", err)
		}
	})
}

func (s *Store) deleteDetailLocked(id int64) {
	path := s.detailPath(id)
	s.enqueue(func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: failed to remove detail file: %v", err)
		}
	})
}

// EntryDetail loads the full pre-compaction context for an entry from
// its detail file.
func (s *Store) EntryDetail(id int64) (*capture.ContextInfo, error) {
	if _, err := s.Entry(id); err != nil {
		return nil, err
	}
	s.Flush()

	data, err := os.ReadFile(s.detailPath(id))
	if err != nil {
		return nil, err
	}
	var d detailFile
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d.ContextInfo, nil
}

// rewriteStateLocked serializes the full state (conversations first,
// then entries oldest-first) under the lock and schedules an atomic
// replace of the log file.
func (s *Store) rewriteStateLocked() {
	var buf []byte

	for _, c := range s.conversations {
		line, err := marshalRecord(recordConversation, c)
		if err != nil {
			log.Printf("warning: failed to encode conversation %s: %v", c.ID, err)
			continue
		}
		buf = append(buf, line...)
	}

	for i := len(s.entries) - 1; i >= 0; i-- {
		line, err := marshalRecord(recordEntry, s.entries[i])
		if err != nil {
			log.Printf("warning: failed to encode entry %d: %v", s.entries[i].ID, err)
			continue
		}
		buf = append(buf, line...)
	}

	logPath := s.logPath
	s.enqueue(func() {
		tmp := logPath + ".tmp"
		if err := os.WriteFile(tmp, buf, 0600); err != nil {
			log.Printf("warning: failed to write state file: %v", err)
			return
		}
		if err := os.Rename(tmp, logPath); err != nil {
			log.Printf("warning: failed to replace state file: %v", err)
		}
	})
}
