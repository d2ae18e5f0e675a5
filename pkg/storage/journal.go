package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Journal records accepted commands, one per line. It is an audit trail, not
// a replay log: nothing reads it back.
type Journal interface {
	Append(entry JournalEntry)
	Close() error
}

type JournalEntry struct {
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id,omitempty"`
	Command       string    `json:"command"`
	InstructionID int64     `json:"instruction_id"`
	ActorID       int64     `json:"actor_id"`
	Status        string    `json:"status"`
}

type NopJournal struct{}

func NewNopJournal() *NopJournal            { return &NopJournal{} }
func (j *NopJournal) Append(_ JournalEntry) {}
func (j *NopJournal) Close() error          { return nil }

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(entry JournalEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, string(line))
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
