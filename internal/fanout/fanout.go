// Package fanout assigns the authoritative order of conversation
// messages. Every append atomically obtains the next sequence number
// from the conversation row's counter, so the sequence any two synced
// readers observe is identical and gapless.
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
	"github.com/deuxdrop/deuxdrop-go/pkg/store"
)

const tableConversations = "conversations"

const (
	famData     = "d"
	famMessages = "m"
	famUserMeta = "u"
	famCounters = "o"
)

const (
	colOwner   = famData + ":ownerRootKey"
	colSeq     = famCounters + ":seq"
	partPrefix = famData + ":p:"
)

var (
	// ErrConversationExists is returned by CreateConversation when the id
	// was already claimed.
	ErrConversationExists = errors.New("fanout: conversation already exists")
	// ErrNoConversation is returned for operations on an id never
	// created.
	ErrNoConversation = errors.New("fanout: no such conversation")
)

const (
	logKeyConvID = "convId"
	logKeySeq    = "seq"
)

// appendStripes bounds how many conversations can append concurrently
// without contending on the same lock.
const appendStripes = 64

// Fanout orders conversation traffic over a storage engine.
type Fanout struct {
	store  store.Store
	logger *slog.Logger

	// Per-conversation append serialization: the counter increment and
	// the message write must not interleave between two appenders of the
	// same conversation.
	stripes [appendStripes]sync.Mutex
}

// New opens the fanout layer and defines its table.
func New(s store.Store, logger *slog.Logger) (*Fanout, error) {
	if s == nil {
		return nil, errors.New("fanout: store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	err := s.DefineTable(tableConversations, []string{
		famData, famMessages, famUserMeta, famCounters,
	})
	if err != nil {
		return nil, fmt.Errorf("define conversations table: %w", err)
	}
	return &Fanout{store: s, logger: logger}, nil
}

func (f *Fanout) stripe(convID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(convID))
	return &f.stripes[h.Sum32()%appendStripes]
}

// CreateConversation claims convID for the given owner. The second
// creation of the same id fails with ErrConversationExists.
func (f *Fanout) CreateConversation(convID string, owner keyring.KeyHash) error {
	err := f.store.RaceCreateRow(tableConversations, convID, map[string][]byte{
		colOwner: []byte(owner.Hex()),
	})
	if errors.Is(err, store.ErrRowAlreadyExists) {
		return ErrConversationExists
	}
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	f.logger.Info("conversation created",
		logKeyConvID, convID,
		"owner", owner.Hex())
	return nil
}

// AddConversationParticipant records a participant's tell key to root key
// binding on the conversation.
func (f *Fanout) AddConversationParticipant(
	convID string,
	tellKey, rootKey keyring.KeyHash,
) error {
	if err := f.requireConversation(convID); err != nil {
		return err
	}
	err := f.store.PutCells(tableConversations, convID, map[string][]byte{
		partPrefix + tellKey.Hex(): []byte(rootKey.Hex()),
	})
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// ConversationParticipants returns the tell-key to root-key hash map of
// everyone admitted to the conversation.
func (f *Fanout) ConversationParticipants(
	convID string,
) (map[string]string, error) {
	row, err := f.store.GetRow(tableConversations, convID)
	if err != nil {
		return nil, fmt.Errorf("read participants: %w", err)
	}
	if len(row) == 0 {
		return nil, ErrNoConversation
	}
	participants := make(map[string]string)
	for col, val := range row {
		if strings.HasPrefix(col, partPrefix) {
			participants[strings.TrimPrefix(col, partPrefix)] = string(val)
		}
	}
	return participants, nil
}

// AddMessageToConversation appends msg at the next sequence position and
// returns the assigned sequence number, starting at 1.
func (f *Fanout) AddMessageToConversation(convID string, msg []byte) (int64, error) {
	if err := f.requireConversation(convID); err != nil {
		return 0, err
	}

	mu := f.stripe(convID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := f.store.IncrementCell(tableConversations, convID, colSeq, 1)
	if err != nil {
		return 0, fmt.Errorf("assign sequence: %w", err)
	}
	col := fmt.Sprintf("%s:%020d", famMessages, seq)
	err = f.store.PutCells(tableConversations, convID, map[string][]byte{
		col: msg,
	})
	if err != nil {
		return 0, fmt.Errorf("append message %d: %w", seq, err)
	}
	f.logger.Debug("message appended",
		logKeyConvID, convID,
		logKeySeq, seq)
	return seq, nil
}

func (f *Fanout) requireConversation(convID string) error {
	_, err := f.store.GetRowCell(tableConversations, convID, colOwner)
	if errors.Is(err, store.ErrCellNotFound) {
		return ErrNoConversation
	}
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	return nil
}

// EntryKind distinguishes the two record types a conversation read-back
// yields.
type EntryKind uint8

const (
	// EntryMessage is an ordered conversation message.
	EntryMessage EntryKind = iota
	// EntryUserMeta is a per-participant metadata record.
	EntryUserMeta
)

// Entry is one record from GetAllConversationData: messages carry Seq,
// metadata records carry UserKey.
type Entry struct {
	Kind    EntryKind
	Seq     int64
	UserKey string
	Data    []byte
}

// PerUserMetadata is a participant's watermark state on a conversation.
type PerUserMetadata struct {
	LastReadSeq int64 `json:"lastReadSeq"`
	LastAckSeq  int64 `json:"lastAckSeq,omitempty"`
}

// GetAllConversationData returns every message in ascending sequence
// order followed by the per-user metadata records.
func (f *Fanout) GetAllConversationData(convID string) ([]Entry, error) {
	row, err := f.store.GetRow(tableConversations, convID)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if len(row) == 0 {
		return nil, ErrNoConversation
	}

	var messages, metas []Entry
	for col, val := range row {
		switch {
		case strings.HasPrefix(col, famMessages+":"):
			seq, err := strconv.ParseInt(
				strings.TrimPrefix(col, famMessages+":"), 10, 64,
			)
			if err != nil {
				return nil, fmt.Errorf("malformed message column %q: %w", col, err)
			}
			messages = append(messages, Entry{
				Kind: EntryMessage,
				Seq:  seq,
				Data: val,
			})
		case strings.HasPrefix(col, famUserMeta+":"):
			metas = append(metas, Entry{
				Kind:    EntryUserMeta,
				UserKey: strings.TrimPrefix(col, famUserMeta+":"),
				Data:    val,
			})
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Seq < messages[j].Seq
	})
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UserKey < metas[j].UserKey
	})
	return append(messages, metas...), nil
}

// UpdateConvPerUserMetadata records user's watermarks without touching
// the message sequence.
func (f *Fanout) UpdateConvPerUserMetadata(
	convID string,
	user keyring.KeyHash,
	meta PerUserMetadata,
) error {
	if err := f.requireConversation(convID); err != nil {
		return err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode user metadata: %w", err)
	}
	err = f.store.PutCells(tableConversations, convID, map[string][]byte{
		famUserMeta + ":" + user.Hex(): raw,
	})
	if err != nil {
		return fmt.Errorf("update user metadata: %w", err)
	}
	return nil
}
