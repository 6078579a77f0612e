// Package mailstore persists delivered message copies per user: ordered
// conversation traffic under its fanout-assigned sequence, direct traffic
// in a consume-once queue, and a per-user conversation index ordered by
// last activity so clients can resynchronize cheaply.
package mailstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/deuxdrop/deuxdrop-go/pkg/envelope"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
	"github.com/deuxdrop/deuxdrop-go/pkg/store"
)

// Store-connection message vocabulary, server to client over the user's
// own AuthConn.
const (
	MsgCheckinCloseEnough = "checkin_closeEnough"
	MsgCheckinNeedResync  = "checkin_needResync"
	MsgAckSend            = "ackSend"
	MsgConvIndexData      = "convIndexData"
	MsgConvMsgsData       = "convMsgsData"
	MsgAckMutation        = "ackMutation"
)

// ReplicationLevel governs how much conversation history a client
// session is entitled to receive on reconnect.
type ReplicationLevel int

const (
	// Stateless clients replay nothing; every checkin is close enough.
	Stateless ReplicationLevel = 0
	// SubscriptionSubset clients replicate only subscribed
	// conversations.
	SubscriptionSubset ReplicationLevel = 1
	// Full clients mirror the user's complete mailstore state.
	Full ReplicationLevel = 256
)

// String returns the level's wire name.
func (r ReplicationLevel) String() string {
	switch r {
	case Stateless:
		return "stateless"
	case SubscriptionSubset:
		return "subscriptionSubset"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("replicationLevel(%d)", int(r))
	}
}

const tableUserMessages = "userMessages"

const (
	famMessages = "m"
	famCounters = "c"
)

const colMutations = famCounters + ":mutations"

const convsIndexPrefix = "convs:"

// ErrNoMessages is returned when fetching from a user/conversation pair
// that holds nothing.
var ErrNoMessages = errors.New("mailstore: no messages")

const (
	logKeyUser   = "user"
	logKeyConvID = "convId"
	logKeySeq    = "seq"
	logKeyError  = "error"
)

// Mailstore is the per-user delivery persistence layer.
type Mailstore struct {
	store  store.Store
	logger *slog.Logger
}

// New opens the mailstore and defines its table.
func New(s store.Store, logger *slog.Logger) (*Mailstore, error) {
	if s == nil {
		return nil, errors.New("mailstore: store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	err := s.DefineTable(tableUserMessages, []string{famMessages, famCounters})
	if err != nil {
		return nil, fmt.Errorf("define userMessages table: %w", err)
	}
	return &Mailstore{store: s, logger: logger}, nil
}

func userConvRow(user keyring.KeyHash, convID string) string {
	return user.Hex() + "/" + convID
}

func directQueue(user keyring.KeyHash) string {
	return "direct/" + user.Hex()
}

// DeliverConversationMessage stores the user's copy of a fanout-ordered
// message and bumps the conversation's index position. activity is the
// index ordering value, typically the message's composedAt.
func (m *Mailstore) DeliverConversationMessage(
	user keyring.KeyHash,
	convID string,
	seq int64,
	env *envelope.TransitEnvelope,
	activity int64,
) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode delivered message: %w", err)
	}
	row := userConvRow(user, convID)
	col := fmt.Sprintf("%s:%020d", famMessages, seq)
	if err := m.store.PutCells(tableUserMessages, row, map[string][]byte{
		col: raw,
	}); err != nil {
		return fmt.Errorf("store delivered message: %w", err)
	}

	idx := convsIndexPrefix + user.Hex()
	if err := m.store.DefineReorderableIndex(tableUserMessages, idx); err != nil {
		return fmt.Errorf("define conv index: %w", err)
	}
	if err := m.store.UpdateIndexValue(tableUserMessages, idx, convID, activity); err != nil {
		return fmt.Errorf("reorder conv index: %w", err)
	}
	if _, err := m.bumpMutations(user); err != nil {
		return err
	}

	m.logger.Debug("conversation message delivered",
		logKeyUser, user.Hex(),
		logKeyConvID, convID,
		logKeySeq, seq)
	return nil
}

// DeliverDirectMessage queues a non-conversation message for the user.
func (m *Mailstore) DeliverDirectMessage(
	user keyring.KeyHash,
	env *envelope.TransitEnvelope,
) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode direct message: %w", err)
	}
	if err := m.store.QueueAppend(directQueue(user), [][]byte{raw}); err != nil {
		return fmt.Errorf("queue direct message: %w", err)
	}
	if _, err := m.bumpMutations(user); err != nil {
		return err
	}
	m.logger.Debug("direct message delivered", logKeyUser, user.Hex())
	return nil
}

// bumpMutations advances the user's mutation counter; checkins compare
// against it to decide between closeEnough and needResync.
func (m *Mailstore) bumpMutations(user keyring.KeyHash) (int64, error) {
	n, err := m.store.IncrementCell(tableUserMessages, user.Hex(), colMutations, 1)
	if err != nil {
		return 0, fmt.Errorf("bump mutation counter: %w", err)
	}
	return n, nil
}

// MutationSeq returns the user's current mutation counter.
func (m *Mailstore) MutationSeq(user keyring.KeyHash) (int64, error) {
	raw, err := m.store.GetRowCell(tableUserMessages, user.Hex(), colMutations)
	if errors.Is(err, store.ErrCellNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mutation counter: %w", err)
	}
	if len(raw) != 8 {
		return 0, errors.New("mailstore: malformed mutation counter")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// Checkin classifies a reconnecting client: MsgCheckinCloseEnough when
// its last seen mutation matches current state (or it keeps no state),
// MsgCheckinNeedResync otherwise.
func (m *Mailstore) Checkin(
	user keyring.KeyHash,
	level ReplicationLevel,
	seenMutation int64,
) (string, error) {
	if level == Stateless {
		return MsgCheckinCloseEnough, nil
	}
	current, err := m.MutationSeq(user)
	if err != nil {
		return "", err
	}
	if seenMutation == current {
		return MsgCheckinCloseEnough, nil
	}
	return MsgCheckinNeedResync, nil
}

// ConvSummary is one conversation index entry: most recent activity
// first.
type ConvSummary struct {
	ConvID       string `json:"convId"`
	LastActivity int64  `json:"lastActivity"`
}

// FetchConvIndex returns the user's conversations ordered by descending
// last activity. A user with no delivered conversations gets an empty
// index.
func (m *Mailstore) FetchConvIndex(user keyring.KeyHash) ([]ConvSummary, error) {
	idx := convsIndexPrefix + user.Hex()
	entries, err := m.store.ScanIndex(tableUserMessages, idx)
	if errors.Is(err, store.ErrIndexNotDefined) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conv index: %w", err)
	}
	summaries := make([]ConvSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, ConvSummary{
			ConvID:       e.ObjectName,
			LastActivity: e.Value,
		})
	}
	return summaries, nil
}

// StoredMessage is one delivered conversation message copy.
type StoredMessage struct {
	Seq      int64                    `json:"seq"`
	Envelope envelope.TransitEnvelope `json:"envelope"`
}

// FetchConvMessages returns the user's copies for one conversation in
// ascending sequence order.
func (m *Mailstore) FetchConvMessages(
	user keyring.KeyHash,
	convID string,
) ([]StoredMessage, error) {
	row, err := m.store.GetRow(tableUserMessages, userConvRow(user, convID))
	if err != nil {
		return nil, fmt.Errorf("read conv messages: %w", err)
	}
	if len(row) == 0 {
		return nil, ErrNoMessages
	}
	msgs := make([]StoredMessage, 0, len(row))
	for col, raw := range row {
		if !strings.HasPrefix(col, famMessages+":") {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimPrefix(col, famMessages+":"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed message column %q: %w", col, err)
		}
		var env envelope.TransitEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode stored message %d: %w", seq, err)
		}
		msgs = append(msgs, StoredMessage{Seq: seq, Envelope: env})
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

// PeekDirectMessages returns up to count queued direct messages without
// consuming them.
func (m *Mailstore) PeekDirectMessages(
	user keyring.KeyHash,
	count int,
) ([]envelope.TransitEnvelope, error) {
	raws, err := m.store.QueuePeek(directQueue(user), count)
	if err != nil {
		return nil, fmt.Errorf("peek direct messages: %w", err)
	}
	envs := make([]envelope.TransitEnvelope, 0, len(raws))
	for _, raw := range raws {
		var env envelope.TransitEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode direct message: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// ConsumeDirectMessages drops up to count messages from the head of the
// user's direct queue, after the client has acknowledged them. It is a
// replica mutation like delivery; the returned value is the advanced
// mutation counter.
func (m *Mailstore) ConsumeDirectMessages(
	user keyring.KeyHash,
	count int,
) (int64, error) {
	if err := m.store.QueueConsume(directQueue(user), count); err != nil {
		return 0, fmt.Errorf("consume direct messages: %w", err)
	}
	return m.bumpMutations(user)
}
