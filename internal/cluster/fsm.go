// Package cluster provides Raft-based state sharing between dashlive
// watchers: banned locations and the last manifest each node applied.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(BanLocationCommand{})
	gob.Register(RecordUpdateCommand{})
	gob.Register(InitializeCommand{})
}

// ClusterState represents the shared state across all cluster nodes.
type ClusterState struct {
	// Bans maps a banned location to the end of its ban.
	Bans map[string]time.Time
	// Presentations holds update bookkeeping keyed by manifest URI.
	Presentations map[string]PresentationState
}

// PresentationState is the last manifest version applied for one
// presentation.
type PresentationState struct {
	MPDID       string
	PublishTime string
	// Updates counts applied updates across the cluster.
	Updates   uint64
	UpdatedAt time.Time
	Node      string
}

// staleBanAge is how long an expired ban is kept in the replicated state.
const staleBanAge = 24 * time.Hour

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandBanLocation excludes a location on every node.
	CommandBanLocation CommandType = 1
	// CommandInitialize initializes the FSM state.
	CommandInitialize CommandType = 2
	// CommandRecordUpdate records an applied manifest update.
	CommandRecordUpdate CommandType = 3
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// BanLocationCommand bans URI until Until.
type BanLocationCommand struct {
	URI   string
	Until time.Time
}

// RecordUpdateCommand records that Node applied a manifest version.
type RecordUpdateCommand struct {
	ManifestURI string
	MPDID       string
	PublishTime string
	At          time.Time
	Node        string
}

// InitializeCommand sets the initial state.
type InitializeCommand struct {
	State ClusterState
}

// BanObserver is told about every ban committed to the log.
type BanObserver func(uri string, until time.Time)

// StateFSM implements the raft.FSM interface for the shared watcher state.
type StateFSM struct {
	mu       sync.RWMutex
	state    ClusterState
	observer BanObserver
	logger   *slog.Logger
}

// NewStateFSM creates a new StateFSM.
func NewStateFSM(logger *slog.Logger) *StateFSM {
	return &StateFSM{
		state:  emptyState(),
		logger: logger,
	}
}

func emptyState() ClusterState {
	return ClusterState{
		Bans:          map[string]time.Time{},
		Presentations: map[string]PresentationState{},
	}
}

// SetBanObserver registers fn to receive committed bans.
func (f *StateFSM) SetBanObserver(fn BanObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = fn
}

// Apply applies a Raft log entry to the FSM.
func (f *StateFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandBanLocation:
		return f.applyBan(cmd.Data)
	case CommandRecordUpdate:
		return f.applyRecordUpdate(cmd.Data)
	case CommandInitialize:
		return f.applyInitialize(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyBan records the ban and notifies the observer outside the lock.
func (f *StateFSM) applyBan(data any) any {
	ban, ok := data.(BanLocationCommand)
	if !ok {
		return fmt.Errorf("invalid ban location command data")
	}

	f.mu.Lock()
	if cur, ok := f.state.Bans[ban.URI]; !ok || ban.Until.After(cur) {
		f.state.Bans[ban.URI] = ban.Until
	}
	// Pruning uses only log data so every replica drops the same entries.
	stale := ban.Until.Add(-staleBanAge)
	for uri, until := range f.state.Bans {
		if until.Before(stale) {
			delete(f.state.Bans, uri)
		}
	}
	observer := f.observer
	f.mu.Unlock()

	f.logger.Debug("applied location ban", "uri", ban.URI, "until", ban.Until)
	if observer != nil {
		observer(ban.URI, ban.Until)
	}
	return nil
}

// applyRecordUpdate keeps the newest publish time per presentation.
func (f *StateFSM) applyRecordUpdate(data any) any {
	rec, ok := data.(RecordUpdateCommand)
	if !ok {
		return fmt.Errorf("invalid record update command data")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.state.Presentations[rec.ManifestURI]
	cur.Updates++
	if rec.At.After(cur.UpdatedAt) {
		cur.MPDID = rec.MPDID
		cur.PublishTime = rec.PublishTime
		cur.UpdatedAt = rec.At
		cur.Node = rec.Node
	}
	f.state.Presentations[rec.ManifestURI] = cur
	f.logger.Debug("recorded manifest update", "manifest", rec.ManifestURI, "publish_time", rec.PublishTime, "node", rec.Node)
	return nil
}

// applyInitialize sets the initial FSM state.
func (f *StateFSM) applyInitialize(data any) any {
	initCmd, ok := data.(InitializeCommand)
	if !ok {
		return fmt.Errorf("invalid initialize command data")
	}

	f.mu.Lock()
	f.state = copyState(initCmd.State)
	f.mu.Unlock()
	f.logger.Info("initialized FSM state", "bans", len(initCmd.State.Bans), "presentations", len(initCmd.State.Presentations))
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *StateFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: copyState(f.state)}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *StateFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	state = copyState(state)

	f.mu.Lock()
	f.state = state
	observer := f.observer
	f.mu.Unlock()

	if observer != nil {
		for uri, until := range state.Bans {
			observer(uri, until)
		}
	}
	f.logger.Info("restored FSM state from snapshot", "bans", len(state.Bans), "presentations", len(state.Presentations))
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *StateFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyState(f.state)
}

func copyState(s ClusterState) ClusterState {
	out := emptyState()
	for k, v := range s.Bans {
		out.Bans[k] = v
	}
	for k, v := range s.Presentations {
		out.Presentations[k] = v
	}
	return out
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
