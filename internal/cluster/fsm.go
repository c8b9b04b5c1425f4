// Package cluster replicates segment maps across hlsrelay replicas with Raft,
// so a segment request can land on any replica after a manifest rewrite.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlsrelay/internal/segment"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(ReplaceSegmentsCommand{})
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandReplaceSegments installs a new segment table.
	CommandReplaceSegments CommandType = 1
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// ReplaceSegmentsCommand carries the table built by one manifest rewrite.
type ReplaceSegmentsCommand struct {
	// Session is the session token the table is filed under, or empty.
	Session string
	Table   segment.Table
}

// SegmentFSM implements raft.FSM on top of a segment store.
type SegmentFSM struct {
	store  *segment.Store
	logger *slog.Logger
}

// NewSegmentFSM creates a SegmentFSM that applies commands to store.
func NewSegmentFSM(store *segment.Store, logger *slog.Logger) *SegmentFSM {
	return &SegmentFSM{
		store:  store,
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *SegmentFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandReplaceSegments:
		return f.applyReplaceSegments(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

func (f *SegmentFSM) applyReplaceSegments(data any) any {
	rc, ok := data.(ReplaceSegmentsCommand)
	if !ok {
		return fmt.Errorf("invalid replace segments command data")
	}

	table := rc.Table
	if table.Entries == nil {
		table.Entries = map[string]string{}
	}
	f.store.Replace(rc.Session, &table)
	f.logger.Debug("replaced segment map", "session", rc.Session, "entries", table.Len(), "source", table.Source)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *SegmentFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.store.Export()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *SegmentFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state segment.State
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.store.Import(state)

	f.logger.Info("restored segment map from snapshot", "entries", state.Current.Len(), "sessions", len(state.Sessions))
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state segment.State
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
