package main

import (
	"context"
	"net"
	"time"
)

// ServerConfig holds the configuration produced once at startup by the
// config/CLI layer and shared (read-mostly) by every component.
type ServerConfig struct {
	Host                string
	Port                int
	Dir                 string
	DBFilename          string
	Role                string // "master" or "slave"
	MasterReplicaID     string
	MasterReplicaOffset uint64
	MasterHost          string
	MasterPort          int
	MetricsPort         int // 0 disables the /metrics HTTP endpoint
}

func (c *ServerConfig) IsMaster() bool { return c.Role == "master" }

// StringStore is the string keyspace: key -> (value, optional expiry).
type StringStore interface {
	Set(key string, value []byte)
	SetDeadline(key string, value []byte, deadline time.Time)
	Get(key string) ([]byte, bool)
	Incr(key string) (int64, error)
	KeysStar() []string
	Type(key string) string // "string" | "none"
	Exists(key string) bool
}

// StreamReadResult is one key's worth of new entries for XREAD.
type StreamReadResult struct {
	Key     string
	Entries []StreamEntry
}

// StreamStore is the stream keyspace: key -> ordered, append-only log.
type StreamStore interface {
	Add(key, idSpec string, fields []string) (StreamID, error)
	Range(key, startSpec, endSpec string) ([]StreamEntry, error)
	Read(ctx context.Context, keys []string, idSpecs []string, block bool, blockMS int) ([]StreamReadResult, bool)
	Keys() []string
	Exists(key string) bool
}

// ReplicaWriter is the minimal surface the replica registry needs from a
// registered replica's connection: enough to fan out propagated bytes and
// to identify the peer in logs.
type ReplicaWriter interface {
	Write(p []byte) (int, error)
	RemoteAddr() net.Addr
}

// ReplicationRegistry tracks connected replicas, fans write commands out
// to them, and answers WAIT.
type ReplicationRegistry interface {
	Register(w ReplicaWriter)
	Remove(w ReplicaWriter)
	Count() int
	Propagate(frame []byte)
	ProcessAck(w ReplicaWriter, offset uint64)
	Wait(ctx context.Context, numReplicas, timeoutMS int) int
	MasterOffset() uint64
}

// CommandHandler dispatches a single already-parsed command against the
// stores, propagating writes as a side effect. It returns the exact bytes
// to write back to the client, or nil for commands that produce no reply
// (REPLCONF ACK received on the leader side).
type CommandHandler interface {
	Handle(state *ConnectionState, cmd *Command) ([]byte, error)
	IsWriteCommand(name string) bool
}

// RDBLoader reads a snapshot file at startup into the string store.
type RDBLoader interface {
	Load(path string, store StringStore) error
}

// FollowerClient runs the replication handshake against a leader and then
// continuously ingests propagated commands.
type FollowerClient interface {
	Run(ctx context.Context) error
}
