package main

import (
	"context"
	"sync"
	"time"
)

// replicaEntry pairs a registered replica's writer with its last known
// ACKed offset.
type replicaEntry struct {
	writer    ReplicaWriter
	ackOffset uint64
}

// MemoryReplicaRegistry implements ReplicationRegistry: the leader-side
// bookkeeping for connected replicas, write-command fan-out, and WAIT.
type MemoryReplicaRegistry struct {
	mu           sync.Mutex
	cond         *sync.Cond
	replicas     []*replicaEntry
	masterOffset uint64
	logger       Logger
}

func NewMemoryReplicaRegistry(logger Logger) *MemoryReplicaRegistry {
	r := &MemoryReplicaRegistry{logger: logger}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *MemoryReplicaRegistry) Register(w ReplicaWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas = append(r.replicas, &replicaEntry{writer: w})
	r.logger.Info("registered replica %s", w.RemoteAddr())
}

func (r *MemoryReplicaRegistry) Remove(w ReplicaWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(w)
}

func (r *MemoryReplicaRegistry) removeLocked(w ReplicaWriter) {
	for i, e := range r.replicas {
		if e.writer == w {
			r.replicas = append(r.replicas[:i], r.replicas[i+1:]...)
			return
		}
	}
}

func (r *MemoryReplicaRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replicas)
}

func (r *MemoryReplicaRegistry) MasterOffset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.masterOffset
}

// Propagate fans an already-encoded RESP frame out to every replica,
// dropping any whose write fails, then advances masterOffset by the
// frame's length. Holding the lock across the whole fan-out is what
// gives propagation a single total order across concurrent clients.
func (r *MemoryReplicaRegistry) Propagate(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alive := r.replicas[:0]
	for _, e := range r.replicas {
		if _, err := e.writer.Write(frame); err != nil {
			r.logger.Error("dropping replica %s: %v", e.writer.RemoteAddr(), err)
			continue
		}
		alive = append(alive, e)
	}
	r.replicas = alive
	r.masterOffset += uint64(len(frame))
}

// ProcessAck updates a replica's ACKed offset (monotonically) and wakes
// any WAIT callers so they can re-check whether their target is met.
func (r *MemoryReplicaRegistry) ProcessAck(w ReplicaWriter, offset uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.replicas {
		if e.writer == w {
			if offset > e.ackOffset {
				e.ackOffset = offset
			}
			break
		}
	}
	r.cond.Broadcast()
}

// Wait implements WAIT numreplicas timeout_ms: the target offset is fixed
// at call entry and never advances even if more writes are propagated
// during the wait, and REPLCONF GETACK * is broadcast exactly once.
func (r *MemoryReplicaRegistry) Wait(ctx context.Context, numReplicas, timeoutMS int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.masterOffset
	if target == 0 || numReplicas == 0 {
		return len(r.replicas)
	}

	getack := ToArray([]string{"REPLCONF", "GETACK", "*"})
	for _, e := range r.replicas {
		if _, err := e.writer.Write(getack); err != nil {
			r.logger.Error("GETACK to %s failed: %v", e.writer.RemoteAddr(), err)
		}
	}
	r.masterOffset += uint64(len(getack))

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		count := r.countAckedLocked(target)
		if count >= numReplicas {
			return count
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return count
		}
		waitOn(ctx, r.cond, remaining)
	}
}

func (r *MemoryReplicaRegistry) countAckedLocked(target uint64) int {
	count := 0
	for _, e := range r.replicas {
		if e.ackOffset >= target {
			count++
		}
	}
	return count
}
