package main

import "sync"

// TransactionQueue buffers the commands issued between MULTI and EXEC for
// one connection. This is an adaptation of the teacher's CommandHistory:
// same append-only, mutex-guarded shape, repurposed from a rolling
// audit log into the per-connection queue the spec's ConnectionState
// calls for.
type TransactionQueue struct {
	mu       sync.Mutex
	commands []*Command
}

func NewTransactionQueue() *TransactionQueue {
	return &TransactionQueue{commands: make([]*Command, 0, 4)}
}

func (q *TransactionQueue) Add(cmd *Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands = append(q.commands, cmd)
}

func (q *TransactionQueue) Drain() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.commands
	q.commands = nil
	return drained
}

func (q *TransactionQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands = nil
}
