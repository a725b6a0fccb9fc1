package main

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
)

// ConnectionRole distinguishes an ordinary client connection from one that
// has been promoted to a registered replica after a successful PSYNC.
// The transition only ever happens in one direction, once per socket.
type ConnectionRole int

const (
	RoleClient ConnectionRole = iota
	RoleReplica
)

// ConnectionState is the per-connection state threaded through every
// dispatch call: which role this socket is playing, whether a
// transaction is open, and (while one is) the queued commands. This is
// the tagged variant the design notes ask for in place of the teacher's
// boolean-flag-on-one-struct approach.
type ConnectionState struct {
	Conn          net.Conn
	Role          ConnectionRole
	InTransaction bool
	Queue         *TransactionQueue
	Ctx           context.Context
}

// ConnectionHandler owns the per-client read -> dispatch -> write loop,
// the MULTI/EXEC/DISCARD state machine, and the Client -> Replica
// promotion on a successful PSYNC. It is the adaptation of the teacher's
// RedisConnectionManager.HandleConnection, rebuilt around the byte-framed
// RESP codec instead of a fixed-size single Read, since bulk payloads can
// span multiple reads or contain embedded CR/LF.
type ConnectionHandler struct {
	commandHandler CommandHandler
	registry       ReplicationRegistry
	logger         Logger
}

func NewConnectionHandler(commandHandler CommandHandler, registry ReplicationRegistry, logger Logger) *ConnectionHandler {
	return &ConnectionHandler{commandHandler: commandHandler, registry: registry, logger: logger}
}

// HandleConnection runs until the peer closes or a protocol error makes
// the connection unrecoverable. On exit it guarantees the socket is
// dropped from the replica registry if it was ever registered.
func (h *ConnectionHandler) HandleConnection(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	state := &ConnectionState{Conn: conn, Role: RoleClient, Queue: NewTransactionQueue(), Ctx: ctx}

	defer func() {
		cancel()
		if state.Role == RoleReplica {
			h.registry.Remove(state.Conn)
		}
		conn.Close()
	}()

	h.logger.Info("accepted connection from %s", conn.RemoteAddr())
	reader := bufio.NewReader(conn)

	for {
		cmd, _, err := ReadCommand(reader)
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("closing connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		if state.Role == RoleReplica {
			h.handleReplicaFrame(state, cmd)
			continue
		}

		reply, err := h.dispatchOne(state, cmd)
		if err != nil {
			h.logger.Error("internal error handling %s from %s: %v", cmd.name, conn.RemoteAddr(), err)
			continue
		}
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			h.logger.Debug("write to %s failed: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// handleReplicaFrame services a socket after PSYNC: the only frame that
// makes sense from a registered replica is REPLCONF ACK <n>, which
// produces no reply. Anything else is dropped rather than treated as a
// client command, matching the handler's narrower post-promotion
// vocabulary.
func (h *ConnectionHandler) handleReplicaFrame(state *ConnectionState, cmd *Command) {
	if strings.ToUpper(cmd.name) != "REPLCONF" {
		return
	}
	if _, err := h.commandHandler.Handle(state, cmd); err != nil {
		h.logger.Error("error processing REPLCONF from replica %s: %v", state.Conn.RemoteAddr(), err)
	}
}

// dispatchOne applies the MULTI/EXEC/DISCARD state machine around the
// plain command dispatch, exactly as laid out in the handler's per-state
// command table.
func (h *ConnectionHandler) dispatchOne(state *ConnectionState, cmd *Command) ([]byte, error) {
	name := strings.ToUpper(cmd.name)

	if state.InTransaction {
		switch name {
		case "MULTI":
			return ToError("ERR MULTI calls can not be nested"), nil
		case "EXEC":
			return h.execTransaction(state)
		case "DISCARD":
			state.Queue.Clear()
			state.InTransaction = false
			return ToSimpleString("OK"), nil
		default:
			state.Queue.Add(cmd)
			return ToSimpleString("QUEUED"), nil
		}
	}

	switch name {
	case "MULTI":
		state.InTransaction = true
		return ToSimpleString("OK"), nil
	case "EXEC":
		return ToError("ERR EXEC without MULTI"), nil
	case "DISCARD":
		return ToError("ERR DISCARD without MULTI"), nil
	default:
		return h.commandHandler.Handle(state, cmd)
	}
}

// execTransaction replays the queued commands in arrival order, capturing
// each reply (including a per-command error) into the aggregate array
// rather than aborting, per the semantic-errors-in-a-transaction rule.
// Each queued write command propagates itself as it is applied, since
// the command handlers call propagateIfMaster as a side effect of
// Handle -- so replaying them here in order is also what gives
// propagation its ordering relative to other connections' EXECs.
func (h *ConnectionHandler) execTransaction(state *ConnectionState) ([]byte, error) {
	state.InTransaction = false
	queued := state.Queue.Drain()
	fragments := make([][]byte, 0, len(queued))
	for _, qcmd := range queued {
		reply, err := h.commandHandler.Handle(state, qcmd)
		if err != nil {
			reply = ToError("ERR " + err.Error())
		}
		if reply == nil {
			reply = ToSimpleString("OK")
		}
		fragments = append(fragments, reply)
	}
	return EncodeArrayFromRaw(fragments), nil
}
