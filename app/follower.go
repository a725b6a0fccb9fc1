package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
)

// RedisFollowerClient implements FollowerClient: it performs the
// replication handshake against a leader and then continuously ingests
// propagated commands, applying them to the local stores and tracking
// the cumulative byte offset of everything fully processed. This is the
// adaptation of the teacher's RedisReplicationManager handshake and
// handleMasterCommandsWithReader, rebuilt on the shared byte-framed RESP
// codec so the offset it reports is exact even when a propagated SET's
// value contains embedded CR/LF.
type RedisFollowerClient struct {
	config         *ServerConfig
	commandHandler CommandHandler
	logger         Logger
}

func NewRedisFollowerClient(config *ServerConfig, commandHandler CommandHandler, logger Logger) *RedisFollowerClient {
	return &RedisFollowerClient{config: config, commandHandler: commandHandler, logger: logger}
}

func (f *RedisFollowerClient) Run(ctx context.Context) error {
	addr := net.JoinHostPort(f.config.MasterHost, strconv.Itoa(f.config.MasterPort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return NewReplicationError(fmt.Sprintf("couldn't connect to leader at %s", addr), err)
	}
	defer conn.Close()
	f.logger.Info("connected to leader at %s", addr)

	reader := bufio.NewReader(conn)
	if err := f.handshake(conn, reader); err != nil {
		return err
	}

	return f.ingestLoop(ctx, conn, reader)
}

// handshake runs the five-step sequence from the follower replication
// client: PING, two REPLCONFs, PSYNC, then the RDB frame.
func (f *RedisFollowerClient) handshake(conn net.Conn, reader *bufio.Reader) error {
	if err := f.sendAndExpectSimple(conn, reader, []string{"PING"}); err != nil {
		return err
	}
	port := strconv.Itoa(f.config.Port)
	if err := f.sendAndExpectSimple(conn, reader, []string{"REPLCONF", "listening-port", port}); err != nil {
		return err
	}
	if err := f.sendAndExpectSimple(conn, reader, []string{"REPLCONF", "capa", "psync2"}); err != nil {
		return err
	}

	if _, err := conn.Write(ToArray([]string{"PSYNC", "?", "-1"})); err != nil {
		return NewReplicationError("failed to send PSYNC", err)
	}
	resp, _, err := ReadValue(reader)
	if err != nil {
		return NewReplicationError("failed to read FULLRESYNC reply", err)
	}
	if resp.Type != TypeString || !strings.HasPrefix(resp.Str, "FULLRESYNC") {
		return NewReplicationError(fmt.Sprintf("unexpected PSYNC reply: %q", resp.Str), nil)
	}
	if parts := strings.Fields(resp.Str); len(parts) == 3 {
		f.config.MasterReplicaID = parts[1]
	}

	if err := f.readRDBFrame(reader); err != nil {
		return err
	}
	f.logger.Info("handshake with leader complete")
	return nil
}

func (f *RedisFollowerClient) sendAndExpectSimple(conn net.Conn, reader *bufio.Reader, args []string) error {
	if _, err := conn.Write(ToArray(args)); err != nil {
		return NewReplicationError(fmt.Sprintf("failed to send %v", args), err)
	}
	resp, _, err := ReadValue(reader)
	if err != nil {
		return NewReplicationError(fmt.Sprintf("failed to read reply to %v", args), err)
	}
	if resp.Type != TypeString {
		return NewReplicationError(fmt.Sprintf("unexpected reply to %v: %+v", args, resp), nil)
	}
	return nil
}

// readRDBFrame reads "$<len>\r\n" followed by exactly len raw bytes, with
// no trailing CRLF -- the one place on the wire that deviates from a
// standard RESP value, per the external-interfaces section.
func (f *RedisFollowerClient) readRDBFrame(reader *bufio.Reader) error {
	line, err := reader.ReadString('\n')
	if err != nil {
		return NewReplicationError("failed to read RDB frame header", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '$' {
		return NewReplicationError(fmt.Sprintf("expected RDB bulk header, got %q", line), nil)
	}
	length, err := strconv.Atoi(line[1:])
	if err != nil {
		return NewReplicationError("invalid RDB length", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return NewReplicationError("truncated RDB frame", err)
	}
	f.logger.Info("received %d-byte RDB snapshot from leader (discarded)", length)
	return nil
}

// ingestLoop parses propagated command frames and applies them locally.
// processedOffset is the cumulative byte count of every frame fully
// applied so far; a GETACK frame's own bytes are excluded from the
// offset reported in its ACK reply and folded in only afterward, per the
// follower replication client's ACK accounting rule.
func (f *RedisFollowerClient) ingestLoop(ctx context.Context, conn net.Conn, reader *bufio.Reader) error {
	var processedOffset uint64
	state := &ConnectionState{Conn: conn, Role: RoleClient, Queue: NewTransactionQueue(), Ctx: ctx}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cmd, n, err := ReadCommand(reader)
		if err != nil {
			return NewReplicationError("leader connection closed", err)
		}

		if strings.ToUpper(cmd.name) == "REPLCONF" && len(cmd.args) > 0 && strings.ToUpper(cmd.args[0]) == "GETACK" {
			ack := ToArray([]string{"REPLCONF", "ACK", strconv.FormatUint(processedOffset, 10)})
			if _, err := conn.Write(ack); err != nil {
				return NewReplicationError("failed to send REPLCONF ACK", err)
			}
			processedOffset += uint64(n)
			atomic.StoreUint64(&f.config.MasterReplicaOffset, processedOffset)
			continue
		}

		if _, err := f.commandHandler.Handle(state, cmd); err != nil {
			f.logger.Error("error applying propagated command %s: %v", cmd.name, err)
		}
		processedOffset += uint64(n)
		atomic.StoreUint64(&f.config.MasterReplicaOffset, processedOffset)
	}
}
