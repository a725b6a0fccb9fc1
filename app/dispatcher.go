package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var writeCommands = map[string]bool{
	"SET":  true,
	"INCR": true,
	"XADD": true,
}

// RedisCommandHandler implements CommandHandler: the per-command
// semantics table, wired against the stores, the replica registry and
// the shared server config.
type RedisCommandHandler struct {
	strings  StringStore
	streams  StreamStore
	registry ReplicationRegistry
	config   *ServerConfig
	logger   Logger
	metrics  *CommandMetrics
}

func NewRedisCommandHandler(strings StringStore, streams StreamStore, registry ReplicationRegistry, config *ServerConfig, logger Logger) *RedisCommandHandler {
	return &RedisCommandHandler{strings: strings, streams: streams, registry: registry, config: config, logger: logger}
}

// WithMetrics attaches a CommandMetrics collector, returning the same
// handler for chaining at construction time.
func (h *RedisCommandHandler) WithMetrics(m *CommandMetrics) *RedisCommandHandler {
	h.metrics = m
	return h
}

func (h *RedisCommandHandler) IsWriteCommand(name string) bool {
	return writeCommands[strings.ToUpper(name)]
}

func (h *RedisCommandHandler) Handle(state *ConnectionState, cmd *Command) ([]byte, error) {
	started := time.Now()
	reply, err := h.handle(state, cmd)
	h.metrics.Observe(cmd.name, started, err)
	return reply, err
}

func (h *RedisCommandHandler) handle(state *ConnectionState, cmd *Command) ([]byte, error) {
	switch strings.ToUpper(cmd.name) {
	case "PING":
		return h.handlePing(cmd)
	case "ECHO":
		return h.handleEcho(cmd)
	case "SET":
		return h.handleSet(cmd)
	case "GET":
		return h.handleGet(cmd)
	case "INCR":
		return h.handleIncr(cmd)
	case "TYPE":
		return h.handleType(cmd)
	case "KEYS":
		return h.handleKeys(cmd)
	case "CONFIG":
		return h.handleConfig(cmd)
	case "INFO":
		return h.handleInfo(cmd)
	case "XADD":
		return h.handleXadd(cmd)
	case "XRANGE":
		return h.handleXrange(cmd)
	case "XREAD":
		return h.handleXread(state, cmd)
	case "WAIT":
		return h.handleWait(cmd)
	case "REPLCONF":
		return h.handleReplconf(state, cmd)
	case "PSYNC":
		return h.handlePsync(state, cmd)
	default:
		return ToError(fmt.Sprintf("ERR unknown command '%s'", cmd.name)), nil
	}
}

func arityError(name string) []byte {
	return ToError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}

var (
	errReplyWrongType   = ToError("WRONGTYPE Operation against a key holding the wrong kind of value")
	errReplyNotInteger  = ToError("ERR value is not an integer or out of range")
	errReplySyntax      = ToError("ERR syntax error")
)

func (h *RedisCommandHandler) propagateIfMaster(parts []string) {
	if !h.config.IsMaster() {
		return
	}
	h.registry.Propagate(ToArray(parts))
}

func (h *RedisCommandHandler) handlePing(cmd *Command) ([]byte, error) {
	switch len(cmd.args) {
	case 0:
		return ToSimpleString("PONG"), nil
	case 1:
		return ToBulkString(cmd.args[0]), nil
	default:
		return arityError(cmd.name), nil
	}
}

func (h *RedisCommandHandler) handleEcho(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 1 {
		return arityError(cmd.name), nil
	}
	return ToBulkString(cmd.args[0]), nil
}

func (h *RedisCommandHandler) handleSet(cmd *Command) ([]byte, error) {
	if len(cmd.args) < 2 {
		return arityError(cmd.name), nil
	}
	key, value := cmd.args[0], cmd.args[1]
	if h.streams.Exists(key) {
		return errReplyWrongType, nil
	}

	if len(cmd.args) > 2 {
		if len(cmd.args) != 4 || strings.ToUpper(cmd.args[2]) != "PX" {
			return errReplySyntax, nil
		}
		ms, err := strconv.Atoi(cmd.args[3])
		if err != nil {
			return errReplyNotInteger, nil
		}
		deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
		h.strings.SetDeadline(key, []byte(value), deadline)
	} else {
		h.strings.Set(key, []byte(value))
	}

	h.propagateIfMaster(append([]string{cmd.name}, cmd.args...))
	return ToSimpleString("OK"), nil
}

func (h *RedisCommandHandler) handleGet(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 1 {
		return arityError(cmd.name), nil
	}
	key := cmd.args[0]
	if h.streams.Exists(key) {
		return errReplyWrongType, nil
	}
	val, ok := h.strings.Get(key)
	if !ok {
		return ToNullBulkString(), nil
	}
	return ToBulkBytes(val), nil
}

func (h *RedisCommandHandler) handleIncr(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 1 {
		return arityError(cmd.name), nil
	}
	key := cmd.args[0]
	if h.streams.Exists(key) {
		return errReplyWrongType, nil
	}
	n, err := h.strings.Incr(key)
	if err != nil {
		return errReplyNotInteger, nil
	}
	h.propagateIfMaster(append([]string{cmd.name}, cmd.args...))
	return ToInteger(n), nil
}

func (h *RedisCommandHandler) handleType(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 1 {
		return arityError(cmd.name), nil
	}
	key := cmd.args[0]
	switch {
	case h.streams.Exists(key):
		return ToSimpleString("stream"), nil
	case h.strings.Exists(key):
		return ToSimpleString("string"), nil
	default:
		return ToSimpleString("none"), nil
	}
}

func (h *RedisCommandHandler) handleKeys(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 1 {
		return arityError(cmd.name), nil
	}
	if cmd.args[0] != "*" {
		return ToError("ERR unsupported pattern, only '*' is supported"), nil
	}
	keys := append(h.strings.KeysStar(), h.streams.Keys()...)
	return ToArray(keys), nil
}

func (h *RedisCommandHandler) handleConfig(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 2 || strings.ToUpper(cmd.args[0]) != "GET" {
		return arityError(cmd.name), nil
	}
	switch strings.ToLower(cmd.args[1]) {
	case "dir":
		return NodeArray(NodeBulk("dir"), NodeBulk(h.config.Dir)).Encode(), nil
	case "dbfilename":
		return NodeArray(NodeBulk("dbfilename"), NodeBulk(h.config.DBFilename)).Encode(), nil
	default:
		return NodeArray().Encode(), nil
	}
}

func (h *RedisCommandHandler) handleInfo(cmd *Command) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "role:%s\r\n", h.config.Role)
	fmt.Fprintf(&b, "master_replid:%s\r\n", h.config.MasterReplicaID)
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", h.currentOffset())
	if h.config.Role == "slave" {
		fmt.Fprintf(&b, "master_host:%s\r\n", h.config.MasterHost)
		fmt.Fprintf(&b, "master_port:%d\r\n", h.config.MasterPort)
	}
	return ToBulkString(b.String()), nil
}

func (h *RedisCommandHandler) currentOffset() uint64 {
	if h.config.IsMaster() {
		return h.registry.MasterOffset()
	}
	return atomic.LoadUint64(&h.config.MasterReplicaOffset)
}

func (h *RedisCommandHandler) handleReplconf(state *ConnectionState, cmd *Command) ([]byte, error) {
	if len(cmd.args) < 1 {
		return arityError(cmd.name), nil
	}
	switch strings.ToUpper(cmd.args[0]) {
	case "LISTENING-PORT", "CAPA":
		return ToSimpleString("OK"), nil
	case "ACK":
		if len(cmd.args) < 2 {
			return nil, nil
		}
		offset, err := strconv.ParseUint(cmd.args[1], 10, 64)
		if err == nil {
			h.registry.ProcessAck(state.Conn, offset)
		}
		return nil, nil
	case "GETACK":
		// Reaching the generic dispatcher only happens if a peer that
		// isn't our follower-ingestion loop sends this; there is no
		// meaningful offset to report here, so acknowledge harmlessly.
		return ToSimpleString("OK"), nil
	default:
		return ToError("ERR unknown REPLCONF option"), nil
	}
}

func (h *RedisCommandHandler) handlePsync(state *ConnectionState, cmd *Command) ([]byte, error) {
	fullresync := ToSimpleString(fmt.Sprintf("FULLRESYNC %s %d", h.config.MasterReplicaID, h.registry.MasterOffset()))
	rdbBytes, err := hex.DecodeString(emptyRDBHex)
	if err != nil {
		return nil, NewInternalError("bad empty-RDB constant", err)
	}
	frame := make([]byte, 0, len(fullresync)+len(rdbBytes)+16)
	frame = append(frame, fullresync...)
	frame = append(frame, []byte(fmt.Sprintf("$%d\r\n", len(rdbBytes)))...)
	frame = append(frame, rdbBytes...)

	state.Role = RoleReplica
	h.registry.Register(state.Conn)
	return frame, nil
}

func (h *RedisCommandHandler) handleWait(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 2 {
		return arityError(cmd.name), nil
	}
	numReplicas, err1 := strconv.Atoi(cmd.args[0])
	timeoutMS, err2 := strconv.Atoi(cmd.args[1])
	if err1 != nil || err2 != nil {
		return errReplyNotInteger, nil
	}
	count := h.registry.Wait(context.Background(), numReplicas, timeoutMS)
	return ToInteger(int64(count)), nil
}

func (h *RedisCommandHandler) handleXadd(cmd *Command) ([]byte, error) {
	if len(cmd.args) < 4 {
		return arityError(cmd.name), nil
	}
	key, idSpec, fields := cmd.args[0], cmd.args[1], cmd.args[2:]
	if h.strings.Exists(key) {
		return errReplyWrongType, nil
	}
	id, err := h.streams.Add(key, idSpec, fields)
	if err != nil {
		if err == errOddFields {
			return arityError(cmd.name), nil
		}
		return ToError("ERR " + err.Error()), nil
	}

	// Propagate the resolved concrete ID, not the "*"/"<t>-*" token that
	// was given, so a replica applying this frame stores the exact same
	// ID rather than re-resolving it against its own clock.
	propagated := append([]string{cmd.name, key, id.String()}, fields...)
	h.propagateIfMaster(propagated)
	return ToBulkString(id.String()), nil
}

func (h *RedisCommandHandler) handleXrange(cmd *Command) ([]byte, error) {
	if len(cmd.args) != 3 {
		return arityError(cmd.name), nil
	}
	key, start, end := cmd.args[0], cmd.args[1], cmd.args[2]
	if h.strings.Exists(key) {
		return errReplyWrongType, nil
	}
	entries, err := h.streams.Range(key, start, end)
	if err != nil {
		return ToError("ERR " + err.Error()), nil
	}
	return encodeStreamEntries(entries).Encode(), nil
}

func (h *RedisCommandHandler) handleXread(state *ConnectionState, cmd *Command) ([]byte, error) {
	args := cmd.args
	block := false
	blockMS := 0
	idx := 0

	if len(args) >= 2 && strings.ToUpper(args[0]) == "BLOCK" {
		ms, err := strconv.Atoi(args[1])
		if err != nil {
			return errReplyNotInteger, nil
		}
		block = true
		blockMS = ms
		idx = 2
	}

	if idx >= len(args) || strings.ToUpper(args[idx]) != "STREAMS" {
		return errReplySyntax, nil
	}
	idx++

	rest := args[idx:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return errReplySyntax, nil
	}
	n := len(rest) / 2
	keys := rest[:n]
	ids := rest[n:]

	for _, k := range keys {
		if h.strings.Exists(k) {
			return errReplyWrongType, nil
		}
	}

	ctx := state.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	results, found := h.streams.Read(ctx, keys, ids, block, blockMS)
	if !found {
		return ToNullArray(), nil
	}

	items := make([]RESPNode, len(results))
	for i, r := range results {
		items[i] = NodeArray(NodeBulk(r.Key), encodeStreamEntries(r.Entries))
	}
	return NodeArray(items...).Encode(), nil
}

func encodeStreamEntries(entries []StreamEntry) RESPNode {
	items := make([]RESPNode, len(entries))
	for i, e := range entries {
		fieldNodes := make([]RESPNode, len(e.Fields))
		for j, f := range e.Fields {
			fieldNodes[j] = NodeBulk(f)
		}
		items[i] = NodeArray(NodeBulk(e.ID.String()), NodeArray(fieldNodes...))
	}
	return NodeArray(items...)
}
