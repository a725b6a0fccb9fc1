package main

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"
)

// newTestServer wires a ConnectionHandler against fresh in-memory stores,
// the way RedisServer does, without a TCP listener: tests drive it over
// an in-process net.Pipe.
func newTestServer() (*ConnectionHandler, ReplicationRegistry, *ServerConfig) {
	logger := NopLogger{}
	config := &ServerConfig{Role: "master", MasterReplicaID: "0123456789012345678901234567890123456789"}
	strStore := NewMemoryStringStore()
	streamStore := NewMemoryStreamStore()
	registry := NewMemoryReplicaRegistry(logger)
	commandHandler := NewRedisCommandHandler(strStore, streamStore, registry, config, logger)
	return NewConnectionHandler(commandHandler, registry, logger), registry, config
}

func dialHandler(t *testing.T, h *ConnectionHandler) (net.Conn, *bufio.Reader) {
	t.Helper()
	client, server := net.Pipe()
	go h.HandleConnection(server)
	t.Cleanup(func() { client.Close() })
	return client, bufio.NewReader(client)
}

func sendAndRead(t *testing.T, client net.Conn, reader *bufio.Reader, parts ...string) Value {
	t.Helper()
	if _, err := client.Write(ToArray(parts)); err != nil {
		t.Fatalf("write %v: %v", parts, err)
	}
	v, _, err := ReadValue(reader)
	if err != nil {
		t.Fatalf("read reply to %v: %v", parts, err)
	}
	return v
}

func TestHandlerSetGet(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	if v := sendAndRead(t, client, reader, "SET", "foo", "bar"); v.Str != "OK" {
		t.Fatalf("SET reply = %+v; want +OK", v)
	}
	if v := sendAndRead(t, client, reader, "GET", "foo"); string(v.Bulk) != "bar" {
		t.Fatalf("GET reply = %+v; want bar", v)
	}
}

func TestHandlerGetMissingIsNullBulk(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	v := sendAndRead(t, client, reader, "GET", "missing")
	if !v.IsNullBulk {
		t.Fatalf("GET missing = %+v; want null bulk", v)
	}
}

func TestHandlerIncrNonIntegerError(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	sendAndRead(t, client, reader, "SET", "k", "abc")
	v := sendAndRead(t, client, reader, "INCR", "k")
	if v.Type != TypeError {
		t.Fatalf("INCR on non-integer = %+v; want error", v)
	}
}

func TestHandlerWrongTypeBetweenStores(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	sendAndRead(t, client, reader, "XADD", "s", "1-1", "a", "b")
	v := sendAndRead(t, client, reader, "GET", "s")
	if v.Type != TypeError || v.Str == "" {
		t.Fatalf("GET on a stream key = %+v; want WRONGTYPE error", v)
	}

	sendAndRead(t, client, reader, "SET", "str", "v")
	v = sendAndRead(t, client, reader, "XADD", "str", "1-1", "a", "b")
	if v.Type != TypeError {
		t.Fatalf("XADD on a string key = %+v; want WRONGTYPE error", v)
	}
}

func TestHandlerTransactionAggregatesResponses(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	if v := sendAndRead(t, client, reader, "MULTI"); v.Str != "OK" {
		t.Fatalf("MULTI reply = %+v; want +OK", v)
	}
	if v := sendAndRead(t, client, reader, "SET", "x", "1"); v.Str != "QUEUED" {
		t.Fatalf("SET inside MULTI = %+v; want +QUEUED", v)
	}
	if v := sendAndRead(t, client, reader, "INCR", "x"); v.Str != "QUEUED" {
		t.Fatalf("INCR inside MULTI = %+v; want +QUEUED", v)
	}

	v := sendAndRead(t, client, reader, "EXEC")
	if v.Type != TypeArray || len(v.Array) != 2 {
		t.Fatalf("EXEC reply = %+v; want array of 2", v)
	}
	if v.Array[0].Str != "OK" {
		t.Fatalf("EXEC[0] = %+v; want +OK", v.Array[0])
	}
	if v.Array[1].Str != "2" {
		t.Fatalf("EXEC[1] = %+v; want :2", v.Array[1])
	}
}

func TestHandlerMultiNestedRejected(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	sendAndRead(t, client, reader, "MULTI")
	v := sendAndRead(t, client, reader, "MULTI")
	if v.Type != TypeError {
		t.Fatalf("nested MULTI = %+v; want error", v)
	}
}

func TestHandlerExecWithoutMulti(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	v := sendAndRead(t, client, reader, "EXEC")
	if v.Type != TypeError {
		t.Fatalf("EXEC without MULTI = %+v; want error", v)
	}
}

func TestHandlerDiscardClearsQueue(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	sendAndRead(t, client, reader, "MULTI")
	sendAndRead(t, client, reader, "SET", "x", "1")
	if v := sendAndRead(t, client, reader, "DISCARD"); v.Str != "OK" {
		t.Fatalf("DISCARD reply = %+v; want +OK", v)
	}

	v := sendAndRead(t, client, reader, "GET", "x")
	if !v.IsNullBulk {
		t.Fatalf("GET x after DISCARD = %+v; want null (queued SET never applied)", v)
	}
}

func TestHandlerPsyncPromotesToReplicaAndPropagates(t *testing.T) {
	h, registry, _ := newTestServer()
	client, reader := dialHandler(t, h)

	if _, err := client.Write(ToArray([]string{"PSYNC", "?", "-1"})); err != nil {
		t.Fatalf("write PSYNC: %v", err)
	}
	v, _, err := ReadValue(reader)
	if err != nil || v.Type != TypeString || len(v.Str) == 0 {
		t.Fatalf("PSYNC FULLRESYNC reply = %+v, %v", v, err)
	}

	// The RDB frame follows as a raw bulk-style header + bytes, not a
	// standalone RESP value decodable by ReadValue (no trailing CRLF), so
	// read it by hand the same way the follower client does.
	line, err := reader.ReadString('\n')
	if err != nil || len(line) == 0 || line[0] != '$' {
		t.Fatalf("RDB frame header = %q, %v", line, err)
	}

	if count := registry.Count(); count != 1 {
		t.Fatalf("registry.Count() after PSYNC = %d; want 1", count)
	}

	// net.Pipe is synchronous and unbuffered, unlike a real TCP socket, so
	// the registry's fan-out write below would block forever without a
	// reader draining this end.
	go io.Copy(io.Discard, client)

	// A write on a second client connection, sharing the same stores and
	// registry, should now be fanned out to this promoted replica socket.
	h2Client, h2Reader := dialHandler(t, h)
	sendAndRead(t, h2Client, h2Reader, "SET", "foo", "bar")

	if got := registry.MasterOffset(); got == 0 {
		t.Fatalf("masterOffset after a propagated write = 0; want > 0")
	}
}

func TestHandlerReplconfAckProducesNoReply(t *testing.T) {
	h, _, _ := newTestServer()
	client, reader := dialHandler(t, h)

	if _, err := client.Write(ToArray([]string{"PSYNC", "?", "-1"})); err != nil {
		t.Fatalf("write PSYNC: %v", err)
	}
	if _, _, err := ReadValue(reader); err != nil {
		t.Fatalf("read FULLRESYNC: %v", err)
	}
	rdbLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read RDB header: %v", err)
	}
	length := 0
	for _, c := range rdbLine[1 : len(rdbLine)-2] {
		length = length*10 + int(c-'0')
	}
	buf := make([]byte, length)
	if _, err := readFull(reader, buf); err != nil {
		t.Fatalf("read RDB body: %v", err)
	}

	if _, err := client.Write(ToArray([]string{"REPLCONF", "ACK", "0"})); err != nil {
		t.Fatalf("write REPLCONF ACK: %v", err)
	}

	// No reply should arrive; confirm by racing a short deadline.
	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err = ReadValue(reader)
	if err == nil {
		t.Fatalf("REPLCONF ACK produced a reply; want none")
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
