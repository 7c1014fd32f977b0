package relay

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tallowproject/tallow/internal/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, net.Listener) {
	t.Helper()
	srv := New(cfg, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown()
	})
	return srv, ln
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func createRoom(t *testing.T, conn net.Conn) string {
	t.Helper()
	if err := protocol.WriteRelayFrame(conn, &protocol.RelayFrame{Kind: protocol.RelayCreateRoom}); err != nil {
		t.Fatalf("write create: %v", err)
	}
	frame, err := protocol.NewRelayFrameReader(conn).Read()
	if err != nil {
		t.Fatalf("read created: %v", err)
	}
	if frame.Kind != protocol.RelayRoomCreated {
		t.Fatalf("kind = %d, want RoomCreated", frame.Kind)
	}
	return protocol.DecodeRoomCreatedPayload(frame.Payload).Code
}

func joinRoom(t *testing.T, conn net.Conn, code string) {
	t.Helper()
	payload := (&protocol.JoinRoomPayload{Code: code}).Encode()
	if err := protocol.WriteRelayFrame(conn, &protocol.RelayFrame{Kind: protocol.RelayJoinRoom, Payload: payload}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	frame, err := protocol.NewRelayFrameReader(conn).Read()
	if err != nil {
		t.Fatalf("read join ack: %v", err)
	}
	if frame.Kind != protocol.RelayRoomJoined {
		t.Fatalf("kind = %d, want RoomJoined, payload=%q", frame.Kind, frame.Payload)
	}
}

func TestCreateAndJoinRoom(t *testing.T) {
	_, ln := newTestServer(t, Config{TTL: time.Hour})
	defer ln.Close()

	creator := dial(t, ln.Addr().String())
	defer creator.Close()
	code := createRoom(t, creator)
	if len(code) == 0 {
		t.Fatal("empty room code")
	}

	joiner := dial(t, ln.Addr().String())
	defer joiner.Close()
	joinRoom(t, joiner, code)
}

func TestJoinUnknownCodeFails(t *testing.T) {
	_, ln := newTestServer(t, Config{TTL: time.Hour})
	defer ln.Close()

	joiner := dial(t, ln.Addr().String())
	defer joiner.Close()
	payload := (&protocol.JoinRoomPayload{Code: "NOSUCHROOM"}).Encode()
	protocol.WriteRelayFrame(joiner, &protocol.RelayFrame{Kind: protocol.RelayJoinRoom, Payload: payload})

	frame, err := protocol.NewRelayFrameReader(joiner).Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Kind != protocol.RelayError {
		t.Fatalf("kind = %d, want Error", frame.Kind)
	}
}

func TestBytePump(t *testing.T) {
	_, ln := newTestServer(t, Config{TTL: time.Hour})
	defer ln.Close()

	creator := dial(t, ln.Addr().String())
	defer creator.Close()
	code := createRoom(t, creator)

	joiner := dial(t, ln.Addr().String())
	defer joiner.Close()
	joinRoom(t, joiner, code)

	payload := []byte("this never touches the relay's understanding, only its wires")
	go func() {
		creator.Write(payload)
	}()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(joiner, got); err != nil {
		t.Fatalf("read pumped bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("pumped bytes mismatch: got %q want %q", got, payload)
	}

	// And the reverse direction.
	reply := []byte("ack")
	go func() {
		joiner.Write(reply)
	}()
	gotReply := make([]byte, len(reply))
	if _, err := io.ReadFull(creator, gotReply); err != nil {
		t.Fatalf("read reverse pumped bytes: %v", err)
	}
	if !bytes.Equal(gotReply, reply) {
		t.Fatalf("reverse pumped bytes mismatch: got %q want %q", gotReply, reply)
	}
}

func TestRoomByteCapClosesConnection(t *testing.T) {
	_, ln := newTestServer(t, Config{TTL: time.Hour, MaxBytesPerRoom: 8})
	defer ln.Close()

	creator := dial(t, ln.Addr().String())
	defer creator.Close()
	code := createRoom(t, creator)

	joiner := dial(t, ln.Addr().String())
	defer joiner.Close()
	joinRoom(t, joiner, code)

	go creator.Write(bytes.Repeat([]byte{'x'}, 4096))

	buf := make([]byte, 4096)
	joiner.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for {
		n, err := joiner.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	if total == 0 {
		t.Fatal("expected some bytes to be relayed before the cap closed the room")
	}
}

func TestRoomExpiryClosesRoom(t *testing.T) {
	srv, ln := newTestServer(t, Config{TTL: 10 * time.Millisecond})
	defer ln.Close()

	creator := dial(t, ln.Addr().String())
	defer creator.Close()
	code := createRoom(t, creator)

	time.Sleep(20 * time.Millisecond)
	srv.sweepOnce(time.Now())

	if srv.roomExists(code) {
		t.Fatal("expired room should have been swept")
	}
}

func TestMaxRoomsEnforced(t *testing.T) {
	_, ln := newTestServer(t, Config{TTL: time.Hour, MaxRooms: 1})
	defer ln.Close()

	first := dial(t, ln.Addr().String())
	defer first.Close()
	createRoom(t, first)

	second := dial(t, ln.Addr().String())
	defer second.Close()
	protocol.WriteRelayFrame(second, &protocol.RelayFrame{Kind: protocol.RelayCreateRoom})
	frame, err := protocol.NewRelayFrameReader(second).Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Kind != protocol.RelayError {
		t.Fatalf("kind = %d, want Error when at room capacity", frame.Kind)
	}
}
