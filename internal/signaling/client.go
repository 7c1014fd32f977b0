package signaling

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"

	"github.com/tallowproject/tallow/internal/crypto"
	"github.com/tallowproject/tallow/internal/device"
)

// Client is a peer's signaling-server connection: it creates or joins
// a room, then exchanges PAKE/SDP/ICE envelopes with whichever peer
// ends up on the other side, per spec.md §4.7.
type Client struct {
	conn *websocket.Conn
	self device.DeviceID
	peer device.DeviceID
}

// Dial opens a signaling connection to addr (e.g. "wss://relay.example/tallow-signaling").
func Dial(ctx context.Context, addr string, self device.DeviceID) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, self: self}, nil
}

// CreateRoom asks the server to mint a new room code.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	env := &Envelope{Type: TypeCreateRoom, From: c.self, Ciphertext: encodeControlPayload(createRoomRequest{})}
	if err := c.writeRaw(ctx, env); err != nil {
		return "", err
	}
	reply, err := c.readRaw(ctx)
	if err != nil {
		return "", err
	}
	if reply.Type == TypeError {
		var e errorResponse
		decodeControlPayload(reply, &e)
		return "", fmt.Errorf("signaling: create room: %s", e.Message)
	}
	if reply.Type != TypeRoomCreated {
		return "", fmt.Errorf("signaling: unexpected reply type %s", reply.Type)
	}
	var resp roomCreatedResponse
	if err := decodeControlPayload(reply, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

// JoinRoom asks the server to pair this connection with whoever
// created code, returning the peer's device identity on success.
func (c *Client) JoinRoom(ctx context.Context, code string) (device.DeviceID, error) {
	env := &Envelope{Type: TypeJoinRoom, From: c.self, Ciphertext: encodeControlPayload(joinRoomRequest{Code: code})}
	if err := c.writeRaw(ctx, env); err != nil {
		return device.DeviceID{}, err
	}
	reply, err := c.readRaw(ctx)
	if err != nil {
		return device.DeviceID{}, err
	}
	if reply.Type == TypeError {
		var e errorResponse
		decodeControlPayload(reply, &e)
		return device.DeviceID{}, fmt.Errorf("signaling: join room: %s", e.Message)
	}
	if reply.Type != TypeRoomJoined {
		return device.DeviceID{}, fmt.Errorf("signaling: unexpected reply type %s", reply.Type)
	}
	var resp roomJoinedResponse
	if err := decodeControlPayload(reply, &resp); err != nil {
		return device.DeviceID{}, err
	}
	c.peer = resp.PeerID
	return resp.PeerID, nil
}

// SetPeer records the counterpart device identity once the room
// creator learns it out of band (the server tells the joiner who the
// creator is on room_joined, but the creator only learns the joiner's
// identity from the first envelope it receives).
func (c *Client) SetPeer(id device.DeviceID) { c.peer = id }

// Send seals plaintext under key and forwards it to the peer.
func (c *Client) Send(ctx context.Context, key [crypto.KeySize]byte, typ Type, plaintext []byte) error {
	env, err := Seal(key, typ, c.self, c.peer, plaintext)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, env)
}

// Recv waits for the next sealed envelope and decrypts it under key.
// It also learns the sender's identity on the first call, for the
// room creator's side (which doesn't otherwise learn who joined).
func (c *Client) Recv(ctx context.Context, key [crypto.KeySize]byte) (Type, []byte, error) {
	env, err := c.readRaw(ctx)
	if err != nil {
		return "", nil, err
	}
	if c.peer.IsZero() {
		c.peer = env.From
	}
	plaintext, err := Open(key, env)
	if err != nil {
		return "", nil, err
	}
	return env.Type, plaintext, nil
}

// Close terminates the signaling connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) writeRaw(ctx context.Context, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readRaw(ctx context.Context) (*Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
