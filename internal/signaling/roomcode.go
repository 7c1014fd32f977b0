package signaling

import (
	"crypto/rand"
	"fmt"
	"math"
)

// codeAlphabet excludes 0/O/I/L to avoid operator transcription errors
// when a room code is read aloud or typed from a screen, per spec.md
// §4.7's "collision-checked against live rooms" requirement implying
// human-facing codes.
const codeAlphabet = "123456789ABCDEFGHJKMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz"

// codeLength is chosen so the resulting entropy clears spec.md §4.7's
// ≥36-bit floor: log2(55^7) ≈ 40.5 bits.
const codeLength = 7

// MinEntropyBits is the floor spec.md §4.7 requires of a generated room
// code.
const MinEntropyBits = 36

func init() {
	if bits := entropyBits(); bits < MinEntropyBits {
		panic(fmt.Sprintf("signaling: room code entropy %.1f bits below the %d-bit floor", bits, MinEntropyBits))
	}
}

func entropyBits() float64 {
	return float64(codeLength) * math.Log2(float64(len(codeAlphabet)))
}

// RoomCodeChecker reports whether a candidate code collides with a live
// room, so GenerateRoomCode can retry on collision.
type RoomCodeChecker func(code string) bool

// GenerateRoomCode draws a CSPRNG room code and retries on collision
// against exists, per spec.md §4.7.
func GenerateRoomCode(exists RoomCodeChecker) (string, error) {
	for attempt := 0; attempt < 32; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if exists == nil || !exists(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("signaling: could not find a free room code after 32 attempts")
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signaling: generate room code: %w", err)
	}
	out := make([]byte, codeLength)
	n := len(codeAlphabet)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%n]
	}
	return string(out), nil
}
