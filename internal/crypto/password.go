package crypto

import "golang.org/x/crypto/argon2"

// Argon2id cost parameters, chosen to meet spec.md §4.1's floor
// (≥256 MiB memory, ≥3 iterations, parallelism ≥4) while staying
// tractable on a laptop-class sender/receiver running a CLI transfer.
const (
	Argon2Time    = 3
	Argon2MemoryKiB = 256 * 1024
	Argon2Threads = 4

	// MinSaltSize is the minimum salt length spec.md §4.1 requires.
	MinSaltSize = 16
)

// PasswordDerive runs Argon2id over password and salt, returning a
// 32-byte key. Used for PAKE password hardening (fixed salt, §4.9);
// the CLI's --password on send/receive reaches it only as part of the
// PAKE secret.
func PasswordDerive(password, salt []byte) [KeySize]byte {
	out := argon2.IDKey(password, salt, Argon2Time, Argon2MemoryKiB, Argon2Threads, KeySize)
	var key [KeySize]byte
	copy(key[:], out)
	return key
}
