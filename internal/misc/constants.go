package misc

const (
	// ArgonTime Derivation-key parameters (argon2id)
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// Pbkdf2Iterations is the default iteration count for password-based keys
	Pbkdf2Iterations = 100000

	// CompressionThreshold is the default plaintext size in bytes at which
	// payloads are compressed before encryption
	CompressionThreshold = 1024

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
