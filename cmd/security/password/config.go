package password

import "fmt"

// Config is the single configuration surface for this package.
// Field tags are relative; the app mounts it under ECHOSTREAM_PASSWORD_.
type Config struct {
	MinLength      int  `env:"MIN_LEN" envDefault:"8"`
	MaxLength      int  `env:"MAX_LEN" envDefault:"256"`
	RejectVeryWeak bool `env:"REJECT_VERY_WEAK" envDefault:"true"`

	// MemoryKiB is in KiB as required by argon2.IDKey.
	MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Iterations  uint32 `env:"ARGON2_ITERATIONS" envDefault:"3"`
	Parallelism uint8  `env:"ARGON2_PARALLELISM" envDefault:"2"`
	SaltLength  uint32 `env:"ARGON2_SALT_LEN" envDefault:"16"`
	KeyLength   uint32 `env:"ARGON2_KEY_LEN" envDefault:"32"`
}

// DefaultConfig mirrors the envDefault tags for callers that do not parse env.
func DefaultConfig() Config {
	return Config{
		MinLength:      8,
		MaxLength:      256,
		RejectVeryWeak: true,
		MemoryKiB:      64 * 1024,
		Iterations:     3,
		Parallelism:    2,
		SaltLength:     16,
		KeyLength:      32,
	}
}

// Check rejects configurations outside safe operating ranges.
func (c Config) Check() error {
	switch {
	case c.MinLength < 1 || c.MinLength > 1024:
		return fmt.Errorf("%w: min_len %d out of range [1..1024]", ErrInvalidConfig, c.MinLength)
	case c.MaxLength < 1 || c.MaxLength > 4096:
		return fmt.Errorf("%w: max_len %d out of range [1..4096]", ErrInvalidConfig, c.MaxLength)
	case c.MinLength > c.MaxLength:
		return fmt.Errorf("%w: min_len(%d) > max_len(%d)", ErrInvalidConfig, c.MinLength, c.MaxLength)
	case c.MemoryKiB < 8*1024 || c.MemoryKiB > 1024*1024:
		return fmt.Errorf("%w: argon2 memory %d KiB out of range", ErrInvalidConfig, c.MemoryKiB)
	case c.Iterations < 1 || c.Iterations > 20:
		return fmt.Errorf("%w: argon2 iterations %d out of range [1..20]", ErrInvalidConfig, c.Iterations)
	case c.Parallelism < 1 || c.Parallelism > 64:
		return fmt.Errorf("%w: argon2 parallelism %d out of range [1..64]", ErrInvalidConfig, c.Parallelism)
	case c.SaltLength < 8 || c.SaltLength > 64:
		return fmt.Errorf("%w: salt length %d out of range [8..64]", ErrInvalidConfig, c.SaltLength)
	case c.KeyLength < 16 || c.KeyLength > 64:
		return fmt.Errorf("%w: key length %d out of range [16..64]", ErrInvalidConfig, c.KeyLength)
	}
	return nil
}
