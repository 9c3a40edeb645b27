package secretstore

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/storage"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultKeySize matches the size of a munge key
const DefaultKeySize = 1024

// JWTKeySize is the size of the HS256 signing key
const JWTKeySize = 32

// Options configures a Store
type Options struct {
	// GraceWindow is how long a superseded generation stays valid
	GraceWindow time.Duration
	// KeySize is the number of random bytes per generation
	KeySize int
	// Now overrides the clock, for tests
	Now func() time.Time
	// Rand overrides the entropy source, for tests
	Rand io.Reader
}

// Store holds the cluster-wide shared authentication key and its retained
// generations. Every mutation is persisted before it becomes visible.
type Store struct {
	mu          sync.RWMutex
	backend     storage.Store
	sealer      *Sealer
	grace       time.Duration
	keySize     int
	now         func() time.Time
	rand        io.Reader
	generations []*types.ClusterSecret // oldest first; last is current
	logger      zerolog.Logger
}

// Open loads retained generations from backend, bootstrapping generation 1
// when the backend holds none
func Open(backend storage.Store, sealer *Sealer, opts Options) (*Store, error) {
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if opts.GraceWindow < 0 {
		return nil, fmt.Errorf("grace window cannot be negative")
	}
	if opts.KeySize <= 0 {
		opts.KeySize = DefaultKeySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	s := &Store{
		backend: backend,
		sealer:  sealer,
		grace:   opts.GraceWindow,
		keySize: opts.KeySize,
		now:     opts.Now,
		rand:    opts.Rand,
		logger:  log.WithComponent("secretstore"),
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the cached generations with what the backend holds,
// bootstrapping generation 1 when it holds none. A manager calls it when it
// gains leadership, since another leader may have rotated meanwhile.
func (s *Store) Reload() error {
	records, err := s.backend.ListSecrets()
	if err != nil {
		return fmt.Errorf("failed to load secret generations: %w", err)
	}

	generations := make([]*types.ClusterSecret, 0, len(records))
	for i, record := range records {
		key, err := s.sealer.Open(record.Generation, record.Sealed)
		if err != nil {
			return err
		}
		var jwtKey []byte
		if len(record.SealedJWT) > 0 {
			if jwtKey, err = s.sealer.Open(record.Generation, record.SealedJWT); err != nil {
				return err
			}
		}
		secret := &types.ClusterSecret{
			Key:          key,
			JWTKey:       jwtKey,
			Generation:   record.Generation,
			CreatedAt:    record.CreatedAt,
			SupersededAt: record.SupersededAt,
		}
		// A crash between persisting a rotation's two records leaves the
		// previous generation without a superseded timestamp.
		if i < len(records)-1 && secret.SupersededAt.IsZero() {
			secret.SupersededAt = records[i+1].CreatedAt
		}
		if i == len(records)-1 {
			secret.SupersededAt = time.Time{}
		}
		generations = append(generations, secret)
	}

	if len(generations) == 0 {
		secret, err := s.generate(1)
		if err != nil {
			return err
		}
		if err := s.persist(secret); err != nil {
			return err
		}
		generations = append(generations, secret)
		s.logger.Info().Uint64("generation", 1).Msg("Bootstrapped cluster secret")
	}

	s.mu.Lock()
	s.generations = generations
	s.mu.Unlock()
	return nil
}

func (s *Store) generate(generation uint64) (*types.ClusterSecret, error) {
	key := make([]byte, s.keySize)
	if _, err := io.ReadFull(s.rand, key); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	jwtKey := make([]byte, JWTKeySize)
	if _, err := io.ReadFull(s.rand, jwtKey); err != nil {
		return nil, fmt.Errorf("failed to generate jwt key: %w", err)
	}
	return &types.ClusterSecret{
		Key:        key,
		JWTKey:     jwtKey,
		Generation: generation,
		CreatedAt:  s.now(),
	}, nil
}

func (s *Store) persist(secret *types.ClusterSecret) error {
	sealed, err := s.sealer.Seal(secret.Generation, secret.Key)
	if err != nil {
		return err
	}
	var sealedJWT []byte
	if len(secret.JWTKey) > 0 {
		if sealedJWT, err = s.sealer.Seal(secret.Generation, secret.JWTKey); err != nil {
			return err
		}
	}
	record := &storage.SecretRecord{
		Generation:   secret.Generation,
		Sealed:       sealed,
		SealedJWT:    sealedJWT,
		CreatedAt:    secret.CreatedAt,
		SupersededAt: secret.SupersededAt,
	}
	if err := s.backend.PutSecret(record); err != nil {
		return fmt.Errorf("failed to persist secret generation %d: %w", secret.Generation, err)
	}
	return nil
}

func copySecret(secret *types.ClusterSecret) types.ClusterSecret {
	c := *secret
	c.Key = append([]byte(nil), secret.Key...)
	c.JWTKey = append([]byte(nil), secret.JWTKey...)
	return c
}

// Current returns the current secret. It never fails.
func (s *Store) Current() types.ClusterSecret {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySecret(s.generations[len(s.generations)-1])
}

// Get returns a retained generation
func (s *Store) Get(generation uint64) (types.ClusterSecret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, secret := range s.generations {
		if secret.Generation == generation {
			return copySecret(secret), true
		}
	}
	return types.ClusterSecret{}, false
}

// Rotate generates a new current generation. The previous generation stays
// valid for the grace window or until it is retired.
func (s *Store) Rotate() (types.ClusterSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.generations[len(s.generations)-1]
	next, err := s.generate(prev.Generation + 1)
	if err != nil {
		return types.ClusterSecret{}, err
	}

	// New generation first: a crash before the second write is repaired on Open.
	if err := s.persist(next); err != nil {
		return types.ClusterSecret{}, err
	}

	superseded := *prev
	superseded.SupersededAt = next.CreatedAt
	if err := s.persist(&superseded); err != nil {
		return types.ClusterSecret{}, err
	}

	*prev = superseded
	s.generations = append(s.generations, next)

	s.logger.Info().
		Uint64("generation", next.Generation).
		Uint64("previous", prev.Generation).
		Msg("Rotated cluster secret")

	return copySecret(next), nil
}

// Retire removes a superseded generation. Retirement is strictly sequential:
// only the oldest retained generation can be retired, and never the current one.
func (s *Store) Retire(generation uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := s.generations[0]
	if generation != oldest.Generation {
		return &types.StaleGenerationError{Generation: generation, Oldest: oldest.Generation}
	}
	if len(s.generations) == 1 {
		return &types.StaleGenerationError{Generation: generation, Oldest: oldest.Generation, Reason: "generation is current"}
	}

	if err := s.backend.DeleteSecret(generation); err != nil {
		return fmt.Errorf("failed to retire secret generation %d: %w", generation, err)
	}
	s.generations = s.generations[1:]

	s.logger.Info().Uint64("generation", generation).Msg("Retired cluster secret generation")
	return nil
}

// Valid reports whether a generation may still be used: it is current, or it
// is retained and its grace window has not elapsed
func (s *Store) Valid(generation uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for _, secret := range s.generations {
		if secret.Generation != generation {
			continue
		}
		if secret.Current() {
			return true
		}
		return now.Sub(secret.SupersededAt) < s.grace
	}
	return false
}

// Oldest returns the oldest retained generation
func (s *Store) Oldest() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generations[0].Generation
}

// Generations lists retained generations oldest first, without key material
func (s *Store) Generations() []types.ClusterSecret {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ClusterSecret, 0, len(s.generations))
	for _, secret := range s.generations {
		c := *secret
		c.Key = nil
		c.JWTKey = nil
		out = append(out, c)
	}
	return out
}
