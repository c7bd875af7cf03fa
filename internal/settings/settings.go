package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKey = "subsync:settings"

// Settings are the client-facing preferences. They survive restarts via
// redis; an invalid stored payload falls back to defaults instead of
// failing startup.
type Settings struct {
	Language string `json:"language"`
	Theme    string `json:"theme"`

	QueryDefaults QueryDefaults     `json:"queryDefaults"`
	Notifications NotificationPrefs `json:"notifications"`
	Advanced      AdvancedFlags     `json:"advanced"`
}

type QueryDefaults struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
	MaxConcurrent  int `json:"maxConcurrent"`
}

type NotificationPrefs struct {
	Enabled      bool `json:"enabled"`
	SuccessToast bool `json:"successToast"`
	SoundOnError bool `json:"soundOnError"`
}

type AdvancedFlags struct {
	PushProgress bool `json:"pushProgress"`
	DebugEvents  bool `json:"debugEvents"`
}

func Defaults() Settings {
	return Settings{
		Language: "en",
		Theme:    "system",
		QueryDefaults: QueryDefaults{
			TimeoutSeconds: 30,
			MaxConcurrent:  3,
		},
		Notifications: NotificationPrefs{
			Enabled:      true,
			SuccessToast: true,
		},
		Advanced: AdvancedFlags{
			PushProgress: true,
		},
	}
}

// Store persists settings in redis under a single namespaced key, with an
// in-memory copy serving reads.
type Store struct {
	mu      sync.RWMutex
	current Settings

	rdb *redis.Client
	log *zap.Logger
}

func NewStore(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{
		current: Defaults(),
		rdb:     rdb,
		log:     log,
	}
}

// Load reads persisted settings. A missing key or a payload that no
// longer parses yields defaults.
func (s *Store) Load(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}

	data, err := s.rdb.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	var loaded Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("Stored settings invalid, using defaults", zap.Error(err))
		return nil
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates, stores and persists new settings.
func (s *Store) Update(ctx context.Context, next Settings) error {
	if err := validate(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	if s.rdb == nil {
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}

func validate(s Settings) error {
	if s.QueryDefaults.TimeoutSeconds < 0 {
		return fmt.Errorf("timeoutSeconds must not be negative")
	}
	if s.QueryDefaults.MaxConcurrent < 1 {
		return fmt.Errorf("maxConcurrent must be at least 1")
	}
	if s.Language == "" {
		return fmt.Errorf("language must not be empty")
	}
	return nil
}
