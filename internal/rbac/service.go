package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/arledger/internal/shared"
)

// DefaultCacheTTL bounds how long a revoked permission may stay effective.
const DefaultCacheTTL = 5 * time.Minute

// Service resolves effective permissions, caching them in Redis.
type Service struct {
	store  Store
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewService constructs a Service. A nil cache disables caching.
func NewService(store Store, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(userID int64) string {
	return fmt.Sprintf("rbac:perms:%d", userID)
}

// EffectivePermissions returns deduplicated, lower-cased permission names
// for a user. Cache failures fall through to the store.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	if userID <= 0 {
		return nil, errors.New("rbac: user id required")
	}
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, cacheKey(userID)).Bytes()
		switch {
		case err == nil:
			var perms []string
			if jsonErr := json.Unmarshal(raw, &perms); jsonErr == nil {
				return perms, nil
			}
		case !errors.Is(err, redis.Nil):
			s.logger.Warn("rbac cache read", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}

	rows, err := s.store.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	perms := normalizePermissions(rows)

	if s.cache != nil {
		payload, _ := json.Marshal(perms)
		if err := s.cache.Set(ctx, cacheKey(userID), payload, s.ttl).Err(); err != nil {
			s.logger.Warn("rbac cache write", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	return perms, nil
}

// Invalidate drops the cached permissions of a user.
func (s *Service) Invalidate(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, cacheKey(userID)).Err()
}

// ListPermissions returns all declared permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// HasAny reports whether the user holds at least one of perms.
func (s *Service) HasAny(ctx context.Context, userID int64, perms ...string) (bool, error) {
	granted, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return hasAnyPermission(granted, normalizePermissions(perms)), nil
}

// Authorizer answers the elevated privilege question for the ledger.
type Authorizer struct {
	Service *Service
}

// HasElevatedPrivilege reports whether the user may force-cancel paid invoices.
func (a Authorizer) HasElevatedPrivilege(ctx context.Context, userID int64) (bool, error) {
	if a.Service == nil {
		return false, nil
	}
	return a.Service.HasAny(ctx, userID, shared.ElevatedScopes()...)
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
