package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"
)

const oauthConsumerKeyParam = "oauth_consumer_key"

type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver resolves credentials through a Directory, caching successful
// lookups and collapsing concurrent ones.
type Resolver struct {
	dir   Directory
	cache *expirable.LRU[string, string]
	sg    singleflight.Group
	log   zerolog.Logger
}

func NewResolver(dir Directory, cfg Config, log zerolog.Logger) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	return &Resolver{
		dir:   dir,
		cache: expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		log:   log.With().Str("component", "identity").Logger(),
	}
}

// IntegrationName returns the integration display name for an Authorization
// credential. The "OAuth" scheme is resolved through its oauth_consumer_key
// parameter; any other scheme is treated as an access token.
func (r *Resolver) IntegrationName(ctx context.Context, scheme, credentials string) (string, error) {
	cacheKey := cacheKey(scheme, credentials)
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached, nil
	}

	// The lookup is shared by every waiter, so one caller going away must
	// not fail it for the rest.
	lookupCtx := context.WithoutCancel(ctx)
	val, err, _ := r.sg.Do(cacheKey, func() (any, error) {
		if cached, ok := r.cache.Get(cacheKey); ok {
			return cached, nil
		}
		start := time.Now()
		name, err := r.resolve(lookupCtx, scheme, credentials)
		if err != nil {
			return "", err
		}
		r.log.Debug().
			Dur("duration", time.Since(start)).
			Str("scheme", scheme).
			Str("integration", name).
			Msg("integration resolved")
		r.cache.Add(cacheKey, name)
		return name, nil
	})
	return val.(string), err
}

func (r *Resolver) resolve(ctx context.Context, scheme, credentials string) (string, error) {
	var (
		consumer Consumer
		err      error
	)
	if strings.EqualFold(scheme, "OAuth") {
		key, ok := ConsumerKey(credentials)
		if !ok {
			return "", oops.
				In("identity").
				Code(CodeMalformedToken).
				Errorf("OAuth credentials carry no %s", oauthConsumerKeyParam)
		}
		consumer, err = r.dir.ConsumerByKey(ctx, key)
	} else {
		if strings.TrimSpace(credentials) == "" {
			return "", oops.In("identity").Code(CodeMalformedToken).Errorf("empty access token")
		}
		consumer, err = r.dir.ConsumerByToken(ctx, credentials)
	}
	if err != nil {
		return "", err
	}

	integration, err := r.dir.IntegrationByConsumer(ctx, consumer.ID)
	if err != nil {
		return "", err
	}
	return integration.Name, nil
}

// ConsumerKey extracts oauth_consumer_key from an OAuth 1.0 parameter list,
// e.g. `oauth_consumer_key="abc", oauth_nonce="..."`.
func ConsumerKey(credentials string) (string, bool) {
	for _, param := range strings.Split(credentials, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || name != oauthConsumerKeyParam {
			continue
		}
		value = strings.Trim(value, `"`)
		if value == "" {
			return "", false
		}
		return value, true
	}
	return "", false
}

// cacheKey avoids keeping raw credentials in memory longer than a lookup.
func cacheKey(scheme, credentials string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(scheme) + " " + credentials))
	return hex.EncodeToString(sum[:])
}
