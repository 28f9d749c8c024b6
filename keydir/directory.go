// Package keydir resolves and caches peers' public encryption keys.
//
// Entries are checked for staleness lazily on read; there is no sweep.
// Lookup failures are never cached so a rotated key is picked up on the
// next attempt.
package keydir

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	appcrypto "securechat/crypto"
)

// DefaultTTL is how long a fetched key is trusted before it is refetched.
const DefaultTTL = 10 * time.Minute

const defaultMaxConcurrentFetches = 8

var (
	// ErrKeyNotFound indicates the directory has no key for an identity.
	ErrKeyNotFound = errors.New("keydir: no public key for recipient")
)

// Fetcher looks up a recipient's current public key in interchange encoding.
type Fetcher interface {
	FetchPublicKey(ctx context.Context, recipientID string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, recipientID string) (string, error)

// FetchPublicKey calls f.
func (f FetcherFunc) FetchPublicKey(ctx context.Context, recipientID string) (string, error) {
	return f(ctx, recipientID)
}

// Options configures a Directory.
type Options struct {
	TTL                  time.Duration
	MaxConcurrentFetches int
	Now                  func() time.Time
	// OnKeyChanged is called when a fetch replaces a cached key with a different one.
	OnKeyChanged         func(recipientID, previousKey, currentKey string)
	Logger               zerolog.Logger
}

// Directory is the process-wide public key cache.
type Directory struct {
	fetcher Fetcher
	store   Store
	ttl     time.Duration
	limit   int
	now     func() time.Time
	changed func(recipientID, previousKey, currentKey string)
	log     zerolog.Logger

	parseMu sync.Mutex
	parsed  map[string]parsedKey
}

type parsedKey struct {
	encoded string
	key     *ecdh.PublicKey
}

// New creates a Directory. A nil store defaults to an in-memory map.
func New(fetcher Fetcher, store Store, options Options) *Directory {
	if store == nil {
		store = NewMemoryStore()
	}
	if options.TTL <= 0 {
		options.TTL = DefaultTTL
	}
	if options.MaxConcurrentFetches <= 0 {
		options.MaxConcurrentFetches = defaultMaxConcurrentFetches
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Directory{
		fetcher: fetcher,
		store:   store,
		ttl:     options.TTL,
		limit:   options.MaxConcurrentFetches,
		now:     options.Now,
		changed: options.OnKeyChanged,
		log:     options.Logger,
		parsed:  make(map[string]parsedKey),
	}
}

// Lookup returns the recipient's key, fetching it on a miss, when stale, or when forced.
func (d *Directory) Lookup(ctx context.Context, recipientID string, forceRefresh bool) (*ecdh.PublicKey, error) {
	if recipientID == "" {
		return nil, errors.New("keydir: recipient ID is required")
	}

	if !forceRefresh {
		entry, ok, err := d.store.Get(recipientID)
		if err != nil {
			return nil, fmt.Errorf("keydir: read cache for %q: %w", recipientID, err)
		}
		if ok && !d.stale(entry) {
			return d.parse(entry)
		}
	}

	encoded, err := d.fetcher.FetchPublicKey(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("keydir: fetch key for %q: %w", recipientID, err)
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, recipientID)
	}

	entry := Entry{RecipientID: recipientID, Key: encoded, FetchedAt: d.now()}
	key, err := d.parse(entry)
	if err != nil {
		return nil, err
	}
	if previous, ok, _ := d.store.Get(recipientID); ok && previous.Key != encoded {
		d.log.Info().Str("recipient", recipientID).Msg("keydir: public key changed")
		if d.changed != nil {
			d.changed(recipientID, previous.Key, encoded)
		}
	}
	if err := d.store.Put(entry); err != nil {
		d.log.Warn().Err(err).Str("recipient", recipientID).Msg("keydir: cache write failed")
	}
	d.log.Debug().Str("recipient", recipientID).Bool("forced", forceRefresh).Msg("keydir: fetched public key")
	return key, nil
}

// Invalidate drops the cached key so the next Lookup refetches it.
func (d *Directory) Invalidate(recipientID string) error {
	d.parseMu.Lock()
	delete(d.parsed, recipientID)
	d.parseMu.Unlock()
	return d.store.Delete(recipientID)
}

// ResolveAll looks up every recipient concurrently. Unresolvable identities are
// reported in missing (sorted); only context cancellation aborts the call.
func (d *Directory) ResolveAll(ctx context.Context, recipientIDs []string, forceRefresh bool) (map[string]*ecdh.PublicKey, []string, error) {
	var mu sync.Mutex
	keys := make(map[string]*ecdh.PublicKey, len(recipientIDs))
	missing := make([]string, 0)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.limit)
	for _, id := range recipientIDs {
		group.Go(func() error {
			key, err := d.Lookup(groupCtx, id, forceRefresh)
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				d.log.Debug().Err(err).Str("recipient", id).Msg("keydir: recipient unresolved")
				mu.Lock()
				missing = append(missing, id)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			keys[id] = key
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	sort.Strings(missing)
	return keys, missing, nil
}

func (d *Directory) stale(entry Entry) bool {
	return d.now().Sub(entry.FetchedAt) >= d.ttl
}

func (d *Directory) parse(entry Entry) (*ecdh.PublicKey, error) {
	d.parseMu.Lock()
	defer d.parseMu.Unlock()

	if cached, ok := d.parsed[entry.RecipientID]; ok && cached.encoded == entry.Key {
		return cached.key, nil
	}
	key, err := appcrypto.ParsePublicKey(entry.Key)
	if err != nil {
		return nil, fmt.Errorf("keydir: key for %q: %w", entry.RecipientID, err)
	}
	d.parsed[entry.RecipientID] = parsedKey{encoded: entry.Key, key: key}
	return key, nil
}
