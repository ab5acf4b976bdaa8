// Command migrate copies persisted ledger state between storage backends,
// e.g. from the local file backend to a GCS bucket. Keys whose content is
// already identical in the destination are skipped, so the tool can be
// re-run safely.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
	"github.com/dvloznov/pocket-ledger/internal/config"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/logger"
	"github.com/dvloznov/pocket-ledger/internal/store"
)

// Action is what migrate did with a single key.
type Action string

const (
	ActionCopy    Action = "copy"
	ActionSkip    Action = "skip"
	ActionMissing Action = "missing"
)

// Result reports the outcome for one key.
type Result struct {
	Key      string
	Action   Action
	Checksum string
	Size     int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Invalid configuration")
	}

	var (
		fromBackend = flag.String("from", cfg.Storage.Backend, "Source backend: memory, file or gcs")
		fromDir     = flag.String("from-dir", cfg.Storage.Dir, "Source directory for the file backend")
		fromBucket  = flag.String("from-bucket", cfg.Storage.Bucket, "Source bucket (or gs://bucket/prefix) for the gcs backend")
		toBackend   = flag.String("to", "", "Destination backend: file or gcs (required)")
		toDir       = flag.String("to-dir", "", "Destination directory for the file backend")
		toBucket    = flag.String("to-bucket", "", "Destination bucket (or gs://bucket/prefix) for the gcs backend")
		all         = flag.Bool("all", false, "Copy every key, not only the ledger state and rate cache")
		dryRun      = flag.Bool("dry-run", false, "Report what would be copied without writing")
	)
	flag.Parse()

	log := logger.NewWithLevel(cfg.LogLevel)

	if *toBackend == "" {
		log.Fatal().Msg("Error: -to flag is required")
	}

	ctx := context.Background()

	src, err := blobstore.Open(ctx, blobstore.Options{Backend: *fromBackend, Dir: *fromDir, Bucket: *fromBucket})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open source storage")
	}
	defer closeStore(src)

	dst, err := blobstore.Open(ctx, blobstore.Options{Backend: *toBackend, Dir: *toDir, Bucket: *toBucket})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open destination storage")
	}
	defer closeStore(dst)

	n, err := verifyState(ctx, src, cfg.StateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Source ledger state is unreadable")
	}
	log.Info().Int("transactions", n).Str("key", cfg.StateKey).Msg("Verified source ledger state")

	keys := []string{cfg.StateKey, currency.CacheKey}
	if *all {
		if keys, err = src.Keys(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to list source keys")
		}
	}

	results, err := migrate(ctx, src, dst, keys, *dryRun)
	report(log, results, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

// verifyState loads the ledger from src so a corrupt blob is never copied.
func verifyState(ctx context.Context, src blobstore.Store, key string) (int, error) {
	s, err := store.Open(ctx, store.WithBlobStore(src), store.WithKey(key))
	if err != nil {
		return 0, fmt.Errorf("verifyState: %w", err)
	}
	return len(s.Transactions()), nil
}

// migrate copies keys from src to dst. It stops at the first failure and
// returns the results gathered so far.
func migrate(ctx context.Context, src, dst blobstore.Store, keys []string, dryRun bool) ([]Result, error) {
	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		data, err := src.Get(ctx, key)
		if errors.Is(err, blobstore.ErrNotFound) {
			results = append(results, Result{Key: key, Action: ActionMissing})
			continue
		}
		if err != nil {
			return results, fmt.Errorf("migrate: read %s: %w", key, err)
		}

		res := Result{Key: key, Checksum: checksum(data), Size: len(data)}

		existing, err := dst.Get(ctx, key)
		switch {
		case err == nil && checksum(existing) == res.Checksum:
			res.Action = ActionSkip
			results = append(results, res)
			continue
		case err != nil && !errors.Is(err, blobstore.ErrNotFound):
			return results, fmt.Errorf("migrate: read destination %s: %w", key, err)
		}

		res.Action = ActionCopy
		if !dryRun {
			if err := dst.Put(ctx, key, data); err != nil {
				return results, fmt.Errorf("migrate: write %s: %w", key, err)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func report(log zerolog.Logger, results []Result, dryRun bool) {
	copied := 0
	for _, r := range results {
		switch r.Action {
		case ActionSkip:
			log.Info().Str("key", r.Key).Msg("[SKIP] already up to date")
		case ActionMissing:
			log.Warn().Str("key", r.Key).Msg("[MISS] not present in source")
		case ActionCopy:
			copied++
			msg := "[OK]   copied"
			if dryRun {
				msg = "[DRY]  would copy"
			}
			log.Info().Str("key", r.Key).Int("bytes", r.Size).Str("sha256", r.Checksum[:12]).Msg(msg)
		}
	}

	if copied == 0 {
		fmt.Fprintln(os.Stdout, "Nothing to copy. Destination is up to date.")
		return
	}
	fmt.Fprintf(os.Stdout, "%d key(s) %s\n", copied, map[bool]string{true: "would be copied", false: "copied"}[dryRun])
}

func closeStore(s blobstore.Store) {
	if c, ok := s.(io.Closer); ok {
		c.Close()
	}
}
