package updater

import (
	"context"

	"github.com/oshokin/fcs-vault/internal/domain/build"
	"github.com/oshokin/fcs-vault/internal/logger"
	"github.com/oshokin/fcs-vault/internal/repository/ledger"
)

// Summary counts the outcomes of one pass over the builds of one OS.
type Summary struct {
	// Attempted is the number of builds a download was started for.
	Attempted int
	// Succeeded is the number of builds whose keys were stored this run.
	Succeeded int
	// Failed is the number of builds whose download failed this run.
	Failed int
	// Skipped is the number of builds already resolved by earlier runs.
	Skipped int
}

// fetchFunc downloads the key material of one build.
type fetchFunc[P any] func(ctx context.Context, key build.Key) (P, error)

// storeFunc persists downloaded key material. It must return only after the
// material is durable, because the ledger marks the build as done right
// afterwards and never revisits it.
type storeFunc[P any] func(ctx context.Context, key build.Key, payload P) error

// iterate drives one pass over the builds of a single OS. Resolved builds
// are skipped, the rest are fetched and stored, and every outcome lands in
// the ledger immediately so progress survives an interrupt. A failed
// download is charged against the build and the pass moves on; storage and
// ledger errors abort the run instead.
func iterate[P any](
	ctx context.Context,
	osName string,
	buildIDs []string,
	led *ledger.Ledger,
	maxAttempts int,
	fetch fetchFunc[P],
	store storeFunc[P],
) (Summary, error) {
	var summary Summary

	for _, id := range buildIDs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		state := led.Get(id)
		if state.IsResolved() {
			summary.Skipped++
			continue
		}

		logger.Infof(ctx, "Trying %s for %s, attempt %d/%d", id, osName, state.Attempts()+1, maxAttempts)

		summary.Attempted++

		key := build.Key{OS: osName, ID: id}

		payload, err := fetch(ctx, key)
		if err != nil {
			// An interrupted download is not the build's fault.
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}

			summary.Failed++

			logger.WarnKV(ctx, "Download failed", "build", key.String(), "error", err)

			if err = led.RecordAttempt(id, false); err != nil {
				return summary, err
			}

			continue
		}

		if err = store(ctx, key, payload); err != nil {
			return summary, err
		}

		if err = led.RecordAttempt(id, true); err != nil {
			return summary, err
		}

		summary.Succeeded++
	}

	return summary, nil
}
