package offlinecache

import (
	"context"
	"net/http"
	"net/url"

	"github.com/offline-cache/offline-cache/cache"
	cachekey "github.com/offline-cache/offline-cache/pkg/cache-key"
	snapshot "github.com/offline-cache/offline-cache/pkg/response-snapshot"

	"golang.org/x/sync/errgroup"
)

const installConcurrency = 8

// Start runs the install and activate steps in order. Install is fully
// settled before activation begins. There is no waiting period after
// activation: once Start returns, the worker controls all traffic
// routed through it.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Install eagerly fetches the manifest's page and asset lists into the
// two live partitions. All fetches run concurrently and best-effort: an
// unreachable or non-OK asset is skipped, never failing the install as
// a whole, so there is no guarantee every listed URL is present in its
// partition afterwards.
func (w *Worker) Install(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(installConcurrency)
	for _, page := range w.manifest.Pages {
		page := page
		g.Go(func() error {
			w.precache(ctx, w.static, page, modeSameOrigin)
			return nil
		})
	}
	for _, asset := range w.manifest.Assets {
		asset := asset
		g.Go(func() error {
			w.precache(ctx, w.assets, asset, modeCORS)
			return nil
		})
	}
	// every task returns nil; per-asset failures are swallowed above
	g.Wait()
	w.log.Info().
		Int("pages", len(w.manifest.Pages)).
		Int("assets", len(w.manifest.Assets)).
		Msg("Install complete")
	return ctx.Err()
}

func (w *Worker) precache(ctx context.Context, p cache.Partition, rawurl string, mode fetchMode) {
	u, err := url.Parse(rawurl)
	if err != nil {
		w.log.Debug().Err(err).Str("url", rawurl).Msg("Skipping precache of unparseable URL")
		return
	}
	if !u.IsAbs() {
		u = w.origin.ResolveReference(u)
	}
	res, err := w.fetch(ctx, u, mode)
	if err != nil {
		w.log.Debug().Err(err).Str("url", u.String()).Msg("Skipping precache of unreachable URL")
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		w.log.Debug().Int("status", res.StatusCode).Str("url", u.String()).Msg("Skipping precache of non-OK response")
		return
	}
	bts, err := snapshot.Capture(res)
	if err != nil {
		w.log.Debug().Err(err).Str("url", u.String()).Msg("Could not capture response for precache")
		return
	}
	if err := p.Put(cachekey.FromURL(http.MethodGet, u), bts); err != nil {
		w.log.Error().Err(err).Str("url", u.String()).Msg("Could not write precached response")
	}
}

// Activate deletes every partition whose name is not one of the two
// live partition names, across all versions ever created. Deletion is
// irreversible; prior-version cached content is gone afterwards.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.storage.Names()
	if err != nil {
		return err
	}
	live := map[string]bool{
		w.static.Name(): true,
		w.assets.Name(): true,
	}
	for _, name := range names {
		if live[name] {
			continue
		}
		w.log.Info().Str("partition", name).Msg("Deleting stale partition")
		if err := w.storage.Delete(name); err != nil {
			w.log.Error().Err(err).Str("partition", name).Msg("Could not delete stale partition")
		}
	}
	return ctx.Err()
}
