// Package backfill is the optional on-demand remote-repository fetcher:
// given a DID, it downloads that repo's CAR archive from its PDS, walks
// every record, and returns those passing the BACKFILL_DAYS cutoff —
// supplementing live firehose ingestion for a repo the relay hasn't
// replayed far enough back to cover.
package backfill

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/repo"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"atview.dev/common"
	"atview.dev/repoops"
)

// Mode classifies BACKFILL_DAYS per §6/§9: 0 disabled, negative total,
// positive a cutoff in days counted against each record's own createdAt.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeTotal
	ModeCutoff
)

// ModeFromDays maps the BACKFILL_DAYS config value to a Mode and, for
// ModeCutoff, the cutoff window in days.
func ModeFromDays(days int) (Mode, int) {
	switch {
	case days == 0:
		return ModeDisabled, 0
	case days < 0:
		return ModeTotal, 0
	default:
		return ModeCutoff, days
	}
}

// Config controls the backfill fetcher.
type Config struct {
	PDSHost    string // base URL of the PDS to fetch repos from
	Mode       Mode
	CutoffDays int
	HTTPClient *http.Client
}

// BlobCache optionally persists fetched CAR archives, keyed by the repo's
// DID (see fetchCARCached), so repeated backfills of the same account
// don't re-hit the PDS.
type BlobCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Record is one decoded repository record, shaped to flow into the same
// commit-processor dispatch table as a live firehose create op.
type Record struct {
	Collection string
	RKey       string
	Path       string
	CID        string
	Body       map[string]interface{}
}

type Fetcher struct {
	cfg    Config
	client *http.Client
	cache  BlobCache
	log    *common.ContextLogger
}

func NewFetcher(cfg Config, cache BlobCache) *Fetcher {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{cfg: cfg, client: client, cache: cache, log: common.ComponentLogger("backfill")}
}

// FetchRepo downloads did's repository CAR archive (via cache if
// available), walks every record using indigo's MST reader — unlike the
// live commit decode path in repoops, a full-repo backfill has no op
// list handing it path+CID pairs, so it needs the real tree walk — and
// returns the records passing the configured cutoff.
func (f *Fetcher) FetchRepo(ctx context.Context, did string) ([]Record, error) {
	if f.cfg.Mode == ModeDisabled {
		return nil, nil
	}

	carBytes, err := f.fetchCARCached(ctx, did)
	if err != nil {
		return nil, err
	}

	parsed, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(carBytes))
	if err != nil {
		return nil, fmt.Errorf("read repo car for %s: %w", did, err)
	}

	cutoff, hasCutoff := f.cutoffTime()

	var out []Record
	walkErr := parsed.ForEach(ctx, "", func(path string, nodeCID cid.Cid) error {
		_, raw, err := parsed.GetRecordBytes(ctx, path)
		if err != nil {
			f.log.WithError(err).WithField("path", path).Debug("backfill: skipping unreadable record")
			return nil
		}

		var body map[string]interface{}
		if err := cbor.Unmarshal(raw, &body); err != nil {
			f.log.WithError(err).WithField("path", path).Debug("backfill: skipping undecodable record")
			return nil
		}

		// BACKFILL_DAYS > 0 filters by the record's own self-reported
		// createdAt, not server-observed receive time — an adversary
		// can backdate this field, but that ambiguity is preserved here
		// intentionally rather than resolved by this core (§9).
		if hasCutoff && !passesCutoff(body, cutoff) {
			return nil
		}

		collection, rkey := repoops.SplitPath(path)
		out = append(out, Record{
			Collection: collection,
			RKey:       rkey,
			Path:       path,
			CID:        nodeCID.String(),
			Body:       body,
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk repo for %s: %w", did, walkErr)
	}
	return out, nil
}

func (f *Fetcher) cutoffTime() (time.Time, bool) {
	if f.cfg.Mode != ModeCutoff {
		return time.Time{}, false
	}
	return time.Now().AddDate(0, 0, -f.cfg.CutoffDays), true
}

func passesCutoff(body map[string]interface{}, cutoff time.Time) bool {
	raw, ok := body["createdAt"].(string)
	if !ok {
		return true // no timestamp to filter on, don't drop the record
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return !t.Before(cutoff)
}

// fetchCARCached checks the blob cache, keyed by DID, before hitting the
// network. A true content-address (by the repo commit's own CID) would
// need a cheap way to learn that CID before downloading the archive,
// which the sync.getRepo endpoint doesn't offer; keying by DID instead
// still satisfies "repeated backfills of the same repo snapshot don't
// re-fetch" for the common case of backfilling the same account more
// than once.
func (f *Fetcher) fetchCARCached(ctx context.Context, did string) ([]byte, error) {
	if f.cache != nil {
		if data, ok, err := f.cache.Get(ctx, did); err == nil && ok {
			return data, nil
		}
	}

	data, err := f.fetchCAR(ctx, did)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		if err := f.cache.Put(ctx, did, data); err != nil {
			f.log.WithError(err).WithField("did", did).Debug("backfill: cache write failed")
		}
	}
	return data, nil
}

// fetchCAR downloads did's repository archive directly from its PDS.
func (f *Fetcher) fetchCAR(ctx context.Context, did string) ([]byte, error) {
	url := fmt.Sprintf("%s/xrpc/com.atproto.sync.getRepo?did=%s", f.cfg.PDSHost, did)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build repo fetch request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch repo for %s: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch repo for %s: unexpected status %d", did, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read repo archive for %s: %w", did, err)
	}
	return body, nil
}
