package index

import (
	"context"
	"encoding/json"
	"fmt"
)

// PostView is the read-side projection of a post row, used by the thread
// assembler (component I) and search (component K).
type PostView struct {
	URI            string
	AuthorDID      string
	Text           string
	ReplyRootURI   string
	ReplyParentURI string
}

// PostAggregate holds the engagement counts the cache layer (component H)
// fronts under its post-aggregate key, per §4.H.
type PostAggregate struct {
	LikeCount   int64
	RepostCount int64
	ReplyCount  int64
}

// PostAggregate computes a post's current engagement counts directly from
// G. Callers on the hot read path should go through a cache front (see
// index.ThreadSource) rather than calling this on every request.
func (s *Store) PostAggregate(ctx context.Context, uri string) (*PostAggregate, error) {
	row := s.pg.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM likes WHERE subject_uri = $1),
			(SELECT count(*) FROM reposts WHERE subject_uri = $1),
			(SELECT count(*) FROM posts WHERE reply_parent = $1)
	`, uri)
	var agg PostAggregate
	if err := row.Scan(&agg.LikeCount, &agg.RepostCount, &agg.ReplyCount); err != nil {
		return nil, err
	}
	return &agg, nil
}

// GateView is the read-side projection of a reply_gates row.
type GateView struct {
	AllowMentioned bool
	AllowFollowing bool
	AllowListURIs  []string
}

func (s *Store) GetPost(ctx context.Context, uri string) (*PostView, bool, error) {
	row := s.pg.QueryRow(ctx, `SELECT author_did, text, coalesce(reply_root, ''), coalesce(reply_parent, '') FROM posts WHERE uri = $1`, uri)
	var v PostView
	v.URI = uri
	if err := row.Scan(&v.AuthorDID, &v.Text, &v.ReplyRootURI, &v.ReplyParentURI); err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &v, true, nil
}

// RecordByURI fetches a post's raw lexicon record, used to derive
// mention facets for the thread assembler's reply-gate pre-load.
func (s *Store) RecordByURI(ctx context.Context, uri string) (map[string]interface{}, bool, error) {
	row := s.pg.QueryRow(ctx, `SELECT record FROM posts WHERE uri = $1`, uri)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("unmarshal post record: %w", err)
	}
	return record, true, nil
}

// Replies returns the direct children of parentURI, oldest first.
func (s *Store) Replies(ctx context.Context, parentURI string) ([]*PostView, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT uri, author_did, text, coalesce(reply_root, ''), coalesce(reply_parent, '')
		FROM posts WHERE reply_parent = $1 ORDER BY created_at ASC
	`, parentURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PostView
	for rows.Next() {
		v := &PostView{}
		if err := rows.Scan(&v.URI, &v.AuthorDID, &v.Text, &v.ReplyRootURI, &v.ReplyParentURI); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ReplyGate(ctx context.Context, postURI string) (*GateView, bool, error) {
	row := s.pg.QueryRow(ctx, `SELECT allow_mentioned, allow_following, allow_list_uris FROM reply_gates WHERE post_uri = $1`, postURI)
	var g GateView
	if err := row.Scan(&g.AllowMentioned, &g.AllowFollowing, &g.AllowListURIs); err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &g, true, nil
}

// Following returns the set of DIDs srcDID follows.
func (s *Store) Following(ctx context.Context, srcDID string) (map[string]bool, error) {
	rows, err := s.pg.Query(ctx, `SELECT target_did FROM follows WHERE source_did = $1`, srcDID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out[did] = true
	}
	return out, rows.Err()
}

// ListMembers returns the set of subject DIDs belonging to listURI.
func (s *Store) ListMembers(ctx context.Context, listURI string) (map[string]bool, error) {
	rows, err := s.pg.Query(ctx, `SELECT subject_did FROM list_items WHERE list_uri = $1`, listURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out[did] = true
	}
	return out, rows.Err()
}

// IsBlocked reports whether viewerDID and authorDID block each other.
// AT-Protocol mutes are private viewer-side state delivered over an
// authenticated XRPC session, which this core's Non-goals exclude — only
// the public, federated block relationship is visible here.
func (s *Store) IsBlocked(ctx context.Context, viewerDID, authorDID string) (bool, error) {
	if viewerDID == "" {
		return false, nil
	}
	row := s.pg.QueryRow(ctx, `
		SELECT 1 FROM blocks
		WHERE (source_did = $1 AND target_did = $2) OR (source_did = $2 AND target_did = $1)
		LIMIT 1
	`, viewerDID, authorDID)
	var one int
	if err := row.Scan(&one); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EffectiveLabels replays negation: for each (source, value) pair only the
// most recent label row applies, and a neg=true row retracts it.
func (s *Store) EffectiveLabels(ctx context.Context, subjectURI string) ([]string, error) {
	rows, err := s.pg.Query(ctx, `
		WITH ranked AS (
			SELECT val, neg, row_number() OVER (PARTITION BY src_did, val ORDER BY created_at DESC) AS rn
			FROM labels WHERE subject_uri = $1
		)
		SELECT val FROM ranked WHERE rn = 1 AND neg = false
	`, subjectURI)
	if err != nil {
		return nil, fmt.Errorf("query effective labels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var val string
		if err := rows.Scan(&val); err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, rows.Err()
}
