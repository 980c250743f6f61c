// Package search is the full-text/typeahead search index (component K):
// lexeme rank over post text, a trigram-plus-lexeme blend over actor
// handle/display-name/description, and prefix typeahead on handle.
package search

import (
	"context"
	"strings"

	"atview.dev/pgstore"
)

// DefaultLimit bounds a page when the caller doesn't specify one.
const DefaultLimit = 25

type Searcher struct {
	pg *pgstore.DB
}

func New(pg *pgstore.DB) *Searcher {
	return &Searcher{pg: pg}
}

// PostHit is one ranked post search result.
type PostHit struct {
	URI  string
	Rank float64
}

// SearchPosts ranks posts by lexeme match against query. cursor, if
// non-nil, is the trailing rank value from the previous page — per
// §4.K, "cursor is the trailing rank value" — so only lower-ranked rows
// are returned.
func (s *Searcher) SearchPosts(ctx context.Context, query string, cursor *float64, limit int) ([]PostHit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	sql := `
		SELECT uri, ts_rank(text_search, plainto_tsquery('english', $1)) AS rank
		FROM posts
		WHERE text_search @@ plainto_tsquery('english', $1)
	`
	args := []interface{}{query}
	if cursor != nil {
		sql += " AND ts_rank(text_search, plainto_tsquery('english', $1)) < $2 ORDER BY rank DESC LIMIT $3"
		args = append(args, *cursor, limit)
	} else {
		sql += " ORDER BY rank DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pg.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostHit
	for rows.Next() {
		var hit PostHit
		if err := rows.Scan(&hit.URI, &hit.Rank); err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

// ActorHit is one ranked actor search result.
type ActorHit struct {
	DID  string
	Rank float64
}

// SearchActors unions trigram similarity on handle with a lexeme match on
// handle/display-name/description, ranking each candidate by the
// maximum of the two scores, per §4.K.
func (s *Searcher) SearchActors(ctx context.Context, query string, limit int) ([]ActorHit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.pg.Query(ctx, `
		SELECT did, GREATEST(
			similarity(handle, $1),
			ts_rank(text_search, plainto_tsquery('english', $1))
		) AS rank
		FROM actors
		WHERE handle % $1 OR text_search @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActorHit
	for rows.Next() {
		var hit ActorHit
		if err := rows.Scan(&hit.DID, &hit.Rank); err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

// TypeaheadHit is one typeahead candidate.
type TypeaheadHit struct {
	DID    string
	Handle string
}

// Typeahead does a case-folded prefix match on handle, per §4.K.
func (s *Searcher) Typeahead(ctx context.Context, prefix string, limit int) ([]TypeaheadHit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.pg.Query(ctx, `
		SELECT did, handle FROM actors
		WHERE lower(handle) LIKE lower($1) || '%' ESCAPE '\'
		ORDER BY handle
		LIMIT $2
	`, escapeLike(prefix), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TypeaheadHit
	for rows.Next() {
		var hit TypeaheadHit
		if err := rows.Scan(&hit.DID, &hit.Handle); err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

// escapeLike escapes LIKE metacharacters (\, %, _) so a raw prefix is
// matched literally, per §4.K's "LIKE-metacharacter escaping."
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
