// Package index is the relational index store (component G): the
// queryable Postgres representation of everything the commit processor
// decodes off the firehose. High-volume writes (posts, likes, reposts,
// follows, blocks, lists) go straight through pgx for latency; the lower-
// volume notification and label paths go through gorm, grounded on the
// teacher's gorm.Model usage in db/postgres.go.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"atview.dev/common"
	"atview.dev/pgstore"
	"atview.dev/processor"
)

// Store implements processor.Indexer against Postgres.
type Store struct {
	pg  *pgstore.DB
	gdb *gorm.DB
	log *common.ContextLogger
}

var _ processor.Indexer = (*Store)(nil)

// Open wires a Store to an already-connected pgx pool and opens a
// parallel gorm connection against the same DSN for the notification/label
// query paths.
func Open(pg *pgstore.DB, dsn string) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm connection: %w", err)
	}
	return &Store{pg: pg, gdb: gdb, log: common.ComponentLogger("index")}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reachable pings the pgx pool, used by the readiness aggregator (J).
func (s *Store) Reachable(ctx context.Context) bool {
	return s.pg.Reachable(ctx)
}

// --- posts ---

func (s *Store) UpsertPost(ctx context.Context, uri, authorDID string, record map[string]interface{}) error {
	text, _ := record["text"].(string)
	replyRoot, replyParent := replyRefs(record)
	createdAt := parseCreatedAt(record)
	langs := stringSlice(record["langs"])
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal post record: %w", err)
	}

	return s.pg.Exec(ctx, `
		INSERT INTO posts (uri, author_did, text, reply_root, reply_parent, langs, created_at, record, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (uri) DO UPDATE SET
			text = EXCLUDED.text,
			reply_root = EXCLUDED.reply_root,
			reply_parent = EXCLUDED.reply_parent,
			langs = EXCLUDED.langs,
			record = EXCLUDED.record
	`, uri, authorDID, text, nullIfEmpty(replyRoot), nullIfEmpty(replyParent), langs, createdAt, recordJSON)
}

// DeletePost removes a post along with the likes and reposts that target
// it. likes/reposts.subject_uri reference posts without ON DELETE CASCADE,
// so the dependent rows are deleted here first. The URIs of the deleted
// likes and reposts are not reported back to the caller.
func (s *Store) DeletePost(ctx context.Context, uri string) error {
	if err := s.pg.Exec(ctx, `DELETE FROM likes WHERE subject_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete likes for post: %w", err)
	}
	if err := s.pg.Exec(ctx, `DELETE FROM reposts WHERE subject_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete reposts for post: %w", err)
	}
	return s.pg.Exec(ctx, `DELETE FROM posts WHERE uri = $1`, uri)
}

func (s *Store) PostAuthor(ctx context.Context, uri string) (string, bool, error) {
	row := s.pg.QueryRow(ctx, `SELECT author_did FROM posts WHERE uri = $1`, uri)
	var did string
	if err := row.Scan(&did); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return did, true, nil
}

// --- likes / reposts ---

func (s *Store) InsertLike(ctx context.Context, uri, actorDID, subjectURI string, record map[string]interface{}) (string, error) {
	return s.insertEngagement(ctx, "likes", uri, actorDID, subjectURI, record)
}

func (s *Store) InsertRepost(ctx context.Context, uri, actorDID, subjectURI string, record map[string]interface{}) (string, error) {
	return s.insertEngagement(ctx, "reposts", uri, actorDID, subjectURI, record)
}

func (s *Store) insertEngagement(ctx context.Context, table, uri, actorDID, subjectURI string, record map[string]interface{}) (string, error) {
	createdAt := parseCreatedAt(record)
	query := fmt.Sprintf(`
		INSERT INTO %s (uri, actor_did, subject_uri, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (actor_did, subject_uri) DO NOTHING
	`, table)
	if err := s.pg.Exec(ctx, query, uri, actorDID, subjectURI, createdAt); err != nil {
		return "", err
	}

	subjectAuthor, _, err := s.PostAuthor(ctx, subjectURI)
	if err != nil {
		return "", err
	}
	return subjectAuthor, nil
}

// EngagementSubject looks up the subject URI a like or repost row points
// at. Used only by the commit processor, ahead of deleting the row, to
// know which post's aggregate cache entry (component H) to invalidate.
func (s *Store) EngagementSubject(ctx context.Context, uri string) (string, bool, error) {
	for _, table := range []string{"likes", "reposts"} {
		row := s.pg.QueryRow(ctx, fmt.Sprintf(`SELECT subject_uri FROM %s WHERE uri = $1`, table), uri)
		var subjectURI string
		if err := row.Scan(&subjectURI); err == nil {
			return subjectURI, true, nil
		} else if !isNoRows(err) {
			return "", false, err
		}
	}
	return "", false, nil
}

// DeleteByURI removes a row from whichever engagement/graph table it lives
// in. Every table this core writes by URI uses `uri` as primary key, so a
// single DELETE per candidate table is enough; at most one affects a row.
//
// If uri happens to be a list, its list_items need clearing first: there's
// no ON DELETE CASCADE from list_items.list_uri, so the delete has to walk
// that dependency explicitly the same way DeletePost does for likes/reposts.
// A no-op for every other collection, since no row's list_uri ever equals
// a non-list URI.
func (s *Store) DeleteByURI(ctx context.Context, uri string) error {
	if err := s.pg.Exec(ctx, `DELETE FROM list_items WHERE list_uri = $1`, uri); err != nil {
		return fmt.Errorf("delete list items for list: %w", err)
	}
	tables := []string{"likes", "reposts", "follows", "blocks", "list_items", "lists", "feed_generators", "starter_packs", "labeler_services"}
	for _, table := range tables {
		if err := s.pg.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uri = $1`, table), uri); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}

// --- graph ---

func (s *Store) InsertFollow(ctx context.Context, uri, srcDID, targetDID string, record map[string]interface{}) error {
	createdAt := parseCreatedAt(record)
	return s.pg.Exec(ctx, `
		INSERT INTO follows (uri, source_did, target_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source_did, target_did) DO NOTHING
	`, uri, srcDID, targetDID, createdAt)
}

func (s *Store) InsertBlock(ctx context.Context, uri, srcDID, targetDID string, record map[string]interface{}) error {
	createdAt := parseCreatedAt(record)
	return s.pg.Exec(ctx, `
		INSERT INTO blocks (uri, source_did, target_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source_did, target_did) DO NOTHING
	`, uri, srcDID, targetDID, createdAt)
}

// --- lists ---

func (s *Store) InsertList(ctx context.Context, uri, creatorDID string, record map[string]interface{}) error {
	name, _ := record["name"].(string)
	purpose, _ := record["purpose"].(string)
	description, _ := record["description"].(string)
	createdAt := parseCreatedAt(record)

	return s.pg.Exec(ctx, `
		INSERT INTO lists (uri, creator_did, name, purpose, description, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (uri) DO UPDATE SET
			name = EXCLUDED.name, purpose = EXCLUDED.purpose, description = EXCLUDED.description
	`, uri, creatorDID, name, purpose, description, createdAt)
}

func (s *Store) ListExists(ctx context.Context, uri string) (bool, error) {
	row := s.pg.QueryRow(ctx, `SELECT 1 FROM lists WHERE uri = $1`, uri)
	var one int
	if err := row.Scan(&one); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) InsertListItem(ctx context.Context, uri, listURI, subjectDID string, record map[string]interface{}) error {
	createdAt := parseCreatedAt(record)
	return s.pg.Exec(ctx, `
		INSERT INTO list_items (uri, list_uri, subject_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (list_uri, subject_did) DO NOTHING
	`, uri, listURI, subjectDID, createdAt)
}

// --- generic fallback (feed generators, starter packs, labeler services, profiles, labels) ---

func (s *Store) UpsertGeneric(ctx context.Context, nsid, uri, authorDID string, record map[string]interface{}) error {
	switch nsid {
	case "app.bsky.feed.generator":
		return s.upsertFeedGenerator(ctx, uri, authorDID, record)
	case "app.bsky.graph.starterpack":
		return s.upsertStarterPack(ctx, uri, authorDID, record)
	case "app.bsky.labeler.service":
		return s.upsertLabelerService(ctx, uri, authorDID, record)
	case "app.bsky.actor.profile":
		return s.upsertProfile(ctx, authorDID, record)
	case "com.atproto.label.label":
		return s.insertLabel(ctx, authorDID, record)
	case "app.bsky.feed.threadgate":
		return s.upsertThreadgate(ctx, record)
	default:
		s.log.WithField("nsid", nsid).Debug("no generic handler for record type, skipping index write")
		return nil
	}
}

func (s *Store) upsertFeedGenerator(ctx context.Context, uri, creatorDID string, record map[string]interface{}) error {
	did, _ := record["did"].(string)
	displayName, _ := record["displayName"].(string)
	description, _ := record["description"].(string)
	createdAt := parseCreatedAt(record)

	return s.pg.Exec(ctx, `
		INSERT INTO feed_generators (uri, creator_did, did, display_name, description, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (uri) DO UPDATE SET display_name = EXCLUDED.display_name, description = EXCLUDED.description
	`, uri, creatorDID, did, displayName, description, createdAt)
}

func (s *Store) upsertStarterPack(ctx context.Context, uri, creatorDID string, record map[string]interface{}) error {
	name, _ := record["name"].(string)
	listURI := ""
	if list, ok := record["list"].(string); ok {
		listURI = list
	}
	createdAt := parseCreatedAt(record)

	return s.pg.Exec(ctx, `
		INSERT INTO starter_packs (uri, creator_did, name, list_uri, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (uri) DO UPDATE SET name = EXCLUDED.name, list_uri = EXCLUDED.list_uri
	`, uri, creatorDID, name, nullIfEmpty(listURI), createdAt)
}

func (s *Store) upsertLabelerService(ctx context.Context, uri, creatorDID string, record map[string]interface{}) error {
	policies, _ := json.Marshal(record["policies"])
	createdAt := parseCreatedAt(record)

	return s.pg.Exec(ctx, `
		INSERT INTO labeler_services (uri, creator_did, policies, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (uri) DO UPDATE SET policies = EXCLUDED.policies
	`, uri, creatorDID, policies, createdAt)
}

func (s *Store) upsertProfile(ctx context.Context, did string, record map[string]interface{}) error {
	displayName, _ := record["displayName"].(string)
	description, _ := record["description"].(string)

	return s.pg.Exec(ctx, `
		INSERT INTO actors (did, display_name, description, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (did) DO UPDATE SET
			display_name = EXCLUDED.display_name, description = EXCLUDED.description, updated_at = now()
	`, did, displayName, description)
}

// upsertThreadgate maps a threadgate record's "allow" union list into the
// three boolean/list-URI flags the thread assembler reads (§4.I step 2).
// A missing or empty "allow" field means no additional replies are
// permitted beyond the root author, matching the lexicon's default-closed
// semantics.
func (s *Store) upsertThreadgate(ctx context.Context, record map[string]interface{}) error {
	postURI, _ := record["post"].(string)
	if postURI == "" {
		return fmt.Errorf("threadgate record missing post URI")
	}

	var allowMentioned, allowFollowing bool
	var listURIs []string

	if rules, ok := record["allow"].([]interface{}); ok {
		for _, r := range rules {
			rule, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			switch t, _ := rule["$type"].(string); t {
			case "app.bsky.feed.threadgate#mentionRule":
				allowMentioned = true
			case "app.bsky.feed.threadgate#followingRule":
				allowFollowing = true
			case "app.bsky.feed.threadgate#listRule":
				if list, ok := rule["list"].(string); ok {
					listURIs = append(listURIs, list)
				}
			}
		}
	}

	return s.pg.Exec(ctx, `
		INSERT INTO reply_gates (post_uri, allow_mentioned, allow_following, allow_list_uris, indexed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (post_uri) DO UPDATE SET
			allow_mentioned = EXCLUDED.allow_mentioned,
			allow_following = EXCLUDED.allow_following,
			allow_list_uris = EXCLUDED.allow_list_uris
	`, postURI, allowMentioned, allowFollowing, listURIs)
}

func (s *Store) insertLabel(ctx context.Context, srcDID string, record map[string]interface{}) error {
	subjectURI, _ := record["uri"].(string)
	subjectCID, _ := record["cid"].(string)
	val, _ := record["val"].(string)
	neg, _ := record["neg"].(bool)

	label := Label{SrcDID: srcDID, SubjectURI: subjectURI, SubjectCID: subjectCID, Val: val, Neg: neg, CreatedAt: time.Now()}
	return s.gdb.WithContext(ctx).
		Where(Label{SrcDID: srcDID, SubjectURI: subjectURI, Val: val}).
		Assign(Label{Neg: neg}).
		FirstOrCreate(&label).Error
}

// --- notifications ---

func (s *Store) CreateNotification(ctx context.Context, n processor.Notification) error {
	row := Notification{
		ExternalID:   uuid.NewString(),
		RecipientDID: n.RecipientDID,
		AuthorDID:    n.AuthorDID,
		Reason:       n.Reason,
		SubjectURI:   n.SubjectURI,
		CreatedAt:    n.At,
	}
	return s.gdb.WithContext(ctx).Create(&row).Error
}

// MentionedDIDs reads the post's richtext facets for
// app.bsky.richtext.facet#mention entries, each of which already carries
// the target's DID directly — no handle resolution needed.
func (s *Store) MentionedDIDs(record map[string]interface{}) []string {
	facets, ok := record["facets"].([]interface{})
	if !ok {
		return nil
	}

	var out []string
	for _, f := range facets {
		facet, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		features, ok := facet["features"].([]interface{})
		if !ok {
			continue
		}
		for _, feat := range features {
			feature, ok := feat.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := feature["$type"].(string); t != "app.bsky.richtext.facet#mention" {
				continue
			}
			if did, _ := feature["did"].(string); did != "" {
				out = append(out, did)
			}
		}
	}
	return out
}

// --- helpers ---

func replyRefs(record map[string]interface{}) (root, parent string) {
	reply, ok := record["reply"].(map[string]interface{})
	if !ok {
		return "", ""
	}
	if r, ok := reply["root"].(map[string]interface{}); ok {
		root, _ = r["uri"].(string)
	}
	if p, ok := reply["parent"].(map[string]interface{}); ok {
		parent, _ = p["uri"].(string)
	}
	return root, parent
}

func parseCreatedAt(record map[string]interface{}) *time.Time {
	raw, ok := record["createdAt"].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

func stringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
