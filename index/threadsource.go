package index

import (
	"context"

	"atview.dev/cache"
	"atview.dev/thread"
)

// ThreadSource adapts Store's read methods to thread.DataSource, doing
// the PostView/GateView -> thread.Post/thread.Gate conversion so the
// assembler never depends on the index package's internal row shapes. It
// also fronts each post's engagement counts with component H's
// post-aggregate cache, the "H sits in front of G for hot reads" half of
// §2's data-flow table (the assembler itself fronts its own label/block/
// list-member lookups, see thread.Assembler.UseCache).
type ThreadSource struct {
	store *Store
	cache *cache.Cache
}

// NewThreadSource wires a ThreadSource to its store and, optionally, a
// cache front; c may be nil, in which case aggregate reads always fall
// through to the store.
func NewThreadSource(s *Store, c *cache.Cache) *ThreadSource {
	return &ThreadSource{store: s, cache: c}
}

var _ thread.DataSource = (*ThreadSource)(nil)

func (t *ThreadSource) GetPost(ctx context.Context, uri string) (*thread.Post, bool, error) {
	v, ok, err := t.store.GetPost(ctx, uri)
	if err != nil || !ok {
		return nil, ok, err
	}
	post := toThreadPost(v)
	t.attachAggregate(ctx, post)
	return post, true, nil
}

func (t *ThreadSource) Replies(ctx context.Context, parentURI string) ([]*thread.Post, error) {
	rows, err := t.store.Replies(ctx, parentURI)
	if err != nil {
		return nil, err
	}
	out := make([]*thread.Post, len(rows))
	for i, v := range rows {
		post := toThreadPost(v)
		t.attachAggregate(ctx, post)
		out[i] = post
	}
	return out, nil
}

// attachAggregate fills in a post's engagement counts through the
// post-aggregate cache before falling back to a live count query. Cache
// and store failures are both non-fatal: the counts just stay zero
// rather than failing the surrounding thread assembly.
func (t *ThreadSource) attachAggregate(ctx context.Context, post *thread.Post) {
	key := cache.PostAggregateKey(post.URI)
	if t.cache != nil {
		var cached PostAggregate
		if t.cache.Get(ctx, key, &cached) {
			post.LikeCount, post.RepostCount, post.ReplyCount = cached.LikeCount, cached.RepostCount, cached.ReplyCount
			return
		}
	}
	agg, err := t.store.PostAggregate(ctx, post.URI)
	if err != nil {
		return
	}
	post.LikeCount, post.RepostCount, post.ReplyCount = agg.LikeCount, agg.RepostCount, agg.ReplyCount
	if t.cache != nil {
		t.cache.Set(ctx, key, *agg, cache.TTLPostAggregate)
	}
}

func (t *ThreadSource) ReplyGate(ctx context.Context, rootURI string) (*thread.Gate, bool, error) {
	g, ok, err := t.store.ReplyGate(ctx, rootURI)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &thread.Gate{
		AllowMentioned: g.AllowMentioned,
		AllowFollowing: g.AllowFollowing,
		AllowListURIs:  g.AllowListURIs,
	}, true, nil
}

func (t *ThreadSource) MentionedDIDsForPost(ctx context.Context, postURI string) ([]string, error) {
	record, ok, err := t.store.RecordByURI(ctx, postURI)
	if err != nil || !ok {
		return nil, err
	}
	return t.store.MentionedDIDs(record), nil
}

func (t *ThreadSource) Following(ctx context.Context, did string) (map[string]bool, error) {
	return t.store.Following(ctx, did)
}

func (t *ThreadSource) ListMembers(ctx context.Context, listURI string) (map[string]bool, error) {
	return t.store.ListMembers(ctx, listURI)
}

func (t *ThreadSource) IsBlocked(ctx context.Context, viewerDID, authorDID string) (bool, error) {
	return t.store.IsBlocked(ctx, viewerDID, authorDID)
}

func (t *ThreadSource) EffectiveLabels(ctx context.Context, subjectURI string) ([]string, error) {
	return t.store.EffectiveLabels(ctx, subjectURI)
}

func toThreadPost(v *PostView) *thread.Post {
	return &thread.Post{
		URI:            v.URI,
		AuthorDID:      v.AuthorDID,
		ReplyRootURI:   v.ReplyRootURI,
		ReplyParentURI: v.ReplyParentURI,
	}
}
