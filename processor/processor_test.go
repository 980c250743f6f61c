package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atview.dev/common"
	"atview.dev/pending"
	"atview.dev/pgstore"
	"atview.dev/repoops"
	"atview.dev/schema"
)

// fakeIndex is an in-memory stand-in for the Postgres-backed Indexer,
// letting dispatch logic be exercised without a database.
type fakeIndex struct {
	mu            sync.Mutex
	posts         map[string]string // uri -> authorDID
	likes         map[string]string // uri -> subjectURI
	follows       map[string]bool
	lists         map[string]bool
	listItems     map[string]bool
	notifications []Notification
	genericCalls  []string
	nextLikeErr   error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		posts:     make(map[string]string),
		likes:     make(map[string]string),
		follows:   make(map[string]bool),
		lists:     make(map[string]bool),
		listItems: make(map[string]bool),
	}
}

func fkViolation() error {
	return &pgconn.PgError{Code: pgstore.SQLStateForeignKeyViolation}
}

func (f *fakeIndex) UpsertPost(ctx context.Context, uri, authorDID string, record map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[uri] = authorDID
	return nil
}

func (f *fakeIndex) DeletePost(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.posts, uri)
	return nil
}

func (f *fakeIndex) PostAuthor(ctx context.Context, uri string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	did, ok := f.posts[uri]
	return did, ok, nil
}

func (f *fakeIndex) InsertLike(ctx context.Context, uri, actorDID, subjectURI string, record map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextLikeErr != nil {
		err := f.nextLikeErr
		f.nextLikeErr = nil
		return "", err
	}
	f.likes[uri] = subjectURI
	return f.posts[subjectURI], nil
}

func (f *fakeIndex) InsertRepost(ctx context.Context, uri, actorDID, subjectURI string, record map[string]interface{}) (string, error) {
	return f.InsertLike(ctx, uri, actorDID, subjectURI, record)
}

func (f *fakeIndex) DeleteByURI(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.likes, uri)
	return nil
}

func (f *fakeIndex) EngagementSubject(ctx context.Context, uri string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subjectURI, ok := f.likes[uri]
	return subjectURI, ok, nil
}

func (f *fakeIndex) InsertFollow(ctx context.Context, uri, srcDID, targetDID string, record map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.follows[uri] = true
	return nil
}

func (f *fakeIndex) InsertBlock(ctx context.Context, uri, srcDID, targetDID string, record map[string]interface{}) error {
	return nil
}

func (f *fakeIndex) InsertList(ctx context.Context, uri, creatorDID string, record map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[uri] = true
	return nil
}

func (f *fakeIndex) ListExists(ctx context.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[uri], nil
}

func (f *fakeIndex) InsertListItem(ctx context.Context, uri, listURI, subjectDID string, record map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lists[listURI] {
		return fkViolation()
	}
	f.listItems[uri] = true
	return nil
}

func (f *fakeIndex) UpsertGeneric(ctx context.Context, nsid, uri, authorDID string, record map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genericCalls = append(f.genericCalls, nsid)
	return nil
}

func (f *fakeIndex) CreateNotification(ctx context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeIndex) MentionedDIDs(record map[string]interface{}) []string {
	return nil
}

func newTestProcessor(idx Indexer) *Processor {
	return &Processor{
		cfg:     DefaultConfig(),
		schema:  schema.New(),
		pending: pending.New(pending.DefaultConfig()),
		index:   idx,
		log:     common.ComponentLogger("processor"),
		ctx:     context.Background(),
	}
}

func TestHandlePostUpsertsAndFlushesPending(t *testing.T) {
	idx := newFakeIndex()
	p := newTestProcessor(idx)

	postURI := "at://did:plc:author/app.bsky.feed.post/1"
	p.pending.Enqueue(pending.Op{URI: "at://did:plc:liker/app.bsky.feed.like/1", ParentURI: postURI, Kind: "like", EnqueuedAt: time.Now()})

	err := p.handlePost(postURI, "did:plc:author", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)

	assert.Equal(t, "did:plc:author", idx.posts[postURI])
	assert.Equal(t, 0, p.pending.Stats().Size)
}

func TestHandleDeletePostCancelsPendingChildren(t *testing.T) {
	idx := newFakeIndex()
	p := newTestProcessor(idx)

	postURI := "at://did:plc:author/app.bsky.feed.post/1"
	idx.posts[postURI] = "did:plc:author"
	p.pending.Enqueue(pending.Op{URI: "at://did:plc:liker/app.bsky.feed.like/1", ParentURI: postURI, EnqueuedAt: time.Now()})

	err := p.handleDelete(postURI, "app.bsky.feed.post")
	require.NoError(t, err)

	assert.Equal(t, 0, p.pending.Stats().Size)
	_, stillThere := idx.posts[postURI]
	assert.False(t, stillThere)
}

func TestHandleLikeBuffersOnForeignKeyViolation(t *testing.T) {
	idx := newFakeIndex()
	idx.nextLikeErr = fkViolation()
	p := newTestProcessor(idx)

	err := p.handleLikeOrRepost("at://did:plc:liker/app.bsky.feed.like/1", "did:plc:liker",
		map[string]interface{}{"subject": map[string]interface{}{"uri": "at://did:plc:author/app.bsky.feed.post/1"}}, true)

	require.NoError(t, err) // buffered, not surfaced as a processing failure
	assert.Equal(t, 1, p.pending.Stats().Size)
}

func TestHandleFollowNotifiesTarget(t *testing.T) {
	idx := newFakeIndex()
	p := newTestProcessor(idx)

	err := p.handleFollow("at://did:plc:a/app.bsky.graph.follow/1", "did:plc:a", map[string]interface{}{"subject": "did:plc:b"})
	require.NoError(t, err)

	require.Len(t, idx.notifications, 1)
	assert.Equal(t, "did:plc:b", idx.notifications[0].RecipientDID)
	assert.Equal(t, "follow", idx.notifications[0].Reason)
}

func TestHandleListItemBuffersUntilListExists(t *testing.T) {
	idx := newFakeIndex()
	p := newTestProcessor(idx)

	listURI := "at://did:plc:a/app.bsky.graph.list/1"
	itemURI := "at://did:plc:a/app.bsky.graph.listitem/1"

	err := p.handleListItem(itemURI, map[string]interface{}{"list": listURI, "subject": "did:plc:b"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.pending.Stats().Size)

	err = p.handleList(listURI, "did:plc:a", map[string]interface{}{"name": "my list"})
	require.NoError(t, err)

	for _, op := range p.pending.Flush(listURI) {
		require.NoError(t, p.retryPendingOp(op))
	}
	assert.True(t, idx.listItems[itemURI])
}

func TestDispatchSkipsInvalidRecords(t *testing.T) {
	idx := newFakeIndex()
	p := newTestProcessor(idx)

	op := repoops.Op{Action: "create", Collection: "app.bsky.feed.post", Record: map[string]interface{}{}}
	err := p.dispatch("did:plc:a", "at://did:plc:a/app.bsky.feed.post/1", op)
	require.NoError(t, err)
	assert.Empty(t, idx.posts) // missing required "text" field, dropped as invalid
}

func TestDispatchFallsBackToGenericForUnknownHandledType(t *testing.T) {
	idx := newFakeIndex()
	p := newTestProcessor(idx)
	p.schema.Register(schema.RecordType{NSID: "app.bsky.feed.threadgate"})

	op := repoops.Op{Action: "create", Collection: "app.bsky.feed.threadgate", Record: map[string]interface{}{}}
	err := p.dispatch("did:plc:a", "at://did:plc:a/app.bsky.feed.threadgate/1", op)
	require.NoError(t, err)
	assert.Contains(t, idx.genericCalls, "app.bsky.feed.threadgate")
}
