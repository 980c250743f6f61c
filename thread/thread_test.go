package thread

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory stand-in for the index store's read
// surface, letting the walk/gate/filter logic be exercised without a
// database.
type fakeSource struct {
	posts       map[string]*Post
	children    map[string][]*Post // parentURI -> direct replies
	gates       map[string]*Gate
	mentions    map[string][]string
	following   map[string]map[string]bool
	listMembers map[string]map[string]bool
	blocked     map[[2]string]bool
	labels      map[string][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		posts:       make(map[string]*Post),
		children:    make(map[string][]*Post),
		gates:       make(map[string]*Gate),
		mentions:    make(map[string][]string),
		following:   make(map[string]map[string]bool),
		listMembers: make(map[string]map[string]bool),
		blocked:     make(map[[2]string]bool),
		labels:      make(map[string][]string),
	}
}

func (f *fakeSource) addPost(p *Post) {
	f.posts[p.URI] = p
	if p.ReplyParentURI != "" {
		f.children[p.ReplyParentURI] = append(f.children[p.ReplyParentURI], p)
	}
}

func (f *fakeSource) GetPost(ctx context.Context, uri string) (*Post, bool, error) {
	p, ok := f.posts[uri]
	return p, ok, nil
}

func (f *fakeSource) Replies(ctx context.Context, parentURI string) ([]*Post, error) {
	return f.children[parentURI], nil
}

func (f *fakeSource) ReplyGate(ctx context.Context, rootURI string) (*Gate, bool, error) {
	g, ok := f.gates[rootURI]
	return g, ok, nil
}

func (f *fakeSource) MentionedDIDsForPost(ctx context.Context, postURI string) ([]string, error) {
	return f.mentions[postURI], nil
}

func (f *fakeSource) Following(ctx context.Context, did string) (map[string]bool, error) {
	return f.following[did], nil
}

func (f *fakeSource) ListMembers(ctx context.Context, listURI string) (map[string]bool, error) {
	return f.listMembers[listURI], nil
}

func (f *fakeSource) IsBlocked(ctx context.Context, viewerDID, authorDID string) (bool, error) {
	return f.blocked[[2]string{viewerDID, authorDID}] || f.blocked[[2]string{authorDID, viewerDID}], nil
}

func (f *fakeSource) EffectiveLabels(ctx context.Context, subjectURI string) ([]string, error) {
	return f.labels[subjectURI], nil
}

func TestAssembleWalksAncestorsToRoot(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root"})
	src.addPost(&Post{URI: "at://a/mid", ReplyParentURI: "at://a/root"})
	src.addPost(&Post{URI: "at://a/anchor", ReplyParentURI: "at://a/mid"})

	asm := New(src, DefaultConfig())
	th, err := asm.Assemble(context.Background(), "at://a/anchor", "", nil)
	require.NoError(t, err)

	assert.Equal(t, "at://a/root", th.Root.URI)
	require.Len(t, th.Ancestors, 2)
	assert.Equal(t, "at://a/root", th.Ancestors[0].URI)
	assert.Equal(t, "at://a/mid", th.Ancestors[1].URI)
	assert.Equal(t, "at://a/anchor", th.Anchor.Post.URI)
}

func TestAssembleWithoutGateAcceptsAllReplies(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root", AuthorDID: "did:root"})
	src.addPost(&Post{URI: "at://a/r1", AuthorDID: "did:stranger", ReplyParentURI: "at://a/root"})

	asm := New(src, DefaultConfig())
	th, err := asm.Assemble(context.Background(), "at://a/root", "", nil)
	require.NoError(t, err)
	require.Len(t, th.Anchor.Children, 1)
	assert.Equal(t, "at://a/r1", th.Anchor.Children[0].Post.URI)
}

func TestAssembleGateRejectsUnauthorizedReplyAndItsSubtree(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root", AuthorDID: "did:root"})
	src.addPost(&Post{URI: "at://a/allowed", AuthorDID: "did:mentioned", ReplyParentURI: "at://a/root"})
	src.addPost(&Post{URI: "at://a/denied", AuthorDID: "did:stranger", ReplyParentURI: "at://a/root"})
	src.addPost(&Post{URI: "at://a/denied-child", AuthorDID: "did:mentioned", ReplyParentURI: "at://a/denied"})

	src.gates["at://a/root"] = &Gate{AllowMentioned: true}
	src.mentions["at://a/root"] = []string{"did:mentioned"}

	asm := New(src, DefaultConfig())
	th, err := asm.Assemble(context.Background(), "at://a/root", "", nil)
	require.NoError(t, err)

	require.Len(t, th.Anchor.Children, 1)
	assert.Equal(t, "at://a/allowed", th.Anchor.Children[0].Post.URI)
}

func TestAssembleFollowingGateUsesRootAuthorFollowSet(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root", AuthorDID: "did:root"})
	src.addPost(&Post{URI: "at://a/r1", AuthorDID: "did:friend", ReplyParentURI: "at://a/root"})
	src.gates["at://a/root"] = &Gate{AllowFollowing: true}
	src.following["did:root"] = map[string]bool{"did:friend": true}

	asm := New(src, DefaultConfig())
	th, err := asm.Assemble(context.Background(), "at://a/root", "", nil)
	require.NoError(t, err)
	require.Len(t, th.Anchor.Children, 1)
}

func TestAssembleListGateUsesUnionOfAllowedLists(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root", AuthorDID: "did:root"})
	src.addPost(&Post{URI: "at://a/r1", AuthorDID: "did:member", ReplyParentURI: "at://a/root"})
	src.gates["at://a/root"] = &Gate{AllowListURIs: []string{"at://a/list1"}}
	src.listMembers["at://a/list1"] = map[string]bool{"did:member": true}

	asm := New(src, DefaultConfig())
	th, err := asm.Assemble(context.Background(), "at://a/root", "", nil)
	require.NoError(t, err)
	require.Len(t, th.Anchor.Children, 1)
}

func TestAssembleViewerFilterHidesBlockedAuthor(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root", AuthorDID: "did:root"})
	src.addPost(&Post{URI: "at://a/r1", AuthorDID: "did:blocked", ReplyParentURI: "at://a/root"})
	src.blocked[[2]string{"did:viewer", "did:blocked"}] = true

	asm := New(src, DefaultConfig())
	th, err := asm.Assemble(context.Background(), "at://a/root", "did:viewer", nil)
	require.NoError(t, err)
	assert.Empty(t, th.Anchor.Children)
}

func TestAssembleViewerFilterHidesLabeledPost(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root", AuthorDID: "did:root"})
	src.addPost(&Post{URI: "at://a/r1", AuthorDID: "did:someone", ReplyParentURI: "at://a/root"})
	src.labels["at://a/r1"] = []string{"spam"}

	asm := New(src, DefaultConfig())
	th, err := asm.Assemble(context.Background(), "at://a/root", "did:viewer", map[string]bool{"spam": true})
	require.NoError(t, err)
	assert.Empty(t, th.Anchor.Children)
}

func TestAssembleDescendantDepthIsBounded(t *testing.T) {
	src := newFakeSource()
	src.addPost(&Post{URI: "at://a/root", AuthorDID: "did:root"})
	parent := "at://a/root"
	for i := 0; i < 10; i++ {
		uri := "at://a/n" + string(rune('0'+i))
		src.addPost(&Post{URI: uri, AuthorDID: "did:root", ReplyParentURI: parent})
		parent = uri
	}

	asm := New(src, Config{MaxAncestorDepth: 80, MaxDescendantDepth: 3})
	th, err := asm.Assemble(context.Background(), "at://a/root", "", nil)
	require.NoError(t, err)

	depth := 0
	node := th.Anchor
	for len(node.Children) > 0 {
		node = node.Children[0]
		depth++
	}
	assert.Equal(t, 3, depth)
}

func TestAssembleAnchorNotFound(t *testing.T) {
	src := newFakeSource()
	asm := New(src, DefaultConfig())
	_, err := asm.Assemble(context.Background(), "at://a/missing", "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
