// Package thread assembles a thread view around a post (component I):
// an ancestor walk to the root, reply-gate-filtered descendant walk, and
// an optional viewer-specific block/label filter over the result.
package thread

import (
	"context"
	"sync/atomic"

	"atview.dev/cache"
	"atview.dev/common"
)

// Default walk depths per §4.I.
const (
	DefaultMaxAncestorDepth   = 80
	DefaultMaxDescendantDepth = 6
)

// Post is the shape the assembler needs of a post row, independent of
// how the index store happens to model one.
type Post struct {
	URI            string
	AuthorDID      string
	ReplyRootURI   string
	ReplyParentURI string

	// Engagement counts, fronted by component H's post-aggregate cache
	// at the DataSource implementation (see index.ThreadSource); the
	// assembler itself never reads or writes them.
	LikeCount   int64
	RepostCount int64
	ReplyCount  int64
}

// Gate is the shape the assembler needs of a reply_gates row.
type Gate struct {
	AllowMentioned bool
	AllowFollowing bool
	AllowListURIs  []string
}

// DataSource is the narrow read surface the assembler needs from the
// index store. Defined here, in the consumer package, the same way
// processor.Indexer is defined next to the commit processor rather than
// next to its implementation.
type DataSource interface {
	GetPost(ctx context.Context, uri string) (*Post, bool, error)
	Replies(ctx context.Context, parentURI string) ([]*Post, error)
	ReplyGate(ctx context.Context, rootURI string) (*Gate, bool, error)
	MentionedDIDsForPost(ctx context.Context, postURI string) ([]string, error)
	Following(ctx context.Context, did string) (map[string]bool, error)
	ListMembers(ctx context.Context, listURI string) (map[string]bool, error)
	IsBlocked(ctx context.Context, viewerDID, authorDID string) (bool, error)
	EffectiveLabels(ctx context.Context, subjectURI string) ([]string, error)
}

// Config controls walk depths; the viewer's label hide-set is passed to
// Assemble.
type Config struct {
	MaxAncestorDepth   int
	MaxDescendantDepth int
}

func DefaultConfig() Config {
	return Config{
		MaxAncestorDepth:   DefaultMaxAncestorDepth,
		MaxDescendantDepth: DefaultMaxDescendantDepth,
	}
}

// Node is one assembled thread entry.
type Node struct {
	Post     *Post
	Children []*Node
}

// Thread is the assembled result: the ancestor chain from root to the
// node just above the anchor, and the anchor's subtree.
type Thread struct {
	Root      *Post
	Ancestors []*Post // root..anchor's direct parent, root first
	Anchor    *Node
}

type Assembler struct {
	cfg   Config
	src   DataSource
	cache *cache.Cache
	log   *common.ContextLogger

	gateRejections uint64
}

// Stats is a point-in-time snapshot of the assembler's running counters,
// drained into Prometheus by metrics.Flusher the same way pending.Buffer
// and schema.Registry are.
type Stats struct {
	GateRejections uint64
}

func (a *Assembler) Stats() Stats {
	return Stats{GateRejections: atomic.LoadUint64(&a.gateRejections)}
}

func New(src DataSource, cfg Config) *Assembler {
	return &Assembler{cfg: cfg, src: src, log: common.ComponentLogger("thread")}
}

// UseCache fronts the assembler's label, list-member, and block lookups
// with component H, the §2 "H sits in front of G for hot reads; I
// composes reads from G+H" wiring. Nil is safe and leaves every read
// going straight to the index store, same as before UseCache is called.
func (a *Assembler) UseCache(c *cache.Cache) *Assembler {
	a.cache = c
	return a
}

// Assemble builds the thread around anchorURI. If viewerDID is non-empty,
// descendants authored by someone the viewer blocks, or bearing an
// effective label in hideLabels, are removed from the result.
//
// The viewer-independent shape (ancestors plus the gate-filtered anchor
// subtree) is cached under component H's thread-context key for
// anonymous callers; a viewer-specific request always recomputes the
// shared shape fresh, then prunes it, since the viewer's block/label
// filter isn't part of what that key names.
func (a *Assembler) Assemble(ctx context.Context, anchorURI, viewerDID string, hideLabels map[string]bool) (*Thread, error) {
	if viewerDID == "" && a.cache != nil {
		var cached Thread
		if a.cache.Get(ctx, cache.ThreadContextKey(anchorURI), &cached) {
			return &cached, nil
		}
	}

	anchor, ok, err := a.src.GetPost(ctx, anchorURI)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	ancestors, root, err := a.walkAncestors(ctx, anchor)
	if err != nil {
		return nil, err
	}

	gate, gateSets, err := a.loadGate(ctx, root)
	if err != nil {
		return nil, err
	}

	anchorNode := &Node{Post: anchor}
	if err := a.walkDescendants(ctx, anchorNode, root.AuthorDID, gate, gateSets, 0); err != nil {
		return nil, err
	}

	result := &Thread{Root: root, Ancestors: ancestors, Anchor: anchorNode}

	if viewerDID != "" {
		if err := a.filterForViewer(ctx, anchorNode, viewerDID, hideLabels); err != nil {
			return nil, err
		}
		return result, nil
	}

	if a.cache != nil {
		a.cache.Set(ctx, cache.ThreadContextKey(anchorURI), result, cache.TTLThreadContext)
	}
	return result, nil
}

// walkAncestors follows ReplyParentURI up to the root or
// MaxAncestorDepth, returning the chain root-first (excluding anchor
// itself) and the root post.
func (a *Assembler) walkAncestors(ctx context.Context, anchor *Post) ([]*Post, *Post, error) {
	var chain []*Post
	cur := anchor
	for depth := 0; cur.ReplyParentURI != "" && depth < a.cfg.MaxAncestorDepth; depth++ {
		parent, ok, err := a.src.GetPost(ctx, cur.ReplyParentURI)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	// chain is currently anchor's-parent..root; reverse to root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	root := anchor
	if len(chain) > 0 {
		root = chain[0]
	}
	return chain, root, nil
}

// gateSets holds the allow-sets §4.I step 2 says to pre-load, each only
// populated when the gate actually enables it.
type gateSets struct {
	mentioned   map[string]bool
	following   map[string]bool
	listMembers map[string]bool
}

func (a *Assembler) loadGate(ctx context.Context, root *Post) (*Gate, *gateSets, error) {
	gate, ok, err := a.src.ReplyGate(ctx, root.URI)
	if err != nil || !ok {
		return nil, nil, err
	}

	sets := &gateSets{}
	if gate.AllowMentioned {
		dids, err := a.src.MentionedDIDsForPost(ctx, root.URI)
		if err != nil {
			return nil, nil, err
		}
		sets.mentioned = toSet(dids)
	}
	if gate.AllowFollowing {
		following, err := a.src.Following(ctx, root.AuthorDID)
		if err != nil {
			return nil, nil, err
		}
		sets.following = following
	}
	if len(gate.AllowListURIs) > 0 {
		sets.listMembers = make(map[string]bool)
		for _, listURI := range gate.AllowListURIs {
			members, err := a.listMembers(ctx, listURI)
			if err != nil {
				return nil, nil, err
			}
			for did := range members {
				sets.listMembers[did] = true
			}
		}
	}
	return gate, sets, nil
}

// listMembers reads a list's membership through component H's named
// cache before falling back to the index store.
func (a *Assembler) listMembers(ctx context.Context, listURI string) (map[string]bool, error) {
	key := cache.ListMembersKey(listURI)
	if a.cache != nil {
		var cached map[string]bool
		if a.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}
	members, err := a.src.ListMembers(ctx, listURI)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.Set(ctx, key, members, cache.TTLListMembers)
	}
	return members, nil
}

// walkDescendants expands replies depth-first by recursion, rejecting
// subtrees monotonically: a reply that fails the gate check is never
// expanded. The walk is not breadth-first; the assembled tree does not
// depend on the visiting order.
func (a *Assembler) walkDescendants(ctx context.Context, node *Node, rootAuthorDID string, gate *Gate, sets *gateSets, depth int) error {
	if depth >= a.cfg.MaxDescendantDepth {
		return nil
	}
	children, err := a.src.Replies(ctx, node.Post.URI)
	if err != nil {
		return err
	}
	for _, child := range children {
		if !accepts(gate, sets, rootAuthorDID, child.AuthorDID) {
			atomic.AddUint64(&a.gateRejections, 1)
			continue
		}
		childNode := &Node{Post: child}
		node.Children = append(node.Children, childNode)
		if err := a.walkDescendants(ctx, childNode, rootAuthorDID, gate, sets, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// accepts implements §4.I step 3's acceptance rule. A nil gate means no
// reply gate is attached to the root, so every reply is accepted.
func accepts(gate *Gate, sets *gateSets, rootAuthorDID, authorDID string) bool {
	if authorDID == rootAuthorDID {
		return true
	}
	if gate == nil {
		return true
	}
	if gate.AllowMentioned && sets.mentioned[authorDID] {
		return true
	}
	if gate.AllowFollowing && sets.following[authorDID] {
		return true
	}
	if len(gate.AllowListURIs) > 0 && sets.listMembers[authorDID] {
		return true
	}
	return false
}

// filterForViewer removes nodes whose author the viewer blocks (mutes
// are out of scope, see index.IsBlocked) or that bear a label in
// hideLabels, pruning whole subtrees to match the gate's monotonic
// rejection rule.
func (a *Assembler) filterForViewer(ctx context.Context, node *Node, viewerDID string, hideLabels map[string]bool) error {
	var kept []*Node
	for _, child := range node.Children {
		hide, err := a.shouldHide(ctx, viewerDID, child.Post, hideLabels)
		if err != nil {
			return err
		}
		if hide {
			continue
		}
		if err := a.filterForViewer(ctx, child, viewerDID, hideLabels); err != nil {
			return err
		}
		kept = append(kept, child)
	}
	node.Children = kept
	return nil
}

func (a *Assembler) shouldHide(ctx context.Context, viewerDID string, post *Post, hideLabels map[string]bool) (bool, error) {
	blocked, err := a.isBlocked(ctx, viewerDID, post.AuthorDID, post.URI)
	if err != nil {
		return false, err
	}
	if blocked {
		return true, nil
	}
	if len(hideLabels) == 0 {
		return false, nil
	}
	labels, err := a.effectiveLabels(ctx, post.URI)
	if err != nil {
		return false, err
	}
	for _, label := range labels {
		if hideLabels[label] {
			return true, nil
		}
	}
	return false, nil
}

// isBlocked reads the viewer/post block relationship through component
// H's per-(viewer,post) viewer-state cache before falling back to G.
func (a *Assembler) isBlocked(ctx context.Context, viewerDID, authorDID, postURI string) (bool, error) {
	key := cache.ViewerStateKey(viewerDID, postURI)
	if a.cache != nil {
		var cached bool
		if a.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}
	blocked, err := a.src.IsBlocked(ctx, viewerDID, authorDID)
	if err != nil {
		return false, err
	}
	if a.cache != nil {
		a.cache.Set(ctx, key, blocked, cache.TTLViewerState)
	}
	return blocked, nil
}

// effectiveLabels reads a subject's negation-replayed label set through
// component H's labels cache before falling back to G.
func (a *Assembler) effectiveLabels(ctx context.Context, subjectURI string) ([]string, error) {
	key := cache.LabelsKey(subjectURI)
	if a.cache != nil {
		var cached []string
		if a.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}
	labels, err := a.src.EffectiveLabels(ctx, subjectURI)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.Set(ctx, key, labels, cache.TTLLabels)
	}
	return labels, nil
}

func toSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}
