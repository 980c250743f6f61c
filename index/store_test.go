package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReplyRefsExtractsBothURIs(t *testing.T) {
	record := map[string]interface{}{
		"reply": map[string]interface{}{
			"root":   map[string]interface{}{"uri": "at://did:plc:a/app.bsky.feed.post/root"},
			"parent": map[string]interface{}{"uri": "at://did:plc:a/app.bsky.feed.post/parent"},
		},
	}
	root, parent := replyRefs(record)
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.post/root", root)
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.post/parent", parent)
}

func TestReplyRefsEmptyWhenNotAReply(t *testing.T) {
	root, parent := replyRefs(map[string]interface{}{"text": "hi"})
	assert.Empty(t, root)
	assert.Empty(t, parent)
}

func TestParseCreatedAtValidRFC3339(t *testing.T) {
	record := map[string]interface{}{"createdAt": "2024-01-15T10:30:00Z"}
	got := parseCreatedAt(record)
	require := assert.New(t)
	require.NotNil(got)
	require.True(got.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)))
}

func TestParseCreatedAtMissingOrInvalid(t *testing.T) {
	assert.Nil(t, parseCreatedAt(map[string]interface{}{}))
	assert.Nil(t, parseCreatedAt(map[string]interface{}{"createdAt": "not-a-date"}))
}

func TestStringSliceFiltersNonStrings(t *testing.T) {
	out := stringSlice([]interface{}{"en", "fr", 5, true})
	assert.Equal(t, []string{"en", "fr"}, out)
}

func TestMentionedDIDsReadsMentionFacets(t *testing.T) {
	s := &Store{}
	record := map[string]interface{}{
		"text": "hey @alice and @bob",
		"facets": []interface{}{
			map[string]interface{}{
				"index": map[string]interface{}{"byteStart": 4, "byteEnd": 10},
				"features": []interface{}{
					map[string]interface{}{"$type": "app.bsky.richtext.facet#mention", "did": "did:plc:alice"},
				},
			},
			map[string]interface{}{
				"features": []interface{}{
					map[string]interface{}{"$type": "app.bsky.richtext.facet#link", "uri": "https://example.com"},
				},
			},
		},
	}

	got := s.MentionedDIDs(record)
	assert.Equal(t, []string{"did:plc:alice"}, got)
}

func TestMentionedDIDsNoFacets(t *testing.T) {
	s := &Store{}
	assert.Empty(t, s.MentionedDIDs(map[string]interface{}{"text": "no mentions here"}))
}
