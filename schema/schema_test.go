package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKnownType(t *testing.T) {
	r := New()

	kind := r.Validate("at://did:plc:abc/app.bsky.feed.post/1", "app.bsky.feed.post", map[string]interface{}{
		"text":      "hello",
		"createdAt": "2026-01-01T00:00:00Z",
	})
	assert.Equal(t, KindValid, kind)

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Valid)
	assert.Equal(t, uint64(0), stats.Invalid)
}

func TestValidateUnknownTypeIsNotAnError(t *testing.T) {
	r := New()

	kind := r.Validate("at://did:plc:abc/com.example.whatever/1", "com.example.whatever", map[string]interface{}{})
	assert.Equal(t, KindUnknown, kind)
	assert.Equal(t, uint64(1), r.Stats().Unknown)
}

func TestValidateMissingRequiredField(t *testing.T) {
	r := New()

	kind := r.Validate("at://did:plc:abc/app.bsky.feed.like/1", "app.bsky.feed.like", map[string]interface{}{
		"createdAt": "2026-01-01T00:00:00Z",
	})
	assert.Equal(t, KindInvalid, kind)

	errs := r.RecentErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err, "subject")
}

func TestPostReplyRefsMustTravelTogether(t *testing.T) {
	r := New()

	kind := r.Validate("at://did:plc:abc/app.bsky.feed.post/2", "app.bsky.feed.post", map[string]interface{}{
		"text":      "reply",
		"createdAt": "2026-01-01T00:00:00Z",
		"reply": map[string]interface{}{
			"parent": map[string]interface{}{"uri": "at://did:plc:abc/app.bsky.feed.post/1"},
		},
	})
	assert.Equal(t, KindInvalid, kind)
}

func TestErrorRingBounded(t *testing.T) {
	r := New()
	r.errRingCap = 3

	for i := 0; i < 10; i++ {
		r.Validate("at://did:plc:abc/app.bsky.feed.like/x", "app.bsky.feed.like", map[string]interface{}{})
	}

	errs := r.RecentErrors()
	assert.Len(t, errs, 3)
}

func TestRegisterAddsNewType(t *testing.T) {
	r := New()
	assert.False(t, r.Known("com.example.custom"))

	r.Register(RecordType{NSID: "com.example.custom", Required: []string{"foo"}})
	assert.True(t, r.Known("com.example.custom"))

	kind := r.Validate("at://did:plc:abc/com.example.custom/1", "com.example.custom", map[string]interface{}{"foo": "bar"})
	assert.Equal(t, KindValid, kind)
}
