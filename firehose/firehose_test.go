package firehose

import (
	"bytes"
	"testing"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	cbg "github.com/whyrusleeping/cbor-gen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestFrame(t *testing.T, msgType string, body cbg.CBORMarshaler) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: msgType}
	require.NoError(t, header.MarshalCBOR(w))
	require.NoError(t, body.MarshalCBOR(w))
	return buf.Bytes()
}

func TestDecodeCommitFrame(t *testing.T) {
	c := &Consumer{}

	commit := &atproto.SyncSubscribeRepos_Commit{Seq: 42, Repo: "did:plc:abc123"}
	frame := encodeTestFrame(t, "#commit", commit)

	ev, err := c.decodeFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "commit", ev.Kind)
	assert.Equal(t, int64(42), ev.Seq)
	assert.Equal(t, "did:plc:abc123", ev.Repo)
}

func TestDecodeIdentityFrame(t *testing.T) {
	c := &Consumer{}

	id := &atproto.SyncSubscribeRepos_Identity{Seq: 7, Did: "did:plc:xyz"}
	frame := encodeTestFrame(t, "#identity", id)

	ev, err := c.decodeFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "identity", ev.Kind)
	assert.Equal(t, "did:plc:xyz", ev.Repo)
}

func TestDecodeUnknownFrameTypeIsIgnored(t *testing.T) {
	c := &Consumer{}

	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: "#info"}
	var buf bytes.Buffer
	require.NoError(t, header.MarshalCBOR(cbg.NewCborWriter(&buf)))

	ev, err := c.decodeFrame(buf.Bytes())
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestLastSeqTracksHighestSequence(t *testing.T) {
	c := &Consumer{}

	commit := &atproto.SyncSubscribeRepos_Commit{Seq: 10, Repo: "did:plc:abc"}
	_, err := c.decodeFrame(encodeTestFrame(t, "#commit", commit))
	require.NoError(t, err)

	older := &atproto.SyncSubscribeRepos_Commit{Seq: 3, Repo: "did:plc:abc"}
	_, err = c.decodeFrame(encodeTestFrame(t, "#commit", older))
	require.NoError(t, err)

	assert.Equal(t, int64(10), c.lastSeq)
}
