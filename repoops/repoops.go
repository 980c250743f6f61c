// Package repoops decodes the repository operations embedded in a firehose
// commit event: the MST block CAR attached to the commit, and the
// create/update/delete op list referencing blocks by CID.
package repoops

import (
	"bytes"
	"fmt"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/fxamacker/cbor/v2"
	carv1 "github.com/ipld/go-car"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Op is one decoded repository operation: a create, update, or delete of a
// record at collection/rkey, with its decoded body when not a delete.
type Op struct {
	Action     string // "create", "update", "delete"
	Collection string
	RKey       string
	Path       string // collection/rkey, as it appears on the wire
	CID        string
	Record     map[string]interface{} // nil for delete
}

// DecodeCommit parses a re-marshaled commit payload (as produced by
// firehose.Consumer) into the repo DID and its ordered list of ops.
func DecodeCommit(payload []byte) (repoDID string, ops []Op, err error) {
	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(cbg.NewCborReader(bytes.NewReader(payload))); err != nil {
		return "", nil, fmt.Errorf("decode commit: %w", err)
	}

	blocks, err := readBlocks(commit.Blocks)
	if err != nil {
		return "", nil, fmt.Errorf("read commit blocks: %w", err)
	}

	out := make([]Op, 0, len(commit.Ops))
	for _, rawOp := range commit.Ops {
		if rawOp == nil {
			continue
		}
		collection, rkey := SplitPath(rawOp.Path)
		op := Op{
			Action:     rawOp.Action,
			Collection: collection,
			RKey:       rkey,
			Path:       rawOp.Path,
		}

		if rawOp.Action != "delete" && rawOp.Cid != nil {
			op.CID = rawOp.Cid.String()
			if body, ok := blocks[op.CID]; ok {
				record, decodeErr := decodeRecord(body)
				if decodeErr != nil {
					return "", nil, fmt.Errorf("decode record at %s: %w", rawOp.Path, decodeErr)
				}
				op.Record = record
			}
		}

		out = append(out, op)
	}

	return commit.Repo, out, nil
}

// readBlocks parses a CAR archive of MST/record blocks into a CID-string
// keyed map of raw DAG-CBOR bytes.
func readBlocks(carBytes []byte) (map[string][]byte, error) {
	if len(carBytes) == 0 {
		return map[string][]byte{}, nil
	}

	reader, err := carv1.NewBlockReader(bytes.NewReader(carBytes))
	if err != nil {
		return nil, fmt.Errorf("open block reader: %w", err)
	}

	out := make(map[string][]byte)
	for {
		blk, err := reader.Next()
		if err != nil {
			break // io.EOF or end of archive
		}
		out[blk.Cid().String()] = blk.RawData()
	}
	return out, nil
}

// decodeRecord decodes a DAG-CBOR record block into a generic field map for
// schema validation and dispatch. Nested CID links surface as their string
// form rather than typed link objects, which is sufficient for the fields
// this core reads (subject URIs, reply refs, list refs).
func decodeRecord(body []byte) (map[string]interface{}, error) {
	var record map[string]interface{}
	if err := cbor.Unmarshal(body, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// SplitPath splits a repo record path ("collection/rkey") into its two
// parts, used by both the live commit decode and the backfill reader.
func SplitPath(path string) (collection, rkey string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
