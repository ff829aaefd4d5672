package models

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func mustEncodeRaw(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return raw
}

func mustMarshalIndexed(t *testing.T, c *IndexedChange) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(c)
	require.NoError(t, err)
	return raw
}

func TestEncodeDecode_Declare(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, WriterKeyLength)
	raw, err := EncodeOp(Declare{IndexKey: key, Timestamp: 1700000000000})
	require.NoError(t, err)

	op, err := DecodeOp(raw)
	require.NoError(t, err)

	decl, ok := op.(Declare)
	require.True(t, ok)
	assert.Equal(t, key, decl.IndexKey)
	assert.Equal(t, int64(1700000000000), decl.Timestamp)
}

func TestEncodeDecode_ChangeDetails(t *testing.T) {
	name := "alice"
	admin := true
	key := bytes.Repeat([]byte{0x01}, WriterKeyLength)

	tests := []struct {
		name    string
		details Details
	}{
		{
			name: "put",
			details: Put{
				Path:    "/docs/readme.md",
				BlobID:  "blake2b-abc",
				Bytes:   42,
				Chunks:  1,
				NoMerge: true,
			},
		},
		{
			name:    "copy",
			details: Copy{Path: "/docs/copy.md", BlobID: "blake2b-abc", Bytes: 42},
		},
		{
			name:    "delete",
			details: Delete{Path: "/docs/readme.md"},
		},
		{
			name:    "put writer",
			details: PutWriter{Key: key, Name: &name, Admin: &admin},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Change{
				ID:        "change-1",
				Parents:   []string{"parent-1", "parent-2"},
				Timestamp: 123456,
				Details:   tt.details,
			}
			raw, err := EncodeOp(in)
			require.NoError(t, err)

			op, err := DecodeOp(raw)
			require.NoError(t, err)

			out, ok := op.(Change)
			require.True(t, ok)
			assert.Equal(t, in.ID, out.ID)
			assert.Equal(t, in.Parents, out.Parents)
			assert.Equal(t, in.Timestamp, out.Timestamp)
			assert.Equal(t, tt.details, out.Details)
		})
	}
}

func TestDecodeOp_NilParentsNormalized(t *testing.T) {
	raw, err := EncodeOp(Change{
		ID:        "change-1",
		Timestamp: 1,
		Details:   Delete{Path: "/a"},
	})
	require.NoError(t, err)

	op, err := DecodeOp(raw)
	require.NoError(t, err)

	ch := op.(Change)
	require.NotNil(t, ch.Parents)
	assert.Empty(t, ch.Parents)
}

func TestEncodeDecode_PutWriterFieldPresence(t *testing.T) {
	// Отсутствие поля и false это разные вещи
	frozen := false
	key := bytes.Repeat([]byte{0x02}, WriterKeyLength)

	raw, err := EncodeOp(Change{
		ID:        "change-1",
		Timestamp: 1,
		Details:   PutWriter{Key: key, Frozen: &frozen},
	})
	require.NoError(t, err)

	op, err := DecodeOp(raw)
	require.NoError(t, err)

	pw := op.(Change).Details.(PutWriter)
	assert.Nil(t, pw.Name)
	assert.Nil(t, pw.Admin)
	require.NotNil(t, pw.Frozen)
	assert.False(t, *pw.Frozen)
}

func TestEncodeDecode_BlobChunk(t *testing.T) {
	in := BlobChunk{BlobID: "blake2b-abc", Chunk: 3, Value: []byte("payload")}
	raw, err := EncodeOp(in)
	require.NoError(t, err)

	op, err := DecodeOp(raw)
	require.NoError(t, err)
	assert.Equal(t, in, op.(BlobChunk))
}

func TestDecodeOp_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{
			name: "not msgpack",
			raw:  []byte{0xc1},
			want: ErrInvalidEncoding,
		},
		{
			name: "unknown opcode",
			raw:  mustEncodeRaw(t, map[string]any{"op": 99}),
			want: ErrInvalidOperation,
		},
		{
			name: "change without id",
			raw: mustEncodeRaw(t, map[string]any{
				"op": OpChange,
				"ts": 1,
				"details": map[string]any{
					"action": ActDelete,
					"path":   "/a",
				},
			}),
			want: ErrInvalidOperation,
		},
		{
			name: "details with unknown action",
			raw: mustEncodeRaw(t, map[string]any{
				"op": OpChange,
				"id": "x",
				"ts": 1,
				"details": map[string]any{
					"action": 42,
				},
			}),
			want: ErrInvalidOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOp(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateOp_Rejects(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{name: "declare without index key", op: Declare{Timestamp: 1}},
		{name: "change without details", op: Change{ID: "x", Timestamp: 1}},
		{name: "put without blob", op: Change{ID: "x", Timestamp: 1, Details: Put{Path: "/a"}}},
		{name: "delete without path", op: Change{ID: "x", Timestamp: 1, Details: Delete{}}},
		{
			name: "put writer with short key",
			op:   Change{ID: "x", Timestamp: 1, Details: PutWriter{Key: []byte{1, 2, 3}}},
		},
		{name: "blob chunk without blob id", op: BlobChunk{Chunk: 0, Value: []byte("v")}},
		{name: "blob chunk with negative index", op: BlobChunk{BlobID: "b", Chunk: -1, Value: []byte("v")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOp(tt.op)
			assert.ErrorIs(t, err, ErrInvalidOperation)

			_, err = EncodeOp(tt.op)
			assert.Error(t, err)
		})
	}
}

func TestIndexedChange_RoundTrip(t *testing.T) {
	in := IndexedChange{
		ID:        "change-1",
		Parents:   []string{"p1"},
		Writer:    bytes.Repeat([]byte{0x07}, WriterKeyLength),
		Timestamp: 99,
		Details:   Put{Path: "/a", BlobID: "blake2b-1", Bytes: 10, Chunks: 1},
	}
	raw := mustMarshalIndexed(t, &in)

	out, err := DecodeIndexedChange(raw)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}
