package roster

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/peerfs/internal/models"
)

var (
	ownerKey  = bytes.Repeat([]byte{0x01}, models.WriterKeyLength)
	adminKey  = bytes.Repeat([]byte{0x02}, models.WriterKeyLength)
	memberKey = bytes.Repeat([]byte{0x03}, models.WriterKeyLength)
	strangerK = bytes.Repeat([]byte{0x04}, models.WriterKeyLength)
)

func testMeta() *models.IndexedMeta {
	return &models.IndexedMeta{
		Owner: ownerKey,
		Writers: []models.RosterWriter{
			{Key: ownerKey, Admin: true},
			{Key: adminKey, Admin: true},
			{Key: memberKey},
		},
	}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestFind(t *testing.T) {
	meta := testMeta()
	assert.NotNil(t, Find(meta, memberKey))
	assert.Nil(t, Find(meta, strangerK))
	assert.Nil(t, Find(nil, ownerKey))
}

func TestCanWrite(t *testing.T) {
	meta := testMeta()
	assert.True(t, CanWrite(meta, memberKey))
	assert.False(t, CanWrite(meta, strangerK))

	meta.Writers[2].Frozen = true
	assert.False(t, CanWrite(meta, memberKey))
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		actor   []byte
		pw      models.PutWriter
		wantErr error
	}{
		{
			name:  "admin adds new writer",
			actor: adminKey,
			pw:    models.PutWriter{Key: strangerK, Name: strPtr("dave")},
		},
		{
			name:  "admin freezes member",
			actor: adminKey,
			pw:    models.PutWriter{Key: memberKey, Frozen: boolPtr(true)},
		},
		{
			name:  "admin promotes member",
			actor: adminKey,
			pw:    models.PutWriter{Key: memberKey, Admin: boolPtr(true)},
		},
		{
			name:  "member renames self",
			actor: memberKey,
			pw:    models.PutWriter{Key: memberKey, Name: strPtr("carol")},
		},
		{
			name:    "member cannot edit others",
			actor:   memberKey,
			pw:      models.PutWriter{Key: adminKey, Name: strPtr("x")},
			wantErr: ErrNotAdmin,
		},
		{
			name:    "member cannot self-promote",
			actor:   memberKey,
			pw:      models.PutWriter{Key: memberKey, Admin: boolPtr(true)},
			wantErr: ErrNotAdmin,
		},
		{
			name:    "member cannot self-unfreeze",
			actor:   memberKey,
			pw:      models.PutWriter{Key: memberKey, Frozen: boolPtr(false)},
			wantErr: ErrNotAdmin,
		},
		{
			name:    "stranger cannot touch roster",
			actor:   strangerK,
			pw:      models.PutWriter{Key: strangerK, Name: strPtr("eve")},
			wantErr: ErrUnknownWriter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(testMeta(), tt.actor, tt.pw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApply_CreatesEntry(t *testing.T) {
	meta := testMeta()
	err := Apply(meta, adminKey, models.PutWriter{Key: strangerK, Name: strPtr("dave")})
	require.NoError(t, err)

	entry := Find(meta, strangerK)
	require.NotNil(t, entry)
	assert.Equal(t, "dave", entry.Name)
	assert.False(t, entry.Admin)
	assert.False(t, entry.Frozen)
}

func TestApply_AbsentFieldsUntouched(t *testing.T) {
	meta := testMeta()
	require.NoError(t, Apply(meta, adminKey, models.PutWriter{Key: memberKey, Name: strPtr("bob")}))
	require.NoError(t, Apply(meta, adminKey, models.PutWriter{Key: memberKey, Frozen: boolPtr(true)}))

	entry := Find(meta, memberKey)
	require.NotNil(t, entry)
	// Заморозка не тронула имя
	assert.Equal(t, "bob", entry.Name)
	assert.True(t, entry.Frozen)
}

func TestApply_FrozenWriterKeepsNameEditable(t *testing.T) {
	meta := testMeta()
	require.NoError(t, Apply(meta, adminKey, models.PutWriter{Key: memberKey, Frozen: boolPtr(true)}))

	// Замороженный писатель все еще может менять собственное имя
	err := Apply(meta, memberKey, models.PutWriter{Key: memberKey, Name: strPtr("still me")})
	require.NoError(t, err)
	assert.Equal(t, "still me", Find(meta, memberKey).Name)
}

func TestApply_RejectedLeavesMetaUntouched(t *testing.T) {
	meta := testMeta()
	before := len(meta.Writers)

	err := Apply(meta, memberKey, models.PutWriter{Key: strangerK, Name: strPtr("eve")})
	assert.ErrorIs(t, err, ErrNotAdmin)
	assert.Len(t, meta.Writers, before)
}

func TestApply_FieldwiseConvergence(t *testing.T) {
	// Одни и те же две операции в любом порядке дают одинаковый итог
	opName := models.PutWriter{Key: memberKey, Name: strPtr("renamed")}
	opFreeze := models.PutWriter{Key: memberKey, Frozen: boolPtr(true)}

	metaA := testMeta()
	require.NoError(t, Apply(metaA, adminKey, opName))
	require.NoError(t, Apply(metaA, adminKey, opFreeze))

	metaB := testMeta()
	require.NoError(t, Apply(metaB, adminKey, opFreeze))
	require.NoError(t, Apply(metaB, adminKey, opName))

	entryA := Find(metaA, memberKey)
	entryB := Find(metaB, memberKey)
	assert.Equal(t, *entryA, *entryB)
}
