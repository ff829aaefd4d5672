package writerctrl

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/models"
)

func TestInvite_RoundTrip(t *testing.T) {
	creator := bytes.Repeat([]byte{0x11}, models.WriterKeyLength)

	invite, token, err := NewInvite(creator)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	gotCreator, gotToken, err := ParseInvite(invite)
	require.NoError(t, err)
	assert.Equal(t, creator, gotCreator)
	assert.Equal(t, token, gotToken)
}

func TestParseInvite_Malformed(t *testing.T) {
	creator := bytes.Repeat([]byte{0x11}, models.WriterKeyLength)

	tests := []struct {
		name   string
		invite string
	}{
		{name: "empty", invite: ""},
		{name: "wrong prefix", invite: "join:" + crypto.ToHex(creator) + ":token"},
		{name: "missing token", invite: "invite:" + crypto.ToHex(creator)},
		{name: "bad hex", invite: "invite:zzzz:token"},
		{name: "short key", invite: "invite:abcd:token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseInvite(tt.invite)
			assert.ErrorIs(t, err, ErrBadInvite)
		})
	}
}

func TestRegistry_SingleUse(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Redeem("never issued"), ErrUnknownToken)

	r.Issue("tok-1")
	require.NoError(t, r.Redeem("tok-1"))
	assert.ErrorIs(t, r.Redeem("tok-1"), ErrUnknownToken)
}

func TestUseInviteMessages_RoundTrip(t *testing.T) {
	req := UseInviteRequest{
		Token:  "tok-1",
		Writer: bytes.Repeat([]byte{0x22}, models.WriterKeyLength),
		Name:   "guest",
	}
	raw, err := EncodeUseInvite(req)
	require.NoError(t, err)
	gotReq, err := DecodeUseInvite(raw)
	require.NoError(t, err)
	assert.Equal(t, req, gotReq)

	res := UseInviteResponse{OK: true, Owner: bytes.Repeat([]byte{0x33}, models.WriterKeyLength)}
	raw, err = EncodeUseInviteRes(res)
	require.NoError(t, err)
	gotRes, err := DecodeUseInviteRes(raw)
	require.NoError(t, err)
	assert.Equal(t, res, gotRes)
}

func TestDecodeUseInvite_Garbage(t *testing.T) {
	_, err := DecodeUseInvite([]byte{0xc1})
	assert.Error(t, err)
}
