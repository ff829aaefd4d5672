// Package writerctrl implements the writer admission handshake: invite
// tokens minted by an admin, and the request/response messages a joining
// peer exchanges to redeem one.
package writerctrl

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/models"
)

const invitePrefix = "invite"

var (
	// ErrBadInvite indicates a malformed invite string.
	ErrBadInvite = errors.New("malformed invite")
	// ErrUnknownToken indicates a token the creator never issued or
	// already redeemed.
	ErrUnknownToken = errors.New("unknown invite token")
)

// NewInvite mints an invite string bound to its creator's writer key. The
// returned token must be registered with the creator's Registry before the
// invite can be redeemed.
func NewInvite(creator []byte) (invite, token string, err error) {
	token = uuid.NewString()
	return strings.Join([]string{invitePrefix, crypto.ToHex(creator), token}, ":"), token, nil
}

// ParseInvite extracts the creator key and token from an invite string.
func ParseInvite(invite string) (creator []byte, token string, err error) {
	parts := strings.Split(invite, ":")
	if len(parts) != 3 || parts[0] != invitePrefix {
		return nil, "", ErrBadInvite
	}
	creator, err = crypto.FromHex(parts[1])
	if err != nil || len(creator) != models.WriterKeyLength {
		return nil, "", ErrBadInvite
	}
	return creator, parts[2], nil
}

// Registry tracks outstanding invite tokens on the creator side. Tokens
// are single-use.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{tokens: map[string]bool{}}
}

func (r *Registry) Issue(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = true
}

// Redeem consumes a token. It fails for tokens never issued or issued and
// already used.
func (r *Registry) Redeem(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.tokens[token] {
		return ErrUnknownToken
	}
	delete(r.tokens, token)
	return nil
}

// UseInviteRequest is sent by a joining peer to the invite's creator.
type UseInviteRequest struct {
	Token  string `msgpack:"token"`
	Writer []byte `msgpack:"writer"`
	Name   string `msgpack:"name,omitempty"`
}

// UseInviteResponse acknowledges admission. Owner carries the workspace
// owner's key so the peer can locate the authoritative log.
type UseInviteResponse struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
	Owner []byte `msgpack:"owner,omitempty"`
}

func EncodeUseInvite(req UseInviteRequest) ([]byte, error) {
	return msgpack.Marshal(req)
}

func DecodeUseInvite(raw []byte) (UseInviteRequest, error) {
	var req UseInviteRequest
	if err := msgpack.Unmarshal(raw, &req); err != nil {
		return UseInviteRequest{}, fmt.Errorf("decode use-invite request: %w", err)
	}
	return req, nil
}

func EncodeUseInviteRes(res UseInviteResponse) ([]byte, error) {
	return msgpack.Marshal(res)
}

func DecodeUseInviteRes(raw []byte) (UseInviteResponse, error) {
	var res UseInviteResponse
	if err := msgpack.Unmarshal(raw, &res); err != nil {
		return UseInviteResponse{}, fmt.Errorf("decode use-invite response: %w", err)
	}
	return res, nil
}
