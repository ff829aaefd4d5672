// Package roster implements the writer/permission model: who is allowed to
// touch which fields of a writer record, and the field-wise last-write-wins
// merge that makes concurrent roster edits converge.
//
// The convergence law: applying the same two PutWriter ops for the same key
// in either order yields the same final entry, because each present field is
// independently overwritten by the most recently applied op that has
// permission to touch it.
package roster

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/iudanet/peerfs/internal/models"
)

var (
	// ErrUnknownWriter indicates the acting log identity is not a roster member.
	ErrUnknownWriter = errors.New("writer is not a roster member")

	// ErrNotAdmin indicates an edit only admins may perform.
	ErrNotAdmin = errors.New("not an admin")
)

// Find returns the roster entry for key, or nil.
func Find(meta *models.IndexedMeta, key []byte) *models.RosterWriter {
	if meta == nil {
		return nil
	}
	for i := range meta.Writers {
		if bytes.Equal(meta.Writers[i].Key, key) {
			return &meta.Writers[i]
		}
	}
	return nil
}

// IsAdmin reports whether key is a roster member with the admin flag.
func IsAdmin(meta *models.IndexedMeta, key []byte) bool {
	w := Find(meta, key)
	return w != nil && w.Admin
}

// CanWrite reports whether key may author file changes: a roster member
// that is not frozen.
func CanWrite(meta *models.IndexedMeta, key []byte) bool {
	w := Find(meta, key)
	return w != nil && !w.Frozen
}

// Authorize checks whether actor may apply pw, without mutating anything.
// The rules:
//   - the actor must be a roster member;
//   - non-admins may only edit their own entry, and only its name;
//     the admin and frozen fields are admin-only, on self or others.
func Authorize(meta *models.IndexedMeta, actor []byte, pw models.PutWriter) error {
	actorEntry := Find(meta, actor)
	if actorEntry == nil {
		return fmt.Errorf("%w: %x", ErrUnknownWriter, actor)
	}
	selfEdit := bytes.Equal(actor, pw.Key)
	if !actorEntry.Admin {
		if !selfEdit {
			return fmt.Errorf("%w: cannot edit other writers", ErrNotAdmin)
		}
		if pw.Admin != nil || pw.Frozen != nil {
			return fmt.Errorf("%w: cannot grant or revoke admin/frozen status", ErrNotAdmin)
		}
	}
	return nil
}

// Apply merges pw into meta's roster on behalf of actor. Each field present
// in the op overwrites the corresponding roster field; absent fields are
// untouched. The entry is created when missing, with admin/frozen defaulting
// to false unless the (authorized) op sets them.
//
// A non-nil error means the mutation was rejected; meta is untouched then.
func Apply(meta *models.IndexedMeta, actor []byte, pw models.PutWriter) error {
	if err := Authorize(meta, actor, pw); err != nil {
		return err
	}
	actorIsAdmin := IsAdmin(meta, actor)

	entry := Find(meta, pw.Key)
	if entry == nil {
		meta.Writers = append(meta.Writers, models.RosterWriter{
			Key: append([]byte(nil), pw.Key...),
		})
		entry = &meta.Writers[len(meta.Writers)-1]
	}

	if pw.Name != nil {
		entry.Name = *pw.Name
	}
	// Authorize already gates these; the admin re-check guards against an
	// inconsistent roster state reached through replay.
	if pw.Admin != nil && actorIsAdmin {
		entry.Admin = *pw.Admin
	}
	if pw.Frozen != nil && actorIsAdmin {
		entry.Frozen = *pw.Frozen
	}
	return nil
}
