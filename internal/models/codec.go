package models

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrInvalidEncoding indicates that a byte string is not a msgpack
	// record at all.
	ErrInvalidEncoding = errors.New("invalid operation encoding")

	// ErrInvalidOperation indicates that a record parsed but failed
	// variant-specific structural validation.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Wire representations. Operations travel as msgpack maps with short stable
// field names; optional PutWriter fields keep pointer types so that absence
// survives the round trip.

type wireEnvelope struct {
	Op int `msgpack:"op"`
}

type wireDeclare struct {
	Op        int    `msgpack:"op"`
	Index     []byte `msgpack:"index"`
	Timestamp int64  `msgpack:"ts"`
}

type wireChange struct {
	Op        int         `msgpack:"op"`
	ID        string      `msgpack:"id"`
	Parents   []string    `msgpack:"parents"`
	Timestamp int64       `msgpack:"ts"`
	Details   wireDetails `msgpack:"details"`
}

type wireBlobChunk struct {
	Op    int    `msgpack:"op"`
	Blob  string `msgpack:"blob"`
	Chunk int    `msgpack:"chunk"`
	Value []byte `msgpack:"value"`
}

type wireDetails struct {
	Action  int     `msgpack:"action"`
	Path    string  `msgpack:"path,omitempty"`
	Blob    string  `msgpack:"blob,omitempty"`
	Bytes   int64   `msgpack:"bytes,omitempty"`
	Chunks  int     `msgpack:"chunks,omitempty"`
	NoMerge bool    `msgpack:"nomerge,omitempty"`
	Key     []byte  `msgpack:"key,omitempty"`
	Name    *string `msgpack:"name,omitempty"`
	Admin   *bool   `msgpack:"admin,omitempty"`
	Frozen  *bool   `msgpack:"frozen,omitempty"`
}

// EncodeOp serializes an operation to its wire form. The operation is
// validated first, so bytes produced by EncodeOp always decode back.
func EncodeOp(op Op) ([]byte, error) {
	if err := ValidateOp(op); err != nil {
		return nil, err
	}
	switch v := op.(type) {
	case Declare:
		return msgpack.Marshal(wireDeclare{Op: OpDeclare, Index: v.IndexKey, Timestamp: v.Timestamp})
	case Change:
		return msgpack.Marshal(wireChange{
			Op:        OpChange,
			ID:        v.ID,
			Parents:   v.Parents,
			Timestamp: v.Timestamp,
			Details:   detailsToWire(v.Details),
		})
	case BlobChunk:
		return msgpack.Marshal(wireBlobChunk{Op: OpBlobChunk, Blob: v.BlobID, Chunk: v.Chunk, Value: v.Value})
	default:
		return nil, fmt.Errorf("%w: unknown variant %T", ErrInvalidOperation, op)
	}
}

// DecodeOp parses and validates an operation from its wire form.
// It returns ErrInvalidEncoding when the bytes do not parse as msgpack and
// ErrInvalidOperation when the parsed record is structurally invalid.
// Validation here is structural only; permissions and conflict correctness
// are the apply engine's business.
func DecodeOp(raw []byte) (Op, error) {
	var env wireEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	var op Op
	switch env.Op {
	case OpDeclare:
		var w wireDeclare
		if err := msgpack.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: declare: %v", ErrInvalidOperation, err)
		}
		op = Declare{IndexKey: w.Index, Timestamp: w.Timestamp}
	case OpChange:
		var w wireChange
		if err := msgpack.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: change: %v", ErrInvalidOperation, err)
		}
		details, err := detailsFromWire(w.Details)
		if err != nil {
			return nil, err
		}
		parents := w.Parents
		if parents == nil {
			parents = []string{}
		}
		op = Change{ID: w.ID, Parents: parents, Timestamp: w.Timestamp, Details: details}
	case OpBlobChunk:
		var w wireBlobChunk
		if err := msgpack.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: blob chunk: %v", ErrInvalidOperation, err)
		}
		op = BlobChunk{BlobID: w.Blob, Chunk: w.Chunk, Value: w.Value}
	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrInvalidOperation, env.Op)
	}

	if err := ValidateOp(op); err != nil {
		return nil, err
	}
	return op, nil
}

// ValidateOp checks variant-specific structural requirements.
func ValidateOp(op Op) error {
	switch v := op.(type) {
	case Declare:
		if len(v.IndexKey) == 0 {
			return fmt.Errorf("%w: declare missing index key", ErrInvalidOperation)
		}
		if v.Timestamp <= 0 {
			return fmt.Errorf("%w: declare missing timestamp", ErrInvalidOperation)
		}
	case Change:
		if v.ID == "" {
			return fmt.Errorf("%w: change missing id", ErrInvalidOperation)
		}
		if v.Timestamp <= 0 {
			return fmt.Errorf("%w: change missing timestamp", ErrInvalidOperation)
		}
		for _, p := range v.Parents {
			if p == "" {
				return fmt.Errorf("%w: change has empty parent id", ErrInvalidOperation)
			}
		}
		if v.Details == nil {
			return fmt.Errorf("%w: change missing details", ErrInvalidOperation)
		}
		if err := validateDetails(v.Details); err != nil {
			return err
		}
	case BlobChunk:
		if v.BlobID == "" {
			return fmt.Errorf("%w: blob chunk missing blob id", ErrInvalidOperation)
		}
		if v.Chunk < 0 {
			return fmt.Errorf("%w: blob chunk has negative index", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown variant %T", ErrInvalidOperation, op)
	}
	return nil
}

func validateDetails(d Details) error {
	switch v := d.(type) {
	case Put:
		if v.Path == "" {
			return fmt.Errorf("%w: put missing path", ErrInvalidOperation)
		}
		if v.BlobID == "" {
			return fmt.Errorf("%w: put missing blob id", ErrInvalidOperation)
		}
		if v.Bytes < 0 || v.Chunks < 0 {
			return fmt.Errorf("%w: put has negative size", ErrInvalidOperation)
		}
	case Copy:
		if v.Path == "" {
			return fmt.Errorf("%w: copy missing path", ErrInvalidOperation)
		}
		if v.BlobID == "" {
			return fmt.Errorf("%w: copy missing blob id", ErrInvalidOperation)
		}
		if v.Bytes < 0 {
			return fmt.Errorf("%w: copy has negative size", ErrInvalidOperation)
		}
	case Delete:
		if v.Path == "" {
			return fmt.Errorf("%w: delete missing path", ErrInvalidOperation)
		}
	case PutWriter:
		if len(v.Key) != WriterKeyLength {
			return fmt.Errorf("%w: put-writer key must be %d bytes, got %d",
				ErrInvalidOperation, WriterKeyLength, len(v.Key))
		}
	default:
		return fmt.Errorf("%w: unknown details variant %T", ErrInvalidOperation, d)
	}
	return nil
}

func detailsToWire(d Details) wireDetails {
	switch v := d.(type) {
	case Put:
		return wireDetails{Action: ActPut, Path: v.Path, Blob: v.BlobID, Bytes: v.Bytes, Chunks: v.Chunks, NoMerge: v.NoMerge}
	case Copy:
		return wireDetails{Action: ActCopy, Path: v.Path, Blob: v.BlobID, Bytes: v.Bytes}
	case Delete:
		return wireDetails{Action: ActDelete, Path: v.Path}
	case PutWriter:
		return wireDetails{Action: ActPutWriter, Key: v.Key, Name: v.Name, Admin: v.Admin, Frozen: v.Frozen}
	default:
		return wireDetails{}
	}
}

func detailsFromWire(w wireDetails) (Details, error) {
	switch w.Action {
	case ActPut:
		return Put{Path: w.Path, BlobID: w.Blob, Bytes: w.Bytes, Chunks: w.Chunks, NoMerge: w.NoMerge}, nil
	case ActCopy:
		return Copy{Path: w.Path, BlobID: w.Blob, Bytes: w.Bytes}, nil
	case ActDelete:
		return Delete{Path: w.Path}, nil
	case ActPutWriter:
		return PutWriter{Key: w.Key, Name: w.Name, Admin: w.Admin, Frozen: w.Frozen}, nil
	default:
		return nil, fmt.Errorf("%w: unknown change action %d", ErrInvalidOperation, w.Action)
	}
}
