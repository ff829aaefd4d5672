package models

// Operation codes. The values are part of the replicated wire format and
// must stay stable across processes and versions.
const (
	OpDeclare   = 1
	OpChange    = 2
	OpBlobChunk = 3
)

// Change action codes (secondary tag inside a Change operation).
const (
	ActPut       = 1
	ActCopy      = 2
	ActDelete    = 3
	ActPutWriter = 4
)

// BlobChunkByteLength is the fixed chunk size for blob payloads (4 MiB).
// Every blob is split into ceil(byteLength/BlobChunkByteLength) chunks.
const BlobChunkByteLength = 4 << 20

// WriterKeyLength is the size of a writer public key in bytes (ed25519).
const WriterKeyLength = 32

// Op is the closed set of logged operations. Every variant corresponds to
// exactly one opcode; the apply engine matches exhaustively over this union.
type Op interface {
	isOp()
}

// Declare announces which index log is canonical for a workspace.
// It is authored by the owner, exactly once, as the first entry of its log.
type Declare struct {
	IndexKey  []byte // public key of the owner's index log
	Timestamp int64  // local clock time of declaration, unix millis
}

// Change is a logged mutation to a path or to the writer roster.
type Change struct {
	ID        string   // random opaque id, unique with overwhelming probability
	Parents   []string // ids of changes this change causally supersedes
	Timestamp int64    // local clock time of change, unix millis
	Details   Details
}

// BlobChunk carries one fixed-size slice of a blob. Chunks are logged in
// chunk order immediately following the Put that announced them, on the
// same log.
type BlobChunk struct {
	BlobID string
	Chunk  int // chunk index, 0 first
	Value  []byte
}

func (Declare) isOp()   {}
func (Change) isOp()    {}
func (BlobChunk) isOp() {}

// Details is the closed set of Change payloads.
type Details interface {
	isDetails()
	Action() int
}

// Put writes a new blob under a path.
type Put struct {
	Path    string
	BlobID  string
	Bytes   int64 // blob byte length
	Chunks  int   // number of BlobChunk ops logged for the blob
	NoMerge bool  // no-merge write policy, sticky on the indexed file
}

// Copy duplicates an existing blob reference under a new path.
type Copy struct {
	Path   string
	BlobID string
	Bytes  int64
}

// Delete removes a path.
type Delete struct {
	Path string
}

// PutWriter creates or edits a writer roster entry. Optional fields use
// pointers: a nil field is absent and leaves the roster field untouched,
// which is what makes the field-wise last-write-wins merge converge.
type PutWriter struct {
	Key    []byte // writer public key, 32 bytes
	Name   *string
	Admin  *bool
	Frozen *bool
}

func (Put) isDetails()       {}
func (Copy) isDetails()      {}
func (Delete) isDetails()    {}
func (PutWriter) isDetails() {}

func (Put) Action() int       { return ActPut }
func (Copy) Action() int      { return ActCopy }
func (Delete) Action() int    { return ActDelete }
func (PutWriter) Action() int { return ActPutWriter }

// IsFileAction reports whether d mutates a file path (as opposed to the
// writer roster).
func IsFileAction(d Details) bool {
	switch d.(type) {
	case Put, Copy, Delete:
		return true
	default:
		return false
	}
}

// DetailsPath returns the target path of a file-action detail, or "" for
// roster details.
func DetailsPath(d Details) string {
	switch v := d.(type) {
	case Put:
		return v.Path
	case Copy:
		return v.Path
	case Delete:
		return v.Path
	default:
		return ""
	}
}

// DetailsBlob returns the blob reference carried by a detail, or ("", 0)
// when the detail has none (Delete, PutWriter).
func DetailsBlob(d Details) (blobID string, bytes int64) {
	switch v := d.(type) {
	case Put:
		return v.BlobID, v.Bytes
	case Copy:
		return v.BlobID, v.Bytes
	default:
		return "", 0
	}
}
