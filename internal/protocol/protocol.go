// Package protocol defines the version-neutral message set exchanged between
// host and runner. Schema majors encode and decode these types; nothing here
// touches the wire directly.
package protocol

import "carton/pkg/types"

// Envelope pairs a correlation id with one message body. Ids are assigned by
// the sending side and are unique within a connection for the lifetime of
// the pending set.
type Envelope struct {
	ID   uint64
	Body Body
}

// Body is one protocol message. Every body is either a Request or a
// Response.
type Body interface{ body() }

// Request marks host→runner operation requests and runner→host filesystem
// requests.
type Request interface {
	Body
	request()
}

// Response marks replies, matched to their request by envelope id.
type Response interface {
	Body
	response()
}

// Hello is the first frame a runner sends after connecting. It is encoded
// outside any schema major so the host can read it before binding one.
type Hello struct {
	InterfaceVersion uint64
}

// --- host → runner requests ---

// LoadRequest asks the runner to load the model package reachable through
// FsToken.
type LoadRequest struct {
	FsToken                          uint64
	RunnerOpts                       map[string]types.Opt
	VisibleDevice                    types.Device
	OverrideRunnerName               string
	OverrideRequiredFrameworkVersion string
}

// PackRequest asks the runner to pack the model at InputPath into a
// transportable package, using TempFolder for scratch space.
type PackRequest struct {
	FsToken    uint64
	InputPath  string
	TempFolder string
}

// SealRequest stages named input tensors ahead of inference.
type SealRequest struct {
	Tensors map[string]types.Tensor
}

// InferWithTensorsRequest runs inference directly on the given inputs.
type InferWithTensorsRequest struct {
	Tensors map[string]types.Tensor
}

// InferWithHandleRequest consumes a sealed handle exactly once.
type InferWithHandleRequest struct {
	Handle uint64
}

// ShutdownRequest asks the runner to exit cleanly.
type ShutdownRequest struct{}

// --- runner → host filesystem requests ---

// FsReadRequest reads a whole file from the mount bound to Token.
type FsReadRequest struct {
	Token uint64
	Path  string
}

// FsReadDirRequest lists a directory.
type FsReadDirRequest struct {
	Token uint64
	Path  string
}

// FsOpenRequest opens a file and returns a per-connection handle.
type FsOpenRequest struct {
	Token uint64
	Path  string
	Write bool
}

// FsReadAtRequest reads Len bytes at Offset from an open handle.
type FsReadAtRequest struct {
	Token  uint64
	Handle uint64
	Offset uint64
	Len    uint64
}

// FsCloseRequest closes an open handle.
type FsCloseRequest struct {
	Token  uint64
	Handle uint64
}

// FsWriteRequest writes a whole file.
type FsWriteRequest struct {
	Token uint64
	Path  string
	Data  []byte
}

// FsWriteAtRequest writes at an offset of an open handle.
type FsWriteAtRequest struct {
	Token  uint64
	Handle uint64
	Offset uint64
	Data   []byte
}

// FsSymlinkRequest creates a symlink Dst pointing at Src.
type FsSymlinkRequest struct {
	Token uint64
	Src   string
	Dst   string
}

// FsRemoveRequest removes a file or empty directory.
type FsRemoveRequest struct {
	Token uint64
	Path  string
}

// FsMetadataRequest stats a path.
type FsMetadataRequest struct {
	Token uint64
	Path  string
}

// --- responses ---

// LoadResponse reports the loaded model.
type LoadResponse struct {
	Info types.ModelInfo
}

// PackResponse reports where the packed output landed.
type PackResponse struct {
	OutputPath string
}

// SealResponse returns a fresh handle for the staged inputs.
type SealResponse struct {
	Handle uint64
}

// InferResponse carries the named output tensors.
type InferResponse struct {
	Tensors map[string]types.Tensor
}

// ShutdownResponse acknowledges a clean shutdown.
type ShutdownResponse struct{}

// FsReadResponse carries whole-file contents.
type FsReadResponse struct {
	Data []byte
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name string
	Dir  bool
}

// FsReadDirResponse lists a directory in name order.
type FsReadDirResponse struct {
	Entries []DirEntry
}

// FsOpenResponse returns the opened handle.
type FsOpenResponse struct {
	Handle uint64
}

// FsOkResponse acknowledges a filesystem request with no payload
// (close, write, write_at, symlink, remove).
type FsOkResponse struct{}

// FileMeta is the stat result for a proxied path.
type FileMeta struct {
	Size    uint64
	Dir     bool
	Symlink bool
}

// FsMetadataResponse carries a stat result.
type FsMetadataResponse struct {
	Meta FileMeta
}

// ErrorResponse is an in-band failure for a single request.
type ErrorResponse struct {
	Kind    types.ErrKind
	Message string
}

// Err converts the response to a core error.
func (e *ErrorResponse) Err() error { return types.NewError(e.Kind, e.Message) }

func (*LoadRequest) body()             {}
func (*PackRequest) body()             {}
func (*SealRequest) body()             {}
func (*InferWithTensorsRequest) body() {}
func (*InferWithHandleRequest) body()  {}
func (*ShutdownRequest) body()         {}
func (*FsReadRequest) body()           {}
func (*FsReadDirRequest) body()        {}
func (*FsOpenRequest) body()           {}
func (*FsReadAtRequest) body()         {}
func (*FsCloseRequest) body()          {}
func (*FsWriteRequest) body()          {}
func (*FsWriteAtRequest) body()        {}
func (*FsSymlinkRequest) body()        {}
func (*FsRemoveRequest) body()         {}
func (*FsMetadataRequest) body()       {}
func (*LoadResponse) body()            {}
func (*PackResponse) body()            {}
func (*SealResponse) body()            {}
func (*InferResponse) body()           {}
func (*ShutdownResponse) body()        {}
func (*FsReadResponse) body()          {}
func (*FsReadDirResponse) body()       {}
func (*FsOpenResponse) body()          {}
func (*FsOkResponse) body()            {}
func (*FsMetadataResponse) body()      {}
func (*ErrorResponse) body()           {}

func (*LoadRequest) request()             {}
func (*PackRequest) request()             {}
func (*SealRequest) request()             {}
func (*InferWithTensorsRequest) request() {}
func (*InferWithHandleRequest) request()  {}
func (*ShutdownRequest) request()         {}
func (*FsReadRequest) request()           {}
func (*FsReadDirRequest) request()        {}
func (*FsOpenRequest) request()           {}
func (*FsReadAtRequest) request()         {}
func (*FsCloseRequest) request()          {}
func (*FsWriteRequest) request()          {}
func (*FsWriteAtRequest) request()        {}
func (*FsSymlinkRequest) request()        {}
func (*FsRemoveRequest) request()         {}
func (*FsMetadataRequest) request()       {}

func (*LoadResponse) response()       {}
func (*PackResponse) response()       {}
func (*SealResponse) response()       {}
func (*InferResponse) response()      {}
func (*ShutdownResponse) response()   {}
func (*FsReadResponse) response()     {}
func (*FsReadDirResponse) response()  {}
func (*FsOpenResponse) response()     {}
func (*FsOkResponse) response()       {}
func (*FsMetadataResponse) response() {}
func (*ErrorResponse) response()      {}
