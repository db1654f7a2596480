// Package sync implements the crawl-and-compare reconciliation engine that
// keeps a local directory tree convergent with a subtree of a CMIS content
// repository. It owns the per-folder shadow database of last-synced metadata
// (server modification time, content checksum) used to distinguish "new on
// one side" from "deleted on the other side".
package sync

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoContentStream is returned by RemoteDocument.ContentStream when the
// document has no content stream. The reconciler skips such documents with
// a log entry.
var ErrNoContentStream = errors.New("sync: document has no content stream")

// RemoteEntry is a child of a remote folder: either a RemoteFolder or a
// RemoteDocument. Callers type-switch on the concrete interface.
// Defined at the consumer per "accept interfaces, return structs" — the
// CMIS client provides concrete types adapted to these in the wiring layer.
type RemoteEntry interface {
	// Name is the repository display name of the entry.
	Name() string
}

// RemoteFolder is the surface of a repository folder the reconciler needs.
type RemoteFolder interface {
	RemoteEntry

	// LastModTime is the server-assigned last-modification timestamp.
	// Nil when the server did not report one.
	LastModTime() *time.Time

	// Children lists the folder's direct children. One-shot and finite;
	// order is whatever the server yields.
	Children(ctx context.Context) ([]RemoteEntry, error)

	// CreateFolder creates a direct subfolder (object type cmis:folder).
	CreateFolder(ctx context.Context, name string) (RemoteFolder, error)

	// CreateDocument creates a document (object type cmis:document) in this
	// folder with the given name and MIME type, reading content until EOF.
	CreateDocument(ctx context.Context, name, mimeType string, content io.Reader) (RemoteDocument, error)

	// DeleteTree deletes the folder and everything under it.
	DeleteTree(ctx context.Context, continueOnFailure bool) error
}

// RemoteDocument is the surface of a repository document the reconciler needs.
type RemoteDocument interface {
	RemoteEntry

	// ContentStreamFileName is the filename of the content stream, used as
	// the local filename — some servers diverge from the display name
	// (display "foo", filename "foo.jpg"). Empty when the document has no
	// content stream.
	ContentStreamFileName() string

	// LastModTime is the server-assigned last-modification timestamp.
	LastModTime() *time.Time

	// LastModifiedBy is the account that last modified the document.
	LastModifiedBy() string

	// ContentStream opens the document content for reading. The caller
	// closes the stream. Returns ErrNoContentStream when none exists.
	ContentStream(ctx context.Context) (io.ReadCloser, error)

	// SetContentStream replaces the document content, reading until EOF,
	// and returns the refreshed server modification timestamp.
	SetContentStream(ctx context.Context, content io.Reader, overwrite bool) (*time.Time, error)

	// DeleteAllVersions removes the document and its whole version series.
	DeleteAllVersions(ctx context.Context) error
}
