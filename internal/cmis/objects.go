package cmis

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Object is a repository folder or document. Callers type-switch on the
// concrete *Folder / *Document.
type Object interface {
	Name() string
	ObjectID() string
}

// object carries the parsed entry and the client shared by Folder and
// Document.
type object struct {
	client *Client
	entry  atomEntry
}

// Name is the repository display name (cmis:name).
func (o *object) Name() string {
	return o.entry.Object.Properties.value(propName)
}

// ObjectID is the repository object identifier.
func (o *object) ObjectID() string {
	return o.entry.Object.Properties.value(propObjectID)
}

// LastModTime is the server-assigned modification timestamp, nil when the
// server did not report one.
func (o *object) LastModTime() *time.Time {
	return o.entry.modTime()
}

// LastModifiedBy is the account that last modified the object.
func (o *object) LastModifiedBy() string {
	return o.entry.Object.Properties.value(propLastModifiedBy)
}

func (o *object) baseType() string {
	return o.entry.Object.Properties.value(propBaseTypeID)
}

// Folder is a repository folder.
type Folder struct {
	object
}

// Document is a repository document with an optional content stream.
type Document struct {
	object
}

// Path is the repository path of the folder (cmis:path).
func (f *Folder) Path() string {
	return f.entry.Object.Properties.value(propPath)
}

// Children lists the folder's direct children from its AtomPub children
// feed. One-shot and finite; order is whatever the server yields.
func (f *Folder) Children(ctx context.Context) ([]Object, error) {
	feedURL := f.entry.link(relDown, mediaTypeFeed)
	if feedURL == "" {
		return nil, fmt.Errorf("cmis: folder %q has no children feed link", f.Name())
	}

	resp, err := f.client.do(ctx, http.MethodGet, feedURL, nil, "")
	if err != nil {
		return nil, fmt.Errorf("listing children of %q: %w", f.Name(), err)
	}
	defer resp.Body.Close()

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parsing children feed of %q: %w", f.Name(), err)
	}

	children := make([]Object, 0, len(feed.Entries))

	for i := range feed.Entries {
		obj := object{client: f.client, entry: feed.Entries[i]}

		switch obj.baseType() {
		case baseTypeFolder:
			children = append(children, &Folder{object: obj})
		case baseTypeDocument:
			children = append(children, &Document{object: obj})
		default:
			// Relationships, policies, items: not sync material.
			f.client.logger.Debug("ignoring child of unsupported base type",
				"name", obj.Name(), "base_type", obj.baseType())
		}
	}

	return children, nil
}

// CreateFolder creates a direct subfolder with object type cmis:folder.
func (f *Folder) CreateFolder(ctx context.Context, name string) (*Folder, error) {
	feedURL := f.entry.link(relDown, mediaTypeFeed)
	if feedURL == "" {
		return nil, fmt.Errorf("cmis: folder %q has no children feed link", f.Name())
	}

	body := folderEntry(name)

	resp, err := f.client.do(ctx, http.MethodPost, feedURL, body, mediaTypeEntry)
	if err != nil {
		return nil, fmt.Errorf("creating folder %q: %w", name, err)
	}
	defer resp.Body.Close()

	var entry atomEntry
	if err := xml.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("parsing created folder %q: %w", name, err)
	}

	return &Folder{object: object{client: f.client, entry: entry}}, nil
}

// CreateDocument creates a document with object type cmis:document in this
// folder, streaming content (base64-encoded into the entry) until EOF.
func (f *Folder) CreateDocument(ctx context.Context, name, mimeType string, content io.Reader) (*Document, error) {
	feedURL := f.entry.link(relDown, mediaTypeFeed)
	if feedURL == "" {
		return nil, fmt.Errorf("cmis: folder %q has no children feed link", f.Name())
	}

	body := documentEntry(name, mimeType, content)

	resp, err := f.client.do(ctx, http.MethodPost, feedURL, body, mediaTypeEntry)
	if err != nil {
		return nil, fmt.Errorf("creating document %q: %w", name, err)
	}
	defer resp.Body.Close()

	var entry atomEntry
	if err := xml.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("parsing created document %q: %w", name, err)
	}

	return &Document{object: object{client: f.client, entry: entry}}, nil
}

// DeleteTree deletes the folder and everything under it via the foldertree
// link.
func (f *Folder) DeleteTree(ctx context.Context, continueOnFailure bool) error {
	treeURL := f.entry.link(relFolderTree, "")
	if treeURL == "" {
		return fmt.Errorf("cmis: folder %q has no foldertree link", f.Name())
	}

	treeURL = addQueryParam(treeURL, "continueOnFailure", fmt.Sprintf("%t", continueOnFailure))

	resp, err := f.client.do(ctx, http.MethodDelete, treeURL, nil, "")
	if err != nil {
		return fmt.Errorf("deleting tree %q: %w", f.Name(), err)
	}

	resp.Body.Close()

	return nil
}

// ContentStreamFileName is the filename of the content stream
// (cmis:contentStreamFileName), empty when the document has none.
func (d *Document) ContentStreamFileName() string {
	return d.entry.Object.Properties.value(propContentStreamFileName)
}

// ContentStream opens the document content for reading. The caller closes
// the stream. Returns ErrNoContentStream when the document has none.
func (d *Document) ContentStream(ctx context.Context) (io.ReadCloser, error) {
	streamURL := d.entry.Content.Src
	if streamURL == "" {
		streamURL = d.entry.link(relEditMedia, "")
	}

	if streamURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoContentStream, d.Name())
	}

	resp, err := d.client.do(ctx, http.MethodGet, streamURL, nil, "")
	if err != nil {
		return nil, fmt.Errorf("fetching content of %q: %w", d.Name(), err)
	}

	return resp.Body, nil
}

// SetContentStream replaces the document content via the edit-media link,
// then refreshes the entry from its self link and returns the new server
// modification timestamp.
func (d *Document) SetContentStream(ctx context.Context, content io.Reader, overwrite bool) (*time.Time, error) {
	mediaURL := d.entry.link(relEditMedia, "")
	if mediaURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoContentStream, d.Name())
	}

	mediaURL = addQueryParam(mediaURL, "overwriteFlag", fmt.Sprintf("%t", overwrite))

	resp, err := d.client.do(ctx, http.MethodPut, mediaURL, content, "application/octet-stream")
	if err != nil {
		return nil, fmt.Errorf("setting content of %q: %w", d.Name(), err)
	}

	resp.Body.Close()

	if err := d.refresh(ctx); err != nil {
		return nil, err
	}

	return d.LastModTime(), nil
}

// refresh re-reads the entry from its self link so properties reflect the
// server state after a content update.
func (d *Document) refresh(ctx context.Context) error {
	selfURL := d.entry.link(relSelf, "")
	if selfURL == "" {
		return fmt.Errorf("cmis: document %q has no self link", d.Name())
	}

	resp, err := d.client.do(ctx, http.MethodGet, selfURL, nil, "")
	if err != nil {
		return fmt.Errorf("refreshing %q: %w", d.Name(), err)
	}
	defer resp.Body.Close()

	var entry atomEntry
	if err := xml.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return fmt.Errorf("parsing refreshed entry of %q: %w", d.Name(), err)
	}

	d.entry = entry

	return nil
}

// DeleteAllVersions removes the document and its whole version series.
func (d *Document) DeleteAllVersions(ctx context.Context) error {
	selfURL := d.entry.link(relSelf, "")
	if selfURL == "" {
		return fmt.Errorf("cmis: document %q has no self link", d.Name())
	}

	selfURL = addQueryParam(selfURL, "allVersions", "true")

	resp, err := d.client.do(ctx, http.MethodDelete, selfURL, nil, "")
	if err != nil {
		return fmt.Errorf("deleting document %q: %w", d.Name(), err)
	}

	resp.Body.Close()

	return nil
}

// addQueryParam appends key=value to rawURL, respecting existing queries.
func addQueryParam(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()

	return u.String()
}
