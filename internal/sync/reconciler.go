package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// ErrCancelled is returned when a sync pass is stopped at an iteration
// boundary after Cancel was requested.
var ErrCancelled = errors.New("sync: pass cancelled")

// tempDownloadPrefix marks in-flight download staging files. They live in
// the target directory so the final rename never crosses filesystems, and
// the local crawls skip them.
const tempDownloadPrefix = ".cmisync-"

// dirPermissions is the mode for directories the engine creates locally.
const dirPermissions = 0o755

// defaultMIMEType is used when the extension maps to nothing.
const defaultMIMEType = "application/octet-stream"

// ReconcilerConfig holds the options for NewReconciler.
type ReconcilerConfig struct {
	Store         *Store
	LocalRoot     string // absolute path to the local sync root
	Bidirectional bool   // false = download-only
	OnConflict    ConflictCallback
	Activity      ActivityListener
	Logger        *slog.Logger
}

// Reconciler performs one crawl-and-compare pass between a remote folder
// tree and the local tree, consulting the shadow database at each node to
// decide whether to download, upload, update, delete, or flag a conflict.
//
// For each directory the pass runs four phases in order: crawl the remote
// children (R), recursively download new remote subtrees (D), crawl local
// files not seen remotely (LF), crawl local folders not seen remotely (LD).
// Phase R completes before LF/LD for the same directory; subfolder
// recursion happens inside Phase R.
type Reconciler struct {
	store         *Store
	localRoot     string
	bidirectional bool
	onConflict    ConflictCallback
	activity      ActivityListener
	logger        *slog.Logger

	// cancelled is checked between remote children; cancellation is
	// cooperative and honored at iteration boundaries only.
	cancelled atomic.Bool
}

// NewReconciler creates a Reconciler. Store and LocalRoot are required.
func NewReconciler(cfg *ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	onConflict := cfg.OnConflict
	if onConflict == nil {
		onConflict = func(string, string) {}
	}

	activity := cfg.Activity
	if activity == nil {
		activity = noopActivity{}
	}

	return &Reconciler{
		store:         cfg.Store,
		localRoot:     filepath.Clean(cfg.LocalRoot),
		bidirectional: cfg.Bidirectional,
		onConflict:    onConflict,
		activity:      activity,
		logger:        logger.With(slog.String("component", "sync")),
	}
}

// Cancel requests that the running pass stop at the next iteration boundary.
func (r *Reconciler) Cancel() {
	r.cancelled.Store(true)
}

// Sync runs one full reconciliation pass rooted at remoteRoot and the
// configured local root. It runs to completion or until a remote error
// propagates; the caller logs the error and re-triggers on the next cycle.
func (r *Reconciler) Sync(ctx context.Context, remoteRoot RemoteFolder) error {
	r.cancelled.Store(false)
	r.activity.Started()
	defer r.activity.Stopped()

	if err := os.MkdirAll(r.localRoot, dirPermissions); err != nil {
		return fmt.Errorf("sync: creating local root: %w", err)
	}

	return r.syncFolder(ctx, remoteRoot, r.localRoot)
}

// checkCancelled folds context cancellation and Cancel() into one check.
func (r *Reconciler) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if r.cancelled.Load() {
		return ErrCancelled
	}

	return nil
}

// syncFolder reconciles one directory level: Phase R over the remote
// children (recursing into subfolders), then Phases LF and LD over the
// local entries absent remotely.
func (r *Reconciler) syncFolder(ctx context.Context, remoteFolder RemoteFolder, localFolder string) error {
	children, err := remoteFolder.Children(ctx)
	if err != nil {
		return fmt.Errorf("sync: listing remote children of %q: %w", remoteFolder.Name(), err)
	}

	// remoteDocs doubles as the Phase LF index: name -> document handle,
	// so content updates need no second scan of the remote children.
	remoteDocs := make(map[string]RemoteDocument)
	remoteSubfolders := make(map[string]struct{})

	for _, child := range children {
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}

		switch c := child.(type) {
		case RemoteFolder:
			remoteSubfolders[c.Name()] = struct{}{}

			if err := r.syncRemoteFolder(ctx, c, localFolder); err != nil {
				return err
			}
		case RemoteDocument:
			name, err := r.syncRemoteDocument(ctx, c, localFolder)
			if err != nil {
				return err
			}

			if name != "" {
				remoteDocs[name] = c
			}
		default:
			r.logger.Warn("unknown remote entry kind, skipping", "name", child.Name())
		}
	}

	if err := r.crawlLocalFiles(ctx, remoteFolder, localFolder, remoteDocs); err != nil {
		return err
	}

	return r.crawlLocalFolders(ctx, remoteFolder, localFolder, remoteSubfolders)
}

// syncRemoteFolder handles one remote subfolder during Phase R.
func (r *Reconciler) syncRemoteFolder(ctx context.Context, remote RemoteFolder, localFolder string) error {
	localSub := filepath.Join(localFolder, remote.Name())

	info, statErr := os.Lstat(localSub)

	switch {
	case statErr == nil && info.IsDir():
		// Both sides have the folder: recurse.
		return r.syncFolder(ctx, remote, localSub)

	case statErr == nil:
		// A local file is shadowed by a remote folder of the same name;
		// the remote kind wins.
		r.logger.Info("local file shadowed by remote folder, removing", "path", localSub)

		if err := os.Remove(localSub); err != nil {
			r.logger.Error("cannot remove shadowed file", "path", localSub, "error", err)
			return nil
		}

		r.store.RemoveFile(ctx, localSub)

		return nil

	case r.store.ContainsFolder(ctx, localSub):
		// The user removed the folder locally since the last sync: the
		// local deletion is authoritative for the remote subtree.
		r.logger.Info("local folder deleted, deleting remote subtree", "path", localSub)

		if err := remote.DeleteTree(ctx, true); err != nil {
			return fmt.Errorf("sync: deleting remote tree %q: %w", remote.Name(), err)
		}

		r.store.RemoveFolder(ctx, localSub)

		return nil

	default:
		// New remote folder: create locally and download the whole subtree.
		r.logger.Info("new remote folder, downloading", "path", localSub)

		if err := os.MkdirAll(localSub, dirPermissions); err != nil {
			r.logger.Error("cannot create local folder", "path", localSub, "error", err)
			return nil
		}

		r.store.AddFolder(ctx, localSub, remote.LastModTime())

		return r.downloadFolder(ctx, remote, localSub)
	}
}

// syncRemoteDocument handles one remote document during Phase R. Returns the
// content-stream filename when the document participates in the pass, or ""
// when it was skipped (null content-stream filename) — skipped documents
// must not enter the Phase LF name set.
func (r *Reconciler) syncRemoteDocument(ctx context.Context, doc RemoteDocument, localFolder string) (string, error) {
	name := doc.ContentStreamFileName()
	if name == "" {
		r.logger.Info("document has no content stream filename, skipping",
			"name", doc.Name(), "folder", localFolder)
		return "", nil
	}

	filePath := filepath.Join(localFolder, name)

	if !entryExists(filePath) {
		if r.store.ContainsFile(ctx, filePath) {
			// The user deleted the file locally: propagate to the remote.
			r.logger.Info("local file deleted, deleting remote document", "path", filePath)

			if err := doc.DeleteAllVersions(ctx); err != nil {
				return "", fmt.Errorf("sync: deleting remote document %q: %w", name, err)
			}

			r.store.RemoveFile(ctx, filePath)

			return name, nil
		}

		// New remote file: download.
		return name, r.downloadDocument(ctx, doc, localFolder)
	}

	remoteMod := doc.LastModTime()
	dbMod := r.store.GetServerModTime(ctx, filePath)

	switch {
	case dbMod == nil:
		// Present locally but unknown to us: the remote copy is
		// authoritative, overwrite and record.
		r.logger.Info("untracked local file, downloading remote version", "path", filePath)
		return name, r.downloadDocument(ctx, doc, localFolder)

	case remoteMod != nil && remoteMod.After(*dbMod):
		if r.store.LocalFileHasChanged(ctx, filePath) {
			return name, r.resolveConflict(ctx, doc, filePath, localFolder)
		}

		// Plain remote-wins update.
		r.logger.Info("remote document changed, downloading", "path", filePath)

		return name, r.downloadDocument(ctx, doc, localFolder)

	default:
		// Remote unchanged per our records; a local change is pushed in
		// Phase LF.
		return name, nil
	}
}

// resolveConflict parks the locally-modified file under a _your-version
// sibling, downloads the remote version to the original path, and notifies
// the conflict callback. Both versions survive.
func (r *Reconciler) resolveConflict(ctx context.Context, doc RemoteDocument, filePath, localFolder string) error {
	savedAs := SuffixIfAbsent(filePath + conflictSuffix)

	r.logger.Warn("conflict: local and remote both changed, keeping both",
		"path", filePath, "saved_as", savedAs, "last_modified_by", doc.LastModifiedBy())

	if err := os.Rename(filePath, savedAs); err != nil {
		r.logger.Error("cannot park conflicting file", "path", filePath, "error", err)
		return nil
	}

	if err := r.downloadDocument(ctx, doc, localFolder); err != nil {
		return err
	}

	r.onConflict(filePath, savedAs)

	return nil
}

// downloadFolder recursively downloads the contents of a remote folder into
// localFolder (Phase D). The local folder itself already exists and is
// recorded; each subfolder is recorded with its own server mod time.
func (r *Reconciler) downloadFolder(ctx context.Context, remote RemoteFolder, localFolder string) error {
	children, err := remote.Children(ctx)
	if err != nil {
		return fmt.Errorf("sync: listing remote children of %q: %w", remote.Name(), err)
	}

	for _, child := range children {
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}

		switch c := child.(type) {
		case RemoteFolder:
			localSub := filepath.Join(localFolder, c.Name())

			if err := os.MkdirAll(localSub, dirPermissions); err != nil {
				r.logger.Error("cannot create local folder", "path", localSub, "error", err)
				continue
			}

			r.store.AddFolder(ctx, localSub, c.LastModTime())

			if err := r.downloadFolder(ctx, c, localSub); err != nil {
				return err
			}
		case RemoteDocument:
			if err := r.downloadDocument(ctx, c, localFolder); err != nil {
				return err
			}
		default:
			r.logger.Warn("unknown remote entry kind, skipping", "name", child.Name())
		}
	}

	return nil
}

// downloadDocument fetches a document's content stream into localFolder,
// staging through a temp file in the same directory and renaming into place,
// then records the file in the shadow database with the document's server
// mod time. A directory squatting on the target path is removed first (the
// remote kind wins).
func (r *Reconciler) downloadDocument(ctx context.Context, doc RemoteDocument, localFolder string) error {
	name := doc.ContentStreamFileName()
	if name == "" {
		r.logger.Info("document has no content stream filename, skipping", "name", doc.Name())
		return nil
	}

	target := filepath.Join(localFolder, name)

	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		r.logger.Info("local folder shadowed by remote document, removing", "path", target)

		if err := os.RemoveAll(target); err != nil {
			r.logger.Error("cannot remove shadowed folder", "path", target, "error", err)
			return nil
		}

		r.store.RemoveFolder(ctx, target)
	}

	stream, err := doc.ContentStream(ctx)
	if err != nil {
		if errors.Is(err, ErrNoContentStream) {
			r.logger.Info("document has no content stream, skipping", "name", doc.Name())
			return nil
		}

		return fmt.Errorf("sync: opening content stream of %q: %w", name, err)
	}
	defer stream.Close()

	if err := writeFileStaged(localFolder, target, stream); err != nil {
		// Remote read errors surface here through io.Copy; they abort the
		// pass like any other remote failure. Pure local disk errors are
		// logged and the pass continues to the next entry.
		var pathErr *fs.PathError

		var linkErr *os.LinkError
		if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
			r.logger.Error("cannot write downloaded file", "path", target, "error", err)
			return nil
		}

		return fmt.Errorf("sync: downloading %q: %w", name, err)
	}

	r.logger.Info("downloaded", "path", target)
	r.store.AddFile(ctx, target, doc.LastModTime())

	return nil
}

// writeFileStaged copies content into a temp file in dir and renames it
// onto target, so a crashed download never leaves a torn file at the
// target path.
func writeFileStaged(dir, target string, content io.Reader) error {
	tmp, err := os.CreateTemp(dir, tempDownloadPrefix+"*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}

	return nil
}

// crawlLocalFiles is Phase LF: non-recursive walk of the plain files in
// localFolder, handling entries the remote crawl did not claim and pushing
// local modifications of claimed entries.
func (r *Reconciler) crawlLocalFiles(
	ctx context.Context, remoteFolder RemoteFolder, localFolder string, remoteDocs map[string]RemoteDocument,
) error {
	entries, err := os.ReadDir(localFolder)
	if err != nil {
		r.logger.Error("cannot read local folder", "path", localFolder, "error", err)
		return nil
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempDownloadPrefix) {
			continue
		}

		if err := r.checkCancelled(ctx); err != nil {
			return err
		}

		name := entry.Name()
		filePath := filepath.Join(localFolder, name)

		doc, onRemote := remoteDocs[name]
		if !onRemote {
			if r.store.ContainsFile(ctx, filePath) {
				// Known to us but gone remotely: the remote deletion is
				// authoritative.
				r.logger.Info("remote document deleted, removing local file", "path", filePath)

				if err := os.Remove(filePath); err != nil {
					r.logger.Error("cannot remove local file", "path", filePath, "error", err)
					continue
				}

				r.store.RemoveFile(ctx, filePath)

				continue
			}

			if r.bidirectional {
				if err := r.uploadNewFile(ctx, remoteFolder, filePath, name); err != nil {
					return err
				}
			}

			continue
		}

		if r.bidirectional && r.store.LocalFileHasChanged(ctx, filePath) {
			if err := r.updateDocument(ctx, doc, filePath); err != nil {
				return err
			}
		}
	}

	return nil
}

// uploadNewFile creates a document on the remote from a local file the
// shadow database has never seen. When the local file vanishes mid-upload,
// any partially-created remote document is deleted to revert.
func (r *Reconciler) uploadNewFile(ctx context.Context, remoteFolder RemoteFolder, filePath, name string) error {
	f, err := os.Open(filePath)
	if err != nil {
		r.logger.Warn("cannot open local file for upload, skipping", "path", filePath, "error", err)
		return nil
	}
	defer f.Close()

	r.logger.Info("uploading new file", "path", filePath)

	doc, err := remoteFolder.CreateDocument(ctx, name, mimeTypeFor(name), f)
	if err != nil {
		if entryExists(filePath) {
			return fmt.Errorf("sync: creating remote document %q: %w", name, err)
		}

		// The file vanished mid-upload. Revert a partial remote creation so
		// the next cycle starts clean.
		r.logger.Warn("local file vanished during upload, reverting", "path", filePath)
		r.revertPartialUpload(ctx, remoteFolder, name)

		return nil
	}

	r.store.AddFile(ctx, filePath, doc.LastModTime())

	return nil
}

// revertPartialUpload removes a document that a failed upload may have left
// behind on the remote. Best effort: failures are logged, the next cycle
// reconciles whatever remains.
func (r *Reconciler) revertPartialUpload(ctx context.Context, remoteFolder RemoteFolder, name string) {
	children, err := remoteFolder.Children(ctx)
	if err != nil {
		r.logger.Error("cannot list remote children to revert upload", "name", name, "error", err)
		return
	}

	for _, child := range children {
		doc, ok := child.(RemoteDocument)
		if !ok || doc.Name() != name {
			continue
		}

		if err := doc.DeleteAllVersions(ctx); err != nil {
			r.logger.Error("cannot delete partial remote document", "name", name, "error", err)
		}

		return
	}
}

// updateDocument pushes modified local content to an existing remote
// document and re-records the file with the refreshed server mod time.
func (r *Reconciler) updateDocument(ctx context.Context, doc RemoteDocument, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		r.logger.Warn("cannot open local file for update, skipping", "path", filePath, "error", err)
		return nil
	}
	defer f.Close()

	r.logger.Info("uploading changed content", "path", filePath)

	modTime, err := doc.SetContentStream(ctx, f, true)
	if err != nil {
		return fmt.Errorf("sync: updating content of %q: %w", doc.Name(), err)
	}

	r.store.AddFile(ctx, filePath, modTime)

	return nil
}

// crawlLocalFolders is Phase LD: non-recursive walk of the directories in
// localFolder that the remote crawl did not claim.
func (r *Reconciler) crawlLocalFolders(
	ctx context.Context, remoteFolder RemoteFolder, localFolder string, remoteSubfolders map[string]struct{},
) error {
	entries, err := os.ReadDir(localFolder)
	if err != nil {
		r.logger.Error("cannot read local folder", "path", localFolder, "error", err)
		return nil
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if err := r.checkCancelled(ctx); err != nil {
			return err
		}

		name := entry.Name()
		if _, onRemote := remoteSubfolders[name]; onRemote {
			continue
		}

		dirPath := filepath.Join(localFolder, name)

		if r.store.ContainsFolder(ctx, dirPath) {
			// Known to us but gone remotely: the remote deletion is
			// authoritative for the local subtree.
			r.logger.Info("remote folder deleted, removing local folder", "path", dirPath)

			if err := os.RemoveAll(dirPath); err != nil {
				r.logger.Error("cannot remove local folder", "path", dirPath, "error", err)
				continue
			}

			r.store.RemoveFolder(ctx, dirPath)

			continue
		}

		if !r.bidirectional {
			continue
		}

		r.logger.Info("creating remote folder", "path", dirPath)

		created, err := remoteFolder.CreateFolder(ctx, name)
		if err != nil {
			return fmt.Errorf("sync: creating remote folder %q: %w", name, err)
		}

		r.store.AddFolder(ctx, dirPath, created.LastModTime())
		// The subtree's contents are pushed on the next cycle via LF/LD.
	}

	return nil
}

// mimeTypeFor guesses a MIME type from the filename extension.
func mimeTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}

	return defaultMIMEType
}
