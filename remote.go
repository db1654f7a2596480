package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/cmisync-go/internal/cmis"
	"github.com/tonimelisma/cmisync-go/internal/config"
	"github.com/tonimelisma/cmisync-go/internal/sync"
)

// This file wires the CMIS client to the sync engine. The engine defines
// the RemoteFolder/RemoteDocument interfaces it consumes; the thin wrappers
// below adapt the client's concrete types to them. Interface returns cannot
// be satisfied covariantly in Go, hence the wrapping.

// cmisFolder adapts *cmis.Folder to sync.RemoteFolder.
type cmisFolder struct {
	f *cmis.Folder
}

// cmisDocument adapts *cmis.Document to sync.RemoteDocument.
type cmisDocument struct {
	d *cmis.Document
}

func (w cmisFolder) Name() string { return w.f.Name() }

func (w cmisFolder) LastModTime() *time.Time { return w.f.LastModTime() }

func (w cmisFolder) Children(ctx context.Context) ([]sync.RemoteEntry, error) {
	children, err := w.f.Children(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]sync.RemoteEntry, 0, len(children))

	for _, child := range children {
		switch c := child.(type) {
		case *cmis.Folder:
			entries = append(entries, cmisFolder{f: c})
		case *cmis.Document:
			entries = append(entries, cmisDocument{d: c})
		}
	}

	return entries, nil
}

func (w cmisFolder) CreateFolder(ctx context.Context, name string) (sync.RemoteFolder, error) {
	created, err := w.f.CreateFolder(ctx, name)
	if err != nil {
		return nil, err
	}

	return cmisFolder{f: created}, nil
}

func (w cmisFolder) CreateDocument(
	ctx context.Context, name, mimeType string, content io.Reader,
) (sync.RemoteDocument, error) {
	created, err := w.f.CreateDocument(ctx, name, mimeType, content)
	if err != nil {
		return nil, err
	}

	return cmisDocument{d: created}, nil
}

func (w cmisFolder) DeleteTree(ctx context.Context, continueOnFailure bool) error {
	return w.f.DeleteTree(ctx, continueOnFailure)
}

func (w cmisDocument) Name() string { return w.d.Name() }

func (w cmisDocument) ContentStreamFileName() string { return w.d.ContentStreamFileName() }

func (w cmisDocument) LastModTime() *time.Time { return w.d.LastModTime() }

func (w cmisDocument) LastModifiedBy() string { return w.d.LastModifiedBy() }

func (w cmisDocument) ContentStream(ctx context.Context) (io.ReadCloser, error) {
	stream, err := w.d.ContentStream(ctx)
	if errors.Is(err, cmis.ErrNoContentStream) {
		return nil, sync.ErrNoContentStream
	}

	return stream, err
}

func (w cmisDocument) SetContentStream(ctx context.Context, content io.Reader, overwrite bool) (*time.Time, error) {
	return w.d.SetContentStream(ctx, content, overwrite)
}

func (w cmisDocument) DeleteAllVersions(ctx context.Context) error {
	return w.d.DeleteAllVersions(ctx)
}

// httpClient is shared by all folders. No client-level timeout: content
// transfers can be arbitrarily long and are bounded by context cancellation
// instead.
var httpClient = &http.Client{}

// connector returns the ConnectFunc for one configured folder: establish a
// session, resolve the remote root folder by path.
func connector(folder *config.Folder, logger *slog.Logger) sync.ConnectFunc {
	return func(ctx context.Context) (sync.RemoteFolder, error) {
		client := cmis.NewClient(folder.URL, folder.User, folder.Password, httpClient, logger)

		repo, err := client.Connect(ctx, folder.RepositoryID)
		if err != nil {
			return nil, err
		}

		if repo.Info.ChangeLogCapability.SupportsChangeFeed() {
			// The incremental change-feed path is not implemented; the
			// crawl handles these repositories too.
			logger.Info("repository supports change log, using crawl sync",
				"capability", string(repo.Info.ChangeLogCapability))
		}

		root, err := repo.GetFolderByPath(ctx, folder.RemoteFolderPath)
		if err != nil {
			return nil, err
		}

		return cmisFolder{f: root}, nil
	}
}

// folderWorker bundles the per-folder sync machinery.
type folderWorker struct {
	folder *config.Folder
	store  *sync.Store
	loop   *sync.Loop
}

// newFolderWorker opens the folder's shadow database and assembles its
// reconciler and loop. The caller closes the worker.
func newFolderWorker(folder *config.Folder, cfg *config.Config, logger *slog.Logger) (*folderWorker, error) {
	store, err := sync.NewStore(config.DatabasePath(folder.LocalPath), folder.LocalPath, logger)
	if err != nil {
		return nil, err
	}

	reconciler := sync.NewReconciler(&sync.ReconcilerConfig{
		Store:         store,
		LocalRoot:     folder.LocalPath,
		Bidirectional: folder.IsBidirectional(),
		OnConflict:    notifyConflict,
		Logger:        logger,
	})

	loop := sync.NewLoop(sync.LoopConfig{
		FolderName:    folder.CanonicalName,
		Connect:       connector(folder, logger),
		Reconciler:    reconciler,
		RetryInterval: cfg.Sync.EffectiveConnectRetryInterval(),
		PollInterval:  folder.EffectivePollInterval(),
		Retryable:     cmis.IsRuntime,
		Logger:        logger,
	})

	return &folderWorker{folder: folder, store: store, loop: loop}, nil
}

func (w *folderWorker) Close() error {
	return w.store.Close()
}
