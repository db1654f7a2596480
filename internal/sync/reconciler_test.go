package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake remote ---

// fakeRemote tracks operation counts across a whole fake tree, so tests can
// assert idempotence (a second pass performs zero downloads and writes).
// Counters are atomic because loop tests observe them from another goroutine.
type fakeRemote struct {
	writes      atomic.Int32 // creates, content updates, deletes
	contentGets atomic.Int32 // content stream opens
}

// fakeFolder implements RemoteFolder over an in-memory tree.
type fakeFolder struct {
	remote  *fakeRemote
	name    string
	mod     *time.Time
	parent  *fakeFolder
	folders map[string]*fakeFolder
	docs    map[string]*fakeDoc

	// createDocumentHook, when set, runs before CreateDocument returns.
	// Tests use it to simulate a local file vanishing mid-upload.
	createDocumentHook func(name string) error
}

// fakeDoc implements RemoteDocument.
type fakeDoc struct {
	remote     *fakeRemote
	name       string // display name
	fileName   string // contentStreamFileName; "" models a null filename
	mod        *time.Time
	modifiedBy string
	content    []byte
	parent     *fakeFolder
}

func newFakeFolder(name string, mod *time.Time) *fakeFolder {
	return &fakeFolder{
		remote:  &fakeRemote{},
		name:    name,
		mod:     mod,
		folders: map[string]*fakeFolder{},
		docs:    map[string]*fakeDoc{},
	}
}

// addFolder attaches a subfolder sharing the root's counters.
func (f *fakeFolder) addFolder(name string, mod *time.Time) *fakeFolder {
	sub := newFakeFolder(name, mod)
	sub.remote = f.remote
	sub.parent = f
	f.folders[name] = sub

	return sub
}

// addDoc attaches a document whose content-stream filename equals its name.
func (f *fakeFolder) addDoc(name string, mod *time.Time, content string) *fakeDoc {
	doc := &fakeDoc{
		remote:     f.remote,
		name:       name,
		fileName:   name,
		mod:        mod,
		modifiedBy: "someone",
		content:    []byte(content),
		parent:     f,
	}
	f.docs[name] = doc

	return doc
}

func (f *fakeFolder) writeCount() int { return int(f.remote.writes.Load()) }

func (f *fakeFolder) contentGetCount() int { return int(f.remote.contentGets.Load()) }

func (f *fakeFolder) Name() string { return f.name }

func (f *fakeFolder) LastModTime() *time.Time { return f.mod }

func (f *fakeFolder) Children(_ context.Context) ([]RemoteEntry, error) {
	names := make([]string, 0, len(f.folders))
	for name := range f.folders {
		names = append(names, name)
	}

	sort.Strings(names)

	entries := make([]RemoteEntry, 0, len(f.folders)+len(f.docs))
	for _, name := range names {
		entries = append(entries, f.folders[name])
	}

	docNames := make([]string, 0, len(f.docs))
	for name := range f.docs {
		docNames = append(docNames, name)
	}

	sort.Strings(docNames)

	for _, name := range docNames {
		entries = append(entries, f.docs[name])
	}

	return entries, nil
}

func (f *fakeFolder) CreateFolder(_ context.Context, name string) (RemoteFolder, error) {
	f.remote.writes.Add(1)

	mod := fakeTime("2026-03-05T12:00:00Z")

	return f.addFolder(name, mod), nil
}

func (f *fakeFolder) CreateDocument(
	_ context.Context, name, _ string, content io.Reader,
) (RemoteDocument, error) {
	if f.createDocumentHook != nil {
		// Partial creation: the document appears on the remote even though
		// the upload then fails.
		f.remote.writes.Add(1)
		f.addDoc(name, fakeTime("2026-03-05T12:00:00Z"), "partial")

		return nil, f.createDocumentHook(name)
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	f.remote.writes.Add(1)

	doc := f.addDoc(name, fakeTime("2026-03-05T12:00:00Z"), string(data))

	return doc, nil
}

func (f *fakeFolder) DeleteTree(_ context.Context, _ bool) error {
	f.remote.writes.Add(1)

	if f.parent != nil {
		delete(f.parent.folders, f.name)
	}

	return nil
}

func (d *fakeDoc) Name() string { return d.name }

func (d *fakeDoc) ContentStreamFileName() string { return d.fileName }

func (d *fakeDoc) LastModTime() *time.Time { return d.mod }

func (d *fakeDoc) LastModifiedBy() string { return d.modifiedBy }

func (d *fakeDoc) ContentStream(_ context.Context) (io.ReadCloser, error) {
	d.remote.contentGets.Add(1)
	return io.NopCloser(bytes.NewReader(d.content)), nil
}

func (d *fakeDoc) SetContentStream(_ context.Context, content io.Reader, _ bool) (*time.Time, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	d.remote.writes.Add(1)
	d.content = data
	d.mod = fakeTime("2026-03-06T12:00:00Z")

	return d.mod, nil
}

func (d *fakeDoc) DeleteAllVersions(_ context.Context) error {
	d.remote.writes.Add(1)

	if d.parent != nil {
		delete(d.parent.docs, d.name)
	}

	return nil
}

// --- helpers ---

func fakeTime(value string) *time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}

	return &t
}

// reconcilerEnv bundles a store, a fake remote root, and a reconciler over
// a fresh temp directory.
type reconcilerEnv struct {
	root      string
	store     *Store
	remote    *fakeFolder
	conflicts [][2]string
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()

	store, root := newTestStore(t)

	return &reconcilerEnv{
		root:   root,
		store:  store,
		remote: newFakeFolder("docs", fakeTime("2026-03-01T08:00:00Z")),
	}
}

func (e *reconcilerEnv) reconciler(t *testing.T, bidirectional bool) *Reconciler {
	t.Helper()

	return NewReconciler(&ReconcilerConfig{
		Store:         e.store,
		LocalRoot:     e.root,
		Bidirectional: bidirectional,
		OnConflict: func(localPath, savedAsPath string) {
			e.conflicts = append(e.conflicts, [2]string{localPath, savedAsPath})
		},
		Logger: testLogger(t),
	})
}

func (e *reconcilerEnv) sync(t *testing.T, bidirectional bool) {
	t.Helper()
	require.NoError(t, e.reconciler(t, bidirectional).Sync(context.Background(), e.remote))
}

func readLocal(t *testing.T, root, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)

	return string(data)
}

func localExists(root, rel string) bool {
	_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

// localTree maps relative slash paths to content ("" plus trailing "/" for
// directories), for convergence assertions.
func localTree(t *testing.T, root string) map[string]string {
	t.Helper()

	tree := map[string]string{}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			tree[rel+"/"] = ""
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		tree[rel] = string(data)

		return nil
	})
	require.NoError(t, err)

	return tree
}

// remoteTree maps the fake remote to the same shape as localTree.
func remoteTree(f *fakeFolder, prefix string, into map[string]string) map[string]string {
	if into == nil {
		into = map[string]string{}
	}

	for name, sub := range f.folders {
		into[prefix+name+"/"] = ""
		remoteTree(sub, prefix+name+"/", into)
	}

	for _, doc := range f.docs {
		if doc.fileName == "" {
			continue
		}

		into[prefix+doc.fileName] = string(doc.content)
	}

	return into
}

// --- scenarios ---

// Scenario 1: a fresh remote subtree appears locally with shadow records.
func TestSync_NewRemoteFolderDownloads(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	folderMod := fakeTime("2026-03-01T09:00:00Z")
	docMod := fakeTime("2026-03-01T10:00:00Z")

	a := env.remote.addFolder("A", folderMod)
	a.addDoc("x.txt", docMod, "remote bytes")

	env.sync(t, true)

	assert.Equal(t, "remote bytes", readLocal(t, env.root, "A/x.txt"))

	assert.True(t, env.store.ContainsFolder(ctx, filepath.Join(env.root, "A")))
	assert.True(t, env.store.ContainsFile(ctx, filepath.Join(env.root, "A/x.txt")))

	got := env.store.GetServerModTime(ctx, filepath.Join(env.root, "A/x.txt"))
	require.NotNil(t, got)
	assert.True(t, got.Equal(*docMod))
}

// Scenario 2: a local edit with an unchanged remote uploads and re-records.
func TestSync_LocalModificationUploads(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	t0 := fakeTime("2026-03-01T10:00:00Z")
	doc := env.remote.addDoc("x.txt", t0, "v1")

	path := writeLocal(t, env.root, "x.txt", "v1")
	env.store.AddFile(ctx, path, t0)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	env.sync(t, true)

	assert.Equal(t, "v2", string(doc.content))
	assert.False(t, env.store.LocalFileHasChanged(ctx, path), "checksum must reflect the uploaded content")

	got := env.store.GetServerModTime(ctx, path)
	require.NotNil(t, got)
	assert.True(t, got.Equal(*doc.mod), "mod time must be the server's post-upload time")
}

// Scenario 2b: download-only mode never pushes local edits.
func TestSync_LocalModificationIgnoredWhenDownloadOnly(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	t0 := fakeTime("2026-03-01T10:00:00Z")
	doc := env.remote.addDoc("x.txt", t0, "v1")

	path := writeLocal(t, env.root, "x.txt", "v1")
	env.store.AddFile(ctx, path, t0)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	env.sync(t, false)

	assert.Equal(t, "v1", string(doc.content))
	assert.Zero(t, env.remote.writeCount())
}

// Scenario 3: both sides changed — keep both versions and notify.
func TestSync_ConflictKeepsBothVersions(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	t0 := fakeTime("2026-03-01T10:00:00Z")
	t1 := fakeTime("2026-03-02T10:00:00Z")

	path := writeLocal(t, env.root, "x.txt", "v1")
	env.store.AddFile(ctx, path, t0)

	env.remote.addDoc("x.txt", t1, "server v2")
	require.NoError(t, os.WriteFile(path, []byte("local v2"), 0o644))

	env.sync(t, true)

	assert.Equal(t, "server v2", readLocal(t, env.root, "x.txt"))
	assert.Equal(t, "local v2", readLocal(t, env.root, "x.txt_your-version"))

	got := env.store.GetServerModTime(ctx, path)
	require.NotNil(t, got)
	assert.True(t, got.Equal(*t1))
	assert.False(t, env.store.LocalFileHasChanged(ctx, path))

	require.Len(t, env.conflicts, 1)
	assert.Equal(t, path, env.conflicts[0][0])
	assert.Equal(t, path+"_your-version", env.conflicts[0][1])
}

// A second conflict on the same path parks under "x.txt_your-version (1)".
func TestSync_ConflictSuffixAvoidsCollision(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	t0 := fakeTime("2026-03-01T10:00:00Z")
	t1 := fakeTime("2026-03-02T10:00:00Z")

	path := writeLocal(t, env.root, "x.txt", "v1")
	env.store.AddFile(ctx, path, t0)
	writeLocal(t, env.root, "x.txt_your-version", "older parked copy")

	env.remote.addDoc("x.txt", t1, "server v2")
	require.NoError(t, os.WriteFile(path, []byte("local v2"), 0o644))

	env.sync(t, true)

	assert.Equal(t, "older parked copy", readLocal(t, env.root, "x.txt_your-version"))
	assert.Equal(t, "local v2", readLocal(t, env.root, "x.txt_your-version (1)"))
}

// Remote moved forward but the local copy is untouched: plain remote-wins.
func TestSync_RemoteNewerLocalUnchangedRedownloads(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	t0 := fakeTime("2026-03-01T10:00:00Z")
	t1 := fakeTime("2026-03-02T10:00:00Z")

	path := writeLocal(t, env.root, "x.txt", "v1")
	env.store.AddFile(ctx, path, t0)

	env.remote.addDoc("x.txt", t1, "v2")

	env.sync(t, true)

	assert.Equal(t, "v2", readLocal(t, env.root, "x.txt"))
	assert.Empty(t, env.conflicts)

	got := env.store.GetServerModTime(ctx, path)
	require.NotNil(t, got)
	assert.True(t, got.Equal(*t1))
}

// A local file the shadow DB has never seen loses to the remote copy.
func TestSync_UntrackedLocalFileOverwritten(t *testing.T) {
	env := newReconcilerEnv(t)

	env.remote.addDoc("x.txt", fakeTime("2026-03-01T10:00:00Z"), "remote")
	writeLocal(t, env.root, "x.txt", "local stranger")

	env.sync(t, true)

	assert.Equal(t, "remote", readLocal(t, env.root, "x.txt"))
}

// Scenario 4: deleting a tracked folder locally deletes the remote subtree.
func TestSync_LocalFolderDeletionPropagates(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	a := env.remote.addFolder("A", fakeTime("2026-03-01T09:00:00Z"))
	a.addDoc("x.txt", fakeTime("2026-03-01T10:00:00Z"), "bytes")

	// Previously synced, then the user deleted the local directory.
	xPath := writeLocal(t, env.root, "A/x.txt", "bytes")
	env.store.AddFolder(ctx, filepath.Join(env.root, "A"), nil)
	env.store.AddFile(ctx, xPath, nil)
	require.NoError(t, os.RemoveAll(filepath.Join(env.root, "A")))

	env.sync(t, true)

	assert.NotContains(t, env.remote.folders, "A")
	assert.False(t, env.store.ContainsFolder(ctx, filepath.Join(env.root, "A")))
	assert.False(t, env.store.ContainsFile(ctx, filepath.Join(env.root, "A/x.txt")))
}

// Scenario 5: a tracked folder gone from the remote is removed locally.
func TestSync_RemoteFolderDeletionPropagates(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	yPath := writeLocal(t, env.root, "A/y.txt", "bytes")
	env.store.AddFolder(ctx, filepath.Join(env.root, "A"), nil)
	env.store.AddFile(ctx, yPath, nil)

	env.sync(t, true)

	assert.False(t, localExists(env.root, "A"))
	assert.False(t, env.store.ContainsFolder(ctx, filepath.Join(env.root, "A")))
	assert.False(t, env.store.ContainsFile(ctx, yPath))
}

// Scenario 6: documents without a content-stream filename are skipped.
func TestSync_NullFilenameDocumentSkipped(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	doc := env.remote.addDoc("ghost", fakeTime("2026-03-01T10:00:00Z"), "invisible")
	doc.fileName = ""

	env.sync(t, true)

	assert.False(t, localExists(env.root, "ghost"))
	assert.False(t, env.store.ContainsFile(ctx, filepath.Join(env.root, "ghost")))
	assert.Zero(t, env.remote.contentGetCount())
}

// A local file coinciding with a skipped document's display name survives a
// download-only pass untouched.
func TestSync_NullFilenameDoesNotDeleteDisplayNameSake(t *testing.T) {
	env := newReconcilerEnv(t)

	doc := env.remote.addDoc("ghost", fakeTime("2026-03-01T10:00:00Z"), "invisible")
	doc.fileName = ""

	writeLocal(t, env.root, "ghost", "precious local data")

	env.sync(t, false)

	assert.Equal(t, "precious local data", readLocal(t, env.root, "ghost"))
}

// Deleting a tracked file locally deletes the document remotely.
func TestSync_LocalFileDeletionPropagates(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	env.remote.addDoc("x.txt", fakeTime("2026-03-01T10:00:00Z"), "bytes")

	// Previously synced, then the user deleted the local file.
	path := writeLocal(t, env.root, "x.txt", "bytes")
	env.store.AddFile(ctx, path, fakeTime("2026-03-01T10:00:00Z"))
	require.NoError(t, os.Remove(path))

	env.sync(t, true)

	assert.NotContains(t, env.remote.docs, "x.txt")
	assert.False(t, env.store.ContainsFile(ctx, path))
}

// A tracked file gone from the remote is removed locally.
func TestSync_RemoteFileDeletionPropagates(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	path := writeLocal(t, env.root, "x.txt", "bytes")
	env.store.AddFile(ctx, path, nil)

	env.sync(t, true)

	assert.False(t, localExists(env.root, "x.txt"))
	assert.False(t, env.store.ContainsFile(ctx, path))
}

// A brand-new local file uploads in bidirectional mode.
func TestSync_NewLocalFileUploads(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	path := writeLocal(t, env.root, "new.txt", "fresh")

	env.sync(t, true)

	require.Contains(t, env.remote.docs, "new.txt")
	assert.Equal(t, "fresh", string(env.remote.docs["new.txt"].content))
	assert.True(t, env.store.ContainsFile(ctx, path))

	got := env.store.GetServerModTime(ctx, path)
	require.NotNil(t, got)
	assert.True(t, got.Equal(*env.remote.docs["new.txt"].mod))
}

func TestSync_NewLocalFileIgnoredWhenDownloadOnly(t *testing.T) {
	env := newReconcilerEnv(t)

	writeLocal(t, env.root, "new.txt", "fresh")

	env.sync(t, false)

	assert.Empty(t, env.remote.docs)
	assert.Zero(t, env.remote.writeCount())
}

// A brand-new local folder is created remotely; contents follow next cycle.
func TestSync_NewLocalFolderCreatesRemote(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	writeLocal(t, env.root, "B/inner.txt", "later")

	env.sync(t, true)

	require.Contains(t, env.remote.folders, "B")
	assert.True(t, env.store.ContainsFolder(ctx, filepath.Join(env.root, "B")))

	// The next pass pushes the contents.
	env.sync(t, true)

	require.Contains(t, env.remote.folders["B"].docs, "inner.txt")
	assert.Equal(t, "later", string(env.remote.folders["B"].docs["inner.txt"].content))
}

// Kind collision: a remote folder shadows a local file of the same name.
func TestSync_RemoteFolderShadowsLocalFile(t *testing.T) {
	env := newReconcilerEnv(t)

	env.remote.addFolder("thing", fakeTime("2026-03-01T09:00:00Z"))
	writeLocal(t, env.root, "thing", "i am a file")

	env.sync(t, true)

	// The remote kind wins; the directory appears on the following pass.
	assert.False(t, localExists(env.root, "thing"))

	env.sync(t, true)

	info, err := os.Stat(filepath.Join(env.root, "thing"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// Kind collision: a remote document shadows a local directory.
func TestSync_RemoteDocumentShadowsLocalFolder(t *testing.T) {
	env := newReconcilerEnv(t)

	env.remote.addDoc("thing", fakeTime("2026-03-01T10:00:00Z"), "doc bytes")
	writeLocal(t, env.root, "thing/nested.txt", "old")

	env.sync(t, true)

	assert.Equal(t, "doc bytes", readLocal(t, env.root, "thing"))
}

// A vanished upload reverts the partially-created remote document.
func TestSync_VanishedUploadReverted(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	path := writeLocal(t, env.root, "vanishing.txt", "going going")

	env.remote.createDocumentHook = func(string) error {
		require.NoError(t, os.Remove(path))
		return errors.New("stream aborted")
	}

	env.sync(t, true)

	assert.NotContains(t, env.remote.docs, "vanishing.txt")
	assert.False(t, env.store.ContainsFile(ctx, path))
}

// P2: a second pass with no external mutation performs no remote writes,
// downloads nothing, and leaves the local tree untouched.
func TestSync_Idempotent(t *testing.T) {
	env := newReconcilerEnv(t)

	a := env.remote.addFolder("A", fakeTime("2026-03-01T09:00:00Z"))
	a.addDoc("x.txt", fakeTime("2026-03-01T10:00:00Z"), "one")
	env.remote.addDoc("top.txt", fakeTime("2026-03-01T11:00:00Z"), "two")
	writeLocal(t, env.root, "local.txt", "three")

	env.sync(t, true)

	treeBefore := localTree(t, env.root)
	writesBefore := env.remote.writeCount()
	getsBefore := env.remote.contentGetCount()

	env.sync(t, true)

	assert.Equal(t, treeBefore, localTree(t, env.root))
	assert.Equal(t, writesBefore, env.remote.writeCount(), "second pass must perform zero remote writes")
	assert.Equal(t, getsBefore, env.remote.contentGetCount(), "second pass must download nothing")
}

// P1: after enough undisturbed passes the trees converge.
func TestSync_Convergence(t *testing.T) {
	env := newReconcilerEnv(t)

	a := env.remote.addFolder("A", fakeTime("2026-03-01T09:00:00Z"))
	a.addDoc("x.txt", fakeTime("2026-03-01T10:00:00Z"), "remote x")
	writeLocal(t, env.root, "B/deep/y.txt", "local y")
	writeLocal(t, env.root, "z.txt", "local z")

	// Three passes: the first creates remote B, the second creates B/deep,
	// the third uploads B/deep/y.txt.
	env.sync(t, true)
	env.sync(t, true)
	env.sync(t, true)

	assert.Equal(t, remoteTree(env.remote, "", nil), localTree(t, env.root))
}

func TestSync_CancelledContext(t *testing.T) {
	env := newReconcilerEnv(t)
	env.remote.addDoc("x.txt", fakeTime("2026-03-01T10:00:00Z"), "bytes")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.reconciler(t, true).Sync(ctx, env.remote)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
