package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manavaga/web3-signals/internal/agent"
	"github.com/manavaga/web3-signals/internal/storage"
)

// fakeObjectStore is an in-memory ObjectStore for backup tests.
type fakeObjectStore struct {
	objects map[string][]byte
	deleted []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (f *fakeObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	blob, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = blob
	return nil
}

func (f *fakeObjectStore) List(ctx context.Context, prefix string) ([]types.Object, error) {
	var out []types.Object
	for key, blob := range f.objects {
		k := key
		size := int64(len(blob))
		out = append(out, types.Object{Key: &k, Size: &size})
	}
	return out, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func writeTestDB(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.db")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, dir
}

func extractArchive(t *testing.T, blob []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = content
	}
	return files
}

func TestCreateAndUploadArchivesDatabase(t *testing.T) {
	dbPath, dataDir := writeTestDB(t, "signal rows")
	store := newFakeObjectStore()
	svc := NewBackupService(store, dbPath, dataDir, zerolog.Nop())

	require.NoError(t, svc.CreateAndUpload(context.Background()))
	require.Len(t, store.objects, 1)

	var key string
	var blob []byte
	for k, b := range store.objects {
		key, blob = k, b
	}
	assert.Contains(t, key, backupPrefix)
	assert.Contains(t, key, ".tar.gz")

	files := extractArchive(t, blob)
	require.Contains(t, files, "signals.db")
	require.Contains(t, files, "backup-metadata.json")
	assert.Equal(t, "signal rows", string(files["signals.db"]))

	var meta backupMetadata
	require.NoError(t, json.Unmarshal(files["backup-metadata.json"], &meta))
	assert.Equal(t, "signals.db", meta.Filename)
	assert.Equal(t, int64(len("signal rows")), meta.SizeBytes)

	want, err := fileChecksum(dbPath)
	require.NoError(t, err)
	assert.Equal(t, want, meta.Checksum)

	// staging directory is removed after upload
	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "signals.db", entries[0].Name())
}

func TestListBackupsNewestFirst(t *testing.T) {
	store := newFakeObjectStore()
	store.objects[backupKeyAt(time.Now().Add(-48*time.Hour))] = []byte("a")
	store.objects[backupKeyAt(time.Now().Add(-1*time.Hour))] = []byte("bb")
	store.objects["unrelated-object.txt"] = []byte("x")

	svc := NewBackupService(store, "", "", zerolog.Nop())
	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)

	require.Len(t, backups, 2)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
	assert.Equal(t, int64(2), backups[0].SizeBytes)
	assert.GreaterOrEqual(t, backups[1].AgeHours, int64(47))
}

func TestRotateOldBackupsKeepsNewest(t *testing.T) {
	store := newFakeObjectStore()
	for i := 0; i < 5; i++ {
		store.objects[backupKeyAt(time.Now().AddDate(0, 0, -40-i))] = []byte("b")
	}
	svc := NewBackupService(store, "", "", zerolog.Nop())

	require.NoError(t, svc.RotateOldBackups(context.Background(), 30))
	assert.Len(t, store.objects, minBackupsToKeep)
	assert.Len(t, store.deleted, 2)
}

func TestRotateOldBackupsZeroRetentionKeepsAll(t *testing.T) {
	store := newFakeObjectStore()
	for i := 0; i < 5; i++ {
		store.objects[backupKeyAt(time.Now().AddDate(0, 0, -100-i))] = []byte("b")
	}
	svc := NewBackupService(store, "", "", zerolog.Nop())

	require.NoError(t, svc.RotateOldBackups(context.Background(), 0))
	assert.Len(t, store.objects, 5)
}

func TestRotateOldBackupsRespectsRetentionWindow(t *testing.T) {
	store := newFakeObjectStore()
	// all recent, well above the keep-minimum
	for i := 0; i < 5; i++ {
		store.objects[backupKeyAt(time.Now().AddDate(0, 0, -i))] = []byte("b")
	}
	svc := NewBackupService(store, "", "", zerolog.Nop())

	require.NoError(t, svc.RotateOldBackups(context.Background(), 30))
	assert.Len(t, store.objects, 5)
}

func backupKeyAt(ts time.Time) string {
	return backupPrefix + ts.UTC().Format(backupTimestamp) + ".tar.gz"
}

func newTestStore(t *testing.T) (*storage.SQLiteStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLite(filepath.Join(dir, "signals.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func seedStream(t *testing.T, store storage.Store, name string, age time.Duration) {
	t.Helper()
	env := &agent.Envelope{
		Agent:     name,
		Profile:   "default",
		Timestamp: time.Now().UTC().Add(-age),
		Status:    agent.StatusSuccess,
		Data:      json.RawMessage(`{}`),
	}
	require.NoError(t, store.Save(context.Background(), name, env))
}

func TestRunDailyPrunesOldRows(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedStream(t, store, "whale_agent", time.Duration(40*24)*time.Hour)
	}
	seedStream(t, store, "whale_agent", time.Hour)

	for i := 0; i < 2; i++ {
		require.NoError(t, store.SaveAPIRequest(ctx, storage.APIRequest{
			Timestamp: time.Now().UTC().AddDate(0, 0, -100),
			Endpoint:  "/signal", Method: "GET", StatusCode: 200,
		}))
	}

	m := NewMaintenance(store, store.DB(), nil, DefaultRetention(), dir, zerolog.Nop())
	m.RunDaily(ctx)

	total, err := store.CountRows(ctx, "whale_agent")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	analytics, err := store.LoadAPIAnalytics(ctx, 365)
	require.NoError(t, err)
	assert.Zero(t, analytics.TotalRequests)
}

func TestRunWeeklyVacuums(t *testing.T) {
	store, dir := newTestStore(t)

	for i := 0; i < 20; i++ {
		seedStream(t, store, "market_agent", time.Hour)
	}

	m := NewMaintenance(store, store.DB(), nil, DefaultRetention(), dir, zerolog.Nop())
	m.RunWeekly(context.Background())

	stats, err := store.DB().GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.SizeBytes, int64(0))
}

func TestRunBackupUploadsAndRotates(t *testing.T) {
	store, dir := newTestStore(t)
	objects := newFakeObjectStore()

	// old archives beyond retention, plus the run's new one
	for i := 0; i < 3; i++ {
		objects.objects[backupKeyAt(time.Now().AddDate(0, 0, -60-i))] = []byte("b")
	}

	svc := NewBackupService(objects, store.DB().Path(), dir, zerolog.Nop())
	m := NewMaintenance(store, store.DB(), svc, DefaultRetention(), dir, zerolog.Nop())
	m.RunBackup(context.Background())

	// the fresh upload plus rotation keeping the newest three
	require.Len(t, objects.objects, minBackupsToKeep)

	today := backupPrefix + time.Now().UTC().Format("2006-01-02")
	fresh := false
	for key := range objects.objects {
		if strings.HasPrefix(key, today) {
			fresh = true
		}
	}
	assert.True(t, fresh, "expected an archive uploaded by this run")
}

func TestStartAndStopScheduler(t *testing.T) {
	store, dir := newTestStore(t)

	m := NewMaintenance(store, store.DB(), nil, DefaultRetention(), dir, zerolog.Nop())
	require.NoError(t, m.Start())
	m.Stop()
}
