package propagator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/dmitrijs2005/bulksync/internal/filex"
	"github.com/dmitrijs2005/bulksync/internal/journal"
	"github.com/dmitrijs2005/bulksync/internal/logging"
	"github.com/dmitrijs2005/bulksync/internal/transport"
	"github.com/dmitrijs2005/bulksync/internal/vfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// testClock is far from any file modtime used in the tests, so the
// "too fresh" check stays quiet unless a test wants it.
var testClock = time.Unix(1700001000, 0)

const testModtime = int64(1700000000)

// bulkServer records every part of every bulk PUT and answers from a
// scripted per-path reply table.
type bulkServer struct {
	t *testing.T

	mu       sync.Mutex
	requests int
	parts    []map[string]string
	bodies   []string

	// status and replies for the next requests; replyFor maps the echoed
	// X-File-Path to extra reply fields.
	status   int
	replyFor func(filePath string) map[string]string

	srv *httptest.Server
}

func newBulkServer(t *testing.T) *bulkServer {
	b := &bulkServer{t: t, status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc(transport.BulkEndpointPath, b.handle)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bulkServer) handle(w http.ResponseWriter, r *http.Request) {
	// assert, not require: FailNow must not run outside the test goroutine
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !assert.NoError(b.t, err) || !assert.Equal(b.t, "multipart/related", mediaType) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var replies []map[string]string
	mr := multipart.NewReader(r.Body, params["boundary"])
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if !assert.NoError(b.t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(part)
		if !assert.NoError(b.t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		headers := make(map[string]string)
		for k := range part.Header {
			headers[k] = part.Header.Get(k)
		}
		b.parts = append(b.parts, headers)
		b.bodies = append(b.bodies, string(body))

		filePath := part.Header.Get("X-File-Path")
		reply := map[string]string{"X-File-Path": filePath}
		if b.replyFor != nil {
			for k, v := range b.replyFor(filePath) {
				reply[k] = v
			}
		}
		replies = append(replies, reply)
	}

	w.WriteHeader(b.status)
	if b.status < 400 {
		_ = json.NewEncoder(w).Encode(replies)
	}
}

func (b *bulkServer) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

func (b *bulkServer) partHeaders(i int) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Greater(b.t, len(b.parts), i)
	return b.parts[i]
}

type testEnv struct {
	p         *Propagator
	journal   *journal.SQLiteJournal
	backend   afero.Fs
	server    *bulkServer
	completed []*models.SyncItem
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	env.server = newBulkServer(t)

	j, err := journal.Open(context.Background(), ":memory:", logging.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	env.journal = j

	account, err := transport.NewAccount(env.server.srv.URL, "admin", "secret")
	require.NoError(t, err)
	account.Client = env.server.srv.Client()

	env.backend = afero.NewMemMapFs()

	env.p = New(account, j, filex.New(env.backend), logging.NewDiscardLogger())
	env.p.LocalPath = "/local"
	env.p.RemotePath = "/files/admin"
	env.p.PollInterval = 5 * time.Millisecond
	env.p.nowFn = func() time.Time { return testClock }
	env.p.OnItemCompleted = func(item *models.SyncItem) {
		env.completed = append(env.completed, item)
	}

	return env
}

func (env *testEnv) addFile(t *testing.T, rel, content string) {
	t.Helper()
	path := "/local/" + rel
	require.NoError(t, afero.WriteFile(env.backend, path, []byte(content), 0o644))
	require.NoError(t, env.backend.Chtimes(path, time.Unix(testModtime, 0), time.Unix(testModtime, 0)))
}

func (env *testEnv) newItem(t *testing.T, rel, content string) *models.SyncItem {
	t.Helper()
	env.addFile(t, rel, content)
	return &models.SyncItem{
		File:        rel,
		Size:        int64(len(content)),
		Modtime:     testModtime,
		Instruction: models.InstructionNew,
	}
}

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func okReply(etag, fileID string) func(string) map[string]string {
	return func(string) map[string]string {
		return map[string]string{
			"OC-ETag":    `"` + etag + `"`,
			"OC-FileID":  fileID,
			"X-OC-MTime": "accepted",
		}
	}
}

func TestSingleFileUpload_Success(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")

	item := env.newItem(t, "a.txt", "hello")
	job := NewBulkPropagatorJob(env.p, []*models.SyncItem{item})

	status := job.Run(context.Background())
	assert.Equal(t, models.Success, status)

	require.Len(t, env.completed, 1)
	assert.Equal(t, models.Success, item.Status)
	assert.Equal(t, "abc", item.Etag)
	assert.Equal(t, "42", item.FileID)
	assert.Equal(t, "MD5:"+helloMD5, item.ChecksumHeader)
	assert.NotEmpty(t, item.RequestID)

	headers := env.server.partHeaders(0)
	assert.Equal(t, "/files/admin/a.txt", headers["X-File-Path"])
	assert.Equal(t, helloMD5, headers["X-File-Md5"])
	assert.Equal(t, "1700000000", headers["X-File-Mtime"])
	assert.Equal(t, "5", headers["Content-Length"])
	assert.Equal(t, "application/octet-stream", headers["Content-Type"])
	assert.NotContains(t, headers, "If-Match")

	// The progress row must be gone after a successful upload.
	info, err := env.journal.GetUploadInfo(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.False(t, info.Valid)
}

func TestQuotaPreflight_RejectsSecondItemOnly(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")
	env.p.FolderQuota["."] = 3

	var insufficient bool
	env.p.OnInsufficientRemoteStorage = func() { insufficient = true }

	small := env.newItem(t, "small.txt", "ab")
	big := env.newItem(t, "big.txt", "hello")

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{small, big}).Run(context.Background())
	assert.Equal(t, models.DetailError, status)

	assert.Equal(t, models.Success, small.Status)
	assert.Equal(t, models.DetailError, big.Status)
	assert.Equal(t, 507, big.HTTPErrorCode)
	assert.Contains(t, big.ErrorString, "exceeds the quota")
	assert.True(t, insufficient)

	// Quota shrank by the uploaded size only.
	assert.Equal(t, int64(1), env.p.FolderQuota["."])

	assert.Equal(t, 1, env.server.requestCount())
	assert.Len(t, env.completed, 2)
}

func TestFileChangedDuringChecksum_SoftError(t *testing.T) {
	env := newTestEnv(t)

	item := env.newItem(t, "a.txt", "hello")
	job := NewBulkPropagatorJob(env.p, []*models.SyncItem{item})
	job.afterChecksumsHook = func() {
		later := time.Unix(testModtime+1, 0)
		require.NoError(t, env.backend.Chtimes("/local/a.txt", later, later))
	}

	status := job.Run(context.Background())
	assert.Equal(t, models.NormalError, status)

	assert.Equal(t, models.SoftError, item.Status)
	assert.Equal(t, "Local file changed during syncing. It will be resumed.", item.ErrorString)
	assert.True(t, env.p.AnotherSyncNeeded)
	assert.Equal(t, 0, env.server.requestCount(), "nothing must be uploaded")
}

func TestTooFreshFile_Deferred(t *testing.T) {
	env := newTestEnv(t)

	item := env.newItem(t, "a.txt", "hello")
	fresh := testClock.Add(-500 * time.Millisecond)
	require.NoError(t, env.backend.Chtimes("/local/a.txt", fresh, fresh))
	item.Modtime = fresh.Unix()

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())
	assert.Equal(t, models.NormalError, status)
	assert.Equal(t, models.SoftError, item.Status)
	assert.True(t, env.p.AnotherSyncNeeded)
	assert.Equal(t, 0, env.server.requestCount())
}

func TestFutureModtime_IsUploaded(t *testing.T) {
	for _, ahead := range []time.Duration{time.Second, 11 * time.Second} {
		t.Run(ahead.String(), func(t *testing.T) {
			env := newTestEnv(t)
			env.server.replyFor = okReply("abc", "42")

			item := env.newItem(t, "a.txt", "hello")
			future := testClock.Add(ahead)
			require.NoError(t, env.backend.Chtimes("/local/a.txt", future, future))
			item.Modtime = future.Unix()

			status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())
			assert.Equal(t, models.Success, status)
			assert.Equal(t, 1, env.server.requestCount())
		})
	}
}

func TestPollOnAccepted_ResumesAndSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.server.status = http.StatusAccepted
	env.server.replyFor = func(string) map[string]string {
		return map[string]string{"OC-JobStatus-Location": "/ocs/poll/xyz"}
	}

	var pollCalls atomic.Int32
	env.server.srv.Config.Handler.(*http.ServeMux).HandleFunc("/ocs/poll/xyz", func(w http.ResponseWriter, r *http.Request) {
		if pollCalls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"status":"started"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"finished","etag":"\"e2\"","fileid":"99"}`))
	})

	item := env.newItem(t, "a.txt", "hello")
	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())

	assert.Equal(t, models.Success, status)
	assert.Equal(t, models.Success, item.Status)
	assert.Equal(t, "e2", item.Etag)
	assert.Equal(t, "99", item.FileID)
	assert.GreaterOrEqual(t, pollCalls.Load(), int32(2))

	ctx := context.Background()
	infos, err := env.journal.GetPollInfos(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos, "poll record must be gone after the terminal status")

	uploadInfo, err := env.journal.GetUploadInfo(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, uploadInfo.Valid)
}

func TestPollURLMissing_NormalError(t *testing.T) {
	env := newTestEnv(t)
	env.server.status = http.StatusAccepted

	item := env.newItem(t, "a.txt", "hello")
	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())

	assert.Equal(t, models.NormalError, status)
	assert.Equal(t, models.NormalError, item.Status)
	assert.Equal(t, "Poll URL missing", item.ErrorString)
}

func TestPreconditionFailed_SchedulesDiscoveryAndCountsErrors(t *testing.T) {
	env := newTestEnv(t)
	env.server.status = http.StatusPreconditionFailed

	ctx := context.Background()
	for run := 1; run <= 4; run++ {
		env.p.abortRequested.Store(false)
		item := env.newItem(t, "dir/a.txt", "hello")
		item.Etag = "old"
		item.Instruction = models.InstructionUpdate
		NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(ctx)

		assert.Equal(t, models.SoftError, item.Status, "run %d", run)
		assert.Equal(t, 412, item.HTTPErrorCode)

		info, err := env.journal.GetUploadInfo(ctx, "dir/a.txt")
		require.NoError(t, err)
		if run < 4 {
			assert.True(t, info.Valid, "run %d", run)
			assert.Equal(t, run, info.ErrorCount, "run %d", run)
		} else {
			assert.False(t, info.Valid, "fourth consecutive 412 resets the transfer")
		}
	}

	assert.True(t, env.p.AnotherSyncNeeded)
	paths, err := env.journal.PathsForRemoteDiscovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dir"}, paths)
}

func TestQuotaExceededReply_InstallsQuotaExpectation(t *testing.T) {
	env := newTestEnv(t)
	env.server.status = http.StatusInsufficientStorage

	var insufficient bool
	env.p.OnInsufficientRemoteStorage = func() { insufficient = true }

	item := env.newItem(t, "dir/a.txt", "hello")
	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())

	assert.Equal(t, models.DetailError, status)
	assert.Equal(t, models.DetailError, item.Status)
	assert.Contains(t, item.ErrorString, "exceeds the quota")
	assert.True(t, insufficient)
	assert.Equal(t, int64(4), env.p.FolderQuota["dir"], "size-1 installed as new expectation")
}

// failRenameFs simulates a filesystem that refuses renames, e.g. a target
// name the OS cannot represent.
type failRenameFs struct {
	afero.Fs
}

func (f *failRenameFs) Rename(oldname, newname string) error {
	return fmt.Errorf("rename %s: invalid argument", newname)
}

func TestRenameTargetFailure_NormalError(t *testing.T) {
	env := newTestEnv(t)
	env.p.FS = filex.New(&failRenameFs{Fs: env.backend})

	item := env.newItem(t, "foo", "hello")
	item.RenameTarget = "foo "

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())
	assert.Equal(t, models.NormalError, status)
	assert.Equal(t, models.NormalError, item.Status)
	assert.Contains(t, item.ErrorString, "contains trailing spaces and couldn't be renamed")
	assert.Equal(t, 0, env.server.requestCount())
}

func TestRenameTargetEqualsFile_NoRenameAttempted(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")
	env.p.FS = filex.New(&failRenameFs{Fs: env.backend})

	item := env.newItem(t, "foo", "hello")
	item.RenameTarget = "foo"

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())
	assert.Equal(t, models.Success, status)
}

func TestRenameTarget_Applied(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")

	item := env.newItem(t, "foo ", "hello")
	item.RenameTarget = "foo"

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())
	assert.Equal(t, models.Success, status)
	assert.Equal(t, "foo", item.File)
	assert.Equal(t, "/files/admin/foo", env.server.partHeaders(0)["X-File-Path"])
}

func TestCaseClash_NormalError(t *testing.T) {
	env := newTestEnv(t)
	env.p.HasCaseClashAccessibilityProblem = func(path string) bool { return path == "Readme.md" }

	item := env.newItem(t, "Readme.md", "hello")
	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())

	assert.Equal(t, models.NormalError, status)
	assert.Contains(t, item.ErrorString, "differing only in case")
	assert.Equal(t, 0, env.server.requestCount())
}

func TestBatchBoundary_101ItemsNeedTwoRequests(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")

	items := make([]*models.SyncItem, 0, 101)
	for i := 0; i < 101; i++ {
		items = append(items, env.newItem(t, fmt.Sprintf("f%03d.txt", i), "x"))
	}

	status := NewBulkPropagatorJob(env.p, items).Run(context.Background())
	assert.Equal(t, models.Success, status)
	assert.Equal(t, 2, env.server.requestCount())
	assert.Len(t, env.completed, 101, "every item reports exactly once")
}

func TestChecksumReuse_NoRecompute(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")

	item := env.newItem(t, "a.txt", "hello")
	item.ChecksumHeader = "MD5:deadbeef" // pretend discovery already hashed it

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())
	assert.Equal(t, models.Success, status)

	// The stored digest went out unchanged: nothing was recomputed.
	assert.Equal(t, "deadbeef", env.server.partHeaders(0)["X-File-Md5"])
	assert.Equal(t, "MD5:deadbeef", item.ChecksumHeader)
}

func TestMissingReplyObject_NormalError(t *testing.T) {
	env := newTestEnv(t)
	// Echo a wrong path so the item's reply cannot be found.
	env.server.replyFor = func(string) map[string]string {
		return map[string]string{"X-File-Path": "/files/admin/other.txt"}
	}

	item := env.newItem(t, "a.txt", "hello")
	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())

	assert.Equal(t, models.NormalError, status)
	assert.Equal(t, "Missing reply from server", item.ErrorString)
}

func TestBlacklist_WipedOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")
	ctx := context.Background()

	require.NoError(t, env.journal.SetErrorBlacklistEntry(ctx, journal.BlacklistEntry{
		File: "a.txt", ErrorString: "old failure", RetryCount: 2,
	}))
	require.NoError(t, env.journal.Commit(ctx, "test"))

	item := env.newItem(t, "a.txt", "hello")
	item.HasBlacklistEntry = true

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(ctx)
	assert.Equal(t, models.Success, status)

	entry, err := env.journal.ErrorBlacklistEntry(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, entry.IsValid())
}

func TestBlacklist_CreatedOnNormalError(t *testing.T) {
	env := newTestEnv(t)
	env.p.HasCaseClashAccessibilityProblem = func(string) bool { return true }

	ctx := context.Background()
	item := env.newItem(t, "a.txt", "hello")
	NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(ctx)
	assert.Equal(t, models.NormalError, item.Status)

	entry, err := env.journal.ErrorBlacklistEntry(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, entry.IsValid())
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, int64(25), entry.IgnoreDuration)
	assert.Equal(t, testClock.Unix(), entry.LastTryTime)
}

func TestBlacklist_NotCreatedOnSoftError(t *testing.T) {
	env := newTestEnv(t)
	env.server.status = http.StatusNotFound

	ctx := context.Background()
	item := env.newItem(t, "a.txt", "hello")
	NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(ctx)

	// 404 classifies as NormalError, but the running abort downgrades it.
	assert.Equal(t, models.SoftError, item.Status)

	entry, err := env.journal.ErrorBlacklistEntry(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, entry.IsValid(), "soft errors are not blacklisted")
}

func TestRestoration_SuccessBecomesRestoration(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")

	item := env.newItem(t, "a.txt", "hello")
	item.IsRestoration = true

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{item}).Run(context.Background())
	assert.Equal(t, models.NormalError, status, "restoration folds into the error aggregate")
	assert.Equal(t, models.Restoration, item.Status)
}

func TestFatalError_AbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")

	first := env.newItem(t, "a.txt", "hello")
	second := env.newItem(t, "b.txt", "hello")

	env.p.UpdateMetadata = func(item *models.SyncItem) (vfs.ConvertToPlaceholderResult, error) {
		return vfs.ConvertOK, fmt.Errorf("database locked")
	}
	env.p.BatchSize = 1 // fail the first batch, the second must inherit the abort

	status := NewBulkPropagatorJob(env.p, []*models.SyncItem{first, second}).Run(context.Background())
	assert.Equal(t, models.NormalError, status)
	assert.Equal(t, models.FatalError, first.Status)
	assert.Contains(t, first.ErrorString, "Error updating metadata")
	assert.Equal(t, models.SoftError, second.Status)
	assert.True(t, env.p.AbortRequested())
	assert.Len(t, env.completed, 2)
}

func TestEveryItemEmitsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.server.replyFor = okReply("abc", "42")

	items := []*models.SyncItem{
		env.newItem(t, "ok.txt", "hello"),
		env.newItem(t, "dir/also-ok.txt", "world"),
	}

	NewBulkPropagatorJob(env.p, items).Run(context.Background())

	seen := make(map[string]int)
	for _, item := range env.completed {
		seen[item.File]++
	}
	assert.Equal(t, map[string]int{"ok.txt": 1, "dir/also-ok.txt": 1}, seen)
}
