package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/backlinehq/syncd/internal/cache"
	"github.com/backlinehq/syncd/internal/drive"
	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/event"
	"github.com/backlinehq/syncd/internal/ratelimit"
	"github.com/backlinehq/syncd/internal/retry"
	"github.com/backlinehq/syncd/internal/store"
)

// fakeDrive is an in-memory remote file API backed by an httptest server.
type fakeDrive struct {
	mu      gosync.Mutex
	files   map[string][]drive.File // parent id -> children
	changes map[string]drive.ChangeList
	token   string
	block   chan struct{} // when set, listing blocks until closed
}

func (fd *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/changes/startPageToken", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"startPageToken": fd.token})
	})
	mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		page, ok := fd.changes[r.URL.Query().Get("pageToken")]
		if !ok {
			w.WriteHeader(http.StatusGone)
			fmt.Fprint(w, `{"error":{"code":410,"message":"token expired"}}`)
			return
		}
		json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("/channels/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		if rest, ok := strings.CutSuffix(id, "/watch"); ok {
			json.NewEncoder(w).Encode(map[string]string{
				"id":         "ch_" + rest,
				"resourceId": rest,
				"expiration": fmt.Sprintf("%d", time.Now().Add(24*time.Hour).UnixMilli()),
			})
			return
		}
		fd.mu.Lock()
		defer fd.mu.Unlock()
		for _, children := range fd.files {
			for _, f := range children {
				if f.ID == id {
					json.NewEncoder(w).Encode(f)
					return
				}
			}
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"not found"}}`)
	})
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		block := fd.block
		fd.mu.Unlock()
		if block != nil {
			<-block
		}

		// q looks like: 'PARENT' in parents and trashed = false
		q := r.URL.Query().Get("q")
		parent := ""
		if i := strings.Index(q, "'"); i >= 0 {
			if j := strings.Index(q[i+1:], "'"); j >= 0 {
				parent = q[i+1 : i+1+j]
			}
		}
		fd.mu.Lock()
		defer fd.mu.Unlock()
		json.NewEncoder(w).Encode(drive.FileList{Files: fd.files[parent]})
	})
	return mux
}

func testEngine(t *testing.T, fd *fakeDrive, cfg Config) (*Engine, *store.Store, *event.Bus) {
	t.Helper()

	srv := httptest.NewServer(fd.handler())
	t.Cleanup(srv.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "syncd.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:    100,
		RefillRate:  1000,
		Floor:       1,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, nil, zerolog.Nop())

	client := drive.NewClient(drive.Config{
		BaseURL:  srv.URL,
		Timeout:  5 * time.Second,
		PageSize: 10,
		CacheTTL: time.Minute,
		Retry:    retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	},
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		limiter,
		cache.New(64, nil, zerolog.Nop()),
		nil,
		zerolog.Nop(),
	)

	bus := event.NewBus(32, zerolog.Nop())
	t.Cleanup(bus.Close)

	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.ItemRetry.MaxAttempts == 0 {
		cfg.ItemRetry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	cfg.WebhookCallbackURL = "https://syncd.test/webhook"

	e := New(cfg, client, st, cache.New(64, nil, zerolog.Nop()), bus, nil, zerolog.Nop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, st, bus
}

func waitForOperation(t *testing.T, st *store.Store, id string) *store.Operation {
	t.Helper()
	var op *store.Operation
	require.Eventually(t, func() bool {
		var err error
		op, err = st.GetOperation(id)
		if err != nil {
			return false
		}
		return op.Status == store.StatusCompleted || op.Status == store.StatusFailed
	}, 5*time.Second, 10*time.Millisecond, "operation %s never finished", id)
	return op
}

func TestFullSync_InitialImport(t *testing.T) {
	mod := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	fd := &fakeDrive{
		token: "tok_1",
		files: map[string][]drive.File{
			"ws1": {
				{ID: "f1", Name: "setlist.pdf", MimeType: "application/pdf", ModifiedTime: mod, MD5Checksum: "aaa"},
				{ID: "d1", Name: "charts", MimeType: drive.MimeTypeFolder, ModifiedTime: mod},
			},
			"d1": {
				{ID: "f2", Name: "wonderwall.pdf", MimeType: "application/pdf", ModifiedTime: mod, MD5Checksum: "bbb"},
			},
		},
	}
	e, st, _ := testEngine(t, fd, Config{})

	op, err := e.TriggerSync("ws1", store.KindFull)
	require.NoError(t, err)

	done := waitForOperation(t, st, op.ID)
	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Equal(t, 3, done.ItemsProcessed)
	assert.Equal(t, 0, done.ItemsFailed)

	known, err := st.KnownFiles("ws1")
	require.NoError(t, err)
	assert.Len(t, known, 3)
	assert.Equal(t, "setlist.pdf", known["f1"].Name)

	items, err := st.ItemsForOperation(op.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, store.ActionCreated, it.Action)
		assert.Equal(t, store.OutcomeOK, it.Outcome)
	}

	// First full sync registers the watch and seeds the change cursor.
	w, err := st.WatchForWorkspace("ws1")
	require.NoError(t, err)
	assert.Equal(t, "ws1", w.RemoteID)
	assert.Equal(t, "tok_1", w.ChangeToken)
}

func TestTriggerSync_OnePerWorkspace(t *testing.T) {
	block := make(chan struct{})
	fd := &fakeDrive{token: "tok_1", files: map[string][]drive.File{}, block: block}
	e, st, _ := testEngine(t, fd, Config{})

	op, err := e.TriggerSync("ws1", store.KindFull)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.IsRunning("ws1") }, time.Second, 5*time.Millisecond)

	_, err = e.TriggerSync("ws1", store.KindFull)
	assert.ErrorIs(t, err, serrors.ErrAlreadyRunning)

	// A different workspace is not blocked.
	op2, err := e.TriggerSync("ws2", store.KindFull)
	require.NoError(t, err)

	close(block)
	waitForOperation(t, st, op.ID)
	waitForOperation(t, st, op2.ID)
	assert.False(t, e.IsRunning("ws1"))
}

func TestIncrementalSync_AppliesChanges(t *testing.T) {
	mod := time.Now().UTC().Truncate(time.Second)
	fd := &fakeDrive{
		token: "tok_3",
		files: map[string][]drive.File{
			"ws1": {
				{ID: "f1", Name: "setlist-v2.pdf", MimeType: "application/pdf", ModifiedTime: mod, MD5Checksum: "a2"},
			},
		},
		changes: map[string]drive.ChangeList{
			"tok_2": {
				Changes: []drive.Change{
					{FileID: "f1", File: &drive.File{ID: "f1", Name: "setlist-v2.pdf", MimeType: "application/pdf", ModifiedTime: mod, MD5Checksum: "a2"}},
					{FileID: "f9", Removed: true},
					{FileID: "gone", Removed: true}, // never known, ignored
				},
				NewStartPageToken: "tok_3",
			},
		},
	}
	e, st, bus := testEngine(t, fd, Config{})

	old := mod.Add(-time.Hour).UnixMilli()
	require.NoError(t, st.ApplyChangeBatch(context.Background(), &store.ChangeBatch{
		WorkspaceID: "ws1",
		Upserts: []*store.FileRecord{
			{WorkspaceID: "ws1", RemoteID: "f1", Name: "setlist.pdf", MimeType: "application/pdf", ModifiedTime: old, MD5: "a1"},
			{WorkspaceID: "ws1", RemoteID: "f9", Name: "old.pdf", MimeType: "application/pdf", ModifiedTime: old},
		},
	}))
	require.NoError(t, st.SaveWatch(&store.Watch{
		RemoteID:    "ws1",
		WorkspaceID: "ws1",
		ChannelID:   "ch_ws1",
		Expiry:      time.Now().Add(24 * time.Hour).UnixMilli(),
		ChangeToken: "tok_2",
	}))

	var evmu gosync.Mutex
	var kinds []event.Kind
	for _, k := range []event.Kind{event.KindFileUpdated, event.KindFileDeleted} {
		unsub := bus.Subscribe(k, func(ev event.Event) {
			evmu.Lock()
			kinds = append(kinds, ev.Kind)
			evmu.Unlock()
		})
		defer unsub()
	}

	op, err := e.TriggerSync("ws1", store.KindIncremental)
	require.NoError(t, err)
	done := waitForOperation(t, st, op.ID)

	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Equal(t, store.KindIncremental, done.Kind)
	assert.Equal(t, 2, done.ItemsProcessed)

	known, err := st.KnownFiles("ws1")
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "setlist-v2.pdf", known["f1"].Name)
	assert.Equal(t, "a2", known["f1"].MD5)

	w, err := st.WatchForWorkspace("ws1")
	require.NoError(t, err)
	assert.Equal(t, "tok_3", w.ChangeToken)

	assert.Eventually(t, func() bool {
		evmu.Lock()
		defer evmu.Unlock()
		return len(kinds) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestIncrementalSync_ExpiredTokenFallsBack(t *testing.T) {
	mod := time.Now().UTC().Truncate(time.Second)
	fd := &fakeDrive{
		token: "tok_fresh",
		files: map[string][]drive.File{
			"ws1": {
				{ID: "f1", Name: "setlist.pdf", MimeType: "application/pdf", ModifiedTime: mod, MD5Checksum: "aaa"},
			},
		},
		changes: map[string]drive.ChangeList{}, // every token is expired
	}
	e, st, bus := testEngine(t, fd, Config{})

	require.NoError(t, st.SaveWatch(&store.Watch{
		RemoteID:    "ws1",
		WorkspaceID: "ws1",
		ChannelID:   "ch_ws1",
		Expiry:      time.Now().Add(24 * time.Hour).UnixMilli(),
		ChangeToken: "tok_stale",
	}))

	fallback := make(chan event.Event, 1)
	unsub := bus.Subscribe(event.KindSyncFallback, func(ev event.Event) {
		select {
		case fallback <- ev:
		default:
		}
	})
	defer unsub()

	op, err := e.TriggerSync("ws1", store.KindIncremental)
	require.NoError(t, err)
	done := waitForOperation(t, st, op.ID)

	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Equal(t, store.KindFull, done.Kind, "operation should record the full resync that actually ran")

	select {
	case ev := <-fallback:
		notice, ok := ev.Payload.(event.FallbackNotice)
		require.True(t, ok)
		assert.Equal(t, op.ID, notice.OperationID)
	case <-time.After(time.Second):
		t.Fatal("no fallback event published")
	}

	known, err := st.KnownFiles("ws1")
	require.NoError(t, err)
	assert.Len(t, known, 1)

	w, err := st.WatchForWorkspace("ws1")
	require.NoError(t, err)
	assert.Equal(t, "tok_fresh", w.ChangeToken, "cursor should be reset after the fallback full sync")
}

func TestHandleNotification(t *testing.T) {
	fd := &fakeDrive{token: "tok_1", files: map[string][]drive.File{}}
	e, st, _ := testEngine(t, fd, Config{})

	require.NoError(t, st.SaveWatch(&store.Watch{
		RemoteID:    "res_1",
		WorkspaceID: "ws1",
		ChannelID:   "ch_1",
		Expiry:      time.Now().Add(24 * time.Hour).UnixMilli(),
		ChangeToken: "tok_1",
	}))

	assert.Equal(t, NotifyUnknown, e.HandleNotification("ch_bogus", "res_1"))
	assert.Equal(t, NotifyUnknown, e.HandleNotification("ch_1", "res_other"))
	assert.Equal(t, NotifyQueued, e.HandleNotification("ch_1", "res_1"))
	// The queued check may be dispatched at any moment, so dedup is observed
	// by enqueueing directly against the queue.
	assert.True(t, e.checks.enqueue("res_pending"))
	assert.False(t, e.checks.enqueue("res_pending"))
}

func TestCheckQueue_TakeAllowsRequeue(t *testing.T) {
	q := newCheckQueue(4, zerolog.Nop())

	require.True(t, q.enqueue("r1"))
	require.False(t, q.enqueue("r1"))
	assert.Equal(t, 1, q.depth())

	q.take("r1")
	assert.Equal(t, 0, q.depth())
	assert.True(t, q.enqueue("r1"), "fresh notification after take should queue again")
}

func TestOperationTimeout(t *testing.T) {
	block := make(chan struct{})
	fd := &fakeDrive{
		token: "tok_1",
		files: map[string][]drive.File{
			"ws1": {{ID: "f1", Name: "setlist.pdf", MimeType: "application/pdf"}},
		},
		block: block,
	}
	e, st, _ := testEngine(t, fd, Config{OpTimeout: 200 * time.Millisecond})

	op, err := e.TriggerSync("ws1", store.KindFull)
	require.NoError(t, err)

	done := waitForOperation(t, st, op.ID)
	assert.Equal(t, store.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "timed out")
	assert.False(t, e.IsRunning("ws1"))

	// The workspace slot was released: a new sync is admitted and, with the
	// remote unblocked, completes.
	close(block)
	op2, err := e.TriggerSync("ws1", store.KindFull)
	require.NoError(t, err)
	done2 := waitForOperation(t, st, op2.ID)
	assert.Equal(t, store.StatusCompleted, done2.Status)
}

func TestItemFailureDoesNotFailOperation(t *testing.T) {
	mod := time.Now().UTC().Truncate(time.Second)
	fd := &fakeDrive{
		token: "tok_3",
		files: map[string][]drive.File{
			"ws1": {
				{ID: "f1", Name: "setlist-v2.pdf", MimeType: "application/pdf", ModifiedTime: mod, MD5Checksum: "a2"},
			},
		},
		changes: map[string]drive.ChangeList{
			"tok_2": {
				Changes: []drive.Change{
					{FileID: "f1", File: &drive.File{ID: "f1", Name: "setlist-v2.pdf", MimeType: "application/pdf", ModifiedTime: mod, MD5Checksum: "a2"}},
					// Metadata refetch for this one 404s: not present in files.
					{FileID: "f_gone", File: &drive.File{ID: "f_gone", Name: "vanished.pdf", MimeType: "application/pdf", ModifiedTime: mod}},
				},
				NewStartPageToken: "tok_3",
			},
		},
	}
	e, st, _ := testEngine(t, fd, Config{})

	require.NoError(t, st.SaveWatch(&store.Watch{
		RemoteID:    "ws1",
		WorkspaceID: "ws1",
		ChannelID:   "ch_ws1",
		Expiry:      time.Now().Add(24 * time.Hour).UnixMilli(),
		ChangeToken: "tok_2",
	}))

	op, err := e.TriggerSync("ws1", store.KindIncremental)
	require.NoError(t, err)
	done := waitForOperation(t, st, op.ID)

	// One bad item never fails the whole operation; it is counted and
	// recorded with its error.
	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.ItemsProcessed)
	assert.Equal(t, 1, done.ItemsFailed)

	items, err := st.ItemsForOperation(op.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := map[string]*store.Item{}
	for _, it := range items {
		byID[it.RemoteID] = it
	}
	assert.Equal(t, store.OutcomeOK, byID["f1"].Outcome)
	require.NotNil(t, byID["f_gone"])
	assert.Equal(t, store.OutcomeFailed, byID["f_gone"].Outcome)
	assert.Contains(t, byID["f_gone"].Error, serrors.ErrItemSyncFailed.Error())

	// The snapshot only took the items that succeeded.
	known, err := st.KnownFiles("ws1")
	require.NoError(t, err)
	assert.Contains(t, known, "f1")
	assert.NotContains(t, known, "f_gone")

	// The cursor still advanced: the failure is recorded, not wedged.
	w, err := st.WatchForWorkspace("ws1")
	require.NoError(t, err)
	assert.Equal(t, "tok_3", w.ChangeToken)
}
