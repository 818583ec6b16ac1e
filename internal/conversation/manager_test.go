package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/codestun/chatsync/internal/cache"
	"github.com/codestun/chatsync/internal/models"
	"github.com/codestun/chatsync/internal/netmon"
	"github.com/codestun/chatsync/internal/remote"
	"github.com/codestun/chatsync/internal/uploader"
)

const testConversationID = "general"

func testContext() models.ConversationContext {
	return models.ConversationContext{
		ConversationID: testConversationID,
		Title:          "General",
		UserID:         "u1",
		UserName:       "Ada",
	}
}

// fakeSubscription is a manually driven feed subscription.
type fakeSubscription struct {
	ch         chan []models.Message
	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		ch:        make(chan []models.Message, 4),
		cancelled: make(chan struct{}),
	}
}

func (s *fakeSubscription) Snapshots() <-chan []models.Message { return s.ch }

func (s *fakeSubscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		close(s.ch)
	})
}

func (s *fakeSubscription) isCancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// fakeFeed records every subscription it hands out.
type fakeFeed struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (f *fakeFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := newFakeSubscription()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) subscription(t *testing.T, i int) *fakeSubscription {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.subs)
		f.mu.Unlock()
		if n > i {
			f.mu.Lock()
			sub := f.subs[i]
			f.mu.Unlock()
			return sub
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscription %d was never opened", i)
	return nil
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// fakeStore records appended records.
type fakeStore struct {
	mu      sync.Mutex
	records []remote.Record
	err     error
}

func (s *fakeStore) Append(ctx context.Context, conversationID string, rec remote.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) appended() []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Record(nil), s.records...)
}

// fakeUploader resolves every resource to a fixed URL.
type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	url   string
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, res uploader.Resource, namespace, nameHint string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.calls = append(u.calls, namespace+"/"+nameHint)
	return u.url, nil
}

// fakeMonitor lets tests drive connectivity by hand.
type fakeMonitor struct {
	mu      sync.Mutex
	current netmon.Status
	ch      chan netmon.Status
}

func newFakeMonitor(initial netmon.Status) *fakeMonitor {
	return &fakeMonitor{current: initial, ch: make(chan netmon.Status, 8)}
}

func (m *fakeMonitor) Current() netmon.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *fakeMonitor) Changes() <-chan netmon.Status { return m.ch }

func (m *fakeMonitor) report(s netmon.Status) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.ch <- s
}

type testRig struct {
	manager  *Manager
	feed     *fakeFeed
	store    *fakeStore
	uploads  *fakeUploader
	monitor  *fakeMonitor
	snapshot *cache.SnapshotStore
}

func newTestRig(t *testing.T, initial netmon.Status) *testRig {
	t.Helper()

	mr := miniredis.RunT(t)
	snapshots, err := cache.NewSnapshotStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}
	t.Cleanup(func() { snapshots.Close() })

	rig := &testRig{
		feed:     &fakeFeed{},
		store:    &fakeStore{},
		uploads:  &fakeUploader{url: "http://files.example/images/u1-1-pic.png"},
		monitor:  newFakeMonitor(initial),
		snapshot: snapshots,
	}
	rig.manager = NewManager(Config{
		Feed:     rig.feed,
		Store:    rig.store,
		Cache:    snapshots,
		Uploader: rig.uploads,
		Monitor:  rig.monitor,
		Context:  testContext(),
	})
	t.Cleanup(rig.manager.Close)
	return rig
}

func open(t *testing.T, rig *testRig) {
	t.Helper()
	if err := rig.manager.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func nextUpdate(t *testing.T, rig *testRig) []models.Message {
	t.Helper()
	select {
	case msgs, ok := <-rig.manager.Updates():
		if !ok {
			t.Fatal("updates channel closed")
		}
		return msgs
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}
	return nil
}

func expectNoUpdate(t *testing.T, rig *testRig, within time.Duration) {
	t.Helper()
	select {
	case msgs := <-rig.manager.Updates():
		t.Fatalf("unexpected update published: %d messages", len(msgs))
	case <-time.After(within):
	}
}

func msg(id, text string, at time.Time) models.Message {
	return models.Message{ID: id, Text: text, CreatedAt: at, Author: models.Author{ID: "u2", Name: "Grace"}}
}

func TestLiveEmissionMergesJoinNoticeNewestFirst(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	sub := rig.feed.subscription(t, 0)
	base := time.Now().Add(-time.Hour)
	sub.ch <- []models.Message{
		msg("m1", "first", base),
		msg("m2", "second", base.Add(time.Minute)),
	}

	got := nextUpdate(t, rig)
	if len(got) != 3 {
		t.Fatalf("published %d messages, want 3", len(got))
	}
	// Join notice carries the session open time, after both messages.
	if !got[0].System {
		t.Errorf("newest message is not the join notice: %+v", got[0])
	}
	if got[0].Text != "Ada has entered the chat" {
		t.Errorf("join notice text = %q", got[0].Text)
	}
	if got[1].ID != "m2" || got[2].ID != "m1" {
		t.Errorf("message order = %s, %s, want m2, m1", got[1].ID, got[2].ID)
	}
}

func TestPersistedSnapshotExcludesJoinNotice(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	sub := rig.feed.subscription(t, 0)
	sub.ch <- []models.Message{msg("m1", "hello", time.Now())}
	nextUpdate(t, rig)

	cached, ok, err := rig.snapshot.Get(context.Background(), testConversationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("no snapshot persisted")
	}
	if len(cached) != 1 || cached[0].ID != "m1" {
		t.Fatalf("cached snapshot = %+v, want only m1", cached)
	}
	for _, m := range cached {
		if m.System {
			t.Errorf("system message leaked into persisted snapshot: %+v", m)
		}
	}
}

func TestReconnectKeepsSingleActiveSubscription(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	first := rig.feed.subscription(t, 0)

	rig.monitor.report(netmon.StatusOffline)
	nextUpdate(t, rig) // offline snapshot

	rig.monitor.report(netmon.StatusOnline)
	second := rig.feed.subscription(t, 1)

	if !first.isCancelled() {
		t.Error("first subscription still active after reconnect")
	}
	if second.isCancelled() {
		t.Error("second subscription cancelled")
	}
	if n := rig.feed.count(); n != 2 {
		t.Errorf("feed opened %d subscriptions, want 2", n)
	}
}

func TestUnknownConnectivityDefersSourceSelection(t *testing.T) {
	rig := newTestRig(t, netmon.StatusUnknown)
	open(t, rig)

	expectNoUpdate(t, rig, 100*time.Millisecond)
	if n := rig.feed.count(); n != 0 {
		t.Fatalf("feed opened %d subscriptions before connectivity was known", n)
	}

	rig.monitor.report(netmon.StatusOnline)
	sub := rig.feed.subscription(t, 0)
	sub.ch <- []models.Message{msg("m1", "hi", time.Now())}
	if got := nextUpdate(t, rig); len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}
}

func TestOfflineServesCachedSnapshotVerbatim(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOffline)

	base := time.Now().Add(-time.Hour).Round(time.Millisecond)
	stored := []models.Message{
		msg("m3", "three", base.Add(2*time.Minute)),
		msg("m2", "two", base.Add(time.Minute)),
		msg("m1", "one", base),
	}
	if err := rig.snapshot.Put(context.Background(), testConversationID, stored); err != nil {
		t.Fatalf("Put: %v", err)
	}

	open(t, rig)

	got := nextUpdate(t, rig)
	if len(got) != 3 {
		t.Fatalf("published %d messages, want 3", len(got))
	}
	for i, want := range []string{"m3", "m2", "m1"} {
		if got[i].ID != want {
			t.Errorf("message %d = %s, want %s", i, got[i].ID, want)
		}
	}
	for _, m := range got {
		if m.System {
			t.Errorf("join notice merged into offline snapshot: %+v", m)
		}
	}
	if n := rig.feed.count(); n != 0 {
		t.Errorf("feed opened %d subscriptions while offline", n)
	}
}

func TestGoingOfflineFallsBackToPersistedMessages(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	sub := rig.feed.subscription(t, 0)
	base := time.Now().Add(-time.Hour)
	sub.ch <- []models.Message{
		msg("m3", "three", base.Add(2*time.Minute)),
		msg("m2", "two", base.Add(time.Minute)),
		msg("m1", "one", base),
	}
	if got := nextUpdate(t, rig); len(got) != 4 {
		t.Fatalf("live list has %d messages, want 4 with the join notice", len(got))
	}

	rig.monitor.report(netmon.StatusOffline)

	got := nextUpdate(t, rig)
	if len(got) != 3 {
		t.Fatalf("offline list has %d messages, want the 3 persisted ones", len(got))
	}
	for _, m := range got {
		if m.System {
			t.Errorf("join notice shown without a live join: %+v", m)
		}
	}
	if got[0].ID != "m3" {
		t.Errorf("newest offline message = %s, want m3", got[0].ID)
	}
}

func TestOfflineWithoutSnapshotPublishesEmptyList(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOffline)
	open(t, rig)

	got := nextUpdate(t, rig)
	if got == nil {
		t.Fatal("published list is nil, want empty")
	}
	if len(got) != 0 {
		t.Fatalf("published %d messages, want 0", len(got))
	}
}

func TestSendEmptyDraftIsNoOp(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	if err := rig.manager.Send(context.Background(), Draft{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := len(rig.store.appended()); n != 0 {
		t.Errorf("empty draft appended %d records", n)
	}
}

func TestSendStampsAuthorFromContext(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	if err := rig.manager.Send(context.Background(), Draft{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recs := rig.store.appended()
	if len(recs) != 1 {
		t.Fatalf("appended %d records, want 1", len(recs))
	}
	if recs[0].User.ID != "u1" || recs[0].User.Name != "Ada" {
		t.Errorf("author = %+v, want the local user", recs[0].User)
	}
	if recs[0].CreatedAt.Time().IsZero() {
		t.Error("record carries no timestamp")
	}
}

func TestSendDoesNotInsertLocally(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	if err := rig.manager.Send(context.Background(), Draft{Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expectNoUpdate(t, rig, 100*time.Millisecond)
}

func TestSendUploadsImageBeforeAppend(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	err := rig.manager.Send(context.Background(), Draft{
		Attachment: &DraftAttachment{
			Kind:      models.AttachmentImage,
			LocalPath: "/tmp/pic.png",
			Data:      []byte("png-bytes"),
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	recs := rig.store.appended()
	if len(recs) != 1 {
		t.Fatalf("appended %d records, want 1", len(recs))
	}
	if recs[0].Image != rig.uploads.url {
		t.Errorf("record image = %q, want %q", recs[0].Image, rig.uploads.url)
	}
	if len(rig.uploads.calls) != 1 {
		t.Fatalf("uploader called %d times, want 1", len(rig.uploads.calls))
	}
}

func TestSendUploadFailureAbortsDelivery(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)
	rig.uploads.err = errors.New("bucket unreachable")

	err := rig.manager.Send(context.Background(), Draft{
		Attachment: &DraftAttachment{
			Kind:      models.AttachmentAudio,
			LocalPath: "/tmp/note.m4a",
			Data:      []byte("aac-bytes"),
		},
	})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Send error = %v, want ErrUploadFailed", err)
	}
	if n := len(rig.store.appended()); n != 0 {
		t.Errorf("failed upload still appended %d records", n)
	}
}

func TestSendLocationNeedsNoUpload(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	err := rig.manager.Send(context.Background(), Draft{
		Attachment: &DraftAttachment{
			Kind:      models.AttachmentLocation,
			Latitude:  48.8584,
			Longitude: 2.2945,
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	recs := rig.store.appended()
	if len(recs) != 1 {
		t.Fatalf("appended %d records, want 1", len(recs))
	}
	if recs[0].Location == nil || recs[0].Location.Latitude != 48.8584 {
		t.Errorf("record location = %+v", recs[0].Location)
	}
	if n := len(rig.uploads.calls); n != 0 {
		t.Errorf("uploader called %d times for a location draft", n)
	}
}

func TestSendDeliveryFailureIsSurfaced(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)
	rig.store.err = errors.New("store unavailable")

	err := rig.manager.Send(context.Background(), Draft{Text: "hello"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Send error = %v, want ErrDeliveryFailed", err)
	}
}

func TestCloseCancelsSubscriptionAndEndsUpdates(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)

	sub := rig.feed.subscription(t, 0)
	rig.manager.Close()
	rig.manager.Close() // idempotent

	if !sub.isCancelled() {
		t.Error("subscription still active after Close")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-rig.manager.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("updates channel never closed")
		}
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	rig := newTestRig(t, netmon.StatusOnline)
	open(t, rig)
	rig.manager.Close()

	if err := rig.manager.Send(context.Background(), Draft{Text: "hello"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send error = %v, want ErrClosed", err)
	}
}
