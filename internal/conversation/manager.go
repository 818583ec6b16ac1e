package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/codestun/chatsync/internal/models"
	"github.com/codestun/chatsync/internal/netmon"
	"github.com/codestun/chatsync/internal/remote"
	"github.com/codestun/chatsync/internal/uploader"
)

// Sentinel errors surfaced by Send.
var (
	ErrClosed         = errors.New("conversation closed")
	ErrNotOpened      = errors.New("conversation not opened")
	ErrAlreadyOpened  = errors.New("conversation already opened")
	ErrUploadFailed   = errors.New("attachment upload failed")
	ErrDeliveryFailed = errors.New("message delivery failed")
)

// State is the manager's current message source.
type State int

const (
	// StateUndetermined means connectivity is not yet known and no
	// source has been selected.
	StateUndetermined State = iota
	StateLive
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateOffline:
		return "offline"
	}
	return "undetermined"
}

// Subscription is a live feed over one conversation.
type Subscription interface {
	Snapshots() <-chan []models.Message
	Cancel()
}

// Feed opens live subscriptions against the remote store.
type Feed interface {
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}

// FeedFunc adapts a subscribe function to the Feed interface.
type FeedFunc func(ctx context.Context, conversationID string) (Subscription, error)

func (f FeedFunc) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	return f(ctx, conversationID)
}

// Store appends message records to the remote store.
type Store interface {
	Append(ctx context.Context, conversationID string, rec remote.Record) error
}

// Cache is the local snapshot store.
type Cache interface {
	Put(ctx context.Context, conversationID string, msgs []models.Message) error
	Get(ctx context.Context, conversationID string) ([]models.Message, bool, error)
}

// Uploader resolves local binary resources into fetchable URLs.
type Uploader interface {
	Upload(ctx context.Context, res uploader.Resource, namespace, nameHint string) (string, error)
}

// Monitor reports network reachability.
type Monitor interface {
	Current() netmon.Status
	Changes() <-chan netmon.Status
}

// Draft is an outgoing message before author and timestamp stamping.
// Any author information is ignored: the sender is always the local
// user from the conversation context.
type Draft struct {
	Text       string
	Attachment *DraftAttachment
}

// DraftAttachment describes the attachment a draft carries. Image and
// audio kinds with an empty URL reference a local, not-yet-uploaded
// resource at LocalPath (Data optionally holds pre-read content).
type DraftAttachment struct {
	Kind        models.AttachmentKind
	URL         string
	LocalPath   string
	Data        []byte
	ContentType string
	Latitude    float64
	Longitude   float64
}

const updateBacklog = 8

// Manager owns the canonical in-memory message list of one open
// conversation. It selects the upstream source from connectivity
// state, merges the session's join notice into live emissions, and
// fans sends out through the uploader to the remote store.
//
// At most one remote subscription is active at any time: the handle is
// manager-owned and cancelActive runs before every new subscribe.
type Manager struct {
	feed    Feed
	store   Store
	cache   Cache
	uploads Uploader
	monitor Monitor

	conv       models.ConversationContext
	joinNotice models.Message

	updates chan []models.Message
	stop    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	state  State
	sub    Subscription
	opened bool
	closed bool

	closeOnce sync.Once
	now       func() time.Time
}

// Config wires a Manager's collaborators.
type Config struct {
	Feed     Feed
	Store    Store
	Cache    Cache
	Uploader Uploader
	Monitor  Monitor
	Context  models.ConversationContext
}

// NewManager creates a Manager for one conversation session.
func NewManager(cfg Config) *Manager {
	return &Manager{
		feed:    cfg.Feed,
		store:   cfg.Store,
		cache:   cfg.Cache,
		uploads: cfg.Uploader,
		monitor: cfg.Monitor,
		conv:    cfg.Context,
		updates: make(chan []models.Message, updateBacklog),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Open starts the session: it creates the join notice, selects the
// initial source from the monitor's current value (deferring while
// indeterminate), and begins publishing canonical lists on Updates.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.opened {
		m.mu.Unlock()
		return ErrAlreadyOpened
	}
	m.opened = true
	m.mu.Unlock()

	m.joinNotice = models.Message{
		ID:        strconv.Itoa(rand.Intn(1_000_000)),
		Text:      fmt.Sprintf("%s has entered the chat", m.conv.UserName),
		CreatedAt: m.now(),
		System:    true,
	}

	go m.run(ctx)
	return nil
}

// Updates returns the stream of published canonical lists. Every
// emission is a whole-list replacement, newest first. The channel
// closes when the manager is closed.
func (m *Manager) Updates() <-chan []models.Message {
	return m.updates
}

// State returns the current source state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close releases the session. The active remote subscription is
// cancelled before Close returns, and any in-flight emission is
// discarded. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		opened := m.opened
		m.mu.Unlock()

		close(m.stop)
		m.cancelActive()
		if !opened {
			return
		}
		<-m.done
	})
}

// cancelActive cancels the current subscription, if any. It runs
// before every new subscribe, which keeps the single-active-
// subscription invariant regardless of transition ordering.
func (m *Manager) cancelActive() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

func (m *Manager) setActive(sub Subscription) {
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// run is the single writer of the canonical list. All source switches
// and emissions pass through here.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.updates)
	defer m.cancelActive()

	snaps := m.applyStatus(ctx, m.monitor.Current(), nil)

	for {
		select {
		case <-m.stop:
			return

		case <-ctx.Done():
			return

		case status, ok := <-m.monitor.Changes():
			if !ok {
				return
			}
			snaps = m.applyStatus(ctx, status, snaps)

		case msgs, ok := <-snaps:
			if !ok {
				// Feed ended; keep the last published list until the
				// monitor reports the loss.
				snaps = nil
				continue
			}
			select {
			case <-m.stop:
				return
			default:
			}
			m.handleEmission(ctx, msgs)
		}
	}
}

// applyStatus switches the upstream source to match the reported
// connectivity and returns the new emission channel (nil while no
// subscription is active).
func (m *Manager) applyStatus(ctx context.Context, status netmon.Status, snaps <-chan []models.Message) <-chan []models.Message {
	switch status {
	case netmon.StatusUnknown:
		// No guess: source selection waits for a definite value.
		return snaps

	case netmon.StatusOnline:
		if m.State() == StateLive {
			return snaps
		}
		m.cancelActive()
		sub, err := m.feed.Subscribe(ctx, m.conv.ConversationID)
		if err != nil {
			slog.Error("subscribing to remote feed",
				"conversationID", m.conv.ConversationID, "error", err)
			m.setState(StateOffline)
			m.serveSnapshot(ctx)
			return nil
		}
		m.setActive(sub)
		m.setState(StateLive)
		slog.Info("conversation source switched", "conversationID", m.conv.ConversationID, "state", StateLive)
		return sub.Snapshots()

	case netmon.StatusOffline:
		if m.State() == StateOffline {
			return snaps
		}
		m.cancelActive()
		m.setState(StateOffline)
		slog.Info("conversation source switched", "conversationID", m.conv.ConversationID, "state", StateOffline)
		m.serveSnapshot(ctx)
		return nil
	}
	return snaps
}

// serveSnapshot publishes the cached snapshot verbatim: no join notice
// is merged because no live join happened.
func (m *Manager) serveSnapshot(ctx context.Context) {
	msgs, ok, err := m.cache.Get(ctx, m.conv.ConversationID)
	if err != nil {
		slog.Error("reading local snapshot",
			"conversationID", m.conv.ConversationID, "error", err)
	}
	if !ok || msgs == nil {
		msgs = []models.Message{}
	}
	m.publish(msgs)
}

// handleEmission processes one live feed emission: persist it, merge
// the join notice, and publish.
func (m *Manager) handleEmission(ctx context.Context, msgs []models.Message) {
	// Best effort: degraded caching never blocks live display.
	if err := m.cache.Put(ctx, m.conv.ConversationID, msgs); err != nil {
		slog.Warn("persisting snapshot",
			"conversationID", m.conv.ConversationID, "error", err)
	}

	merged := make([]models.Message, 0, len(msgs)+1)
	merged = append(merged, msgs...)
	merged = append(merged, m.joinNotice)
	models.SortNewestFirst(merged)
	m.publish(merged)
}

// publish delivers a whole-list replacement to the view layer. When
// the consumer lags, older pending lists are superseded.
func (m *Manager) publish(msgs []models.Message) {
	for {
		select {
		case m.updates <- msgs:
			return
		default:
			select {
			case <-m.updates:
			default:
			}
		}
	}
}

// Send validates, resolves, stamps, and delivers a draft to the remote
// store. Empty drafts are silently ignored. The sent message is not
// inserted locally: it reappears through the next feed emission.
func (m *Manager) Send(ctx context.Context, draft Draft) error {
	m.mu.Lock()
	closed, opened := m.closed, m.opened
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !opened {
		return ErrNotOpened
	}

	if draft.Text == "" && draft.Attachment == nil {
		return nil
	}

	attachment, err := m.resolveAttachment(ctx, draft.Attachment)
	if err != nil {
		return err
	}

	rec := remote.Record{
		Text:      draft.Text,
		CreatedAt: remote.At(m.now()),
		User:      remote.RecordUser{ID: m.conv.UserID, Name: m.conv.UserName},
	}
	if attachment != nil {
		switch attachment.Kind {
		case models.AttachmentImage:
			rec.Image = attachment.URL
		case models.AttachmentAudio:
			rec.Audio = attachment.URL
		case models.AttachmentLocation:
			rec.Location = &remote.GeoPoint{
				Latitude:  attachment.Latitude,
				Longitude: attachment.Longitude,
			}
		}
	}

	if err := m.store.Append(ctx, m.conv.ConversationID, rec); err != nil {
		slog.Error("delivering message",
			"conversationID", m.conv.ConversationID, "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// resolveAttachment uploads unresolved binary attachments and returns
// the attachment with a fetchable URL. Either the upload fully
// succeeds or the send is aborted; no partial message is fabricated.
func (m *Manager) resolveAttachment(ctx context.Context, att *DraftAttachment) (*models.Attachment, error) {
	if att == nil {
		return nil, nil
	}

	switch att.Kind {
	case models.AttachmentLocation:
		return &models.Attachment{
			Kind:      models.AttachmentLocation,
			Latitude:  att.Latitude,
			Longitude: att.Longitude,
		}, nil

	case models.AttachmentImage, models.AttachmentAudio:
		url := att.URL
		if url == "" {
			namespace := uploader.NamespaceImages
			if att.Kind == models.AttachmentAudio {
				namespace = uploader.NamespaceAudios
			}
			hint := uploader.NameHint(m.conv.UserID, m.now(), att.LocalPath)
			resolved, err := m.uploads.Upload(ctx, uploader.Resource{
				Path:        att.LocalPath,
				Data:        att.Data,
				ContentType: att.ContentType,
			}, namespace, hint)
			if err != nil {
				slog.Error("uploading attachment",
					"conversationID", m.conv.ConversationID, "kind", att.Kind, "error", err)
				return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
			}
			url = resolved
		}
		return &models.Attachment{Kind: att.Kind, URL: url}, nil
	}

	return nil, fmt.Errorf("unknown attachment kind %q", att.Kind)
}
