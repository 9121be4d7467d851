package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clubmate/newsletter-backend/internal/apperrors"
	"github.com/clubmate/newsletter-backend/internal/gateway"
	"github.com/clubmate/newsletter-backend/internal/model"
	"github.com/clubmate/newsletter-backend/internal/repository"
)

// fakeStore is an in-memory campaign store with an atomic compare-and-set.
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*model.Campaign

	onGet      func(c *model.Campaign) // runs after a GetByID, under the lock
	failOnCall int                     // 1-based CAS call index that errors; 0 disables
	casCalls   int
}

func newFakeStore(c *model.Campaign) *fakeStore {
	return &fakeStore{campaigns: map[uuid.UUID]*model.Campaign{c.ID: c}}
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperrors.NewCampaignNotFound(id)
	}
	copied := *c
	if s.onGet != nil {
		s.onGet(c)
	}
	return &copied, nil
}

func (s *fakeStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next model.Status, upd repository.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.casCalls++
	if s.failOnCall != 0 && s.casCalls >= s.failOnCall {
		return false, errors.New("store write failed")
	}

	c, ok := s.campaigns[id]
	if !ok {
		return false, apperrors.NewCampaignNotFound(id)
	}
	if c.Status != expected {
		return false, nil
	}
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("illegal status transition %s -> %s", expected, next)
	}

	c.Status = next
	c.ScheduledAt = upd.ScheduledAt
	if upd.RecipientCount != nil {
		c.RecipientCount = *upd.RecipientCount
	}
	if upd.SentAt != nil {
		c.SentAt = upd.SentAt
	}
	now := time.Now()
	c.UpdatedAt = &now
	return true, nil
}

func (s *fakeStore) status(id uuid.UUID) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaigns[id].Status
}

func (s *fakeStore) snapshot(id uuid.UUID) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

type fakeDirectory struct {
	recipients []model.Recipient
}

func (d *fakeDirectory) ListActive(ctx context.Context) ([]model.Recipient, error) {
	return d.recipients, nil
}

// fakeGateway records every send and fails the addresses it is told to.
type fakeGateway struct {
	mu        sync.Mutex
	sent      []gateway.Message
	failAddrs map[string]bool
}

func (g *fakeGateway) Send(ctx context.Context, msg gateway.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, msg)
	if g.failAddrs[msg.To] {
		return errors.New("delivery rejected")
	}
	return nil
}

func (g *fakeGateway) attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func makeRecipients(n int) []model.Recipient {
	recipients := make([]model.Recipient, n)
	for i := range recipients {
		recipients[i] = model.Recipient{
			ID:          i + 1,
			Address:     fmt.Sprintf("member%02d@example.org", i),
			DisplayName: fmt.Sprintf("Member %d", i),
			Active:      true,
		}
	}
	return recipients
}

func newTestDispatcher(store *fakeStore, recipients []model.Recipient, gw *fakeGateway) *Dispatcher {
	d := New(store, &fakeDirectory{recipients: recipients}, gw, Config{
		BatchSize:       10,
		InterBatchDelay: time.Millisecond,
		GatewayTimeout:  time.Second,
	}, zap.NewNop())
	d.pause = func(ctx context.Context, delay time.Duration) error { return nil }
	return d
}

func TestRunRejectsNonSendableStatus(t *testing.T) {
	for _, status := range []model.Status{model.StatusSending, model.StatusSent} {
		campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: status}
		store := newFakeStore(campaign)
		gw := &fakeGateway{}

		d := newTestDispatcher(store, makeRecipients(3), gw)
		_, err := d.Run(context.Background(), campaign.ID)

		var invalid *apperrors.ErrInvalidState
		if !errors.As(err, &invalid) {
			t.Fatalf("status %s: expected ErrInvalidState, got %v", status, err)
		}
		if got := store.status(campaign.ID); got != status {
			t.Errorf("status %s: status changed to %s", status, got)
		}
		if gw.attempts() != 0 {
			t.Errorf("status %s: %d sends issued", status, gw.attempts())
		}
	}
}

func TestRunNoRecipients(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: model.StatusDraft}
	store := newFakeStore(campaign)
	gw := &fakeGateway{}

	d := newTestDispatcher(store, nil, gw)
	_, err := d.Run(context.Background(), campaign.ID)

	if !errors.Is(err, apperrors.ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	got := store.snapshot(campaign.ID)
	if got.Status != model.StatusDraft || got.RecipientCount != 0 || got.SentAt != nil {
		t.Errorf("campaign mutated: %+v", got)
	}
}

// 25 recipients with batch size 10 means 3 batches of [10, 10, 5] and
// exactly two pauses, each after a fully settled batch.
func TestRunBatchingAndPacing(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Body: "Hi {display_name}", Status: model.StatusDraft}
	store := newFakeStore(campaign)
	gw := &fakeGateway{}

	d := newTestDispatcher(store, makeRecipients(25), gw)

	var pausedAt []int
	var pauseDelays []time.Duration
	d.pause = func(ctx context.Context, delay time.Duration) error {
		pausedAt = append(pausedAt, gw.attempts())
		pauseDelays = append(pauseDelays, delay)
		return nil
	}

	report, err := d.Run(context.Background(), campaign.ID)
	if err != nil {
		t.Fatal(err)
	}

	if report.Batches != 3 {
		t.Errorf("expected 3 batches, got %d", report.Batches)
	}
	if len(pausedAt) != 2 {
		t.Fatalf("expected 2 pauses, got %d", len(pausedAt))
	}
	// Each pause happens after the previous batch settled, so 10 and then
	// 20 sends must have completed.
	if pausedAt[0] != 10 || pausedAt[1] != 20 {
		t.Errorf("pauses at %v sends, want [10 20]", pausedAt)
	}
	for _, delay := range pauseDelays {
		if delay != time.Millisecond {
			t.Errorf("pause used delay %v, want configured %v", delay, time.Millisecond)
		}
	}
	if gw.attempts() != 25 {
		t.Errorf("expected 25 sends, got %d", gw.attempts())
	}
}

func TestRunSuccess(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Body: "Hi {display_name}", Status: model.StatusDraft}
	store := newFakeStore(campaign)
	gw := &fakeGateway{}

	d := newTestDispatcher(store, makeRecipients(25), gw)
	report, err := d.Run(context.Background(), campaign.ID)
	if err != nil {
		t.Fatal(err)
	}

	got := store.snapshot(campaign.ID)
	if got.Status != model.StatusSent {
		t.Errorf("expected sent, got %s", got.Status)
	}
	if got.SentAt == nil {
		t.Error("sent_at not set")
	}
	if got.RecipientCount != 25 {
		t.Errorf("recipient_count = %d, want 25", got.RecipientCount)
	}
	if report.Delivered != 25 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunPerRecipientFailureContinues(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: model.StatusDraft}
	store := newFakeStore(campaign)

	// Three scattered rejections, never a whole batch.
	gw := &fakeGateway{failAddrs: map[string]bool{
		"member03@example.org": true,
		"member12@example.org": true,
		"member24@example.org": true,
	}}

	d := newTestDispatcher(store, makeRecipients(25), gw)
	report, err := d.Run(context.Background(), campaign.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got := store.status(campaign.ID); got != model.StatusSent {
		t.Errorf("expected sent, got %s", got)
	}
	if report.Delivered != 22 || report.Failed != 3 {
		t.Errorf("report = %+v", report)
	}
}

// A batch in which every send fails is treated as gateway-down: remaining
// batches are abandoned and the campaign rolls back to draft, while the
// earlier batches were still attempted.
func TestRunRollbackOnGatewayDown(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: model.StatusDraft}
	store := newFakeStore(campaign)

	failAddrs := map[string]bool{}
	for i := 10; i < 20; i++ { // the whole second batch
		failAddrs[fmt.Sprintf("member%02d@example.org", i)] = true
	}
	gw := &fakeGateway{failAddrs: failAddrs}

	d := newTestDispatcher(store, makeRecipients(25), gw)
	report, err := d.Run(context.Background(), campaign.ID)

	var aborted *apperrors.ErrDispatchAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("expected ErrDispatchAborted, got %v", err)
	}

	got := store.snapshot(campaign.ID)
	if got.Status != model.StatusDraft {
		t.Errorf("expected rollback to draft, got %s", got.Status)
	}
	if got.SentAt != nil {
		t.Error("sent_at set on an aborted run")
	}
	if gw.attempts() != 20 {
		t.Errorf("expected batches 1-2 attempted (20 sends), got %d", gw.attempts())
	}
	if report.Batches != 2 {
		t.Errorf("expected 2 batches before abort, got %d", report.Batches)
	}
}

func TestRunStoreConflictAbortsWithoutRollback(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: model.StatusDraft}
	store := newFakeStore(campaign)
	gw := &fakeGateway{}

	// Another run grabs the campaign between our read and our CAS.
	stomped := false
	store.onGet = func(c *model.Campaign) {
		if !stomped {
			c.Status = model.StatusSending
			stomped = true
		}
	}

	d := newTestDispatcher(store, makeRecipients(5), gw)
	_, err := d.Run(context.Background(), campaign.ID)

	if !errors.Is(err, apperrors.ErrStoreConflict) {
		t.Fatalf("expected ErrStoreConflict, got %v", err)
	}
	// The other run's state must not be stomped by a rollback.
	if got := store.status(campaign.ID); got != model.StatusSending {
		t.Errorf("expected status left at sending, got %s", got)
	}
	if gw.attempts() != 0 {
		t.Errorf("%d sends issued after a lost race", gw.attempts())
	}
}

func TestRunAbortsOnStoreWriteFailure(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: model.StatusDraft}
	store := newFakeStore(campaign)
	store.failOnCall = 2 // first CAS (into sending) succeeds, the rest fail
	gw := &fakeGateway{}

	d := newTestDispatcher(store, makeRecipients(5), gw)
	_, err := d.Run(context.Background(), campaign.ID)

	var aborted *apperrors.ErrDispatchAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("expected ErrDispatchAborted, got %v", err)
	}
	// Rollback also failed, so the campaign stays in sending: the explicit
	// "send was interrupted" signal.
	if got := store.status(campaign.ID); got != model.StatusSending {
		t.Errorf("expected status sending, got %s", got)
	}
}

// Two concurrent sends of the same draft campaign: exactly one reaches sent,
// the other is rejected by the state machine or loses the compare-and-set.
func TestRunConcurrentSendsExcludeEachOther(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: model.StatusDraft}
	store := newFakeStore(campaign)
	gw := &fakeGateway{}

	d := newTestDispatcher(store, makeRecipients(25), gw)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Run(context.Background(), campaign.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			var invalid *apperrors.ErrInvalidState
			if !errors.As(err, &invalid) && !errors.Is(err, apperrors.ErrStoreConflict) {
				t.Errorf("unexpected error: %v", err)
			}
			rejected++
		}
	}

	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d winners / %d rejected", succeeded, rejected)
	}
	if got := store.status(campaign.ID); got != model.StatusSent {
		t.Errorf("expected sent, got %s", got)
	}
	if gw.attempts() != 25 {
		t.Errorf("expected a single full send (25), got %d", gw.attempts())
	}
}

func TestRunPersonalizesPerRecipient(t *testing.T) {
	campaign := &model.Campaign{
		ID:     uuid.New(),
		Title:  "Hello",
		Body:   "Hi {display_name}",
		Status: model.StatusDraft,
	}
	store := newFakeStore(campaign)
	gw := &fakeGateway{}

	recipients := []model.Recipient{
		{Address: "alice@example.org", DisplayName: "Alice", Active: true},
		{Address: "carol@example.org", Active: true},
	}

	d := newTestDispatcher(store, recipients, gw)
	if _, err := d.Run(context.Background(), campaign.ID); err != nil {
		t.Fatal(err)
	}

	rendered := map[string]string{}
	for _, msg := range gw.sent {
		rendered[msg.To] = msg.HTML
		if msg.Subject != "Hello" {
			t.Errorf("subject = %q", msg.Subject)
		}
		if msg.SenderName != defaultSenderName {
			t.Errorf("sender = %q, want default", msg.SenderName)
		}
	}
	if rendered["alice@example.org"] != "Hi Alice" {
		t.Errorf("alice rendered as %q", rendered["alice@example.org"])
	}
	if rendered["carol@example.org"] != "Hi carol" {
		t.Errorf("carol rendered as %q", rendered["carol@example.org"])
	}
}

func TestRunCancelledDuringPauseRollsBack(t *testing.T) {
	campaign := &model.Campaign{ID: uuid.New(), Title: "News", Status: model.StatusDraft}
	store := newFakeStore(campaign)
	gw := &fakeGateway{}

	ctx, cancel := context.WithCancel(context.Background())
	d := newTestDispatcher(store, makeRecipients(25), gw)
	d.pause = func(ctx context.Context, delay time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := d.Run(ctx, campaign.ID)

	var aborted *apperrors.ErrDispatchAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("expected ErrDispatchAborted, got %v", err)
	}
	if got := store.status(campaign.ID); got != model.StatusDraft {
		t.Errorf("expected rollback to draft, got %s", got)
	}
	if gw.attempts() != 10 {
		t.Errorf("expected only the first batch attempted, got %d", gw.attempts())
	}
}
