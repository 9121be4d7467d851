package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clubmate/newsletter-backend/internal/apperrors"
	"github.com/clubmate/newsletter-backend/internal/gateway"
	"github.com/clubmate/newsletter-backend/internal/model"
	"github.com/clubmate/newsletter-backend/internal/repository"
	"github.com/clubmate/newsletter-backend/internal/template"
)

const (
	DefaultBatchSize       = 10
	DefaultInterBatchDelay = time.Second
	DefaultGatewayTimeout  = 10 * time.Second

	defaultSenderName = "Clubmate Newsletter"
)

// Config tunes the pacing of a dispatch run. Zero values fall back to the
// documented defaults.
type Config struct {
	BatchSize       int           // recipients sent concurrently per batch
	InterBatchDelay time.Duration // pause between consecutive batches
	GatewayTimeout  time.Duration // deadline for one gateway call
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = DefaultInterBatchDelay
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = DefaultGatewayTimeout
	}
	return c
}

// Report is the tally of a single dispatch run. It lives only for the run
// and is discarded once the campaign reaches a terminal status; per-recipient
// outcomes are not persisted.
type Report struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Recipients int       `json:"recipients"`
	Batches    int       `json:"batches"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
}

// Dispatcher drives one campaign from sending to sent: recipients are
// fetched once, partitioned into fixed-size batches, each batch sent
// concurrently, with a pacing delay between batches. All status writes go
// through the store's compare-and-set so a concurrent run can never be
// silently stomped.
type Dispatcher struct {
	Store     repository.CampaignStore
	Directory repository.RecipientDirectory
	Gateway   gateway.Gateway
	Render    func(body string, r model.Recipient) string
	Config    Config
	Log       *zap.Logger

	// pause is replaced in tests to observe inter-batch pacing.
	pause func(ctx context.Context, d time.Duration) error
}

func New(store repository.CampaignStore, directory repository.RecipientDirectory, gw gateway.Gateway, cfg Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Store:     store,
		Directory: directory,
		Gateway:   gw,
		Render:    template.Render,
		Config:    cfg.withDefaults(),
		Log:       log,
		pause:     sleep,
	}
}

// Run executes one dispatch attempt for the given campaign.
//
// Precondition failures (non-sendable status, no active recipients) return
// before any state mutation. A lost compare-and-set race returns
// ErrStoreConflict without rollback: the other run owns the record. Any
// run-level failure after the campaign entered sending abandons the
// remaining batches, rolls the status back to draft and returns
// ErrDispatchAborted; messages already sent are not retracted.
func (d *Dispatcher) Run(ctx context.Context, id uuid.UUID) (*Report, error) {
	campaign, err := d.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.Status.Sendable() {
		return nil, &apperrors.ErrInvalidState{Status: campaign.Status}
	}

	// One snapshot for the whole run. A recipient deactivated mid-send
	// still receives this send; accepted race.
	recipients, err := d.Directory.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, apperrors.ErrNoRecipients
	}

	// Entering sending must be the first write, and it must be
	// conditional on the status observed above: two callers racing on the
	// same draft resolve here, not by an in-memory lock.
	count := len(recipients)
	ok, err := d.Store.CompareAndSetStatus(ctx, id, campaign.Status, model.StatusSending, repository.StatusUpdate{RecipientCount: &count})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrStoreConflict
	}

	d.Log.Info("dispatch started",
		zap.String("campaign_id", id.String()),
		zap.Int("recipients", count),
		zap.Int("batch_size", d.Config.BatchSize))

	report := &Report{CampaignID: id, Recipients: count}
	if err := d.runBatches(ctx, campaign, recipients, report); err != nil {
		d.rollback(ctx, id, err)
		return report, &apperrors.ErrDispatchAborted{Cause: err}
	}

	now := time.Now()
	ok, err = d.Store.CompareAndSetStatus(ctx, id, model.StatusSending, model.StatusSent, repository.StatusUpdate{SentAt: &now})
	if err != nil {
		d.rollback(ctx, id, err)
		return report, &apperrors.ErrDispatchAborted{Cause: err}
	}
	if !ok {
		return report, apperrors.ErrStoreConflict
	}

	d.Log.Info("dispatch finished",
		zap.String("campaign_id", id.String()),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (d *Dispatcher) runBatches(ctx context.Context, campaign *model.Campaign, recipients []model.Recipient, report *Report) error {
	sender := campaign.SenderName
	if sender == "" {
		sender = defaultSenderName
	}

	for start := 0; start < len(recipients); start += d.Config.BatchSize {
		if start > 0 {
			if err := d.pause(ctx, d.Config.InterBatchDelay); err != nil {
				return err
			}
		}

		end := start + d.Config.BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]
		report.Batches++

		failed := d.sendBatch(ctx, campaign, sender, batch)
		report.Failed += failed
		report.Delivered += len(batch) - failed

		// A fully failed batch means the gateway is down, not a run of
		// individually bad recipients.
		if failed == len(batch) {
			return fmt.Errorf("all %d sends in batch %d failed, gateway treated as down", len(batch), report.Batches)
		}
	}
	return nil
}

// sendBatch renders and sends every recipient in the batch concurrently and
// waits for all of them to settle, bounding in-flight gateway load to the
// batch size. Individual failures are logged and counted, nothing more.
func (d *Dispatcher) sendBatch(ctx context.Context, campaign *model.Campaign, sender string, batch []model.Recipient) int {
	var (
		wg     sync.WaitGroup
		failed int32
	)
	for _, rec := range batch {
		wg.Add(1)
		go func(rec model.Recipient) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, d.Config.GatewayTimeout)
			defer cancel()

			err := d.Gateway.Send(sendCtx, gateway.Message{
				To:         rec.Address,
				Subject:    campaign.Title,
				HTML:       d.Render(campaign.Body, rec),
				SenderName: sender,
			})
			if err != nil {
				atomic.AddInt32(&failed, 1)
				d.Log.Warn("send failed",
					zap.String("campaign_id", campaign.ID.String()),
					zap.String("recipient", rec.Address),
					zap.Error(err))
			}
		}(rec)
	}
	wg.Wait()
	return int(failed)
}

// rollback returns an aborted campaign to draft so it can be safely
// re-triggered. Runs outside the (possibly cancelled) run context. If even
// the rollback write fails the campaign stays in sending, which operators
// must treat as "send was interrupted".
func (d *Dispatcher) rollback(ctx context.Context, id uuid.UUID, cause error) {
	d.Log.Error("dispatch aborted, rolling campaign back to draft",
		zap.String("campaign_id", id.String()),
		zap.Error(cause))

	ok, err := d.Store.CompareAndSetStatus(context.WithoutCancel(ctx), id, model.StatusSending, model.StatusDraft, repository.StatusUpdate{})
	if err != nil {
		d.Log.Error("rollback write failed, campaign left in sending",
			zap.String("campaign_id", id.String()),
			zap.Error(err))
		return
	}
	if !ok {
		d.Log.Warn("rollback skipped, campaign status changed concurrently",
			zap.String("campaign_id", id.String()))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
