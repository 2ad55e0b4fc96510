// Package service contains the generation orchestrator: the only place
// where the provider client, the credit ledger and the record store are
// composed. Credit settlement is driven exclusively by status-change
// results from the store, so a transition settles exactly once no matter
// how many pollers observe it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/reklamai/api/internal/catalog"
	"github.com/reklamai/api/internal/client"
	"github.com/reklamai/api/internal/ledger"
	"github.com/reklamai/api/internal/model"
	"github.com/reklamai/api/internal/store"
)

var (
	ErrAlreadyTerminal = errors.New("generation already completed")
	ErrNotCancellable  = errors.New("generation cannot be cancelled")
)

// SubmitUnknownError is returned when the provider submit call timed out.
// The generation exists, stays queued with its credits held, and the
// reconciliation worker owns its fate.
type SubmitUnknownError struct {
	GenerationID string
	Cause        *client.ProviderError
}

func (e *SubmitUnknownError) Error() string {
	return fmt.Sprintf("submission outcome unknown for generation %s: %v", e.GenerationID, e.Cause)
}

func (e *SubmitUnknownError) Unwrap() error { return e.Cause }

// StatusBroadcaster pushes live updates to connected websocket clients.
// A nil broadcaster disables pushes.
type StatusBroadcaster interface {
	BroadcastStatus(generationID string, status model.GenerationStatus, progress int)
	BroadcastComplete(generationID string, outputs []model.Asset, previewURL string)
	BroadcastError(generationID, message string)
}

// GenerationService orchestrates the full generation lifecycle.
type GenerationService struct {
	store    *store.GenerationStore
	ledger   *ledger.Ledger
	catalog  *catalog.Catalog
	provider client.GenerationProvider
	assets   client.AssetStore // nil when storage is unconfigured
	hub      StatusBroadcaster // nil disables websocket pushes

	markupPercent    float64
	maxSubmitRetries int
	staleAfter       time.Duration
}

func NewGenerationService(
	genStore *store.GenerationStore,
	creditLedger *ledger.Ledger,
	cat *catalog.Catalog,
	provider client.GenerationProvider,
	assets client.AssetStore,
	hub StatusBroadcaster,
	markupPercent float64,
	maxSubmitRetries int,
	staleAfter time.Duration,
) *GenerationService {
	return &GenerationService{
		store:            genStore,
		ledger:           creditLedger,
		catalog:          cat,
		provider:         provider,
		assets:           assets,
		hub:              hub,
		markupPercent:    markupPercent,
		maxSubmitRetries: maxSubmitRetries,
		staleAfter:       staleAfter,
	}
}

// EstimateCredits prices a generation: preset base times the model's
// multiplier times the billing markup, rounded up to cents.
func EstimateCredits(base, multiplier, markupPercent float64) float64 {
	return math.Ceil(base*multiplier*(1+markupPercent/100)*100) / 100
}

// Generate reserves credits, persists the record and submits the task.
// Credits are reserved before the submit call: a submission that may have
// reached the provider must already be paid for.
func (s *GenerationService) Generate(ctx context.Context, ownerID string, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	preset, pm, err := s.catalog.Resolve(ctx, req.PresetKey, req.ModelKey)
	if err != nil {
		return nil, err
	}

	generationID := uuid.New().String()
	amount := EstimateCredits(preset.DefaultCredits, pm.PriceMultiplier, s.markupPercent)

	err = s.ledger.Reserve(ctx, ownerID, generationID, amount, map[string]string{
		"preset": req.PresetKey,
		"model":  req.ModelKey,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	gen := &model.Generation{
		ID:              generationID,
		OwnerID:         ownerID,
		PresetKey:       req.PresetKey,
		ModelKey:        req.ModelKey,
		Modality:        pm.Modality,
		Prompt:          req.Prompt,
		Input:           req.Input,
		Status:          model.StatusQueued,
		SubmitState:     model.SubmitPending,
		CreditsReserved: amount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, gen); err != nil {
		// Nothing was submitted; the hold can be returned safely.
		if relErr := s.ledger.Release(ctx, generationID); relErr != nil {
			log.Printf("[Generate] Failed to release credits for %s after create error: %v", generationID, relErr)
		}
		return nil, fmt.Errorf("failed to save generation: %w", err)
	}

	res, err := s.submitWithRetries(ctx, preset, pm, req.Prompt, req.Input)
	if err != nil {
		var pe *client.ProviderError
		if errors.As(err, &pe) && pe.Kind == client.ErrorTimeout {
			// The task may exist on the provider side. Keep the row
			// queued and the credits held; reconciliation resolves it.
			if markErr := s.store.MarkSubmitUnknown(ctx, generationID); markErr != nil {
				log.Printf("[Generate] Failed to mark %s submit-unknown: %v", generationID, markErr)
			}
			return nil, &SubmitUnknownError{GenerationID: generationID, Cause: pe}
		}
		s.failAndRelease(ctx, generationID, err.Error())
		return nil, err
	}

	if err := s.store.AttachProviderTask(ctx, generationID, res.TaskID); err != nil {
		log.Printf("[Generate] Failed to attach task %s to %s: %v", res.TaskID, generationID, err)
	}

	status := model.StatusQueued
	if res.Status == model.StatusProcessing {
		if _, err := s.store.UpdateStatus(ctx, generationID, store.StatusUpdate{Status: model.StatusProcessing, Progress: -1}); err == nil {
			status = model.StatusProcessing
		}
	}

	log.Printf("[Generate] %s owner=%s model=%s credits=%.2f task=%s", generationID, ownerID, req.ModelKey, amount, res.TaskID)

	return &model.GenerateResponse{
		GenerationID:    generationID,
		Status:          status,
		ProviderTaskID:  res.TaskID,
		CreditsReserved: amount,
		CreatedAt:       now,
	}, nil
}

// submitWithRetries retries transient submit failures. Timeouts are only
// retried for idempotent families; for everything else a duplicate task
// would double-generate.
func (s *GenerationService) submitWithRetries(ctx context.Context, preset *model.Preset, pm *model.ProviderModel, prompt string, input *model.GenerationInput) (*client.SubmitResult, error) {
	req := &client.SubmitRequest{Model: pm, Prompt: prompt, Input: input, Defaults: preset.Defaults}

	var lastErr error
	for attempt := 0; attempt <= s.maxSubmitRetries; attempt++ {
		res, err := s.provider.Submit(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var pe *client.ProviderError
		if !errors.As(err, &pe) {
			break
		}
		switch pe.Kind {
		case client.ErrorRejected:
			return nil, err
		case client.ErrorTimeout:
			if !client.FamilyIdempotent(pm.Family) {
				return nil, err
			}
		}
		log.Printf("[Generate] Submit attempt %d failed (%s), retrying: %v", attempt+1, pe.Kind, err)
	}
	return nil, lastErr
}

// Status reads the record and, for live generations with a provider
// task, folds in one poll. Terminal rows are served as stored without
// touching the provider.
func (s *GenerationService) Status(ctx context.Context, ownerID, generationID string) (*model.StatusResponse, error) {
	gen, err := s.getOwned(ctx, ownerID, generationID)
	if err != nil {
		return nil, err
	}

	if gen.Status.Terminal() || gen.ProviderTaskID == "" {
		return s.buildStatusResponse(ctx, gen, ""), nil
	}

	pm, err := s.catalog.Model(ctx, gen.ModelKey)
	if err != nil {
		return nil, err
	}

	poll, err := s.provider.Poll(ctx, pm.Family, gen.ProviderTaskID)
	if err != nil {
		// A flaky status check never mutates the record; serve the last
		// known state with a note.
		log.Printf("[Status] Poll failed for %s: %v", generationID, err)
		return s.buildStatusResponse(ctx, gen, "provider status check failed, will retry"), nil
	}

	note := s.settle(ctx, gen, poll)

	updated, err := s.store.Get(ctx, generationID)
	if err != nil {
		return nil, err
	}
	return s.buildStatusResponse(ctx, updated, note), nil
}

// settle applies one poll observation. Credit movements happen only when
// the store reports the status transition as applied, which it does for
// exactly one caller.
func (s *GenerationService) settle(ctx context.Context, gen *model.Generation, poll *client.PollResult) (note string) {
	switch poll.Status {
	case model.StatusSucceeded:
		if poll.OutputURL == "" {
			return "provider reported success without an output yet"
		}

		outputs, err := s.persistOutput(ctx, gen, poll.OutputURL)
		if err != nil {
			// Leave the row live; the next poll retries the copy.
			log.Printf("[Status] Failed to persist output for %s: %v", gen.ID, err)
			return "output transfer pending"
		}

		final := gen.CreditsReserved
		applied, err := s.store.UpdateStatus(ctx, gen.ID, store.StatusUpdate{
			Status:       model.StatusSucceeded,
			Progress:     -1,
			Outputs:      outputs,
			CreditsFinal: &final,
		})
		if err != nil {
			log.Printf("[Status] Failed to mark %s succeeded: %v", gen.ID, err)
			return ""
		}
		if applied {
			if err := s.ledger.Finalize(ctx, gen.ID, final); err != nil {
				log.Printf("[Status] Failed to finalize credits for %s: %v", gen.ID, err)
			}
			if s.hub != nil {
				s.hub.BroadcastComplete(gen.ID, outputs, s.previewURL(ctx, outputs))
			}
		} else {
			// A cancel (or another poller) won the terminal race; the
			// object we just stored belongs to no settled row.
			s.discardOutputs(ctx, gen.ID, outputs)
		}

	case model.StatusFailed:
		detail := poll.Error
		if detail == "" {
			detail = "generation failed"
		}
		applied, err := s.store.UpdateStatus(ctx, gen.ID, store.StatusUpdate{
			Status:   model.StatusFailed,
			Progress: -1,
			Error:    detail,
		})
		if err != nil {
			log.Printf("[Status] Failed to mark %s failed: %v", gen.ID, err)
			return ""
		}
		if applied {
			if err := s.ledger.Release(ctx, gen.ID); err != nil {
				log.Printf("[Status] Failed to release credits for %s: %v", gen.ID, err)
			}
			if s.hub != nil {
				s.hub.BroadcastError(gen.ID, detail)
			}
		}

	default:
		applied, err := s.store.UpdateStatus(ctx, gen.ID, store.StatusUpdate{
			Status:   poll.Status,
			Progress: poll.Progress,
		})
		if err != nil {
			log.Printf("[Status] Failed to update %s: %v", gen.ID, err)
			return ""
		}
		if s.hub != nil && (applied || poll.Progress >= 0) {
			s.hub.BroadcastStatus(gen.ID, poll.Status, poll.Progress)
		}
	}
	return ""
}

// discardOutputs removes stored objects that lost the terminal race.
// When the row settled as succeeded anyway (a concurrent poller won with
// the same result) the object is kept: output keys are deterministic, so
// winner and loser wrote the same one.
func (s *GenerationService) discardOutputs(ctx context.Context, generationID string, outputs []model.Asset) {
	if s.assets == nil {
		return
	}
	row, err := s.store.Get(ctx, generationID)
	if err == nil && row.Status == model.StatusSucceeded {
		return
	}
	for _, a := range outputs {
		if a.StorageKey == "" {
			continue
		}
		if err := s.assets.Delete(ctx, a.StorageKey); err != nil {
			log.Printf("[Status] Failed to delete orphaned output %s: %v", a.StorageKey, err)
		}
	}
}

// persistOutput copies the provider result into our bucket. Without a
// configured asset store the provider URL is recorded as-is.
func (s *GenerationService) persistOutput(ctx context.Context, gen *model.Generation, outputURL string) ([]model.Asset, error) {
	if s.assets == nil {
		return []model.Asset{{Kind: "output", ProviderURL: outputURL}}, nil
	}
	key := client.OutputKey(gen.OwnerID, gen.ID, outputURL)
	asset, err := s.assets.SaveFromURL(ctx, outputURL, key)
	if err != nil {
		return nil, err
	}
	return []model.Asset{*asset}, nil
}

// Cancel marks a live generation cancelled and returns its hold. The
// provider task keeps running; its late result is discarded by the
// terminal-state guard.
func (s *GenerationService) Cancel(ctx context.Context, ownerID, generationID string) (*model.CancelResponse, error) {
	gen, err := s.getOwned(ctx, ownerID, generationID)
	if err != nil {
		return nil, err
	}
	if gen.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	applied, err := s.store.UpdateStatus(ctx, generationID, store.StatusUpdate{
		Status:   model.StatusCancelled,
		Progress: -1,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost the race against a concurrent terminal transition.
		return nil, ErrAlreadyTerminal
	}

	if err := s.ledger.Release(ctx, generationID); err != nil {
		log.Printf("[Cancel] Failed to release credits for %s: %v", generationID, err)
	}
	if s.hub != nil {
		s.hub.BroadcastStatus(generationID, model.StatusCancelled, -1)
	}

	log.Printf("[Cancel] %s cancelled by owner %s", generationID, ownerID)
	return &model.CancelResponse{GenerationID: generationID, Status: model.StatusCancelled}, nil
}

// List returns a page of the owner's generations, newest first.
func (s *GenerationService) List(ctx context.Context, ownerID string, status model.GenerationStatus, limit, offset int) (*model.GenerationListResponse, error) {
	items, total, err := s.store.List(ctx, ownerID, status, limit, offset)
	if err != nil {
		return nil, err
	}
	return &model.GenerationListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// Reconcile sweeps non-terminal generations older than the stale cutoff
// and settles each one. Runs from the scheduled sync task.
func (s *GenerationService) Reconcile(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	ids, err := s.store.ActiveOlderThan(ctx, cutoff, 200)
	if err != nil {
		return fmt.Errorf("failed to scan active generations: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	log.Printf("[Reconcile] Checking %d stale generations", len(ids))
	for _, id := range ids {
		if err := s.reconcileOne(ctx, id); err != nil {
			log.Printf("[Reconcile] %s: %v", id, err)
		}
	}
	return nil
}

func (s *GenerationService) reconcileOne(ctx context.Context, id string) error {
	gen, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if gen.Status.Terminal() {
		return nil
	}

	pm, err := s.catalog.Model(ctx, gen.ModelKey)
	if err != nil {
		return err
	}

	// Task acknowledged: just poll and settle like the status endpoint.
	if gen.ProviderTaskID != "" {
		poll, err := s.provider.Poll(ctx, pm.Family, gen.ProviderTaskID)
		if err != nil {
			return err
		}
		s.settle(ctx, gen, poll)
		return nil
	}

	switch gen.SubmitState {
	case model.SubmitUnknown:
		// The submit call timed out and we cannot tell whether the task
		// exists. Re-submitting is only safe when the family tolerates
		// duplicates; otherwise the hold stays until an operator decides.
		if !client.FamilyIdempotent(pm.Family) {
			log.Printf("[Reconcile] %s needs manual review (family %s is not idempotent)", id, pm.Family)
			return nil
		}
		preset, err := s.catalog.Preset(ctx, gen.PresetKey)
		if err != nil {
			return err
		}
		res, err := s.provider.Submit(ctx, &client.SubmitRequest{Model: pm, Prompt: gen.Prompt, Input: gen.Input, Defaults: preset.Defaults})
		if err != nil {
			var pe *client.ProviderError
			if errors.As(err, &pe) && pe.Kind == client.ErrorRejected {
				s.failAndRelease(ctx, id, pe.Message)
			}
			return err
		}
		return s.store.AttachProviderTask(ctx, id, res.TaskID)

	default:
		// Created but the submit never started or definitively failed
		// without settling. The task cannot exist; refund.
		s.failAndRelease(ctx, id, "submission never completed")
		return nil
	}
}

// failAndRelease settles a generation as failed and returns its hold.
func (s *GenerationService) failAndRelease(ctx context.Context, generationID, detail string) {
	applied, err := s.store.UpdateStatus(ctx, generationID, store.StatusUpdate{
		Status:   model.StatusFailed,
		Progress: -1,
		Error:    detail,
	})
	if err != nil {
		log.Printf("[Settle] Failed to mark %s failed: %v", generationID, err)
		return
	}
	if applied {
		if err := s.ledger.Release(ctx, generationID); err != nil {
			log.Printf("[Settle] Failed to release credits for %s: %v", generationID, err)
		}
		if s.hub != nil {
			s.hub.BroadcastError(generationID, detail)
		}
	}
}

func (s *GenerationService) getOwned(ctx context.Context, ownerID, generationID string) (*model.Generation, error) {
	gen, err := s.store.Get(ctx, generationID)
	if err != nil {
		return nil, err
	}
	// Foreign rows are indistinguishable from missing ones.
	if gen.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return gen, nil
}

func (s *GenerationService) buildStatusResponse(ctx context.Context, gen *model.Generation, note string) *model.StatusResponse {
	resp := &model.StatusResponse{
		GenerationID:    gen.ID,
		Status:          gen.Status,
		Progress:        gen.Progress,
		Outputs:         gen.Outputs,
		Error:           gen.Error,
		ProviderNote:    note,
		CreditsReserved: gen.CreditsReserved,
		CreditsFinal:    gen.CreditsFinal,
		UpdatedAt:       gen.UpdatedAt,
		CompletedAt:     gen.CompletedAt,
	}
	if gen.SubmitState == model.SubmitUnknown && note == "" {
		resp.ProviderNote = "submission is being verified"
	}
	resp.PreviewURL = s.previewURL(ctx, gen.Outputs)
	return resp
}

func (s *GenerationService) previewURL(ctx context.Context, outputs []model.Asset) string {
	for _, a := range outputs {
		if a.StorageKey != "" && s.assets != nil {
			if signed, err := s.assets.GetSignedURL(ctx, a.StorageKey, time.Hour); err == nil {
				return signed
			}
			return s.assets.GetPublicURL(a.StorageKey)
		}
		if a.ProviderURL != "" {
			return a.ProviderURL
		}
	}
	return ""
}
