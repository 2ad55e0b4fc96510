package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reklamai/api/internal/catalog"
	"github.com/reklamai/api/internal/client"
	"github.com/reklamai/api/internal/ledger"
	"github.com/reklamai/api/internal/model"
	"github.com/reklamai/api/internal/store"

	"github.com/google/uuid"
)

// fakeProvider scripts provider behavior per test.
type fakeProvider struct {
	submitFn func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error)
	pollFn   func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error)

	submitCalls int64
	pollCalls   int64
}

func (f *fakeProvider) Submit(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
	atomic.AddInt64(&f.submitCalls, 1)
	return f.submitFn(ctx, req)
}

func (f *fakeProvider) Poll(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
	atomic.AddInt64(&f.pollCalls, 1)
	return f.pollFn(ctx, family, taskID)
}

func acceptingProvider() *fakeProvider {
	return &fakeProvider{
		submitFn: func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
			return &client.SubmitResult{TaskID: "task-" + uuid.New().String(), Status: model.StatusQueued}, nil
		},
		pollFn: func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
			return &client.PollResult{Status: model.StatusProcessing, Progress: 40}, nil
		},
	}
}

type testEnv struct {
	svc      *GenerationService
	provider *fakeProvider
	ledger   *ledger.Ledger
	store    *store.GenerationStore
	catalog  *catalog.Catalog
	owner    string
}

func setupService(t *testing.T, provider *fakeProvider) *testEnv {
	t.Helper()
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	cat := catalog.New(redisClient)
	if err := cat.Seed(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	creditLedger := ledger.New(redisClient)
	genStore := store.NewGenerationStore(redisClient)
	owner := "owner-" + uuid.New().String()
	if err := creditLedger.Grant(ctx, owner, 100, nil); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	svc := NewGenerationService(genStore, creditLedger, cat, provider, nil, nil, 0, 2, 2*time.Minute)
	return &testEnv{svc: svc, provider: provider, ledger: creditLedger, store: genStore, catalog: cat, owner: owner}
}

func generateOne(t *testing.T, env *testEnv) *model.GenerateResponse {
	t.Helper()
	resp, err := env.svc.Generate(context.Background(), env.owner, &model.GenerateRequest{
		PresetKey: "image-gen",
		ModelKey:  "flux-1",
		Prompt:    "a fox in the snow",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	return resp
}

func TestEstimateCredits(t *testing.T) {
	cases := []struct {
		base, mult, markup, want float64
	}{
		{1.0, 1.0, 0, 1.0},
		{1.0, 1.5, 0, 1.5},
		{5.0, 8.0, 0, 40.0},
		{1.0, 2.0, 30, 2.6},
		{1.0, 0.8, 25, 1.0},
	}
	for _, tc := range cases {
		if got := EstimateCredits(tc.base, tc.mult, tc.markup); got != tc.want {
			t.Errorf("EstimateCredits(%v, %v, %v) = %v, want %v", tc.base, tc.mult, tc.markup, got, tc.want)
		}
	}
}

func TestGenerateReservesAndSubmits(t *testing.T) {
	env := setupService(t, acceptingProvider())
	ctx := context.Background()

	resp := generateOne(t, env)
	if resp.Status != model.StatusQueued {
		t.Errorf("expected queued, got %s", resp.Status)
	}
	if resp.ProviderTaskID == "" {
		t.Error("expected a provider task ID")
	}
	if resp.CreditsReserved != 1.0 {
		t.Errorf("expected 1.0 credits reserved, got %v", resp.CreditsReserved)
	}

	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 99 {
		t.Errorf("expected balance 99, got %v", bal)
	}

	gen, err := env.store.Get(ctx, resp.GenerationID)
	if err != nil {
		t.Fatalf("row missing: %v", err)
	}
	if gen.SubmitState != model.SubmitAccepted {
		t.Errorf("expected submitState accepted, got %s", gen.SubmitState)
	}
}

func TestGenerateInsufficientCredits(t *testing.T) {
	env := setupService(t, acceptingProvider())
	ctx := context.Background()

	// video-gen veo3 costs 5.0 * 10.0 = 50; drain the balance below it.
	for i := 0; i < 2; i++ {
		if _, err := env.svc.Generate(ctx, env.owner, &model.GenerateRequest{
			PresetKey: "video-gen", ModelKey: "veo3", Prompt: "p",
		}); err != nil {
			t.Fatalf("setup generate failed: %v", err)
		}
	}

	_, err := env.svc.Generate(ctx, env.owner, &model.GenerateRequest{
		PresetKey: "video-gen", ModelKey: "veo3", Prompt: "p",
	})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 0 {
		t.Errorf("rejected request must not move the balance, got %v", bal)
	}
}

func TestGenerateRejectedReleasesCredits(t *testing.T) {
	provider := acceptingProvider()
	provider.submitFn = func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
		return nil, &client.ProviderError{
			Kind:       client.ErrorRejected,
			StatusCode: http.StatusUnprocessableEntity,
			Message:    "422 - model not supported",
			ModelSent:  req.Model.ProviderModelID,
		}
	}
	env := setupService(t, provider)
	ctx := context.Background()

	_, err := env.svc.Generate(ctx, env.owner, &model.GenerateRequest{
		PresetKey: "image-gen", ModelKey: "flux-1", Prompt: "p",
	})
	var pe *client.ProviderError
	if !errors.As(err, &pe) || pe.Kind != client.ErrorRejected {
		t.Fatalf("expected rejected ProviderError, got %v", err)
	}
	if provider.submitCalls != 1 {
		t.Errorf("rejections must not be retried, got %d calls", provider.submitCalls)
	}

	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 100 {
		t.Errorf("expected full refund, balance %v", bal)
	}
}

func TestGenerateSubmitTimeoutHoldsCredits(t *testing.T) {
	provider := acceptingProvider()
	provider.submitFn = func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
		return nil, &client.ProviderError{
			Kind:       client.ErrorTimeout,
			StatusCode: http.StatusGatewayTimeout,
			Message:    "provider request timed out",
		}
	}
	env := setupService(t, provider)
	ctx := context.Background()

	_, err := env.svc.Generate(ctx, env.owner, &model.GenerateRequest{
		PresetKey: "image-gen", ModelKey: "flux-1", Prompt: "p",
	})

	var sue *SubmitUnknownError
	if !errors.As(err, &sue) {
		t.Fatalf("expected SubmitUnknownError, got %v", err)
	}
	if provider.submitCalls != 1 {
		t.Errorf("timeouts on non-idempotent families must not be retried, got %d calls", provider.submitCalls)
	}

	// Credits stay held and the row stays queued until reconciliation.
	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 99 {
		t.Errorf("expected credits still held, balance %v", bal)
	}
	gen, err := env.store.Get(ctx, sue.GenerationID)
	if err != nil {
		t.Fatalf("row missing: %v", err)
	}
	if gen.Status != model.StatusQueued || gen.SubmitState != model.SubmitUnknown {
		t.Errorf("expected queued/unknown, got %s/%s", gen.Status, gen.SubmitState)
	}
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	provider := acceptingProvider()
	calls := 0
	provider.submitFn = func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
		calls++
		if calls < 3 {
			return nil, &client.ProviderError{
				Kind:       client.ErrorTransient,
				StatusCode: http.StatusBadGateway,
				Message:    "upstream hiccup",
			}
		}
		return &client.SubmitResult{TaskID: "task-1"}, nil
	}
	env := setupService(t, provider)

	resp := generateOne(t, env)
	if resp.ProviderTaskID != "task-1" {
		t.Errorf("expected successful retry, got %q", resp.ProviderTaskID)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestStatusSuccessSettlesOnce(t *testing.T) {
	provider := acceptingProvider()
	provider.pollFn = func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
		return &client.PollResult{
			Status:    model.StatusSucceeded,
			Progress:  100,
			OutputURL: "https://cdn.kie.ai/out.png",
		}, nil
	}
	env := setupService(t, provider)
	ctx := context.Background()

	resp := generateOne(t, env)

	// Concurrent pollers all observe the success; credits settle once.
	const pollers = 8
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := env.svc.Status(ctx, env.owner, resp.GenerationID)
			if err != nil {
				t.Errorf("status failed: %v", err)
				return
			}
			if view.Status != model.StatusSucceeded {
				t.Errorf("expected succeeded, got %s", view.Status)
			}
		}()
	}
	wg.Wait()

	gen, _ := env.store.Get(ctx, resp.GenerationID)
	if len(gen.Outputs) != 1 || gen.Outputs[0].ProviderURL != "https://cdn.kie.ai/out.png" {
		t.Errorf("outputs wrong: %+v", gen.Outputs)
	}
	if gen.CreditsFinal == nil || *gen.CreditsFinal != 1.0 {
		t.Errorf("creditsFinal wrong: %v", gen.CreditsFinal)
	}

	// One reserve, one finalize with identical amounts: 100 - 1 = 99.
	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 99 {
		t.Errorf("expected balance 99 (charged once), got %v", bal)
	}

	entries, _ := env.ledger.Entries(ctx, env.owner, 100)
	finalizes := 0
	for _, e := range entries {
		if e.Kind == model.EntryFinalize {
			finalizes++
		}
	}
	if finalizes != 1 {
		t.Errorf("expected exactly one finalize entry, got %d", finalizes)
	}
}

func TestStatusFailureRefunds(t *testing.T) {
	provider := acceptingProvider()
	provider.pollFn = func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
		return &client.PollResult{Status: model.StatusFailed, Progress: -1, Error: "content policy violation"}, nil
	}
	env := setupService(t, provider)
	ctx := context.Background()

	resp := generateOne(t, env)
	view, err := env.svc.Status(ctx, env.owner, resp.GenerationID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", view.Status)
	}
	if view.Error == nil || *view.Error != "content policy violation" {
		t.Errorf("error detail lost: %v", view.Error)
	}

	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 100 {
		t.Errorf("expected full refund, balance %v", bal)
	}
}

func TestStatusPollErrorServesLastKnownState(t *testing.T) {
	provider := acceptingProvider()
	env := setupService(t, provider)
	ctx := context.Background()

	resp := generateOne(t, env)

	provider.pollFn = func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
		return nil, &client.ProviderError{Kind: client.ErrorTransient, StatusCode: http.StatusBadGateway, Message: "upstream 502"}
	}

	view, err := env.svc.Status(ctx, env.owner, resp.GenerationID)
	if err != nil {
		t.Fatalf("status must not fail on a flaky poll: %v", err)
	}
	if view.Status != model.StatusQueued {
		t.Errorf("expected last known queued, got %s", view.Status)
	}
	if view.ProviderNote == "" {
		t.Error("expected a provider note")
	}

	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 99 {
		t.Errorf("flaky poll must not settle credits, balance %v", bal)
	}
}

func TestStatusOtherOwnerNotFound(t *testing.T) {
	env := setupService(t, acceptingProvider())
	resp := generateOne(t, env)

	_, err := env.svc.Status(context.Background(), "someone-else", resp.GenerationID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign rows must read as not found, got %v", err)
	}
}

func TestCancelReleasesHold(t *testing.T) {
	env := setupService(t, acceptingProvider())
	ctx := context.Background()

	resp := generateOne(t, env)
	cancelResp, err := env.svc.Cancel(ctx, env.owner, resp.GenerationID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelResp.Status != model.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelResp.Status)
	}

	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 100 {
		t.Errorf("expected full refund, balance %v", bal)
	}

	// A late success from the provider is discarded.
	view, err := env.svc.Status(ctx, env.owner, resp.GenerationID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != model.StatusCancelled {
		t.Errorf("terminal cancel overwritten: %s", view.Status)
	}

	if _, err := env.svc.Cancel(ctx, env.owner, resp.GenerationID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
}

// fakeAssets records stored and deleted keys in place of a real bucket.
type fakeAssets struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
}

func (f *fakeAssets) SaveFromURL(ctx context.Context, sourceURL, key string) (*model.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, key)
	return &model.Asset{Kind: "output", StorageKey: key, ProviderURL: sourceURL}, nil
}

func (f *fakeAssets) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeAssets) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeAssets) GetPublicURL(key string) string {
	return "https://public.example/" + key
}

func TestLateSuccessAfterCancelDiscardsOutput(t *testing.T) {
	provider := acceptingProvider()
	env := setupService(t, provider)
	assets := &fakeAssets{}
	svc := NewGenerationService(env.store, env.ledger, env.catalog, provider, assets, nil, 0, 2, 2*time.Minute)
	ctx := context.Background()

	resp := generateOne(t, env)
	if _, err := env.svc.Cancel(ctx, env.owner, resp.GenerationID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// The provider task kept running and its success lands after the
	// cancel settled. The copied object must not outlive the lost race.
	gen, err := env.store.Get(ctx, resp.GenerationID)
	if err != nil {
		t.Fatalf("row missing: %v", err)
	}
	svc.settle(ctx, gen, &client.PollResult{
		Status:    model.StatusSucceeded,
		Progress:  100,
		OutputURL: "https://cdn.kie.ai/out.png",
	})

	wantKey := client.OutputKey(env.owner, resp.GenerationID, "https://cdn.kie.ai/out.png")
	if len(assets.saved) != 1 || assets.saved[0] != wantKey {
		t.Fatalf("expected one stored object %q, got %v", wantKey, assets.saved)
	}
	if len(assets.deleted) != 1 || assets.deleted[0] != wantKey {
		t.Errorf("expected stored object deleted, got %v", assets.deleted)
	}

	gen, _ = env.store.Get(ctx, resp.GenerationID)
	if gen.Status != model.StatusCancelled {
		t.Errorf("cancel overwritten by late success: %s", gen.Status)
	}
	if len(gen.Outputs) != 0 {
		t.Errorf("cancelled row must carry no outputs: %+v", gen.Outputs)
	}

	// Cancel refunded the hold; the late success must not charge it back.
	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 100 {
		t.Errorf("expected balance 100, got %v", bal)
	}
	entries, _ := env.ledger.Entries(ctx, env.owner, 100)
	for _, e := range entries {
		if e.Kind == model.EntryFinalize {
			t.Errorf("late success must not finalize credits")
		}
	}
}

func TestReconcileSettlesAcknowledgedTask(t *testing.T) {
	provider := acceptingProvider()
	env := setupService(t, provider)
	ctx := context.Background()

	resp := generateOne(t, env)

	// Age the row past the stale cutoff.
	backdate(t, env, resp.GenerationID, -10*time.Minute)

	provider.pollFn = func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
		return &client.PollResult{Status: model.StatusFailed, Progress: -1, Error: "expired"}, nil
	}

	if err := env.svc.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	gen, _ := env.store.Get(ctx, resp.GenerationID)
	if gen.Status != model.StatusFailed {
		t.Errorf("expected failed after reconcile, got %s", gen.Status)
	}
	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 100 {
		t.Errorf("expected refund after reconcile, balance %v", bal)
	}
}

func TestReconcileUnknownSubmitKeepsHold(t *testing.T) {
	provider := acceptingProvider()
	provider.submitFn = func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
		return nil, &client.ProviderError{Kind: client.ErrorTimeout, StatusCode: http.StatusGatewayTimeout, Message: "timeout"}
	}
	env := setupService(t, provider)
	ctx := context.Background()

	_, err := env.svc.Generate(ctx, env.owner, &model.GenerateRequest{
		PresetKey: "image-gen", ModelKey: "flux-1", Prompt: "p",
	})
	var sue *SubmitUnknownError
	if !errors.As(err, &sue) {
		t.Fatalf("expected SubmitUnknownError, got %v", err)
	}

	backdate(t, env, sue.GenerationID, -10*time.Minute)
	submitsBefore := provider.submitCalls

	if err := env.svc.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	// flux-1's family does not tolerate duplicate submits: no re-submit,
	// no refund, the row waits for manual review.
	if provider.submitCalls != submitsBefore {
		t.Errorf("non-idempotent family must not be re-submitted")
	}
	gen, _ := env.store.Get(ctx, sue.GenerationID)
	if gen.Status != model.StatusQueued || gen.SubmitState != model.SubmitUnknown {
		t.Errorf("expected queued/unknown preserved, got %s/%s", gen.Status, gen.SubmitState)
	}
	bal, _ := env.ledger.Balance(ctx, env.owner)
	if bal != 99 {
		t.Errorf("hold must survive reconciliation, balance %v", bal)
	}
}

// backdate rewrites the active-index score so the reconciliation cutoff
// catches the row.
func backdate(t *testing.T, env *testEnv, generationID string, delta time.Duration) {
	t.Helper()
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer redisClient.Close()

	score := float64(time.Now().UTC().Add(delta).UnixMilli())
	if err := redisClient.ZAdd(context.Background(), "generations:active", redis.Z{
		Score: score, Member: generationID,
	}).Err(); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
}
