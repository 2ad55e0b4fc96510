package e2e

import (
	"context"
	"net/http"
	"testing"

	"github.com/reklamai/api/internal/client"
	"github.com/reklamai/api/internal/model"
)

// startGeneration submits a generation and returns its ID.
func startGeneration(t *testing.T, ta *testApp, userID string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, userID, http.MethodPost, "/api/generate", validGenerateBody)
	if err != nil {
		t.Fatalf("generate request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	return result["generationId"].(string)
}

func TestStatus_Processing(t *testing.T) {
	provider := acceptingProvider()
	provider.pollFn = func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
		return &client.PollResult{Status: model.StatusProcessing, Progress: 42}, nil
	}
	ta := setupApp(t, provider)
	userID := ta.newFundedUser(t, 50)
	genID := startGeneration(t, ta, userID)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/generations/"+genID+"/status", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["status"] != "processing" {
		t.Errorf("expected processing, got %v", result["status"])
	}
	if result["progress"].(float64) != 42 {
		t.Errorf("expected progress 42, got %v", result["progress"])
	}
}

func TestStatus_SuccessSettlesCredits(t *testing.T) {
	provider := acceptingProvider()
	provider.pollFn = func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
		return &client.PollResult{
			Status:    model.StatusSucceeded,
			Progress:  100,
			OutputURL: "https://cdn.example.com/result.png",
		}, nil
	}
	ta := setupApp(t, provider)
	userID := ta.newFundedUser(t, 50)
	genID := startGeneration(t, ta, userID)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/generations/"+genID+"/status", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["status"] != "succeeded" {
		t.Errorf("expected succeeded, got %v", result["status"])
	}
	outputs, _ := result["outputs"].([]interface{})
	if len(outputs) != 1 {
		t.Fatalf("expected one output, got %v", result["outputs"])
	}

	// Exactly the reserved amount is spent.
	balance, err := ta.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance check failed: %v", err)
	}
	if balance != 49 {
		t.Errorf("expected balance 49 after settlement, got %v", balance)
	}
}

func TestStatus_FailureRefunds(t *testing.T) {
	provider := acceptingProvider()
	provider.pollFn = func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
		return &client.PollResult{Status: model.StatusFailed, Error: "content policy"}, nil
	}
	ta := setupApp(t, provider)
	userID := ta.newFundedUser(t, 50)
	genID := startGeneration(t, ta, userID)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/generations/"+genID+"/status", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["status"] != "failed" {
		t.Errorf("expected failed, got %v", result["status"])
	}

	balance, err := ta.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance check failed: %v", err)
	}
	if balance != 50 {
		t.Errorf("expected full refund, got balance %v", balance)
	}
}

func TestStatus_NotFound(t *testing.T) {
	ta := setupApp(t, acceptingProvider())
	userID := ta.newFundedUser(t, 50)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/generations/does-not-exist/status", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)
}

func TestStatus_ForeignGenerationHidden(t *testing.T) {
	ta := setupApp(t, acceptingProvider())
	owner := ta.newFundedUser(t, 50)
	stranger := ta.newFundedUser(t, 50)
	genID := startGeneration(t, ta, owner)

	resp, err := doAuthRequest(t, ta.app, stranger, http.MethodGet, "/api/generations/"+genID+"/status", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)
}

func TestCancel_RefundsHold(t *testing.T) {
	ta := setupApp(t, acceptingProvider())
	userID := ta.newFundedUser(t, 50)
	genID := startGeneration(t, ta, userID)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodPost, "/api/generations/"+genID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["status"] != "cancelled" {
		t.Errorf("expected cancelled, got %v", result["status"])
	}

	balance, err := ta.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance check failed: %v", err)
	}
	if balance != 50 {
		t.Errorf("expected full refund after cancel, got %v", balance)
	}

	// A second cancel is rejected.
	again, err := doAuthRequest(t, ta.app, userID, http.MethodPost, "/api/generations/"+genID+"/cancel", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, again, http.StatusBadRequest)
}

func TestList_ReturnsOwnGenerations(t *testing.T) {
	ta := setupApp(t, acceptingProvider())
	userID := ta.newFundedUser(t, 50)
	startGeneration(t, ta, userID)
	startGeneration(t, ta, userID)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/generations/", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	items, _ := result["items"].([]interface{})
	if len(items) != 2 {
		t.Errorf("expected 2 generations, got %d", len(items))
	}
	if result["total"].(float64) != 2 {
		t.Errorf("expected total 2, got %v", result["total"])
	}
}
