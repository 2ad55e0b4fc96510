package e2e

import (
	"net/http"
	"strings"
	"testing"
)

func TestCredits_Balance(t *testing.T) {
	ta := setupApp(t, acceptingProvider())
	userID := ta.newFundedUser(t, 25)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/credits/", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["balance"].(float64) != 25 {
		t.Errorf("expected balance 25, got %v", result["balance"])
	}
}

func TestCredits_NoAuth(t *testing.T) {
	ta := setupApp(t, acceptingProvider())

	resp, err := doRequest(ta.app, http.MethodGet, "/api/credits/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestCredits_EntriesRecordSpend(t *testing.T) {
	ta := setupApp(t, acceptingProvider())
	userID := ta.newFundedUser(t, 50)
	startGeneration(t, ta, userID)

	resp, err := doAuthRequest(t, ta.app, userID, http.MethodGet, "/api/credits/entries", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := readBody(t, resp)
	// One grant plus one reserve debit.
	if !strings.Contains(body, `"kind":"grant"`) || !strings.Contains(body, `"kind":"reserve"`) {
		t.Errorf("expected grant and reserve entries, got %s", body)
	}
}
