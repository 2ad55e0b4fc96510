package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reklamai/api/internal/auth"
	"github.com/reklamai/api/internal/catalog"
	"github.com/reklamai/api/internal/client"
	"github.com/reklamai/api/internal/handler"
	"github.com/reklamai/api/internal/ledger"
	"github.com/reklamai/api/internal/middleware"
	"github.com/reklamai/api/internal/model"
	"github.com/reklamai/api/internal/service"
	"github.com/reklamai/api/internal/store"
)

const testJWTSecret = "test-secret-for-e2e"

// fakeProvider lets each test script the provider's behavior without
// touching the network.
type fakeProvider struct {
	submitFn func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error)
	pollFn   func(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error)
}

func (f *fakeProvider) Submit(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
	return f.submitFn(ctx, req)
}

func (f *fakeProvider) Poll(ctx context.Context, family model.APIFamily, taskID string) (*client.PollResult, error) {
	if f.pollFn == nil {
		return &client.PollResult{Status: model.StatusProcessing, Progress: 10}, nil
	}
	return f.pollFn(ctx, family, taskID)
}

func acceptingProvider() *fakeProvider {
	return &fakeProvider{
		submitFn: func(ctx context.Context, req *client.SubmitRequest) (*client.SubmitResult, error) {
			return &client.SubmitResult{TaskID: uuid.New().String(), Status: model.StatusQueued}, nil
		},
	}
}

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	ledger *ledger.Ledger
}

// setupApp creates a Fiber app wired like main.go but with a scripted
// provider and no object storage.
func setupApp(t *testing.T, provider client.GenerationProvider) *testApp {
	t.Helper()

	// Redis (localhost — must be running)
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available on localhost:6379: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	validate := validator.New()

	creditLedger := ledger.New(redisClient)
	genStore := store.NewGenerationStore(redisClient)
	cat := catalog.New(redisClient)
	if err := cat.Seed(context.Background()); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	generationService := service.NewGenerationService(
		genStore, creditLedger, cat, provider, nil, nil, 0, 2, 0)

	generateHandler := handler.NewGenerateHandler(generationService, validate)
	creditsHandler := handler.NewCreditsHandler(creditLedger)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	// Auth middleware — legacy HMAC only
	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   true,
				"kie":     false,
				"storage": false,
				"auth":    true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	// API routes (authenticated). Very high rate limits so tests don't
	// get blocked.
	api := app.Group("/api", authMiddleware.Authenticate())

	api.Post("/generate", rateLimiter.GenerateLimit(10000), generateHandler.Generate)

	generations := api.Group("/generations")
	generations.Get("/", generateHandler.List)
	generations.Get("/:id/status", rateLimiter.StatusLimit(10000), generateHandler.Status)
	generations.Post("/:id/cancel", rateLimiter.CancelLimit(10000), generateHandler.Cancel)

	credits := api.Group("/credits")
	credits.Get("/", creditsHandler.Balance)
	credits.Get("/entries", creditsHandler.Entries)

	return &testApp{app: app, ledger: creditLedger}
}

// newFundedUser creates a fresh owner ID and grants it credits.
func (ta *testApp) newFundedUser(t *testing.T, amount float64) string {
	t.Helper()
	userID := "e2e-user-" + uuid.New().String()
	if err := ta.ledger.Grant(context.Background(), userID, amount, map[string]string{"reason": "test"}); err != nil {
		t.Fatalf("failed to grant credits: %v", err)
	}
	return userID
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: userID,
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "reklamai-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request authenticated as the given user.
func doAuthRequest(t *testing.T, app *fiber.App, userID, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t, userID)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
