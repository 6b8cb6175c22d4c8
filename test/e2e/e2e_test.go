//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"github.com/stemsi/exstem-proctor/internal/authority"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	defaultServerURL = "http://localhost:8050"
	candidateID      = 9001
	adminID          = 1
)

var (
	serverURL      string
	baseURL        string
	candidateToken string
	adminToken     string
	contestID      = uuid.New()
	maxWarnings    int
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	serverURL = os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	baseURL = strings.TrimRight(serverURL, "/") + "/api/v1"

	cfg := config.Load()
	maxWarnings = cfg.ExamMode.MaxWarnings

	if err := cleanup(cfg.DatabaseURL); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	// Tokens are minted with the server's secret, as cmd/issue-token does.
	auth := service.NewAuthService(cfg)
	var err error
	if candidateToken, err = auth.GenerateToken(candidateID, proctor.RoleCandidate); err != nil {
		fmt.Printf("Token failed: %v\n", err)
		os.Exit(1)
	}
	if adminToken, err = auth.GenerateToken(adminID, proctor.RoleAdmin); err != nil {
		fmt.Printf("Token failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func cleanup(dbURL string) error {
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close(ctx)

	for _, table := range []string{"exam_mode_violations", "exam_mode_sessions"} {
		if _, err := conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", table), candidateID); err != nil {
			return fmt.Errorf("cleanup %s: %w", table, err)
		}
	}
	return nil
}

func TestExamModeFlow(t *testing.T) {
	statusPath := fmt.Sprintf("/contests/%s/exam-mode", contestID)
	adminPath := fmt.Sprintf("/admin/contests/%s/exam-mode", contestID)

	// Step 1: Fresh candidate is not_started
	t.Run("InitialStatus", func(t *testing.T) {
		snap := getSnapshot(t, statusPath, candidateToken)
		if snap.Status != proctor.StatusNotStarted {
			t.Fatalf("expected not_started, got %s", snap.Status)
		}
		if snap.MaxWarnings != maxWarnings {
			t.Fatalf("expected max_warnings %d, got %d", maxWarnings, snap.MaxWarnings)
		}
	})

	// Step 2: Violations before start are ignored
	t.Run("ViolationBeforeStartIgnored", func(t *testing.T) {
		v := postViolation(t, statusPath, candidateToken, proctor.ViolationTabHidden)
		if v.ViolationCount != 0 || v.Locked {
			t.Fatalf("expected ignored violation, got %+v", v)
		}
	})

	// Step 3: Start
	t.Run("Start", func(t *testing.T) {
		resp := mustPost(t, statusPath+"/start", nil, candidateToken)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	// Step 4: Starting twice is rejected
	t.Run("StartTwiceConflict", func(t *testing.T) {
		resp := mustPost(t, statusPath+"/start", nil, candidateToken)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	// Step 5: Privileged reports bypass policy
	t.Run("AdminBypass", func(t *testing.T) {
		v := postViolation(t, statusPath, adminToken, proctor.ViolationWindowBlur)
		if !v.Bypass {
			t.Fatalf("expected bypass verdict, got %+v", v)
		}
	})

	// Step 6: Warnings up to the limit, then a lock
	t.Run("ViolationsLock", func(t *testing.T) {
		for i := 1; i <= maxWarnings; i++ {
			v := postViolation(t, statusPath, candidateToken, proctor.ViolationWindowBlur)
			if v.ViolationCount != i || v.Locked {
				t.Fatalf("violation %d: unexpected verdict %+v", i, v)
			}
		}
		v := postViolation(t, statusPath, candidateToken, proctor.ViolationExitFullscreen)
		if !v.Locked {
			t.Fatalf("expected lock after exceeding %d warnings, got %+v", maxWarnings, v)
		}

		snap := getSnapshot(t, statusPath, candidateToken)
		if snap.Status != proctor.StatusLocked || snap.LockReason == "" {
			t.Fatalf("expected locked with reason, got %+v", snap)
		}
	})

	// Step 7: Candidates cannot use proctor routes
	t.Run("CandidateForbiddenFromAdmin", func(t *testing.T) {
		resp := mustPost(t, fmt.Sprintf("%s/users/%d/unlock", adminPath, candidateID), nil, candidateToken)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})

	// Step 8: Unlock pushes a status change to the stream
	t.Run("UnlockIsPushed", func(t *testing.T) {
		client, err := authority.New(serverURL, candidateToken)
		if err != nil {
			t.Fatalf("client: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		events := make(chan proctor.StatusSnapshot, 8)
		go func() {
			_ = client.Watch(ctx, contestID, func(s proctor.StatusSnapshot) { events <- s })
		}()

		// The stream opens with the current snapshot.
		waitFor(t, ctx, events, proctor.StatusLocked)

		resp := mustPost(t, fmt.Sprintf("%s/users/%d/unlock", adminPath, candidateID), nil, adminToken)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unlock status %d", resp.StatusCode)
		}

		waitFor(t, ctx, events, proctor.StatusPaused)
	})

	// Step 9: Resume and submit through the typed client
	t.Run("ResumeAndSubmit", func(t *testing.T) {
		client, err := authority.New(serverURL, candidateToken)
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		ctx := context.Background()

		if err := client.StartExam(ctx, contestID); err != nil {
			t.Fatalf("resume: %v", err)
		}
		if err := client.EndExam(ctx, contestID); err != nil {
			t.Fatalf("end: %v", err)
		}
		// Ending twice is not an error.
		if err := client.EndExam(ctx, contestID); err != nil {
			t.Fatalf("second end: %v", err)
		}
		snap, err := client.GetExamStatus(ctx, contestID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.Status != proctor.StatusSubmitted {
			t.Fatalf("expected submitted, got %s", snap.Status)
		}
	})

	// Step 10: Audit log lists every report once persisted
	t.Run("AuditLog", func(t *testing.T) {
		want := maxWarnings + 3 // ignored + bypass + warnings + lock
		deadline := time.Now().Add(10 * time.Second)
		for {
			resp, err := get(fmt.Sprintf("%s/violations?per_page=100", adminPath), adminToken)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			var body struct {
				Data       []model.ExamModeViolation `json:"data"`
				Pagination struct {
					TotalItems int `json:"total_items"`
				} `json:"pagination"`
			}
			decodeJSON(t, resp, &body)
			resp.Body.Close()

			if body.Pagination.TotalItems >= want {
				outcomes := map[model.ViolationOutcome]int{}
				for _, v := range body.Data {
					outcomes[v.Outcome]++
				}
				if outcomes[model.ViolationLocked] != 1 || outcomes[model.ViolationBypass] != 1 || outcomes[model.ViolationIgnored] != 1 {
					t.Fatalf("unexpected outcomes %v", outcomes)
				}
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("expected %d audit entries, got %d", want, body.Pagination.TotalItems)
			}
			time.Sleep(500 * time.Millisecond)
		}
	})
}

// Helpers

func getSnapshot(t *testing.T, path, token string) proctor.StatusSnapshot {
	t.Helper()
	resp, err := get(path, token)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
	}
	var body struct {
		Data proctor.StatusSnapshot `json:"data"`
	}
	decodeJSON(t, resp, &body)
	return body.Data
}

func postViolation(t *testing.T, statusPath, token string, kind proctor.ViolationKind) proctor.Verdict {
	t.Helper()
	resp := mustPost(t, statusPath+"/violations", model.RecordViolationRequest{
		EventType: string(kind),
		Reason:    "e2e",
	}, token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
	}
	var body struct {
		Data proctor.Verdict `json:"data"`
	}
	decodeJSON(t, resp, &body)
	return body.Data
}

func waitFor(t *testing.T, ctx context.Context, events <-chan proctor.StatusSnapshot, status proctor.ExamStatus) {
	t.Helper()
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", status)
		case s := <-events:
			if s.Status == status {
				return
			}
		}
	}
}

func mustPost(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	resp, err := post(path, body, token)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func post(path string, body interface{}, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest("POST", baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func get(path string, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
