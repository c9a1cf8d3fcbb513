package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pageveil/pageveil/internal/config"
	"github.com/pageveil/pageveil/internal/logger"
	"github.com/pageveil/pageveil/internal/settings"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.Scan.MinTextLength = 1

	initial := settings.Settings{
		MaskingStyle:     settings.StyleBlur,
		MaskingIntensity: 5,
	}
	initial.SensitivePatterns.Email = true
	initial.SensitivePatterns.Phone = true

	store := settings.NewStore(initial, logger.Nop())
	return New(cfg, store, nil, logger.Nop())
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// TestHealthEndpoint tests the liveness probe
func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", resp["status"])
	}
}

// TestSettingsEndpoints tests reading settings and flipping the master switch
func TestSettingsEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/v1/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var got settings.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Invalid settings JSON: %v", err)
	}
	if got.MaskingEnabled {
		t.Error("Masking should start disabled")
	}
	if !got.SensitivePatterns.Email {
		t.Error("Email detector should be enabled")
	}

	rec = doRequest(s, http.MethodPost, "/v1/masking/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var toggled map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &toggled)
	if !toggled["enabled"] {
		t.Error("First toggle should enable masking")
	}

	rec = doRequest(s, http.MethodPost, "/v1/masking/toggle", "")
	json.Unmarshal(rec.Body.Bytes(), &toggled)
	if toggled["enabled"] {
		t.Error("Second toggle should disable masking")
	}
}

// TestPatternEndpoints tests the custom pattern CRUD surface
func TestPatternEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/patterns",
		`{"name":"internal-id","pattern":"INT-\\d{6}","description":"ticket ids"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created settings.CustomPattern
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Invalid pattern JSON: %v", err)
	}
	if created.ID == "" || !created.Enabled {
		t.Errorf("Created pattern malformed: %+v", created)
	}

	t.Run("DuplicateNameConflicts", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/v1/patterns",
			`{"name":"internal-id","pattern":"OTHER-\\d+"}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("Expected 409, got %d", rec.Code)
		}
	})

	t.Run("InvalidRuleRejected", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/v1/patterns",
			`{"name":"broken","pattern":"(["}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("MissingFieldsRejected", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/v1/patterns", `{"name":"only-name"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("Toggle", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/v1/patterns/"+created.ID+"/toggle", "")
		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		rec := doRequest(s, http.MethodDelete, "/v1/patterns/"+created.ID, "")
		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}
		rec = doRequest(s, http.MethodDelete, "/v1/patterns/"+created.ID, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for repeat delete, got %d", rec.Code)
		}
	})
}

// TestMaskDocumentEndpoint tests the one-shot masking endpoint
func TestMaskDocumentEndpoint(t *testing.T) {
	s := newTestServer(t)

	src := "<html><body><p>write to a@b.com or call 555-123-4567</p></body></html>"
	rec := doRequest(s, http.MethodPost, "/v1/mask", src)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	masked := rec.Body.String()
	if strings.Contains(masked, "a@b.com") {
		t.Error("Email should not survive masking")
	}
	if strings.Contains(masked, "555-123-4567") {
		t.Error("Phone should not survive masking")
	}
	if !strings.Contains(masked, "pv-mask") {
		t.Error("Masked output should carry placeholder markup")
	}
	if !strings.Contains(masked, "data-pv-original") {
		t.Error("Masked output should carry the encoded originals")
	}
	if !strings.Contains(masked, "write to") {
		t.Error("Non-sensitive text should be untouched")
	}
}

// TestDocumentSessionLifecycle tests hosted document creation through deletion
func TestDocumentSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/v1/documents",
		"<html><body><p>hello there</p></body></html>")
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var createResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &createResp); err != nil || createResp.ID == "" {
		t.Fatalf("Create response malformed: %s", rec.Body.String())
	}
	id := createResp.ID

	t.Run("Get", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/v1/documents/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "hello there") {
			t.Error("Rendered document should contain the original text")
		}
	})

	t.Run("Append", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/v1/documents/"+id+"/append",
			`{"html":"<p>appended paragraph</p>"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		rec = doRequest(s, http.MethodGet, "/v1/documents/"+id, "")
		if !strings.Contains(rec.Body.String(), "appended paragraph") {
			t.Error("Appended fragment should appear in the document")
		}
	})

	t.Run("Status", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/v1/documents/"+id+"/status", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		var status struct {
			Active bool `json:"active"`
		}
		json.Unmarshal(rec.Body.Bytes(), &status)
		if status.Active {
			t.Error("Session should be inactive while masking is off")
		}
	})

	t.Run("Visibility", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/v1/documents/"+id+"/visibility",
			`{"visible":false}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rec := doRequest(s, http.MethodDelete, "/v1/documents/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		rec = doRequest(s, http.MethodGet, "/v1/documents/"+id, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 after delete, got %d", rec.Code)
		}
	})
}

// TestUnknownDocument tests the not-found paths
func TestUnknownDocument(t *testing.T) {
	s := newTestServer(t)
	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodGet, "/v1/documents/nope"},
		{http.MethodPost, "/v1/documents/nope/scan"},
		{http.MethodGet, "/v1/documents/nope/status"},
		{http.MethodDelete, "/v1/documents/nope"},
	} {
		rec := doRequest(s, probe.method, probe.path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", probe.method, probe.path, rec.Code)
		}
	}
}
