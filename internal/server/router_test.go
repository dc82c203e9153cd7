package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LumeboardHQ/lumeboard/internal/auth"
	"github.com/LumeboardHQ/lumeboard/internal/presence"
	"github.com/LumeboardHQ/lumeboard/internal/store"
	"github.com/LumeboardHQ/lumeboard/internal/versions"
)

type fakeVersionService struct {
	records    []store.VersionRecord
	savedLabel string
	restoreErr error
	deleteErr  error
	listErr    error
}

func (f *fakeVersionService) Save(_ context.Context, label string) (store.VersionRecord, error) {
	f.savedLabel = label
	record := store.VersionRecord{
		VersionID:       "v-new",
		RoomID:          "r1",
		CreatedAtMillis: 1700000000000,
		CreatedBy:       "u1",
		Label:           label,
		SchemaVersion:   1,
	}
	f.records = append([]store.VersionRecord{record}, f.records...)
	return record, nil
}

func (f *fakeVersionService) List(context.Context) ([]store.VersionRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.records, nil
}

func (f *fakeVersionService) Restore(_ context.Context, versionID string) error {
	return f.restoreErr
}

func (f *fakeVersionService) Delete(_ context.Context, versionID string) error {
	return f.deleteErr
}

type fakePresenceReader struct {
	roster map[string]presence.Record
	err    error
}

func (f *fakePresenceReader) Snapshot(context.Context) (map[string]presence.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.roster, nil
}

type routerFixture struct {
	handler      http.Handler
	issuer       *auth.TokenIssuer
	versionsFake *fakeVersionService
	presenceFake *fakePresenceReader
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "lumeboard-sync",
		Audience:      "lumeboard-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected issuer error: %v", err)
	}

	versionsFake := &fakeVersionService{}
	presenceFake := &fakePresenceReader{roster: map[string]presence.Record{}}

	handler, err := NewHTTPHandler(Dependencies{
		RoomID:     "r1",
		Authorizer: issuer,
		Versions:   versionsFake,
		Presence:   presenceFake,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	return &routerFixture{
		handler:      handler,
		issuer:       issuer,
		versionsFake: versionsFake,
		presenceFake: presenceFake,
	}
}

func (f *routerFixture) token(t *testing.T, userID string, roomID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueRoomToken(context.Background(), userID, roomID)
	if err != nil {
		t.Fatalf("unexpected token error: %v", err)
	}
	return token
}

func (f *routerFixture) request(t *testing.T, method string, path string, body string, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpointIsOpen(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.request(t, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.request(t, http.MethodGet, "/api/rooms/r1/versions", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	recorder = fixture.request(t, http.MethodGet, "/api/rooms/r1/versions", "", "garbage-token")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", recorder.Code)
	}
}

func TestWrongRoomTokenIsForbidden(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "u1", "other-room")

	recorder := fixture.request(t, http.MethodGet, "/api/rooms/r1/versions", "", token)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if payload["error"] != "you don't have rights to do this" {
		t.Fatalf("unexpected error message %q", payload["error"])
	}
}

func TestListVersionsReturnsNewestFirstPayload(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.versionsFake.records = []store.VersionRecord{
		{VersionID: "v2", Label: "newer", CreatedAtMillis: 200, CreatedBy: "u1", SchemaVersion: 1},
		{VersionID: "v1", Label: "older", CreatedAtMillis: 100, CreatedBy: "u1", SchemaVersion: 1},
	}
	token := fixture.token(t, "u1", "r1")

	recorder := fixture.request(t, http.MethodGet, "/api/rooms/r1/versions", "", token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Versions []versionPayload `json:"versions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if len(payload.Versions) != 2 || payload.Versions[0].VersionID != "v2" {
		t.Fatalf("unexpected listing %#v", payload.Versions)
	}
}

func TestSaveVersionPassesLabelThrough(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "u1", "r1")

	recorder := fixture.request(t, http.MethodPost, "/api/rooms/r1/versions", `{"label":"Checkpoint"}`, token)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if fixture.versionsFake.savedLabel != "Checkpoint" {
		t.Fatalf("expected label to reach the engine, got %q", fixture.versionsFake.savedLabel)
	}

	var payload versionPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if payload.VersionID != "v-new" || payload.Label != "Checkpoint" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestRestoreMapsFailureTaxonomy(t *testing.T) {
	testCases := []struct {
		name       string
		restoreErr error
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing version",
			restoreErr: store.ErrVersionNotFound,
			wantStatus: http.StatusNotFound,
			wantError:  "this version's data is missing",
		},
		{
			name:       "corrupted snapshot",
			restoreErr: versions.ErrSnapshotCorrupted,
			wantStatus: http.StatusNotFound,
			wantError:  "this version's data is missing",
		},
		{
			name:       "transient failure",
			restoreErr: errors.New("redis: connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "check your connection",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newRouterFixture(t)
			fixture.versionsFake.restoreErr = testCase.restoreErr
			token := fixture.token(t, "u1", "r1")

			recorder := fixture.request(t, http.MethodPost, "/api/rooms/r1/versions/v1/restore", "", token)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d", testCase.wantStatus, recorder.Code)
			}
			var payload map[string]string
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			if payload["error"] != testCase.wantError {
				t.Fatalf("unexpected error message %q", payload["error"])
			}
		})
	}
}

func TestDeleteVersionNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.versionsFake.deleteErr = store.ErrVersionNotFound
	token := fixture.token(t, "u1", "r1")

	recorder := fixture.request(t, http.MethodDelete, "/api/rooms/r1/versions/v404", "", token)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestPresenceSnapshotRendersCursor(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.presenceFake.roster = map[string]presence.Record{
		"u2": {
			UserID:      "u2",
			DisplayName: "Sam",
			Color:       "#ff8800",
			Online:      true,
			LastSeenMs:  1700000000500,
			Cursor:      &presence.Cursor{X: 10.5, Y: -4, LastSeenMs: 1700000000400},
		},
	}
	token := fixture.token(t, "u1", "r1")

	recorder := fixture.request(t, http.MethodGet, "/api/rooms/r1/presence", "", token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Presence map[string]presencePayload `json:"presence"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	record, ok := payload.Presence["u2"]
	if !ok {
		t.Fatalf("expected u2 in roster: %#v", payload.Presence)
	}
	if record.DisplayName != "Sam" || record.Cursor == nil || record.Cursor.X != 10.5 {
		t.Fatalf("unexpected presence payload %#v", record)
	}
}

func TestPresenceSnapshotFailureIsTransient(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.presenceFake.err = errors.New("redis: connection refused")
	token := fixture.token(t, "u1", "r1")

	recorder := fixture.request(t, http.MethodGet, "/api/rooms/r1/presence", "", token)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "lumeboard-sync",
		Audience:      "lumeboard-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected issuer error: %v", err)
	}

	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error for empty dependencies")
	}
	if _, err := NewHTTPHandler(Dependencies{RoomID: "r1", Authorizer: issuer}); err == nil {
		t.Fatalf("expected error for missing version service")
	}
}
