package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LumeboardHQ/lumeboard/internal/auth"
	"github.com/LumeboardHQ/lumeboard/internal/blob"
	"github.com/LumeboardHQ/lumeboard/internal/canvas"
	"github.com/LumeboardHQ/lumeboard/internal/database"
	"github.com/LumeboardHQ/lumeboard/internal/presence"
	"github.com/LumeboardHQ/lumeboard/internal/server"
	"github.com/LumeboardHQ/lumeboard/internal/store"
	"github.com/LumeboardHQ/lumeboard/internal/versions"
)

const (
	integrationRoomID = "r1"
	integrationUserID = "u1"
	integrationSecret = "integration-secret"
)

type memoryBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: make(map[string][]byte)}
}

func (m *memoryBlobStore) Upload(_ context.Context, path string, payload []byte, _ string) error {
	m.mu.Lock()
	m.objects[path] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return nil
}

func (m *memoryBlobStore) Download(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[path]
	if !ok {
		return nil, blob.ErrObjectNotFound
	}
	return append([]byte(nil), payload...), nil
}

func (m *memoryBlobStore) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.objects, path)
	m.mu.Unlock()
	return nil
}

type staticPresence struct{}

func (staticPresence) Snapshot(context.Context) (map[string]presence.Record, error) {
	return map[string]presence.Record{
		integrationUserID: {UserID: integrationUserID, DisplayName: "Uma", Online: true},
	}, nil
}

type versionFlowFixture struct {
	serverURL string
	token     string
	document  *canvas.Document
	close     func()
}

func newVersionFlowFixture(testContext *testing.T) *versionFlowFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	storeService, err := store.NewService(store.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store service: %v", err)
	}

	roomID, err := store.NewRoomID(integrationRoomID)
	if err != nil {
		testContext.Fatalf("failed to build room id: %v", err)
	}
	userID, err := store.NewUserID(integrationUserID)
	if err != nil {
		testContext.Fatalf("failed to build user id: %v", err)
	}

	document := canvas.NewDocument(canvas.DocumentConfig{})

	idCounter := 0
	tick := int64(0)
	versionEngine, err := versions.NewEngine(versions.EngineConfig{
		Store:    storeService,
		Blobs:    newMemoryBlobStore(),
		Document: document,
		RoomID:   roomID,
		UserID:   userID,
		Clock: func() time.Time {
			tick++
			return time.UnixMilli(1700000000000 + tick)
		},
		IDGenerator: func() string {
			idCounter++
			return fmt.Sprintf("v%03d", idCounter)
		},
	})
	if err != nil {
		testContext.Fatalf("failed to build version engine: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "lumeboard-sync",
		Audience:      "lumeboard-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	token, _, err := issuer.IssueRoomToken(context.Background(), integrationUserID, integrationRoomID)
	if err != nil {
		testContext.Fatalf("failed to mint token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		RoomID:     integrationRoomID,
		Authorizer: issuer,
		Versions:   versionEngine,
		Presence:   staticPresence{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	return &versionFlowFixture{
		serverURL: testServer.URL,
		token:     token,
		document:  document,
		close:     testServer.Close,
	}
}

func (f *versionFlowFixture) do(testContext *testing.T, method, path, body string) (*http.Response, []byte) {
	testContext.Helper()
	request, err := http.NewRequest(method, f.serverURL+path, strings.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+f.token)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read body: %v", err)
	}
	return response, payload
}

type versionListPayload struct {
	Versions []struct {
		VersionID string `json:"version_id"`
		Label     string `json:"label"`
		CreatedBy string `json:"created_by"`
	} `json:"versions"`
}

func TestVersionSavePruneRestoreFlow(testContext *testing.T) {
	fixture := newVersionFlowFixture(testContext)
	defer fixture.close()

	applyShape := func(id string, x float64) {
		shape := canvas.Shape{ID: id, Type: "rectangle", X: x, UpdatedAtMillis: 1}
		if err := fixture.document.Apply(canvas.OriginLocal, shape); err != nil {
			testContext.Fatalf("failed to apply shape: %v", err)
		}
	}
	applyShape("shape-1", 10)

	// 20 saves fill the retention window; the 21st must prune exactly one.
	var firstVersionID string
	for i := 0; i < 20; i++ {
		body := fmt.Sprintf(`{"label":"save %d"}`, i+1)
		response, payload := fixture.do(testContext, http.MethodPost, "/api/rooms/r1/versions", body)
		if response.StatusCode != http.StatusCreated {
			testContext.Fatalf("unexpected save status %d: %s", response.StatusCode, payload)
		}
		if i == 0 {
			var created struct {
				VersionID string `json:"version_id"`
			}
			if err := json.Unmarshal(payload, &created); err != nil {
				testContext.Fatalf("failed to decode save response: %v", err)
			}
			firstVersionID = created.VersionID
		}
	}

	response, payload := fixture.do(testContext, http.MethodPost, "/api/rooms/r1/versions", `{"label":"Checkpoint"}`)
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected save status %d: %s", response.StatusCode, payload)
	}

	response, payload = fixture.do(testContext, http.MethodGet, "/api/rooms/r1/versions", "")
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected list status %d: %s", response.StatusCode, payload)
	}
	var listing versionListPayload
	if err := json.Unmarshal(payload, &listing); err != nil {
		testContext.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Versions) != 20 {
		testContext.Fatalf("expected 20 live versions, got %d", len(listing.Versions))
	}
	if listing.Versions[0].Label != "Checkpoint" || listing.Versions[0].CreatedBy != integrationUserID {
		testContext.Fatalf("unexpected listing head %#v", listing.Versions[0])
	}
	for _, version := range listing.Versions {
		if version.VersionID == firstVersionID {
			testContext.Fatalf("oldest version should have been pruned")
		}
	}

	// Restore an older version and confirm the document reverts.
	restoreTarget := listing.Versions[len(listing.Versions)-1].VersionID
	applyShape("shape-2", 55)

	response, payload = fixture.do(testContext, http.MethodPost, "/api/rooms/r1/versions/"+restoreTarget+"/restore", "")
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected restore status %d: %s", response.StatusCode, payload)
	}
	if _, ok := fixture.document.Shape("shape-2"); ok {
		testContext.Fatalf("expected restore to drop the later shape")
	}
	restored, ok := fixture.document.Shape("shape-1")
	if !ok || restored.X != 10 {
		testContext.Fatalf("expected restored shape state, got %#v", restored)
	}

	// The restore leaves an undo point at the head of the listing.
	response, payload = fixture.do(testContext, http.MethodGet, "/api/rooms/r1/versions", "")
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected list status %d: %s", response.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, &listing); err != nil {
		testContext.Fatalf("failed to decode listing: %v", err)
	}
	if !strings.HasPrefix(listing.Versions[0].Label, "pre-restore ") {
		testContext.Fatalf("expected pre-restore backup at head, got %#v", listing.Versions[0])
	}

	// Delete hides a version; restoring it afterwards reads as missing data.
	deleteTarget := listing.Versions[1].VersionID
	response, payload = fixture.do(testContext, http.MethodDelete, "/api/rooms/r1/versions/"+deleteTarget, "")
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected delete status %d: %s", response.StatusCode, payload)
	}
	response, payload = fixture.do(testContext, http.MethodPost, "/api/rooms/r1/versions/"+deleteTarget+"/restore", "")
	if response.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected 404 for deleted version, got %d: %s", response.StatusCode, payload)
	}
	var failure map[string]string
	if err := json.Unmarshal(payload, &failure); err != nil {
		testContext.Fatalf("failed to decode error payload: %v", err)
	}
	if failure["error"] != "this version's data is missing" {
		testContext.Fatalf("unexpected error message %q", failure["error"])
	}
}

func TestVersionEndpointsRejectForeignRoomToken(testContext *testing.T) {
	fixture := newVersionFlowFixture(testContext)
	defer fixture.close()

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "lumeboard-sync",
		Audience:      "lumeboard-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	foreignToken, _, err := issuer.IssueRoomToken(context.Background(), integrationUserID, "another-room")
	if err != nil {
		testContext.Fatalf("failed to mint token: %v", err)
	}

	request, err := http.NewRequest(http.MethodGet, fixture.serverURL+"/api/rooms/r1/versions", nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+foreignToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		testContext.Fatalf("expected 403 for foreign room token, got %d", response.StatusCode)
	}
}
