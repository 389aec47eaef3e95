package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rawblock/cojson/internal/crypto"
	"github.com/rawblock/cojson/internal/node"
	"github.com/rawblock/cojson/internal/storage"
	"github.com/rawblock/cojson/internal/transport"
	"github.com/rawblock/cojson/pkg/covalue"
)

func testHandlerNode(t *testing.T) *node.Node {
	t.Helper()
	provider := crypto.NewMemoryProvider(7)
	signingSK, signingPK, err := provider.SigningKeypair()
	if err != nil {
		t.Fatalf("signing keypair: %v", err)
	}
	sealingSK, sealingPK, err := provider.SealingKeypair()
	if err != nil {
		t.Fatalf("sealing keypair: %v", err)
	}
	account := covalue.NewAccountID(covalue.NewID(provider.Hash([]byte("api-test-account"))))
	n, err := node.Open(account, signingSK, signingPK, sealingSK, sealingPK, provider, storage.NewMemoryStore(), 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("open node: %v", err)
	}
	return n
}

func TestHealthEndpoint(t *testing.T) {
	r := SetupRouter(testHandlerNode(t), transport.NewHub(), "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateAndGetCoValue(t *testing.T) {
	r := SetupRouter(testHandlerNode(t), transport.NewHub(), "")

	body, _ := json.Marshal(createRequest{
		Header: covalue.Header{
			Type:      covalue.KindMap,
			Ruleset:   covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll},
			CreatedAt: time.Unix(0, 0).UTC(),
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/covalues", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/covalues/"+created.ID+"/known", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("known status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	r := SetupRouter(testHandlerNode(t), transport.NewHub(), "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/covalues/co_zdeadbeef/known", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
