package server_test

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"VestLedger/internal/access"
	"VestLedger/internal/asset"
	"VestLedger/internal/engine"
	"VestLedger/internal/ledger"
	"VestLedger/internal/observability"
	"VestLedger/internal/server"
	"VestLedger/internal/stream"
)

const day = 86400

var (
	adminHex     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	senderHex    = "0x1111111111111111111111111111111111111111"
	recipientHex = "0x2222222222222222222222222222222222222222"
	otherHex     = "0x3333333333333333333333333333333333333333"
)

type testServer struct {
	srv *server.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	now := time.Unix(1_700_000_000, 0)
	admin, _ := stream.ParsePrincipal(adminHex)
	sender, _ := stream.ParsePrincipal(senderHex)
	custody, _ := stream.ParsePrincipal("0xcccccccccccccccccccccccccccccccccccccccc")

	in := asset.NewVault("USDC", stream.ZeroPrincipal)
	out := asset.NewVault("TKN", custody)
	in.Mint(sender, big.NewInt(1_000_000))
	out.Mint(custody, big.NewInt(10_000))

	eng, err := engine.NewEngine(engine.Config{
		Params: engine.OfferParams{
			Rate:     big.NewInt(750),
			Duration: 365 * day,
			Expiry:   uint64(now.Unix()) + 30*day,
			Custody:  custody,
		},
		Book:   ledger.NewBook(),
		Input:  in,
		Output: out,
		Admin:  access.NewAdmin(admin),
		Clock:  func() time.Time { return now },
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	health := observability.NewHealthChecker()
	health.SetReady(true)
	return &testServer{
		srv: server.New(eng, nil, health, nil, zerolog.Nop()),
	}
}

func (ts *testServer) do(t *testing.T, method, path, principal, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: bad JSON response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("healthz: status %d", w.Code)
	}
	if body["status"] != "alive" {
		t.Errorf("healthz body: %v", body)
	}

	w, _ = ts.do(t, http.MethodGet, "/readyz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("readyz: status %d", w.Code)
	}
}

func TestServer_ConvertAndReadStream(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodPost, "/v1/convert", senderHex,
		`{"recipient": "`+recipientHex+`", "amount_in": "75000"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("convert: status %d body %v", w.Code, body)
	}
	if body["amount_out"] != "100" {
		t.Errorf("amount_out: got %v, want 100", body["amount_out"])
	}
	id, _ := body["stream_id"].(string)
	if id == "" {
		t.Fatal("convert response missing stream_id")
	}

	w, body = ts.do(t, http.MethodGet, "/v1/streams/"+id, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get stream: status %d", w.Code)
	}
	if body["total"] != "100" || body["claimed"] != "0" {
		t.Errorf("stream body: %v", body)
	}
	if body["owner"] != recipientHex {
		t.Errorf("owner: got %v, want %s", body["owner"], recipientHex)
	}
	if body["claimable"] != "0" {
		t.Errorf("claimable at start: got %v, want 0", body["claimable"])
	}
}

func TestServer_ConvertErrors(t *testing.T) {
	ts := newTestServer(t)

	// Missing caller header.
	w, _ := ts.do(t, http.MethodPost, "/v1/convert", "",
		`{"recipient": "`+recipientHex+`", "amount_in": "75000"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no principal: status %d, want 401", w.Code)
	}

	// Malformed amount.
	w, _ = ts.do(t, http.MethodPost, "/v1/convert", senderHex,
		`{"recipient": "`+recipientHex+`", "amount_in": "not-a-number"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad amount: status %d, want 400", w.Code)
	}

	// Dust input floors to zero output.
	w, _ = ts.do(t, http.MethodPost, "/v1/convert", senderHex,
		`{"recipient": "`+recipientHex+`", "amount_in": "749"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("dust: status %d, want 400", w.Code)
	}

	// More than the reserve can back.
	w, _ = ts.do(t, http.MethodPost, "/v1/convert", senderHex,
		`{"recipient": "`+recipientHex+`", "amount_in": "7500750"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("over reserve: status %d, want 409", w.Code)
	}
}

func TestServer_ClaimFlow(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodPost, "/v1/convert", senderHex,
		`{"recipient": "`+recipientHex+`", "amount_in": "75000"}`)
	id := body["stream_id"].(string)

	// Nothing vested yet: claim succeeds with zero.
	w, body := ts.do(t, http.MethodPost, "/v1/streams/"+id+"/claim", recipientHex, "")
	if w.Code != http.StatusOK {
		t.Fatalf("claim: status %d body %v", w.Code, body)
	}
	if body["amount"] != "0" {
		t.Errorf("claim amount: got %v, want 0", body["amount"])
	}

	// Stranger cannot claim.
	w, _ = ts.do(t, http.MethodPost, "/v1/streams/"+id+"/claim", otherHex, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger claim: status %d, want 403", w.Code)
	}

	// Claim to a third party.
	w, body = ts.do(t, http.MethodPost, "/v1/streams/"+id+"/claim", recipientHex,
		`{"to": "`+otherHex+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("claim to: status %d body %v", w.Code, body)
	}
	if body["to"] != otherHex {
		t.Errorf("claim to: got %v", body["to"])
	}
}

func TestServer_TransferFlow(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodPost, "/v1/convert", senderHex,
		`{"recipient": "`+recipientHex+`", "amount_in": "75000"}`)
	id := body["stream_id"].(string)

	w, body := ts.do(t, http.MethodPost, "/v1/streams/"+id+"/transfer", recipientHex,
		`{"new_owner": "`+otherHex+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("transfer: status %d body %v", w.Code, body)
	}
	newID := body["new_stream_id"].(string)
	if newID == id {
		t.Error("transfer should rekey the stream")
	}

	// Old stream is gone, new one holds the balance.
	_, body = ts.do(t, http.MethodGet, "/v1/streams/"+id, "", "")
	if body["total"] != "0" {
		t.Errorf("old stream total: got %v, want 0", body["total"])
	}
	_, body = ts.do(t, http.MethodGet, "/v1/streams/"+newID, "", "")
	if body["total"] != "100" {
		t.Errorf("new stream total: got %v, want 100", body["total"])
	}

	// Transfer of a stream with no balance 404s.
	w, _ = ts.do(t, http.MethodPost, "/v1/streams/"+id+"/transfer", recipientHex,
		`{"new_owner": "`+otherHex+`"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("transfer empty stream: status %d, want 404", w.Code)
	}
}

func TestServer_IDCodec(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet,
		"/v1/id/encode?owner="+recipientHex+"&start_time=1700000000", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("encode: status %d", w.Code)
	}
	id := body["stream_id"].(string)

	w, body = ts.do(t, http.MethodGet, "/v1/id/decode?stream_id="+id, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("decode: status %d", w.Code)
	}
	if body["owner"] != recipientHex {
		t.Errorf("decoded owner: got %v, want %s", body["owner"], recipientHex)
	}
	if body["start_time"].(float64) != 1_700_000_000 {
		t.Errorf("decoded start_time: got %v", body["start_time"])
	}

	w, _ = ts.do(t, http.MethodGet, "/v1/id/decode?stream_id=0xzz", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status %d, want 400", w.Code)
	}
}

func TestServer_AdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	// Non-admin withdrawal is forbidden.
	w, _ := ts.do(t, http.MethodPost, "/v1/admin/withdraw", otherHex,
		`{"to": "`+otherHex+`", "amount": "100"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin withdraw: status %d, want 403", w.Code)
	}

	// Admin can take the whole reserve while nothing is owed.
	w, body := ts.do(t, http.MethodPost, "/v1/admin/withdraw", adminHex,
		`{"to": "`+otherHex+`", "amount": "10000"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("admin withdraw: status %d body %v", w.Code, body)
	}

	// And nothing more.
	w, _ = ts.do(t, http.MethodPost, "/v1/admin/withdraw", adminHex,
		`{"to": "`+otherHex+`", "amount": "1"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("over-withdraw: status %d, want 409", w.Code)
	}

	// Hand the capability over and verify it moved.
	w, _ = ts.do(t, http.MethodPost, "/v1/admin/transfer", adminHex,
		`{"to": "`+otherHex+`"}`)
	if w.Code != http.StatusOK {
		t.Errorf("admin transfer: status %d", w.Code)
	}
	w, _ = ts.do(t, http.MethodPost, "/v1/admin/transfer", adminHex,
		`{"to": "`+adminHex+`"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("old admin transfer: status %d, want 403", w.Code)
	}
}

func TestServer_Offer(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/v1/offer", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("offer: status %d", w.Code)
	}
	if body["rate"] != "750" {
		t.Errorf("rate: got %v", body["rate"])
	}
	if body["obligations"] != "0" {
		t.Errorf("obligations: got %v", body["obligations"])
	}
}
