package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/blob"
	"github.com/speechgate/speechgate/internal/config"
	"github.com/speechgate/speechgate/internal/observability"
	"github.com/speechgate/speechgate/internal/pipeline"
	"github.com/speechgate/speechgate/internal/provider"
	"github.com/speechgate/speechgate/internal/store"
	"github.com/speechgate/speechgate/internal/webhook"
)

type stubProvider struct {
	audio []byte
}

func (p *stubProvider) Stream(context.Context, string, string, provider.Settings) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p.audio)), nil
}

type serverFixture struct {
	srv   *Server
	store *store.MemoryStore
}

func newServerFixture(rateLimit string) *serverFixture {
	cfg := config.Config{
		APIKeys:       map[string]string{"key-1": "user-1"},
		RateLimit:     rateLimit,
		WebhookSecret: "whsec_test",
	}
	st := store.NewMemoryStore()
	objects := blob.NewMemoryBlobStore()
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	log := zap.NewNop()
	p := pipeline.New(pipeline.Config{
		MaxSyncChars:      5000,
		MaxChunkChars:     1000,
		RequestBudget:     10 * time.Second,
		BudgetReserve:     3 * time.Second,
		UploadMaxAttempts: 3,
		UploadBackoffBase: time.Millisecond,
		UploadBackoffCap:  4 * time.Millisecond,
		SignedURLTTL:      time.Hour,
		ProviderTimeout:   5 * time.Second,
		Limits:            pipeline.Limits{Characters: 100_000, Minutes: 300},
	}, st, objects, &stubProvider{audio: []byte("mp3-bytes")}, m, log)
	ing := webhook.NewIngestor(st, webhook.NewHandlers(st, log), cfg.WebhookSecret, m, log)
	return &serverFixture{srv: New(cfg, p, ing, m, log, "memory"), store: st}
}

func authedRequest(method, url string, body []byte) *http.Request {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, _ := http.NewRequest(method, url, r)
	req.Header.Set("Authorization", "Bearer key-1")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestSynthesizeRequiresAuth(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	body := []byte(`{"text":"hello","voice_id":"v1"}`)
	res, err := http.Post(ts.URL+"/v1/tts/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	req := authedRequest(http.MethodPost, ts.URL+"/v1/tts/", body)
	req.Header.Set("Authorization", "Bearer wrong-key")
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d, want %d", res2.StatusCode, http.StatusUnauthorized)
	}
}

func TestSynthesizeStreamsThenRedirectsToCache(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	body := []byte(`{"text":"Hello there.","voice_id":"v1"}`)
	res, err := http.DefaultClient.Do(authedRequest(http.MethodPost, ts.URL+"/v1/tts/", body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if got := res.Header.Get("X-Audio-Source"); got != "generated" {
		t.Fatalf("X-Audio-Source = %q, want %q", got, "generated")
	}
	if got := res.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("Content-Type = %q, want %q", got, "audio/mpeg")
	}
	fp := res.Header.Get("X-Request-Hash")
	if fp == "" {
		t.Fatal("missing X-Request-Hash header")
	}
	audio, _ := io.ReadAll(res.Body)
	if string(audio) != "mp3-bytes" {
		t.Fatalf("audio body = %q, want %q", audio, "mp3-bytes")
	}

	// Wait for the background persistence to settle the row.
	deadline := time.Now().Add(5 * time.Second)
	for {
		row, err := f.store.GetSynthesisRequest(context.Background(), "user-1", fp)
		if err == nil && row.Status == store.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request row never reached completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res2, err := noRedirectClient().Do(authedRequest(http.MethodPost, ts.URL+"/v1/tts/", body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusFound {
		t.Fatalf("cache hit status = %d, want %d", res2.StatusCode, http.StatusFound)
	}
	if got := res2.Header.Get("X-Audio-Source"); got != "cache" {
		t.Fatalf("X-Audio-Source = %q, want %q", got, "cache")
	}
	if res2.Header.Get("Location") == "" {
		t.Fatal("cache hit missing Location header")
	}
	if res2.Header.Get("X-Processing-Time") == "" {
		t.Fatal("cache hit missing X-Processing-Time header")
	}
}

func TestSynthesizeAcceptsNestedVoiceSettings(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	body := []byte(`{"text":"Nested settings shape.","voiceId":"voice-nested","modelId":"eleven_turbo_v2","voiceSettings":{"stability":0.3,"similarityBoost":0.9}}`)
	res, err := http.DefaultClient.Do(authedRequest(http.MethodPost, ts.URL+"/v1/tts/", body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	fp := res.Header.Get("X-Request-Hash")
	if fp == "" {
		t.Fatal("missing X-Request-Hash header")
	}
	_, _ = io.ReadAll(res.Body)

	row, err := f.store.GetSynthesisRequest(context.Background(), "user-1", fp)
	if err != nil {
		t.Fatalf("load request row: %v", err)
	}
	if row.VoiceID != "voice-nested" {
		t.Fatalf("voice id = %q, want voice-nested", row.VoiceID)
	}
	if row.ModelID != "eleven_turbo_v2" {
		t.Fatalf("model id = %q, want eleven_turbo_v2", row.ModelID)
	}
	if row.Stability != 0.3 || row.SimilarityBoost != 0.9 {
		t.Fatalf("settings = (%v, %v), want (0.3, 0.9)", row.Stability, row.SimilarityBoost)
	}
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	res, err := http.DefaultClient.Do(authedRequest(http.MethodPost, ts.URL+"/v1/tts/", []byte(`{"text":"  ","voice_id":"v1"}`)))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestOversizedTextReturnsBatchAccepted(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	text := strings.Repeat("A reasonably long sentence for batch routing. ", 150)
	payload, _ := json.Marshal(map[string]string{"text": text, "voice_id": "v1"})
	res, err := http.DefaultClient.Do(authedRequest(http.MethodPost, ts.URL+"/v1/tts/", payload))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	var ack map[string]any
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ack["status"] != "batch_processing" {
		t.Fatalf("status field = %v, want batch_processing", ack["status"])
	}
	jobID, _ := ack["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job_id in response: %+v", ack)
	}

	statusRes, err := http.DefaultClient.Do(authedRequest(http.MethodGet, ts.URL+"/v1/tts/batch/"+jobID, nil))
	if err != nil {
		t.Fatalf("batch status request error = %v", err)
	}
	defer statusRes.Body.Close()
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("batch status = %d, want %d", statusRes.StatusCode, http.StatusOK)
	}
	var job map[string]any
	if err := json.NewDecoder(statusRes.Body).Decode(&job); err != nil {
		t.Fatalf("decode batch status: %v", err)
	}
	if job["status"] != "pending" {
		t.Fatalf("job status = %v, want pending", job["status"])
	}
}

func TestRequestStatusNotFound(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	res, err := http.DefaultClient.Do(authedRequest(http.MethodGet, ts.URL+"/v1/tts/requests/deadbeef", nil))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	f := newServerFixture("2-M")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	var last int
	for i := 0; i < 3; i++ {
		res, err := http.DefaultClient.Do(authedRequest(http.MethodGet, ts.URL+"/v1/tts/requests/deadbeef", nil))
		if err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
		last = res.StatusCode
		res.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want %d", last, http.StatusTooManyRequests)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	body := []byte(`{"type":"usage_updated","event_id":"evt-http-1","data":{"user_id":"u1","characters":7}}`)
	post := func(payload []byte, sig string) (*http.Response, map[string]any) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/webhooks/provider", bytes.NewReader(payload))
		if sig != "" {
			req.Header.Set("X-Webhook-Signature", sig)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("webhook request error = %v", err)
		}
		defer res.Body.Close()
		var decoded map[string]any
		_ = json.NewDecoder(res.Body).Decode(&decoded)
		return res, decoded
	}

	res, decoded := post(body, webhook.Sign("whsec_test", body))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if decoded["status"] != "processed" {
		t.Fatalf("status field = %v, want processed", decoded["status"])
	}

	res, decoded = post(body, webhook.Sign("whsec_test", body))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if decoded["status"] != "already_processed" {
		t.Fatalf("duplicate status field = %v, want already_processed", decoded["status"])
	}

	res, _ = post(body, "bad-signature")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	malformed := []byte(`{"type":`)
	res, _ = post(malformed, webhook.Sign("whsec_test", malformed))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	failing := []byte(`{"type":"usage_updated","event_id":"evt-http-2","data":{"characters":7}}`)
	res, decoded = post(failing, webhook.Sign("whsec_test", failing))
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("handler failure status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	if decoded["event_id"] != "evt-http-2" {
		t.Fatalf("handler failure event_id = %v, want evt-http-2", decoded["event_id"])
	}
}

func TestBatchWSStreamsSnapshots(t *testing.T) {
	f := newServerFixture("100-S")
	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	job := &store.BatchJob{
		ID:          "job-ws",
		UserID:      "user-1",
		Text:        "chunked text",
		Status:      store.BatchStatusPending,
		TotalChunks: 2,
		Chunks:      []store.BatchChunk{{Index: 0, Text: "chunked"}, {Index: 1, Text: "text"}},
	}
	if err := f.store.CreateBatchJob(context.Background(), job); err != nil {
		t.Fatalf("seed batch job: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tts/batch/job-ws/ws"
	header := http.Header{"Authorization": []string{"Bearer key-1"}}
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("ws dial error = %v (response %+v)", err, res)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot["job_id"] != "job-ws" {
		t.Fatalf("snapshot job_id = %v, want job-ws", snapshot["job_id"])
	}
	if snapshot["status"] != "pending" {
		t.Fatalf("snapshot status = %v, want pending", snapshot["status"])
	}

	healthRes, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz error = %v", err)
	}
	defer healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", healthRes.StatusCode, http.StatusOK)
	}
}
