package routes_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/provider"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/routes"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/service"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/store"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/webpush/webpushtest"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/metrics"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/retry"
)

const testID = "11111111-1111-1111-1111-111111111111"

// relay stands up the full HTTP surface against fake Google endpoints.
type relay struct {
	router     http.Handler
	subscriber *webpushtest.Subscriber
	sender     *webpushtest.VapidSender

	mu         sync.Mutex
	sendStatus int
	messages   []map[string]any
}

func newRelay(t *testing.T) *relay {
	rl := &relay{
		subscriber: webpushtest.NewSubscriber(t),
		sender:     webpushtest.NewVapidSender(t),
		sendStatus: http.StatusOK,
	}

	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"oauth-access-token"}`))
	}))
	t.Cleanup(oauth.Close)

	fcm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rl.mu.Lock()
		rl.messages = append(rl.messages, body)
		status := rl.sendStatus
		rl.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(fcm.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds, err := provider.NewFCMCredentials(pemKey, "svc@example.iam.gserviceaccount.com", oauth.URL, oauth.Client(), retry.Options{})
	require.NoError(t, err)
	dispatcher := provider.NewFCMDispatcher(creds, "example-project", fcm.URL, fcm.Client(), retry.Options{}, logger)

	m := metrics.New()
	subscriptions := service.NewSubscriptions(store.NewMemoryStore(), dispatcher, nil, m, logger)
	rl.router = routes.NewRouter(subscriptions, m, logger, time.Now())
	return rl
}

func (rl *relay) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	rl.router.ServeHTTP(rec, req)
	return rec
}

func (rl *relay) create(t *testing.T) {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"id":         testID,
		"fcmToken":   "fcm-device-token",
		"auth":       rl.subscriber.Auth,
		"publicKey":  rl.subscriber.PublicKey,
		"privateKey": rl.subscriber.PrivateKey,
		"vapidKey":   rl.sender.PublicKey,
	})
	require.NoError(t, err)
	rec := rl.do(http.MethodPost, "/subscriptions", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (rl *relay) authorization(t *testing.T) string {
	t.Helper()
	return rl.sender.Authorization(t, jwt.MapClaims{
		"aud": "https://relay.example.com",
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": "https://misskey.example.com",
	})
}

func (rl *relay) lastMessage(t *testing.T) map[string]any {
	t.Helper()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.NotEmpty(t, rl.messages)
	message, ok := rl.messages[len(rl.messages)-1]["message"].(map[string]any)
	require.True(t, ok)
	return message
}

func (rl *relay) setSendStatus(status int) {
	rl.mu.Lock()
	rl.sendStatus = status
	rl.mu.Unlock()
}

func TestCreateDeliverDelete(t *testing.T) {
	rl := newRelay(t)
	rl.create(t)

	encrypted := rl.subscriber.Encrypt(t, []byte(`{"body":{"type":"test"}}`), 4096)
	rec := rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": rl.authorization(t),
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	message := rl.lastMessage(t)
	assert.Equal(t, "fcm-device-token", message["token"])
	notification := message["android"].(map[string]any)["notification"].(map[string]any)
	assert.Equal(t, "_notification.testNotification", notification["title_loc_key"])
	alert := message["apns"].(map[string]any)["payload"].(map[string]any)["aps"].(map[string]any)["alert"].(map[string]any)
	assert.Equal(t, "misskey.example.com", alert["subtitle"])

	rec = rl.do(http.MethodDelete, "/subscriptions/"+testID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": rl.authorization(t),
	})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestCreateGeneratesID(t *testing.T) {
	rl := newRelay(t)
	body, err := json.Marshal(map[string]string{
		"fcmToken":   "fcm-device-token",
		"auth":       rl.subscriber.Auth,
		"publicKey":  rl.subscriber.PublicKey,
		"privateKey": rl.subscriber.PrivateKey,
		"vapidKey":   rl.sender.PublicKey,
	})
	require.NoError(t, err)

	rec := rl.do(http.MethodPost, "/subscriptions", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created["id"], 36)
}

func TestCreateRejectsBadRequests(t *testing.T) {
	rl := newRelay(t)

	rec := rl.do(http.MethodPost, "/subscriptions", []byte("not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, err := json.Marshal(map[string]string{
		"id":       testID,
		"fcmToken": "fcm-device-token",
		"auth":     "AAAA",
	})
	require.NoError(t, err)
	rec = rl.do(http.MethodPost, "/subscriptions", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.NotEmpty(t, response["message"])
}

func TestCreateDuplicateID(t *testing.T) {
	rl := newRelay(t)
	rl.create(t)

	body, err := json.Marshal(map[string]string{
		"id":         testID,
		"fcmToken":   "fcm-device-token",
		"auth":       rl.subscriber.Auth,
		"publicKey":  rl.subscriber.PublicKey,
		"privateKey": rl.subscriber.PrivateKey,
		"vapidKey":   rl.sender.PublicKey,
	})
	require.NoError(t, err)
	rec := rl.do(http.MethodPost, "/subscriptions", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliverRequiresVapidScheme(t *testing.T) {
	rl := newRelay(t)
	rl.create(t)
	encrypted := rl.subscriber.Encrypt(t, []byte(`{"body":{"type":"test"}}`), 4096)

	rec := rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": "Bearer something",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeliverRejectsFailedVerification(t *testing.T) {
	rl := newRelay(t)
	rl.create(t)
	encrypted := rl.subscriber.Encrypt(t, []byte(`{"body":{"type":"test"}}`), 4096)

	impostor := webpushtest.NewVapidSender(t)
	rec := rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": impostor.Authorization(t, jwt.MapClaims{
			"aud": "https://relay.example.com",
			"exp": time.Now().Add(time.Hour).Unix(),
		}),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeliverUnknownSubscription(t *testing.T) {
	rl := newRelay(t)
	rec := rl.do(http.MethodPost, "/subscriptions/"+testID, nil, map[string]string{
		"Authorization": rl.authorization(t),
	})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestDeliverRevokedTokenGoesGone(t *testing.T) {
	rl := newRelay(t)
	rl.create(t)
	rl.setSendStatus(http.StatusNotFound)

	encrypted := rl.subscriber.Encrypt(t, []byte(`{"body":{"type":"test"}}`), 4096)
	rec := rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": rl.authorization(t),
	})
	assert.Equal(t, http.StatusGone, rec.Code)

	// The record was deleted; later attempts stay 410 regardless of the
	// provider's mood.
	rl.setSendStatus(http.StatusOK)
	rec = rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": rl.authorization(t),
	})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestDeliverProviderOutage(t *testing.T) {
	rl := newRelay(t)
	rl.create(t)
	rl.setSendStatus(http.StatusInternalServerError)

	encrypted := rl.subscriber.Encrypt(t, []byte(`{"body":{"type":"test"}}`), 4096)
	rec := rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": rl.authorization(t),
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDeleteIsIdempotent(t *testing.T) {
	rl := newRelay(t)
	rec := rl.do(http.MethodDelete, "/subscriptions/"+testID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLandingPage(t *testing.T) {
	rl := newRelay(t)
	rec := rl.do(http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Misskey Web Push Proxy")
}

func TestHealth(t *testing.T) {
	rl := newRelay(t)
	rec := rl.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, true, response["success"])
}

func TestMetrics(t *testing.T) {
	rl := newRelay(t)
	rl.create(t)

	encrypted := rl.subscriber.Encrypt(t, []byte(`{"body":{"type":"test"}}`), 4096)
	rec := rl.do(http.MethodPost, "/subscriptions/"+testID, encrypted, map[string]string{
		"Authorization": rl.authorization(t),
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = rl.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var counters map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counters))
	assert.Equal(t, int64(1), counters["delivered"])
}
