package provider

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/models"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/store"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/retry"
)

const (
	// DefaultAPNsEndpoint is the production APNs host.
	DefaultAPNsEndpoint = "https://api.push.apple.com"

	appleProviderTokenKey = "appleProviderToken"
	apnsTokenLifetime     = 30 * time.Minute
)

// APNsCredentials mints ES256 provider tokens for APNs and caches them in
// the shared store for up to 30 minutes.
type APNsCredentials struct {
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string
	store  store.Store
	logger *slog.Logger
}

// cachedToken is the store representation of a provider credential.
type cachedToken struct {
	Token    string `json:"token"`
	IssuedAt int64  `json:"issuedAt"`
}

func NewAPNsCredentials(pemKey, keyID, teamID string, st store.Store, logger *slog.Logger) (*APNsCredentials, error) {
	key, err := parsePKCS8(pemKey)
	if err != nil {
		return nil, fmt.Errorf("apns: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("apns: encryption key is not an EC key")
	}
	return &APNsCredentials{
		key:    ecKey,
		keyID:  keyID,
		teamID: teamID,
		store:  st,
		logger: logger,
	}, nil
}

// Token returns a cached provider token when its iat lies within the last
// 30 minutes and not in the future, signing and caching a fresh one
// otherwise. Concurrent refreshes may race; both produce an equally fresh
// token so the last write winning is acceptable.
func (c *APNsCredentials) Token(ctx context.Context) (string, error) {
	now := time.Now().Unix()
	if raw, err := c.store.Get(ctx, appleProviderTokenKey); err == nil {
		var cached cachedToken
		if err := json.Unmarshal(raw, &cached); err == nil {
			iat := cached.IssuedAt
			if now-int64(apnsTokenLifetime.Seconds()) < iat && iat < now {
				return cached.Token, nil
			}
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iat": now,
		"iss": c.teamID,
	})
	token.Header["kid"] = c.keyID
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("apns: sign provider token: %w", err)
	}

	entry, err := json.Marshal(cachedToken{Token: signed, IssuedAt: now})
	if err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, appleProviderTokenKey, entry, apnsTokenLifetime); err != nil {
		// A failed cache write only costs the next delivery a re-sign.
		c.logger.Warn("failed to cache apns provider token", slog.Any("error", err))
	}
	return signed, nil
}

// APNsDispatcher relays notifications to Apple Push Notification service.
type APNsDispatcher struct {
	credentials *APNsCredentials
	bundleID    string
	endpoint    string
	client      *http.Client
	retryOpts   retry.Options
	logger      *slog.Logger
}

func NewAPNsDispatcher(credentials *APNsCredentials, bundleID, endpoint string, client *http.Client, retryOpts retry.Options, logger *slog.Logger) *APNsDispatcher {
	if endpoint == "" {
		endpoint = DefaultAPNsEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &APNsDispatcher{
		credentials: credentials,
		bundleID:    bundleID,
		endpoint:    endpoint,
		client:      client,
		retryOpts:   retryOpts,
		logger:      logger,
	}
}

func (d *APNsDispatcher) Name() string {
	return "apns"
}

// Send posts an alert push for the device token. APNs has no dry-run mode,
// so a validation send delivers the empty notification as-is.
func (d *APNsDispatcher) Send(ctx context.Context, n *models.Notification, deviceToken string, validateOnly bool) Result {
	body, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": apsAlert(n),
		},
		"payload": n.Payload,
	})
	if err != nil {
		return Result{Kind: Failed, Err: err}
	}

	providerToken, err := d.credentials.Token(ctx)
	if err != nil {
		return Result{Kind: Failed, Err: err}
	}

	endpoint := fmt.Sprintf("%s/3/device/%s", d.endpoint, deviceToken)
	resp, err := retry.Do(ctx, d.client, d.retryOpts, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+providerToken)
		req.Header.Set("apns-topic", d.bundleID)
		req.Header.Set("apns-push-type", "alert")
		return req, nil
	})
	if err != nil {
		return classify(err)
	}
	resp.Body.Close()
	return Result{Kind: Delivered, Status: resp.StatusCode}
}

// apsAlert maps the notification onto the aps.alert dictionary shared by
// the APNs request body and the FCM apns passthrough.
func apsAlert(n *models.Notification) map[string]any {
	alert := map[string]any{}
	setString(alert, "title", n.Title)
	setString(alert, "title-loc-key", n.TitleLocKey)
	setStrings(alert, "title-loc-args", n.TitleLocArgs)
	setString(alert, "subtitle", n.Subtitle)
	setString(alert, "subtitle-loc-key", n.SubtitleLocKey)
	setStrings(alert, "subtitle-loc-args", n.SubtitleLocArgs)
	setString(alert, "body", n.Body)
	setString(alert, "loc-key", n.BodyLocKey)
	setStrings(alert, "loc-args", n.BodyLocArgs)
	return alert
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func setStrings(m map[string]any, key string, values []string) {
	if len(values) > 0 {
		m[key] = values
	}
}
