package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/models"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/retry"
)

const (
	// DefaultFCMEndpoint is the production FCM v1 host.
	DefaultFCMEndpoint = "https://fcm.googleapis.com"
	// DefaultOAuthTokenEndpoint is Google's OAuth2 token exchange URL.
	DefaultOAuthTokenEndpoint = "https://accounts.google.com/o/oauth2/token"

	firebaseMessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	jwtBearerGrantType     = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// FCMCredentials exchanges a service-account RS256 assertion for a
// short-lived access token. Unlike the APNs manager it holds no cache:
// every dispatch performs a fresh exchange.
type FCMCredentials struct {
	key           *rsa.PrivateKey
	clientEmail   string
	tokenEndpoint string
	client        *http.Client
	retryOpts     retry.Options
}

func NewFCMCredentials(pemKey, clientEmail, tokenEndpoint string, client *http.Client, retryOpts retry.Options) (*FCMCredentials, error) {
	key, err := parsePKCS8(pemKey)
	if err != nil {
		return nil, fmt.Errorf("fcm: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("fcm: service account key is not an RSA key")
	}
	if tokenEndpoint == "" {
		tokenEndpoint = DefaultOAuthTokenEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &FCMCredentials{
		key:           rsaKey,
		clientEmail:   clientEmail,
		tokenEndpoint: tokenEndpoint,
		client:        client,
		retryOpts:     retryOpts,
	}, nil
}

// Token signs a JWT-bearer assertion and exchanges it for an access token.
func (c *FCMCredentials) Token(ctx context.Context) (string, error) {
	now := time.Now().Unix()
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"scope": firebaseMessagingScope,
		"iat":   now,
		"exp":   now + 3600,
		"aud":   DefaultOAuthTokenEndpoint,
		"iss":   c.clientEmail,
	}).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("fcm: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}
	resp, err := retry.Do(ctx, c.client, c.retryOpts, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("fcm: token exchange: %w", err)
	}
	defer resp.Body.Close()

	var grant struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return "", fmt.Errorf("fcm: decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return "", fmt.Errorf("fcm: token response contained no access token")
	}
	return grant.AccessToken, nil
}

// FCMDispatcher relays notifications through the FCM v1 send API.
type FCMDispatcher struct {
	credentials *FCMCredentials
	projectID   string
	endpoint    string
	client      *http.Client
	retryOpts   retry.Options
	logger      *slog.Logger
}

func NewFCMDispatcher(credentials *FCMCredentials, projectID, endpoint string, client *http.Client, retryOpts retry.Options, logger *slog.Logger) *FCMDispatcher {
	if endpoint == "" {
		endpoint = DefaultFCMEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &FCMDispatcher{
		credentials: credentials,
		projectID:   projectID,
		endpoint:    endpoint,
		client:      client,
		retryOpts:   retryOpts,
		logger:      logger,
	}
}

func (d *FCMDispatcher) Name() string {
	return "fcm"
}

// Send posts a v1 message for the device token. validateOnly asks FCM to
// dry-run the request without delivering it.
func (d *FCMDispatcher) Send(ctx context.Context, n *models.Notification, deviceToken string, validateOnly bool) Result {
	message := map[string]any{
		"data": dataStrings(n.Payload),
		"android": map[string]any{
			"priority":     "high",
			"notification": androidNotification(n),
		},
		"apns": map[string]any{
			"payload": map[string]any{
				"aps": map[string]any{
					"alert": apsAlert(n),
				},
			},
		},
		"token": deviceToken,
	}
	if n.Image != "" {
		message["notification"] = map[string]any{
			"image": n.Image,
		}
	}
	request := map[string]any{
		"message": message,
	}
	if validateOnly {
		request["validate_only"] = true
	}
	body, err := json.Marshal(request)
	if err != nil {
		return Result{Kind: Failed, Err: err}
	}

	accessToken, err := d.credentials.Token(ctx)
	if err != nil {
		return Result{Kind: Failed, Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages:send", d.endpoint, d.projectID)
	resp, err := retry.Do(ctx, d.client, d.retryOpts, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	if err != nil {
		return classify(err)
	}
	resp.Body.Close()
	return Result{Kind: Delivered, Status: resp.StatusCode}
}

// dataStrings flattens the payload into the string-valued data map FCM
// requires, re-serializing nested objects to JSON.
func dataStrings(payload map[string]any) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	data := make(map[string]string, len(payload))
	for key, value := range payload {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			data[key] = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			data[key] = string(encoded)
		}
	}
	return data
}

func androidNotification(n *models.Notification) map[string]any {
	notification := map[string]any{}
	setString(notification, "title", n.Title)
	setString(notification, "title_loc_key", n.TitleLocKey)
	setStrings(notification, "title_loc_args", n.TitleLocArgs)
	setString(notification, "body", n.Body)
	setString(notification, "body_loc_key", n.BodyLocKey)
	setStrings(notification, "body_loc_args", n.BodyLocArgs)
	return notification
}
