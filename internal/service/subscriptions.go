// Package service contains the subscription lifecycle controller: the
// create/deliver/delete state machine orchestrating verification,
// decryption, composition and provider dispatch against the external
// store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/compose"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/models"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/provider"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/store"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/vapid"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/webpush"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/metrics"
)

var (
	// ErrNotFound means the subscription does not exist (or no longer
	// does). Surfaced as 410, indistinguishable from revocation.
	ErrNotFound = errors.New("subscription not found")
	// ErrRevoked means a provider reported the device token permanently
	// invalid and the subscription has been deleted.
	ErrRevoked = errors.New("subscription revoked by provider")
	// ErrDeliveryFailed covers non-permanent dispatch failures.
	ErrDeliveryFailed = errors.New("delivery failed")
)

const subscriptionKeyPrefix = "subscriptions/"
const minIDLength = 36

// Subscriptions is the lifecycle controller. Dispatchers are optional: a
// nil dispatcher disables that provider and tokens for it are rejected at
// create time.
type Subscriptions struct {
	store   store.Store
	fcm     provider.Dispatcher
	apns    provider.Dispatcher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSubscriptions(st store.Store, fcm, apns provider.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Subscriptions {
	return &Subscriptions{
		store:   st,
		fcm:     fcm,
		apns:    apns,
		metrics: m,
		logger:  logger,
	}
}

// Create validates and persists a new subscription. A missing id is
// generated server-side. The record is rejected unless the key material
// imports cleanly and every supplied device token passes a live
// validation send against its provider.
func (s *Subscriptions) Create(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := s.validate(ctx, sub); err != nil {
		s.metrics.IncRejected()
		return nil, err
	}

	key := subscriptionKeyPrefix + sub.ID
	if _, err := s.store.Get(ctx, key); err == nil {
		s.metrics.IncRejected()
		return nil, models.Invalid("A subscription with the same id already exists.")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, key, raw, 0); err != nil {
		return nil, err
	}
	s.logger.Info("subscription created", slog.String("id", sub.ID))
	return sub, nil
}

func (s *Subscriptions) validate(ctx context.Context, sub *models.Subscription) error {
	if len(sub.ID) < minIDLength {
		return models.Invalid("The id value is too short.")
	}
	if !sub.HasProviderToken() {
		return models.Invalid("Either fcmToken or apnsToken is required.")
	}
	if secret, err := webpush.DecodeBase64URL(sub.Auth); err != nil || len(secret) != 16 {
		return models.Invalid("The auth value is invalid.")
	}
	if _, _, err := webpush.ImportKeyPair(sub.PublicKey, sub.PrivateKey); err != nil {
		return models.Invalid("The publicKey value or the privateKey value is invalid.")
	}
	if _, err := vapid.ImportPublicKey(sub.VapidKey); err != nil {
		return models.Invalid("The vapidKey value is invalid.")
	}

	// Live checks: a no-op send confirms each token is currently
	// acceptable to its provider.
	if sub.FCMToken != "" {
		if s.fcm == nil {
			return models.Invalid("FCM is not configured on this relay.")
		}
		if result := s.fcm.Send(ctx, &models.Notification{}, sub.FCMToken, true); result.Kind != provider.Delivered {
			s.logger.Warn("fcm validation send failed",
				slog.String("id", sub.ID), slog.Int("status", result.Status), slog.Any("error", result.Err))
			return models.Invalid("Failed to create a test notification via FCM.")
		}
	}
	if sub.APNsToken != "" {
		if s.apns == nil {
			return models.Invalid("APNs is not configured on this relay.")
		}
		if result := s.apns.Send(ctx, &models.Notification{}, sub.APNsToken, true); result.Kind != provider.Delivered {
			s.logger.Warn("apns validation send failed",
				slog.String("id", sub.ID), slog.Int("status", result.Status), slog.Any("error", result.Err))
			return models.Invalid("Failed to create a test notification via APNs.")
		}
	}
	return nil
}

// Deliver relays one encrypted push to the subscription's providers.
// Verification and decryption happen before any provider is contacted; a
// permanent-invalidity response from either provider deletes the
// subscription and reports ErrRevoked even when the other provider had
// already accepted the message.
func (s *Subscriptions) Deliver(ctx context.Context, id, authorization string, body []byte) error {
	sub, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	claims, err := vapid.Verify(authorization, sub.VapidKey)
	if err != nil {
		s.metrics.IncRejected()
		return err
	}

	plaintext, err := webpush.Decrypt(body, sub.Auth, sub.PublicKey, sub.PrivateKey)
	if err != nil {
		s.metrics.IncDecryptFailure()
		return err
	}

	notification, err := compose.Compose(plaintext, claims.SubHost())
	if err != nil {
		return err
	}

	if sub.FCMToken != "" && s.fcm != nil {
		if err := s.dispatch(ctx, s.fcm, notification, sub.FCMToken, sub.ID); err != nil {
			return err
		}
	}
	if sub.APNsToken != "" && s.apns != nil {
		if err := s.dispatch(ctx, s.apns, notification, sub.APNsToken, sub.ID); err != nil {
			return err
		}
	}

	s.metrics.IncDelivered()
	return nil
}

func (s *Subscriptions) dispatch(ctx context.Context, d provider.Dispatcher, n *models.Notification, token, id string) error {
	result := d.Send(ctx, n, token, false)
	switch result.Kind {
	case provider.Delivered:
		return nil
	case provider.TokenRevoked:
		s.logger.Info("provider revoked device token, deleting subscription",
			slog.String("id", id), slog.String("provider", d.Name()), slog.Int("status", result.Status))
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
		s.metrics.IncRevoked()
		return ErrRevoked
	default:
		s.logger.Error("dispatch failed",
			slog.String("id", id), slog.String("provider", d.Name()),
			slog.Int("status", result.Status), slog.Any("error", result.Err))
		return fmt.Errorf("%w via %s: %v", ErrDeliveryFailed, d.Name(), result.Err)
	}
}

// Delete removes the subscription. Deleting an absent record succeeds.
func (s *Subscriptions) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, subscriptionKeyPrefix+id)
}

func (s *Subscriptions) load(ctx context.Context, id string) (*models.Subscription, error) {
	raw, err := s.store.Get(ctx, subscriptionKeyPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sub models.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil || !sub.HasProviderToken() {
		// A corrupt or tokenless record can never deliver again; treat
		// it the same as an absent one and clear it out.
		_ = s.Delete(ctx, id)
		return nil, ErrNotFound
	}
	return &sub, nil
}
