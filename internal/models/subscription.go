package models

// Subscription is one registered device/browser endpoint. Fields are
// immutable after creation; the record is only ever inserted and deleted.
type Subscription struct {
	ID         string `json:"id"`
	FCMToken   string `json:"fcmToken,omitempty"`
	APNsToken  string `json:"apnsToken,omitempty"`
	Auth       string `json:"auth"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	VapidKey   string `json:"vapidKey"`
}

// HasProviderToken reports whether at least one provider token is present.
func (s *Subscription) HasProviderToken() bool {
	return s.FCMToken != "" || s.APNsToken != ""
}
