// Package notify is the fire-and-forget push notification collaborator:
// the engine hands it a recipient and a payload and never awaits
// guaranteed delivery.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

type Notifier interface {
	Push(userID, title, body string, data map[string]string)
}

// Noop drops notifications; used when no push provider is configured.
type Noop struct{}

func (Noop) Push(userID, title, body string, data map[string]string) {}

// FCMNotifier posts JSON to an FCM HTTPv1 endpoint using a server key or
// oauth token. Delivery is best-effort; errors are discarded.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Push(userID, title, body string, data map[string]string) {
	msg := map[string]interface{}{
		"message": map[string]interface{}{
			"token":        userID,
			"notification": map[string]string{"title": title, "body": body},
			"data":         data,
		},
	}
	b, _ := json.Marshal(msg)
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	if resp, err := f.Client.Do(req); err == nil {
		resp.Body.Close()
	}
}
