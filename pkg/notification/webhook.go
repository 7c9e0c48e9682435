package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/common/config"
	"github.com/synaptica-ai/patient-matching/pkg/common/httpclient"
	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/match"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// WebhookSender posts notifications as JSON to an HTTP endpoint. When a token
// URL is configured requests carry a client-credentials bearer token.
type WebhookSender struct {
	url       string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
}

func NewWebhookSender(cfg *config.Config) (*WebhookSender, error) {
	if cfg.NotifierWebhookURL == "" {
		return nil, fmt.Errorf("webhook notifier requires NOTIFIER_WEBHOOK_URL")
	}
	client := httpclient.New(cfg.NotifierTimeout)
	if cfg.NotifierTokenURL != "" {
		if cfg.NotifierClientID == "" {
			return nil, fmt.Errorf("webhook notifier requires NOTIFIER_CLIENT_ID with a token url")
		}
		credentials := clientcredentials.Config{
			ClientID:     cfg.NotifierClientID,
			ClientSecret: cfg.NotifierClientSecret,
			TokenURL:     cfg.NotifierTokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = credentials.Client(ctx)
		client.Timeout = cfg.NotifierTimeout
	}
	return NewWebhookSenderWithClient(cfg.NotifierWebhookURL, client, cfg.NotifierRetries), nil
}

func NewWebhookSenderWithClient(url string, client *http.Client, attempts int) *WebhookSender {
	if attempts < 1 {
		attempts = 1
	}
	return &WebhookSender{
		url:       url,
		client:    client,
		attempts:  attempts,
		baseDelay: 200 * time.Millisecond,
	}
}

func (s *WebhookSender) Send(ctx context.Context, m *match.PatientMatch) error {
	payload, err := Payload(m)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = httpclient.Retry(ctx, s.attempts, s.baseDelay, func() error {
		return s.post(ctx, body)
	})
	if err != nil {
		logger.Log.WithError(err).WithField("match_id", m.ID).Warn("webhook notification failed")
		return fmt.Errorf("deliver notification for match %d: %w", m.ID, err)
	}
	return nil
}

func (s *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpclient.StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
