package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/chunkvault/chunkvault/internal/common"
)

// webhookLocationValidity bounds how long a CDN attachment URL returned by
// the messaging platform is assumed fetchable before re-resolving.
const webhookLocationValidity = 10 * time.Minute

// WebhookBackend stores chunks as file attachments posted to a
// messaging-platform webhook, using the platform's CDN as a free object
// store. The reference is the platform message ID; resolving re-fetches the
// message because attachment URLs are themselves time-bounded.
type WebhookBackend struct {
	url    string
	client *http.Client
}

// webhookMessage is the subset of the platform's message payload we read.
type webhookMessage struct {
	ID          string `json:"id"`
	Attachments []struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"attachments"`
}

// NewWebhookBackend validates the webhook URL.
func NewWebhookBackend(cfg WebhookConfig) (*WebhookBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook backend needs a URL", common.ErrValidation)
	}
	return &WebhookBackend{
		url:    cfg.URL,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (b *WebhookBackend) Name() string { return KindWebhook }

func (b *WebhookBackend) Upload(ctx context.Context, ownerID string, data []byte, label string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", label)
	if err != nil {
		return "", fmt.Errorf("%w: multipart: %v", common.ErrBackendUnavailable, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: multipart write: %v", common.ErrBackendUnavailable, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: multipart close: %v", common.ErrBackendUnavailable, err)
	}

	// wait=true makes the platform return the created message
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"?wait=true", &body)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", common.ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: webhook post: %v", common.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: webhook post %s: %s", common.ErrBackendUnavailable, resp.Status, payload)
	}

	var msg webhookMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("%w: webhook response: %v", common.ErrBackendUnavailable, err)
	}
	if msg.ID == "" || len(msg.Attachments) == 0 {
		return "", fmt.Errorf("%w: webhook response missing attachment", common.ErrBackendUnavailable)
	}

	return msg.ID, nil
}

func (b *WebhookBackend) ResolveDownloadLocation(ctx context.Context, ownerID, ref string) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"/messages/"+ref, nil)
	if err != nil {
		return Location{}, fmt.Errorf("%w: build request: %v", common.ErrBackendUnavailable, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("%w: webhook get: %v", common.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Location{}, fmt.Errorf("%w: webhook message %s", common.ErrNotFound, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("%w: webhook get %s", common.ErrBackendUnavailable, resp.Status)
	}

	var msg webhookMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return Location{}, fmt.Errorf("%w: webhook response: %v", common.ErrBackendUnavailable, err)
	}
	if len(msg.Attachments) == 0 {
		return Location{}, fmt.Errorf("%w: webhook message %s has no attachment", common.ErrNotFound, ref)
	}

	return Location{URL: msg.Attachments[0].URL, ExpiresAt: time.Now().Add(webhookLocationValidity)}, nil
}

func (b *WebhookBackend) Delete(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.url+"/messages/"+ref, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", common.ErrBackendUnavailable, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook delete: %v", common.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	// already gone counts as deleted
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return fmt.Errorf("%w: webhook delete %s", common.ErrBackendUnavailable, resp.Status)
}
