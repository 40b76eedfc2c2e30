package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartramana/hookmesh/pkg/observability"
	"github.com/smartramana/hookmesh/pkg/webhook/signature"
)

const (
	webhooksDir   = "webhooks"
	deliveriesDir = "deliveries"
	attemptsDir   = "attempts"
)

// Repository is the durable store for webhooks, deliveries, and
// attempts. Each record is one JSON file; startup loads populate the
// in-memory indices, including the event → webhook-ids subscriber index.
// The repository is the only mutator of the persisted files.
type Repository struct {
	mu          sync.RWMutex
	root        string
	webhooks    map[string]*Webhook
	deliveries  map[string]*Delivery
	attempts    map[string]*Attempt
	subscribers map[string]map[string]struct{} // event → set<webhook-id>
	secretMode  SecretMode
	secretKey   []byte
	logger      observability.Logger
}

// RepositoryOption configures a repository
type RepositoryOption func(*Repository)

// WithSecretMode opts into encrypted secret storage. The key must be 32
// bytes (AES-256).
func WithSecretMode(mode SecretMode, key []byte) RepositoryOption {
	return func(r *Repository) {
		r.secretMode = mode
		r.secretKey = key
	}
}

// NewRepository opens the store rooted at dir, loading existing records.
// Partial or corrupted files are skipped with a warning.
func NewRepository(root string, logger observability.Logger, opts ...RepositoryOption) (*Repository, error) {
	if logger == nil {
		logger = observability.NewLogger("webhook.repository")
	}
	r := &Repository{
		root:        root,
		webhooks:    make(map[string]*Webhook),
		deliveries:  make(map[string]*Delivery),
		attempts:    make(map[string]*Attempt),
		subscribers: make(map[string]map[string]struct{}),
		secretMode:  SecretModeHashed,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.secretMode == SecretModeEncrypted && len(r.secretKey) != 32 {
		return nil, fmt.Errorf("encrypted secret mode requires a 32-byte key")
	}
	for _, sub := range []string{webhooksDir, deliveriesDir, attemptsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create repository directory: %w", err)
		}
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) load() error {
	loadDir := func(dir string, decode func(data []byte) error) error {
		entries, err := os.ReadDir(filepath.Join(r.root, dir))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(r.root, dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				r.logger.Warn("Skipping unreadable record", map[string]interface{}{
					"path": path, "error": err.Error(),
				})
				continue
			}
			if err := decode(data); err != nil {
				r.logger.Warn("Skipping corrupted record", map[string]interface{}{
					"path": path, "error": err.Error(),
				})
			}
		}
		return nil
	}

	if err := loadDir(webhooksDir, func(data []byte) error {
		var w Webhook
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.ID == "" {
			return fmt.Errorf("record missing id")
		}
		r.webhooks[w.ID] = &w
		r.indexLocked(&w)
		return nil
	}); err != nil {
		return err
	}
	if err := loadDir(deliveriesDir, func(data []byte) error {
		var d Delivery
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		if d.ID == "" {
			return fmt.Errorf("record missing id")
		}
		r.deliveries[d.ID] = &d
		return nil
	}); err != nil {
		return err
	}
	return loadDir(attemptsDir, func(data []byte) error {
		var a Attempt
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.ID == "" {
			return fmt.Errorf("record missing id")
		}
		r.attempts[a.ID] = &a
		return nil
	})
}

// indexLocked adds a webhook to the subscriber index
func (r *Repository) indexLocked(w *Webhook) {
	for _, event := range w.Events {
		set, ok := r.subscribers[event]
		if !ok {
			set = make(map[string]struct{})
			r.subscribers[event] = set
		}
		set[w.ID] = struct{}{}
	}
}

// unindexLocked removes a webhook from the subscriber index
func (r *Repository) unindexLocked(w *Webhook) {
	for _, event := range w.Events {
		if set, ok := r.subscribers[event]; ok {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(r.subscribers, event)
			}
		}
	}
}

// saveRecord writes a record with flush-then-rename so readers never see
// a partial file
func (r *Repository) saveRecord(dir, id string, record interface{}) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	path := filepath.Join(r.root, dir, id+".json")
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to flush record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// CreateWebhookInput carries the fields for a new webhook
type CreateWebhookInput struct {
	URL         string
	Events      []string
	Description string
	Headers     map[string]string
	Active      *bool
	Secret      string
}

// CreateWebhook registers a webhook. The plain secret is returned once;
// only its hash (and, in encrypted mode, its ciphertext) is persisted.
func (r *Repository) CreateWebhook(ctx context.Context, input CreateWebhookInput) (*Webhook, string, error) {
	if err := validateURL(input.URL); err != nil {
		return nil, "", err
	}
	if len(input.Events) == 0 {
		return nil, "", fmt.Errorf("%w: at least one event is required", ErrValidation)
	}

	secret := input.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, "", err
		}
		secret = generated
	}

	now := time.Now().UTC()
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	w := &Webhook{
		ID:          uuid.NewString(),
		URL:         input.URL,
		Events:      append([]string(nil), input.Events...),
		Description: input.Description,
		Headers:     input.Headers,
		Active:      active,
		SecretHash:  hashSecret(secret),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.secretMode == SecretModeEncrypted {
		encrypted, err := encryptSecret(r.secretKey, secret)
		if err != nil {
			return nil, "", err
		}
		w.EncryptedSecret = encrypted
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveRecord(webhooksDir, w.ID, w); err != nil {
		return nil, "", err
	}
	r.webhooks[w.ID] = w
	r.indexLocked(w)
	r.logger.Info("Webhook created", map[string]interface{}{
		"webhook_id": w.ID,
		"events":     w.Events,
	})
	return w.clone(), secret, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: malformed url %q", ErrValidation, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported url scheme %q", ErrValidation, u.Scheme)
	}
	return nil
}

// UpdateWebhookInput carries partial updates; nil fields are unchanged
type UpdateWebhookInput struct {
	URL         *string
	Events      []string
	Description *string
	Headers     map[string]string
	Active      *bool
	Secret      *string
}

// UpdateWebhook applies a partial update, maintaining subscriber-index
// deltas
func (r *Repository) UpdateWebhook(ctx context.Context, id string, input UpdateWebhookInput) (*Webhook, error) {
	if input.URL != nil {
		if err := validateURL(*input.URL); err != nil {
			return nil, err
		}
	}
	if input.Events != nil && len(input.Events) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := w.clone()
	if input.URL != nil {
		updated.URL = *input.URL
	}
	if input.Events != nil {
		updated.Events = append([]string(nil), input.Events...)
	}
	if input.Description != nil {
		updated.Description = *input.Description
	}
	if input.Headers != nil {
		updated.Headers = input.Headers
	}
	if input.Active != nil {
		updated.Active = *input.Active
	}
	if input.Secret != nil && *input.Secret != "" {
		updated.SecretHash = hashSecret(*input.Secret)
		if r.secretMode == SecretModeEncrypted {
			encrypted, err := encryptSecret(r.secretKey, *input.Secret)
			if err != nil {
				return nil, err
			}
			updated.EncryptedSecret = encrypted
		}
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := r.saveRecord(webhooksDir, id, updated); err != nil {
		return nil, err
	}
	r.unindexLocked(w)
	r.webhooks[id] = updated
	r.indexLocked(updated)
	return updated.clone(), nil
}

// DeleteWebhook removes a webhook. Deletion is terminal.
func (r *Repository) DeleteWebhook(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.webhooks[id]
	if !ok {
		return false, nil
	}
	if err := os.Remove(filepath.Join(r.root, webhooksDir, id+".json")); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to delete webhook record: %w", err)
	}
	r.unindexLocked(w)
	delete(r.webhooks, id)
	r.logger.Info("Webhook deleted", map[string]interface{}{"webhook_id": id})
	return true, nil
}

// GetWebhook returns a webhook by id
func (r *Repository) GetWebhook(id string) (*Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.clone(), nil
}

// ListWebhooks returns a page of webhooks ordered by creation time
func (r *Repository) ListWebhooks(page, pageSize int) ([]*Webhook, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Webhook, 0, len(r.webhooks))
	for _, w := range r.webhooks {
		all = append(all, w)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	total := len(all)
	start, end := pageBounds(total, page, pageSize)
	items := make([]*Webhook, 0, end-start)
	for _, w := range all[start:end] {
		items = append(items, w.clone())
	}
	return items, total
}

func pageBounds(total, page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

// WebhooksForEvent returns the active webhooks subscribed to the event
func (r *Repository) WebhooksForEvent(event string) []*Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.subscribers[event]
	if !ok {
		return nil
	}
	result := make([]*Webhook, 0, len(ids))
	for id := range ids {
		if w, ok := r.webhooks[id]; ok && w.Active {
			result = append(result, w.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// CreateDelivery records a new delivery in pending state
func (r *Repository) CreateDelivery(ctx context.Context, webhookID, eventType string, payload json.RawMessage) (*Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.webhooks[webhookID]; !ok {
		return nil, ErrNotFound
	}
	d := &Delivery{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		EventType: eventType,
		Status:    StatusPending,
		Timestamp: time.Now().UTC(),
	}
	if err := r.saveRecord(deliveriesDir, d.ID, d); err != nil {
		return nil, err
	}
	r.deliveries[d.ID] = d
	return d.clone(), nil
}

// GetDelivery returns a delivery by id
func (r *Repository) GetDelivery(id string) (*Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d.clone(), nil
}

// ListDeliveries returns a page of deliveries for a webhook, newest
// first, optionally filtered by status
func (r *Repository) ListDeliveries(webhookID string, status DeliveryStatus, page, pageSize int) ([]*Delivery, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Delivery
	for _, d := range r.deliveries {
		if d.WebhookID != webhookID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].ID > all[j].ID
		}
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	total := len(all)
	start, end := pageBounds(total, page, pageSize)
	items := make([]*Delivery, 0, end-start)
	for _, d := range all[start:end] {
		items = append(items, d.clone())
	}
	return items, total
}

// UpdateDeliveryStatus transitions a delivery's aggregate status
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, id string, status DeliveryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[id]
	if !ok {
		return ErrDeliveryNotFound
	}
	d.Status = status
	return r.saveRecord(deliveriesDir, id, d)
}

// AttemptSnapshot captures the request side of an attempt before dispatch
type AttemptSnapshot struct {
	URL     string
	Headers map[string]string
	Body    string
	Retry   int
}

// CreateAttempt records a pending attempt and links it to its delivery
func (r *Repository) CreateAttempt(ctx context.Context, deliveryID string, snapshot AttemptSnapshot) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[deliveryID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	a := &Attempt{
		ID:             uuid.NewString(),
		DeliveryID:     deliveryID,
		Status:         StatusPending,
		RequestURL:     snapshot.URL,
		RequestHeaders: snapshot.Headers,
		RequestBody:    snapshot.Body,
		Timestamp:      time.Now().UTC(),
		RetryCount:     snapshot.Retry,
	}
	if err := r.saveRecord(attemptsDir, a.ID, a); err != nil {
		return nil, err
	}
	r.attempts[a.ID] = a
	d.AttemptIDs = append(d.AttemptIDs, a.ID)
	if err := r.saveRecord(deliveriesDir, d.ID, d); err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// AttemptResult carries the outcome of a dispatched attempt
type AttemptResult struct {
	Status       DeliveryStatus
	ResponseCode int
	ResponseBody string
	Error        string
	NextRetryAt  *time.Time
}

// UpdateAttempt records the outcome of an attempt and propagates the
// status to the parent delivery: success completes it, a scheduled
// retry marks it retrying, and a final failure leaves the aggregate
// transition to the engine.
func (r *Repository) UpdateAttempt(ctx context.Context, id string, result AttemptResult) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	a.Status = result.Status
	a.ResponseCode = result.ResponseCode
	a.ResponseBody = result.ResponseBody
	a.Error = result.Error
	a.NextRetryAt = result.NextRetryAt
	if err := r.saveRecord(attemptsDir, id, a); err != nil {
		return nil, err
	}

	if d, ok := r.deliveries[a.DeliveryID]; ok {
		switch {
		case result.Status == StatusSuccess:
			d.Status = StatusSuccess
		case result.NextRetryAt != nil:
			d.Status = StatusRetrying
		}
		if err := r.saveRecord(deliveriesDir, d.ID, d); err != nil {
			return nil, err
		}
	}
	return a.clone(), nil
}

// GetAttempt returns an attempt by id
func (r *Repository) GetAttempt(id string) (*Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return a.clone(), nil
}

// AttemptsForDelivery returns a delivery's attempts in creation order
func (r *Repository) AttemptsForDelivery(deliveryID string) []*Attempt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deliveries[deliveryID]
	if !ok {
		return nil
	}
	result := make([]*Attempt, 0, len(d.AttemptIDs))
	for _, id := range d.AttemptIDs {
		if a, ok := r.attempts[id]; ok {
			result = append(result, a.clone())
		}
	}
	return result
}

// SignPayload signs a payload for a webhook. In hashed mode the HMAC key
// is the stored hash of the secret, so verifiers must hash their copy of
// the secret the same way. Encrypted mode signs with the decrypted
// original.
func (r *Repository) SignPayload(webhookID string, payload []byte) (string, error) {
	r.mu.RLock()
	w, ok := r.webhooks[webhookID]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if r.secretMode == SecretModeEncrypted && w.EncryptedSecret != "" {
		secret, err := decryptSecret(r.secretKey, w.EncryptedSecret)
		if err != nil {
			return "", err
		}
		return signature.Sign(secret, payload), nil
	}
	if w.SecretHash == "" {
		return "", ErrNoSecret
	}
	return signature.Sign(w.SecretHash, payload), nil
}
