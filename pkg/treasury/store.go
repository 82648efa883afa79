package treasury

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Store is treasury persistence. Payments upsert by token and advance by
// compare-and-swap on the previous status; webhook records keep first-
// writer-wins semantics so duplicates always see the original receipt.
type Store interface {
	GetPayment(ctx context.Context, token string) (*Payment, error)
	// UpsertPayment inserts p when its token is new. It reports false,
	// without touching the row, when the token already exists.
	UpsertPayment(ctx context.Context, p *Payment) (bool, error)
	// UpdatePayment writes p only while the stored status equals from.
	UpdatePayment(ctx context.Context, p *Payment, from Status) (bool, error)
	ListPayments(ctx context.Context, orgID string) ([]*Payment, error)

	GetExternalAccount(ctx context.Context, token string) (*ExternalBankAccount, error)
	PutExternalAccount(ctx context.Context, a *ExternalBankAccount) error

	// GetWebhookRecord returns nil, nil on a miss.
	GetWebhookRecord(ctx context.Context, provider, eventID string) (*WebhookRecord, error)
	// PutWebhookRecord stores r. A live record for the same delivery
	// wins; one that had already expired when r was received is replaced.
	PutWebhookRecord(ctx context.Context, r *WebhookRecord) error
	// PruneWebhookRecords drops records expired at now.
	PruneWebhookRecords(ctx context.Context, now time.Time) (int, error)
}

func recordKey(provider, eventID string) string {
	return provider + "\x00" + eventID
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	accounts map[string]*ExternalBankAccount
	records  map[string]*WebhookRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		accounts: make(map[string]*ExternalBankAccount),
		records:  make(map[string]*WebhookRecord),
	}
}

// GetPayment implements Store.
func (st *MemoryStore) GetPayment(_ context.Context, token string) (*Payment, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.payments[token]
	if !ok {
		return nil, errs.NotFound("payment", token)
	}
	return p.clone(), nil
}

// UpsertPayment implements Store.
func (st *MemoryStore) UpsertPayment(_ context.Context, p *Payment) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.payments[p.PaymentToken]; ok {
		return false, nil
	}
	st.payments[p.PaymentToken] = p.clone()
	return true, nil
}

// UpdatePayment implements Store.
func (st *MemoryStore) UpdatePayment(_ context.Context, p *Payment, from Status) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, ok := st.payments[p.PaymentToken]
	if !ok || cur.Status != from {
		return false, nil
	}
	st.payments[p.PaymentToken] = p.clone()
	return true, nil
}

// ListPayments implements Store. Results order by creation time, token as
// tiebreak.
func (st *MemoryStore) ListPayments(_ context.Context, orgID string) ([]*Payment, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*Payment
	for _, p := range st.payments {
		if p.OrganizationID == orgID {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PaymentToken < out[j].PaymentToken
	})
	return out, nil
}

// GetExternalAccount implements Store.
func (st *MemoryStore) GetExternalAccount(_ context.Context, token string) (*ExternalBankAccount, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	a, ok := st.accounts[token]
	if !ok {
		return nil, errs.NotFound("external_bank_account", token)
	}
	return a.clone(), nil
}

// PutExternalAccount implements Store.
func (st *MemoryStore) PutExternalAccount(_ context.Context, a *ExternalBankAccount) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.accounts[a.Token] = a.clone()
	return nil
}

// GetWebhookRecord implements Store.
func (st *MemoryStore) GetWebhookRecord(_ context.Context, provider, eventID string) (*WebhookRecord, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.records[recordKey(provider, eventID)]
	if !ok {
		return nil, nil
	}
	c := *r
	rc := *r.Receipt
	c.Receipt = &rc
	return &c, nil
}

// PutWebhookRecord implements Store.
func (st *MemoryStore) PutWebhookRecord(_ context.Context, r *WebhookRecord) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := recordKey(r.Provider, r.EventID)
	if cur, ok := st.records[key]; ok && cur.ExpiresAt.After(r.ReceivedAt) {
		return nil
	}
	c := *r
	rc := *r.Receipt
	c.Receipt = &rc
	st.records[key] = &c
	return nil
}

// PruneWebhookRecords implements Store.
func (st *MemoryStore) PruneWebhookRecords(_ context.Context, now time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for k, r := range st.records {
		if !r.ExpiresAt.After(now) {
			delete(st.records, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports stored payments, for tests.
func (st *MemoryStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.payments)
}
