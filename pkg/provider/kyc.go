package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Inquiry states.
type InquiryStatus string

const (
	InquiryCreated  InquiryStatus = "created"
	InquiryPending  InquiryStatus = "pending"
	InquiryApproved InquiryStatus = "approved"
	InquiryDeclined InquiryStatus = "declined"
)

// InquiryParams opens a KYC or KYB inquiry.
type InquiryParams struct {
	OrganizationID string
	SubjectType    string // individual | business
	LegalName      string
	Email          string
	Country        string
}

// Inquiry is one verification case at the provider.
type Inquiry struct {
	InquiryID      string        `json:"inquiry_id"`
	OrganizationID string        `json:"organization_id"`
	SubjectType    string        `json:"subject_type"`
	LegalName      string        `json:"legal_name"`
	Country        string        `json:"country"`
	Status         InquiryStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// KYC is the identity-verification capability contract, covering both
// individual (KYC) and business (KYB) subjects.
type KYC interface {
	Metadata() Metadata
	CreateInquiry(ctx context.Context, p InquiryParams) (*Inquiry, error)
	GetInquiry(ctx context.Context, inquiryID string) (*Inquiry, error)
}

// ScreenParams submits a subject for sanctions screening.
type ScreenParams struct {
	LegalName string
	Country   string
}

// ScreenResult is a screening outcome. Hit means at least one list
// matched; callers treat any hit as a hard block.
type ScreenResult struct {
	Hit   bool     `json:"hit"`
	Lists []string `json:"lists,omitempty"`
	Score float64  `json:"score"`
}

// Sanctions is the watchlist-screening capability contract.
type Sanctions interface {
	Metadata() Metadata
	Screen(ctx context.Context, p ScreenParams) (*ScreenResult, error)
}

// FakeKYC approves every inquiry after one poll unless the subject was
// registered with Decline.
type FakeKYC struct {
	mu        sync.Mutex
	seq       int
	inquiries map[string]*Inquiry
	declined  map[string]bool
	now       func() time.Time
}

// NewFakeKYC returns an empty fake.
func NewFakeKYC() *FakeKYC {
	return &FakeKYC{
		inquiries: make(map[string]*Inquiry),
		declined:  make(map[string]bool),
		now:       time.Now,
	}
}

// WithClock replaces the fake's time source.
func (f *FakeKYC) WithClock(now func() time.Time) *FakeKYC {
	f.now = now
	return f
}

// Decline makes inquiries for legalName resolve to declined.
func (f *FakeKYC) Decline(legalName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined[strings.ToLower(legalName)] = true
}

// Metadata implements KYC.
func (f *FakeKYC) Metadata() Metadata {
	return Metadata{Name: "fake-kyc", Kind: KindKYC, Version: "1", Capabilities: []string{"kyc", "kyb"}}
}

// CreateInquiry implements KYC.
func (f *FakeKYC) CreateInquiry(_ context.Context, p InquiryParams) (*Inquiry, error) {
	if p.LegalName == "" || p.OrganizationID == "" {
		return nil, errs.Validation("missing_inquiry_fields", "organization id and legal name are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	now := f.now()
	inq := &Inquiry{
		InquiryID:      fmt.Sprintf("inq_fake_%04d", f.seq),
		OrganizationID: p.OrganizationID,
		SubjectType:    p.SubjectType,
		LegalName:      p.LegalName,
		Country:        p.Country,
		Status:         InquiryCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.inquiries[inq.InquiryID] = inq
	c := *inq
	return &c, nil
}

// GetInquiry implements KYC. The first poll resolves the inquiry.
func (f *FakeKYC) GetInquiry(_ context.Context, inquiryID string) (*Inquiry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inq, ok := f.inquiries[inquiryID]
	if !ok {
		return nil, errs.NotFound("inquiry", inquiryID)
	}
	if inq.Status == InquiryCreated || inq.Status == InquiryPending {
		if f.declined[strings.ToLower(inq.LegalName)] {
			inq.Status = InquiryDeclined
		} else {
			inq.Status = InquiryApproved
		}
		inq.UpdatedAt = f.now()
	}
	c := *inq
	return &c, nil
}

// FakeSanctions matches against a fixed, case-folded name list.
type FakeSanctions struct {
	mu      sync.Mutex
	blocked map[string]bool
}

// NewFakeSanctions returns a fake that flags the given names.
func NewFakeSanctions(blocked ...string) *FakeSanctions {
	f := &FakeSanctions{blocked: make(map[string]bool, len(blocked))}
	for _, name := range blocked {
		f.blocked[strings.ToLower(name)] = true
	}
	return f
}

// Metadata implements Sanctions.
func (f *FakeSanctions) Metadata() Metadata {
	return Metadata{Name: "fake-sanctions", Kind: KindSanctions, Version: "1", Capabilities: []string{"screen"}}
}

// Screen implements Sanctions.
func (f *FakeSanctions) Screen(_ context.Context, p ScreenParams) (*ScreenResult, error) {
	if p.LegalName == "" {
		return nil, errs.Validation("missing_legal_name", "legal name is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked[strings.ToLower(p.LegalName)] {
		return &ScreenResult{Hit: true, Lists: []string{"OFAC-SDN"}, Score: 1}, nil
	}
	return &ScreenResult{Hit: false, Score: 0}, nil
}
