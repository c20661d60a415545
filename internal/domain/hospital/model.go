package hospital

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Tier string

const (
	TierFree           Tier = "free"
	TierPerClaim       Tier = "per_claim"
	TierWeeklyRetainer Tier = "weekly_retainer"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPerClaim, TierWeeklyRetainer:
		return true
	}
	return false
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionInactive, SubscriptionSuspended:
		return true
	}
	return false
}

var (
	ErrNotFound         = errors.New("hospital not found")
	ErrAlreadyExists    = errors.New("hospital with that phone number or facility code already exists")
	ErrHospitalInactive = errors.New("hospital is not active")
)

// QuotaExceededError is returned when a hospital has used its monthly claims.
type QuotaExceededError struct {
	HospitalID uuid.UUID
	Limit      int
	Used       int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("hospital %s has used %d of %d claims this month", e.HospitalID, e.Used, e.Limit)
}

// Hospital is a facility identified by its WhatsApp phone number.
type Hospital struct {
	ID                 uuid.UUID          `json:"id"`
	PhoneNumber        string             `json:"phone_number"`
	WhatsAppID         string             `json:"whatsapp_id"`
	Name               string             `json:"name"`
	FacilityCode       *string            `json:"facility_code,omitempty"`
	Email              string             `json:"email"`
	County             string             `json:"county"`
	Address            string             `json:"address"`
	Tier               Tier               `json:"tier"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	ClaimsLimit        int                `json:"claims_limit"`
	ClaimsUsed         int                `json:"claims_used"`
	UsagePeriod        string             `json:"usage_period"`
	SubscriptionStart  *time.Time         `json:"subscription_start,omitempty"`
	SubscriptionEnd    *time.Time         `json:"subscription_end,omitempty"`
	IsActive           bool               `json:"is_active"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (h *Hospital) clone() *Hospital {
	cp := *h
	if h.FacilityCode != nil {
		v := *h.FacilityCode
		cp.FacilityCode = &v
	}
	if h.SubscriptionStart != nil {
		v := *h.SubscriptionStart
		cp.SubscriptionStart = &v
	}
	if h.SubscriptionEnd != nil {
		v := *h.SubscriptionEnd
		cp.SubscriptionEnd = &v
	}
	return &cp
}

// CanSubmit reports whether the hospital may open another claim.
func (h *Hospital) CanSubmit() error {
	if !h.IsActive || h.SubscriptionStatus != SubscriptionActive {
		return ErrHospitalInactive
	}
	if h.ClaimsLimit > 0 && h.ClaimsUsed >= h.ClaimsLimit {
		return &QuotaExceededError{HospitalID: h.ID, Limit: h.ClaimsLimit, Used: h.ClaimsUsed}
	}
	return nil
}

// rollUsage resets the monthly counter when period is a new month.
func (h *Hospital) rollUsage(period string) bool {
	if h.UsagePeriod == period {
		return false
	}
	h.UsagePeriod = period
	h.ClaimsUsed = 0
	return true
}

func usagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NormalizeAddress strips formatting from a WhatsApp address so that
// "+254 700-000 001" and "254700000001" resolve to the same hospital.
func NormalizeAddress(address string) string {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
