package hospital

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults apply to hospitals created on first contact.
type Defaults struct {
	Tier        Tier
	ClaimsLimit int
}

type Service struct {
	repo     Repository
	defaults Defaults
	now      func() time.Time
}

func NewService(repo Repository, defaults Defaults) *Service {
	if !defaults.Tier.Valid() {
		defaults.Tier = TierPerClaim
	}
	return &Service{repo: repo, defaults: defaults, now: time.Now}
}

// Resolve returns the hospital for a WhatsApp address, creating it on first
// contact. A concurrent first contact that wins the insert is re-read.
func (s *Service) Resolve(ctx context.Context, address string) (*Hospital, error) {
	phone := NormalizeAddress(address)
	if phone == "" {
		return nil, fmt.Errorf("resolve hospital: empty address %q", address)
	}

	h, err := s.repo.GetByPhone(ctx, phone)
	if err == nil {
		return s.view(h), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup hospital %s: %w", phone, err)
	}

	now := s.now().UTC()
	h = &Hospital{
		ID:                 uuid.New(),
		PhoneNumber:        phone,
		WhatsAppID:         phone,
		Name:               "Hospital_" + phone,
		Tier:               s.defaults.Tier,
		SubscriptionStatus: SubscriptionActive,
		ClaimsLimit:        s.defaults.ClaimsLimit,
		UsagePeriod:        usagePeriod(now),
		SubscriptionStart:  &now,
		IsActive:           true,
	}
	if err := s.repo.Create(ctx, h); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return s.repo.GetByPhone(ctx, phone)
		}
		return nil, fmt.Errorf("create hospital %s: %w", phone, err)
	}
	return h, nil
}

// ConsumeQuota counts one claim against the hospital's monthly usage.
func (s *Service) ConsumeQuota(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	period := usagePeriod(s.now())
	return s.repo.Update(ctx, id, func(h *Hospital) error {
		h.rollUsage(period)
		if err := h.CanSubmit(); err != nil {
			return err
		}
		h.ClaimsUsed++
		return nil
	})
}

// view rolls the usage counter for display without persisting it.
func (s *Service) view(h *Hospital) *Hospital {
	h.rollUsage(usagePeriod(s.now()))
	return h
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	h, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(h), nil
}

func (s *Service) GetByFacilityCode(ctx context.Context, code string) (*Hospital, error) {
	h, err := s.repo.GetByFacilityCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	return s.view(h), nil
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Hospital, int, error) {
	items, total, err := s.repo.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, h := range items {
		s.view(h)
	}
	return items, total, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Create onboards a hospital manually.
func (s *Service) Create(ctx context.Context, h *Hospital) error {
	h.PhoneNumber = NormalizeAddress(h.PhoneNumber)
	if h.PhoneNumber == "" {
		return fmt.Errorf("phone_number is required")
	}
	if h.Name == "" {
		h.Name = "Hospital_" + h.PhoneNumber
	}
	if h.WhatsAppID == "" {
		h.WhatsAppID = h.PhoneNumber
	}
	if h.Tier == "" {
		h.Tier = s.defaults.Tier
	}
	if !h.Tier.Valid() {
		return fmt.Errorf("invalid tier: %s", h.Tier)
	}
	if h.SubscriptionStatus == "" {
		h.SubscriptionStatus = SubscriptionActive
	}
	if !h.SubscriptionStatus.Valid() {
		return fmt.Errorf("invalid subscription status: %s", h.SubscriptionStatus)
	}
	if h.ClaimsLimit < 0 {
		return fmt.Errorf("claims_limit must not be negative")
	}
	if h.FacilityCode != nil && strings.TrimSpace(*h.FacilityCode) == "" {
		h.FacilityCode = nil
	}
	now := s.now().UTC()
	h.ID = uuid.New()
	h.ClaimsUsed = 0
	h.UsagePeriod = usagePeriod(now)
	h.IsActive = true
	if h.SubscriptionStart == nil {
		h.SubscriptionStart = &now
	}
	return s.repo.Create(ctx, h)
}

// ProfileUpdate changes descriptive fields. Nil fields are left alone.
type ProfileUpdate struct {
	Name         *string `json:"name"`
	FacilityCode *string `json:"facility_code"`
	Email        *string `json:"email"`
	County       *string `json:"county"`
	Address      *string `json:"address"`
}

func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, u ProfileUpdate) (*Hospital, error) {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return nil, fmt.Errorf("name must not be empty")
	}
	return s.repo.Update(ctx, id, func(h *Hospital) error {
		if u.Name != nil {
			h.Name = strings.TrimSpace(*u.Name)
		}
		if u.FacilityCode != nil {
			code := strings.TrimSpace(*u.FacilityCode)
			if code == "" {
				h.FacilityCode = nil
			} else {
				h.FacilityCode = &code
			}
		}
		if u.Email != nil {
			h.Email = *u.Email
		}
		if u.County != nil {
			h.County = *u.County
		}
		if u.Address != nil {
			h.Address = *u.Address
		}
		return nil
	})
}

type SubscriptionUpdate struct {
	Tier        *Tier               `json:"tier"`
	Status      *SubscriptionStatus `json:"status"`
	ClaimsLimit *int                `json:"claims_limit"`
	Start       *time.Time          `json:"start"`
	End         *time.Time          `json:"end"`
}

func (s *Service) UpdateSubscription(ctx context.Context, id uuid.UUID, u SubscriptionUpdate) (*Hospital, error) {
	if u.Tier != nil && !u.Tier.Valid() {
		return nil, fmt.Errorf("invalid tier: %s", *u.Tier)
	}
	if u.Status != nil && !u.Status.Valid() {
		return nil, fmt.Errorf("invalid subscription status: %s", *u.Status)
	}
	if u.ClaimsLimit != nil && *u.ClaimsLimit < 0 {
		return nil, fmt.Errorf("claims_limit must not be negative")
	}
	if u.Start != nil && u.End != nil && u.End.Before(*u.Start) {
		return nil, fmt.Errorf("subscription end is before start")
	}
	return s.repo.Update(ctx, id, func(h *Hospital) error {
		if u.Tier != nil {
			h.Tier = *u.Tier
		}
		if u.Status != nil {
			h.SubscriptionStatus = *u.Status
			if *u.Status == SubscriptionActive {
				h.IsActive = true
			}
		}
		if u.ClaimsLimit != nil {
			h.ClaimsLimit = *u.ClaimsLimit
		}
		if u.Start != nil {
			h.SubscriptionStart = u.Start
		}
		if u.End != nil {
			h.SubscriptionEnd = u.End
		}
		return nil
	})
}

// Deactivate stops claim intake for a hospital. Hospitals are never deleted.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return s.repo.Update(ctx, id, func(h *Hospital) error {
		h.IsActive = false
		h.SubscriptionStatus = SubscriptionInactive
		return nil
	})
}

func (s *Service) ResetMonthlyUsage(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	period := usagePeriod(s.now())
	return s.repo.Update(ctx, id, func(h *Hospital) error {
		h.UsagePeriod = period
		h.ClaimsUsed = 0
		return nil
	})
}
