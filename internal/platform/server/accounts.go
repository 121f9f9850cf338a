package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

// AccountService manages the user hierarchy and wallet lookups.
type AccountService struct {
	*Core
}

func NewAccountService(core *Core) *AccountService {
	return &AccountService{Core: core}
}

type RegisterUserInput struct {
	Email         string
	Password      string
	PIN           string
	Role          auth.Role
	ParentID      string
	CommissionBPS int
	ExposureLimit *int64
}

// Register creates a user directly below ParentID, which defaults to the
// actor, and opens the user's wallets.
func (s *AccountService) Register(ctx context.Context, actor auth.Actor, in RegisterUserInput) (users.User, error) {
	parentID := in.ParentID
	if parentID == "" {
		parentID = actor.ID
	}
	if err := s.authorize(actor, auth.CapRegisterDownline, parentID); err != nil {
		s.denied(ctx, actor, "user", "", "user_register", err)
		return users.User{}, err
	}
	if in.ExposureLimit != nil && !auth.Can(actor.Role, auth.CapManageUsers) {
		err := fmt.Errorf("%w: only administrators set exposure limits", ErrForbidden)
		s.denied(ctx, actor, "user", "", "user_register", err)
		return users.User{}, err
	}
	u, err := s.Users.Register(ctx, users.RegisterInput{
		Email:         in.Email,
		Password:      in.Password,
		PIN:           in.PIN,
		Role:          in.Role,
		ParentID:      parentID,
		CommissionBPS: in.CommissionBPS,
		ExposureLimit: in.ExposureLimit,
	})
	if err != nil {
		return users.User{}, err
	}
	if err := s.Ledger.OpenWallet(ctx, u.ID); err != nil {
		return users.User{}, err
	}
	s.record(ctx, actor, "user", u.ID, "user_register", nil, u)
	return u, nil
}

// Bootstrap creates the first powerhouse account on an empty directory. It
// reports false when any user already exists.
func (s *AccountService) Bootstrap(ctx context.Context, email, password, pin string) (users.User, bool, error) {
	if s.Users.Count() > 0 {
		return users.User{}, false, nil
	}
	u, err := s.Users.Register(ctx, users.RegisterInput{
		Email:    email,
		Password: password,
		PIN:      pin,
		Role:     auth.RolePowerhouse,
	})
	if err != nil {
		return users.User{}, false, err
	}
	if err := s.Ledger.OpenWallet(ctx, u.ID); err != nil && !errors.Is(err, ledger.ErrWalletExists) {
		return users.User{}, false, err
	}
	s.record(ctx, auth.Actor{ID: ledger.HouseAccountID, Role: auth.RolePowerhouse}, "user", u.ID, "user_bootstrap", nil, u)
	return u, true, nil
}

func (s *AccountService) User(actor auth.Actor, userID string) (users.User, error) {
	capability := auth.CapViewDownline
	if userID == actor.ID {
		capability = auth.CapViewOwnWallet
	}
	if err := s.authorize(actor, capability, userID); err != nil {
		return users.User{}, err
	}
	u, err := s.Users.Get(userID)
	if err != nil {
		return users.User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

// Balances returns a wallet snapshot for the actor or a downline user.
func (s *AccountService) Balances(actor auth.Actor, userID string) (ledger.Balances, error) {
	if _, err := s.User(actor, userID); err != nil {
		return ledger.Balances{}, err
	}
	b, err := s.Ledger.Balances(userID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return ledger.Balances{}, fmt.Errorf("%w: wallet for %s", ErrNotFound, userID)
	}
	return b, err
}

// Children lists the actor's direct downline, or that of a downline user.
func (s *AccountService) Children(actor auth.Actor, userID string) ([]users.User, error) {
	if err := s.authorize(actor, auth.CapViewDownline, userID); err != nil {
		return nil, err
	}
	return s.Users.Children(userID), nil
}

type UserUpdate struct {
	Role          *auth.Role
	ParentID      *string
	Active        *bool
	KYCStatus     *users.KYCStatus
	ExposureLimit *int64
	ClearLimit    bool
}

// Update applies an administrative change. Fields left nil are untouched.
func (s *AccountService) Update(ctx context.Context, actor auth.Actor, userID string, in UserUpdate) (users.User, error) {
	if err := s.authorize(actor, auth.CapManageUsers, userID); err != nil {
		s.denied(ctx, actor, "user", userID, "user_update", err)
		return users.User{}, err
	}
	before, err := s.Users.Get(userID)
	if err != nil {
		return users.User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if userID == actor.ID && (in.Role != nil || (in.Active != nil && !*in.Active)) {
		err := fmt.Errorf("%w: cannot demote or suspend yourself", ErrForbidden)
		s.denied(ctx, actor, "user", userID, "user_update", err)
		return users.User{}, err
	}

	after := before
	if in.Role != nil {
		parent := before.ParentID
		if in.ParentID != nil {
			parent = *in.ParentID
		}
		if after, err = s.Users.ChangeRole(ctx, userID, *in.Role, parent); err != nil {
			return users.User{}, err
		}
	}
	if in.Active != nil {
		if after, err = s.Users.SetActive(ctx, userID, *in.Active); err != nil {
			return users.User{}, err
		}
	}
	if in.KYCStatus != nil {
		if after, err = s.Users.SetKYCStatus(ctx, userID, *in.KYCStatus); err != nil {
			return users.User{}, err
		}
	}
	if in.ExposureLimit != nil || in.ClearLimit {
		if after, err = s.Users.SetExposureLimit(ctx, userID, in.ExposureLimit); err != nil {
			return users.User{}, err
		}
	}
	s.record(ctx, actor, "user", userID, "user_update", before, after)
	return after, nil
}

// SetPIN replaces the actor's PIN after re-checking the password.
func (s *AccountService) SetPIN(ctx context.Context, actor auth.Actor, password, pin string) error {
	if _, err := s.activeActor(actor); err != nil {
		return err
	}
	if err := s.Users.VerifyPassword(actor.ID, password); err != nil {
		s.denied(ctx, actor, "user", actor.ID, "pin_set", err)
		return err
	}
	if err := s.Users.SetPIN(ctx, actor.ID, pin); err != nil {
		return err
	}
	s.record(ctx, actor, "user", actor.ID, "pin_set", nil, nil)
	return nil
}
