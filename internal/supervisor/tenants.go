package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/tenant"
)

// TenantSetup is what the dashboard submits when a tenant finishes setup or
// changes settings. An empty Token keeps the stored credential.
type TenantSetup struct {
	TenantID       string `json:"tenantId"`
	OwnerUserID    string `json:"ownerUserId"`
	BotName        string `json:"botName"`
	ApplicationID  string `json:"applicationId"`
	Token          string `json:"token,omitempty"`
	DefaultVolume  int    `json:"defaultVolume"`
	Enable247      bool   `json:"enable247"`
	EnableAutoplay bool   `json:"enableAutoplay"`
}

// TokenValidator checks a plaintext credential against the upstream service
// before it is stored.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) error
}

// Register creates or updates the tenant record. The plaintext token is
// sealed before it reaches the store. A running worker keeps its old
// settings until the next Restart.
func (s *Supervisor) Register(ctx context.Context, in TenantSetup) (tenant.Record, error) {
	if err := tenant.ValidateID(in.TenantID); err != nil {
		return tenant.Record{}, fmt.Errorf("%w: %q", err, in.TenantID)
	}
	unlock, err := s.inflight.Lock(ctx, in.TenantID)
	if err != nil {
		return tenant.Record{}, err
	}
	defer unlock()

	existing, err := s.st.Get(ctx, in.TenantID)
	isNew := errors.Is(err, tenant.ErrNotFound)
	if err != nil && !isNew {
		return tenant.Record{}, err
	}

	rec := existing
	rec.TenantID = in.TenantID
	rec.OwnerUserID = in.OwnerUserID
	rec.BotName = in.BotName
	rec.ApplicationID = in.ApplicationID
	rec.DefaultVolume = in.DefaultVolume
	rec.Enable247 = in.Enable247
	rec.EnableAutoplay = in.EnableAutoplay

	switch {
	case in.Token != "":
		if s.validator != nil {
			if err := s.validator.ValidateToken(ctx, in.Token); err != nil {
				return tenant.Record{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
			}
		}
		sealed, err := s.creds.Encrypt(in.Token)
		if err != nil {
			return tenant.Record{}, fmt.Errorf("seal credential: %w", err)
		}
		rec.EncryptedCredential = sealed
	case isNew:
		return tenant.Record{}, ErrCredentialRequired
	}

	if err := s.st.Upsert(ctx, rec); err != nil {
		return tenant.Record{}, err
	}
	s.log.Info("tenant registered", "tenant", in.TenantID, "new", isNew)
	s.emit(ctx, history.EventRegister, in.TenantID, "")
	return s.st.Get(ctx, in.TenantID)
}

// Remove stops the tenant's worker, forgets it and deletes the record.
func (s *Supervisor) Remove(ctx context.Context, tenantID string) error {
	unlock, err := s.inflight.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.st.Get(ctx, tenantID); errors.Is(err, tenant.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	} else if err != nil {
		return err
	}
	if err := s.pm.Remove(ctx, tenant.ProcessName(tenantID)); err != nil {
		return mapManagerErr(err)
	}
	if err := s.st.Delete(ctx, tenantID); err != nil && !errors.Is(err, tenant.ErrNotFound) {
		return err
	}
	if s.msgr != nil {
		s.msgr.Forget(tenant.ProcessName(tenantID))
	}
	s.log.Info("tenant removed", "tenant", tenantID)
	s.emit(ctx, history.EventRemove, tenantID, "")
	return nil
}

// RotateCredential re-seals the stored credential in the current write
// version. It reports whether the envelope changed.
func (s *Supervisor) RotateCredential(ctx context.Context, tenantID string) (bool, error) {
	unlock, err := s.inflight.Lock(ctx, tenantID)
	if err != nil {
		return false, err
	}
	defer unlock()
	return s.rotateLocked(ctx, tenantID, true)
}

func (s *Supervisor) rotateLocked(ctx context.Context, tenantID string, force bool) (bool, error) {
	rec, err := s.st.Get(ctx, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return false, err
	}
	if !force && !s.creds.NeedsRotation(rec.EncryptedCredential) {
		return false, nil
	}
	sealed, err := s.creds.Rotate(rec.EncryptedCredential)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrDecryption, tenantID)
	}
	if err := s.st.SetCredential(ctx, tenantID, sealed); err != nil {
		return false, err
	}
	s.log.Info("tenant credential rotated", "tenant", tenantID)
	s.emit(ctx, history.EventRotate, tenantID, "")
	return true, nil
}

// RotateAll re-seals every credential not already in the current write
// version. Tenants that fail are reported in the joined error.
func (s *Supervisor) RotateAll(ctx context.Context) (int, error) {
	recs, err := s.st.List(ctx)
	if err != nil {
		return 0, err
	}
	var (
		rotated int
		errs    []error
	)
	for _, rec := range recs {
		unlock, err := s.inflight.Lock(ctx, rec.TenantID)
		if err != nil {
			return rotated, err
		}
		ok, err := s.rotateLocked(ctx, rec.TenantID, false)
		unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			rotated++
		}
	}
	return rotated, errors.Join(errs...)
}
