package authority

import (
	"context"
	"fmt"
	"strings"
	"time"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/ids"
)

func validTarget(r auth.AuthReq) error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown credential type %q", auth.ErrInvalidInput, r.Type)
	}
	if strings.TrimSpace(r.Credential) == "" {
		return fmt.Errorf("%w: credential is required", auth.ErrInvalidInput)
	}
	return nil
}

// AddAlias binds another credential to the caller's user once confirmed.
func (s *Service) AddAlias(ctx context.Context, req auth.AuthReq) (err error) {
	defer observe("add_alias", time.Now(), &err)
	return s.bindAlias(ctx, auth.OpAliasAdd, req, nil)
}

// UpdateAlias replaces oldReq with newReq once newReq is confirmed.
func (s *Service) UpdateAlias(ctx context.Context, newReq, oldReq auth.AuthReq) (err error) {
	defer observe("update_alias", time.Now(), &err)
	if err := validTarget(oldReq); err != nil {
		return err
	}
	old := auth.AuthReq{Type: oldReq.Type, Credential: oldReq.Credential, Mode: oldReq.Mode}
	return s.bindAlias(ctx, auth.OpAliasUpdate, newReq, &old)
}

func (s *Service) bindAlias(ctx context.Context, kind auth.OpKind, req auth.AuthReq, remove *auth.AuthReq) error {
	ctx, t, c, err := s.caller(ctx)
	if err != nil {
		return err
	}
	if !t.Allows(req.Type) {
		return fmt.Errorf("%w: %q", auth.ErrUnsupportedChannel, req.Type)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	target := req
	target.Secret = ""
	op := &auth.Op{
		ID:          ids.NewUUID(),
		SessionID:   c.SessionID,
		Operation:   kind,
		AddAlias:    target,
		RemoveAlias: remove,
		CreatedAt:   now,
	}
	err = s.store.ForTenant(t.ID).WithTx(ctx, func(sc auth.Scope) error {
		sess, err := s.writableSession(ctx, sc, c.SessionID)
		if err != nil {
			return err
		}
		if err := enforceUnique(ctx, sc, req, ""); err != nil {
			return err
		}
		pending, err := sc.Aliases().FindPending(ctx, sess.UserID, req.Credential, req.Type)
		if err != nil {
			return fmt.Errorf("authority: load aliases: %w", err)
		}
		if len(pending) > 0 && req.Mode != auth.ModeConfirm {
			return fmt.Errorf("%w: %s %q awaits confirmation", auth.ErrAliasConflict, req.Type, req.Credential)
		}
		hash, err := auth.HashSecret(req.Secret)
		if err != nil {
			return fmt.Errorf("authority: hash secret: %w", err)
		}
		alias := &auth.Alias{
			Credential: req.Credential,
			Type:       req.Type,
			Secret:     hash,
			UserID:     sess.UserID,
			Mode:       req.Mode,
			CreatedAt:  now,
		}
		if err := sc.Aliases().Create(ctx, alias); err != nil {
			return fmt.Errorf("authority: create alias: %w", err)
		}
		if err := sc.Ops().Create(ctx, op); err != nil {
			return fmt.Errorf("authority: create op: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	auditEvent(ctx, "alias."+kind.String(), map[string]any{"op_id": op.ID, "type": req.Type, "credential": req.Credential})
	return s.deliver(ctx, t, op, req)
}

// RemoveAlias soft-deletes one of the caller's aliases immediately.
func (s *Service) RemoveAlias(ctx context.Context, req auth.AuthReq) (err error) {
	defer observe("remove_alias", time.Now(), &err)
	ctx, t, c, err := s.caller(ctx)
	if err != nil {
		return err
	}
	if !t.Allows(req.Type) {
		return fmt.Errorf("%w: %q", auth.ErrUnsupportedChannel, req.Type)
	}
	if err := validTarget(req); err != nil {
		return err
	}
	err = s.store.ForTenant(t.ID).WithTx(ctx, func(sc auth.Scope) error {
		sess, err := s.writableSession(ctx, sc, c.SessionID)
		if err != nil {
			return err
		}
		n, err := sc.Aliases().SoftDelete(ctx, sess.UserID, req.Credential, req.Type, false, s.now().UTC())
		if err != nil {
			return fmt.Errorf("authority: remove alias: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %q", auth.ErrAliasNotFound, req.Type, req.Credential)
		}
		return nil
	})
	if err != nil {
		return err
	}
	auditEvent(ctx, "alias.remove", map[string]any{"type": req.Type, "credential": req.Credential})
	return nil
}

// RemoveAliasConfirmed removes one of the caller's verified aliases after
// the removal is confirmed over that same alias.
func (s *Service) RemoveAliasConfirmed(ctx context.Context, req auth.AuthReq) (err error) {
	defer observe("remove_alias_confirmed", time.Now(), &err)
	ctx, t, c, err := s.caller(ctx)
	if err != nil {
		return err
	}
	if !t.Allows(req.Type) {
		return fmt.Errorf("%w: %q", auth.ErrUnsupportedChannel, req.Type)
	}
	if err := validTarget(req); err != nil {
		return err
	}
	target := auth.AuthReq{Type: req.Type, Credential: req.Credential, Mode: req.Mode}
	op := &auth.Op{
		ID:          ids.NewUUID(),
		SessionID:   c.SessionID,
		Operation:   auth.OpAliasRemove,
		RemoveAlias: &target,
		CreatedAt:   s.now().UTC(),
	}
	err = s.store.ForTenant(t.ID).WithTx(ctx, func(sc auth.Scope) error {
		sess, err := s.writableSession(ctx, sc, c.SessionID)
		if err != nil {
			return err
		}
		owned, err := sc.Aliases().ListVerified(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("authority: list aliases: %w", err)
		}
		if !hasAlias(owned, req.Credential, req.Type) {
			return fmt.Errorf("%w: %s %q", auth.ErrAliasNotFound, req.Type, req.Credential)
		}
		if err := sc.Ops().Create(ctx, op); err != nil {
			return fmt.Errorf("authority: create op: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	auditEvent(ctx, "alias.alias_remove", map[string]any{"op_id": op.ID, "type": req.Type, "credential": req.Credential})
	return s.deliver(ctx, t, op, target)
}
