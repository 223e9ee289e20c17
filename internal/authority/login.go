package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/ids"
)

// RequestAuth starts a login, or a registration when no verified READ alias
// exists for the credential, and sends the approval link.
func (s *Service) RequestAuth(ctx context.Context, req auth.AuthReq) (err error) {
	defer observe("request_auth", time.Now(), &err)
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
	if c.SessionID == "" {
		return fmt.Errorf("%w: session id is required", auth.ErrInvalidInput)
	}
	publicKey, err := s.checkProof(t.ID, c)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	target := req
	target.Secret = ""
	op := &auth.Op{ID: ids.NewUUID(), SessionID: c.SessionID, Operation: auth.OpVerify, CreatedAt: now}
	registered := false

	err = s.store.ForTenant(t.ID).WithTx(ctx, func(sc auth.Scope) error {
		existing, err := sc.Sessions().Find(ctx, c.SessionID)
		switch {
		case err == nil:
			if existing.ExpiresAt != nil {
				return auth.ErrSessionAlreadyExpired
			}
			if existing.VerifiedAt != nil {
				return auth.ErrSessionAlreadyVerified
			}
		case !errors.Is(err, auth.ErrNotFound):
			return fmt.Errorf("authority: load session: %w", err)
		}

		login, err := loginAlias(ctx, sc, req)
		if err != nil {
			return err
		}
		var userID string
		if login != nil {
			if login.Secret != "" {
				if err := auth.VerifySecret(login.Secret, req.Secret); err != nil {
					return fmt.Errorf("%w: secret mismatch", auth.ErrPermissionDenied)
				}
			}
			userID = login.UserID
			// a login never grants more than the bound alias holds
			target.Mode = req.Mode & login.Mode
		} else {
			hash, err := auth.HashSecret(req.Secret)
			if err != nil {
				return fmt.Errorf("authority: hash secret: %w", err)
			}
			userID = ids.NewUUID()
			alias := &auth.Alias{
				Credential: req.Credential,
				Type:       req.Type,
				Secret:     hash,
				UserID:     userID,
				Mode:       req.Mode,
				CreatedAt:  now,
			}
			if err := sc.Aliases().Create(ctx, alias); err != nil {
				return fmt.Errorf("authority: create alias: %w", err)
			}
			registered = true
		}

		sess := &auth.Session{ID: c.SessionID, UserID: userID, Mode: target.Mode, PublicKey: publicKey, CreatedAt: now}
		if err := sc.Sessions().Open(ctx, sess); err != nil {
			return fmt.Errorf("authority: open session: %w", err)
		}
		op.AddAlias = target
		if err := sc.Ops().Create(ctx, op); err != nil {
			return fmt.Errorf("authority: create op: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	auditEvent(ctx, "auth.request", map[string]any{
		"op_id":      op.ID,
		"type":       req.Type,
		"credential": req.Credential,
		"registered": registered,
	})
	return s.deliver(ctx, t, op, req)
}

func loginAlias(ctx context.Context, sc auth.Scope, req auth.AuthReq) (*auth.Alias, error) {
	rows, err := sc.Aliases().FindVerified(ctx, req.Credential, req.Type)
	if err != nil {
		return nil, fmt.Errorf("authority: load aliases: %w", err)
	}
	for _, row := range rows {
		if row.Mode.Has(auth.ModeRead) {
			return row, nil
		}
	}
	return nil, nil
}

// resolveOp decodes ref and loads the pending op it names.
func (s *Service) resolveOp(ctx context.Context, sc auth.Scope, ref string) (*auth.Op, error) {
	opID, err := s.refs.Decode(ref)
	if err != nil {
		return nil, err
	}
	op, err := sc.Ops().Find(ctx, opID)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrOpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authority: load op: %w", err)
	}
	if op.ConsumedAt != nil {
		return nil, auth.ErrOpConsumed
	}
	return op, nil
}

// ApproveAuth applies the op behind ref, recomputes warrants and pushes them
// to the requesting session when it is connected.
func (s *Service) ApproveAuth(ctx context.Context, ref string) (err error) {
	defer observe("approve_auth", time.Now(), &err)
	ctx, t, _, err := s.caller(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	var (
		op       *auth.Op
		sess     *auth.Session
		warrants auth.Warrants
	)
	err = s.store.ForTenant(t.ID).WithTx(ctx, func(sc auth.Scope) error {
		var err error
		if op, err = s.resolveOp(ctx, sc, ref); err != nil {
			return err
		}
		sess, err = sc.Sessions().Find(ctx, op.SessionID)
		if err != nil && !errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("authority: load session: %w", err)
		}
		if err != nil || !sess.Latent(now) {
			return auth.ErrSessionNotLatent
		}

		switch op.Operation {
		case auth.OpVerify, auth.OpAliasAdd:
		case auth.OpAliasUpdate, auth.OpAliasRemove:
			if sess.VerifiedAt == nil {
				return fmt.Errorf("%w: %s requires a verified session", auth.ErrSessionInactive, op.Operation)
			}
			if op.RemoveAlias == nil {
				return fmt.Errorf("%w: %s without alias to remove", auth.ErrInvalidInput, op.Operation)
			}
			n, err := sc.Aliases().SoftDelete(ctx, sess.UserID, op.RemoveAlias.Credential, op.RemoveAlias.Type, true, now)
			if err != nil {
				return fmt.Errorf("authority: remove alias: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("%w: %s %q", auth.ErrAliasNotFound, op.RemoveAlias.Type, op.RemoveAlias.Credential)
			}
		default:
			return fmt.Errorf("%w: unknown operation %d", auth.ErrInvalidInput, op.Operation)
		}

		if op.Operation != auth.OpAliasRemove {
			if err := s.verifyAlias(ctx, sc, sess, op.AddAlias, now); err != nil {
				return err
			}
		}

		if sess, err = sc.Sessions().Find(ctx, op.SessionID); err != nil {
			return fmt.Errorf("authority: reload session: %w", err)
		}
		aliases, err := sc.Aliases().ListVerified(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("authority: list aliases: %w", err)
		}
		warrants, err = s.warrants.Issue(sess, aliases)
		return err
	})
	if errors.Is(err, auth.ErrInvalidReference) {
		auditEvent(ctx, "auth.approve.bad_reference", nil)
	}
	if err != nil {
		return err
	}

	auditEvent(ctx, "auth.approve", map[string]any{
		"op_id":      op.ID,
		"operation":  op.Operation.String(),
		"session_id": sess.ID,
	})
	s.push(ctx, t.ID, sess.ID, warrants)
	return nil
}

// verifyAlias marks the op's alias verified and folds its mode into the
// session. Re-approving an already verified alias changes nothing.
func (s *Service) verifyAlias(ctx context.Context, sc auth.Scope, sess *auth.Session, req auth.AuthReq, now time.Time) error {
	if err := enforceUnique(ctx, sc, req, sess.UserID); err != nil {
		return err
	}
	n, err := sc.Aliases().MarkVerified(ctx, sess.UserID, req.Credential, req.Type, now)
	if err != nil {
		return fmt.Errorf("authority: verify alias: %w", err)
	}
	if n == 0 {
		owned, err := sc.Aliases().ListVerified(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("authority: list aliases: %w", err)
		}
		if !hasAlias(owned, req.Credential, req.Type) {
			return fmt.Errorf("%w: %s %q", auth.ErrAliasNotFound, req.Type, req.Credential)
		}
	}
	if _, err := sc.Sessions().Elevate(ctx, sess.ID, req.Mode, req.Mode.Has(auth.ModeRead), now); err != nil {
		return fmt.Errorf("authority: elevate session: %w", err)
	}
	return nil
}

// RejectAuth expires the session behind ref and consumes the op.
func (s *Service) RejectAuth(ctx context.Context, ref string) (err error) {
	defer observe("reject_auth", time.Now(), &err)
	ctx, t, _, err := s.caller(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	var op *auth.Op
	err = s.store.ForTenant(t.ID).WithTx(ctx, func(sc auth.Scope) error {
		var err error
		if op, err = s.resolveOp(ctx, sc, ref); err != nil {
			return err
		}
		if err := sc.Sessions().Expire(ctx, op.SessionID, now); err != nil && !errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("authority: expire session: %w", err)
		}
		if err := sc.Ops().MarkConsumed(ctx, op.ID, now); err != nil {
			return fmt.Errorf("authority: consume op: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	auditEvent(ctx, "auth.reject", map[string]any{"op_id": op.ID, "session_id": op.SessionID})
	return nil
}

// RevokeAuth expires a session. Revoking an unknown session is a no-op.
func (s *Service) RevokeAuth(ctx context.Context, sessionID string) (err error) {
	defer observe("revoke_auth", time.Now(), &err)
	ctx, t, c, err := s.caller(ctx)
	if err != nil {
		return err
	}
	if sessionID, err = ownSession(c, sessionID); err != nil {
		return err
	}
	err = s.store.ForTenant(t.ID).Sessions().Expire(ctx, sessionID, s.now().UTC())
	if errors.Is(err, auth.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("authority: expire session: %w", err)
	}
	auditEvent(ctx, "auth.revoke", map[string]any{"revoked_session": sessionID})
	return nil
}

// RefreshAuth recomputes warrants for an active session.
func (s *Service) RefreshAuth(ctx context.Context, sessionID string) (w auth.Warrants, err error) {
	defer observe("refresh_auth", time.Now(), &err)
	ctx, t, c, err := s.caller(ctx)
	if err != nil {
		return auth.Warrants{}, err
	}
	if sessionID, err = ownSession(c, sessionID); err != nil {
		return auth.Warrants{}, err
	}
	err = s.store.ForTenant(t.ID).WithTx(ctx, func(sc auth.Scope) error {
		sess, err := s.activeSession(ctx, sc, sessionID)
		if err != nil {
			return err
		}
		aliases, err := sc.Aliases().ListVerified(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("authority: list aliases: %w", err)
		}
		w, err = s.warrants.Issue(sess, aliases)
		return err
	})
	return w, err
}
