package authority

import (
	"context"
	"fmt"
	"time"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/ids"
	"thinauth.org/internal/signing"
)

// GetUserState returns the state of the user named by idWarrant.
func (s *Service) GetUserState(ctx context.Context, idWarrant string) (state map[string]any, err error) {
	defer observe("get_user_state", time.Now(), &err)
	ctx, t, _, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := s.warrants.VerifyID(idWarrant)
	if err != nil {
		return nil, err
	}
	state, err = s.store.ForTenant(t.ID).States().Get(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("authority: load state: %w", err)
	}
	return state, nil
}

// SetUserState shallow-merges patch into the user's state.
func (s *Service) SetUserState(ctx context.Context, idWarrant string, patch map[string]any) (err error) {
	defer observe("set_user_state", time.Now(), &err)
	ctx, t, _, err := s.caller(ctx)
	if err != nil {
		return err
	}
	claims, err := s.warrants.VerifyID(idWarrant)
	if err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}
	if err := s.store.ForTenant(t.ID).States().Merge(ctx, claims.UserID, patch); err != nil {
		return fmt.Errorf("authority: merge state: %w", err)
	}
	return nil
}

// Challenge issues a nonce the caller signs and presents as proof with its
// next RequestAuth. Each session holds at most one outstanding nonce.
func (s *Service) Challenge(ctx context.Context) (nonce string, err error) {
	defer observe("challenge", time.Now(), &err)
	_, t, c, err := s.caller(ctx)
	if err != nil {
		return "", err
	}
	if s.signer == nil {
		return "", fmt.Errorf("%w: signing disabled", auth.ErrInvalidProof)
	}
	if c.SessionID == "" {
		return "", fmt.Errorf("%w: session id is required", auth.ErrInvalidInput)
	}
	now := s.now()
	nonce = ids.NewSecret()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ch := range s.challenges {
		if now.After(ch.expiresAt) {
			delete(s.challenges, k)
		}
	}
	s.challenges[challengeKey{t.ID, c.SessionID}] = challenge{nonce: nonce, expiresAt: now.Add(s.challengeTTL)}
	return nonce, nil
}

// checkProof verifies the caller's signed nonce and returns the signer's
// public key. Without a proof the session carries no key.
func (s *Service) checkProof(tenantID string, c auth.Caller) (string, error) {
	if c.Proof == "" {
		return "", nil
	}
	if s.signer == nil {
		return "", fmt.Errorf("%w: signing disabled", auth.ErrInvalidProof)
	}
	sig, err := signing.DecodeSignature(c.Proof)
	if err != nil {
		return "", fmt.Errorf("%w: %v", auth.ErrInvalidProof, err)
	}
	msg, err := s.signer.Verify(sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", auth.ErrInvalidProof, err)
	}

	k := challengeKey{tenantID, c.SessionID}
	s.mu.Lock()
	ch, ok := s.challenges[k]
	delete(s.challenges, k)
	s.mu.Unlock()
	if !ok || s.now().After(ch.expiresAt) || string(msg) != ch.nonce {
		return "", fmt.Errorf("%w: unknown or stale challenge", auth.ErrInvalidProof)
	}
	return signing.PublicKeyString(sig.PublicKey), nil
}
