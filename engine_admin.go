package authcore

import (
	"context"
	"errors"
	"log"
)

// UserDetail pairs an account with its live session count for admin views.
type UserDetail struct {
	User           User
	Identities     []*Identity
	ActiveSessions int
}

// requireAdmin loads the acting user and rejects non-admins before any
// admin operation touches its target.
func (e *Engine) requireAdmin(ctx context.Context, actingUserID int64) (*User, error) {
	acting, err := e.users.GetByID(ctx, actingUserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPermissionDenied
		}
		return nil, ErrStoreUnavailable
	}
	if !acting.IsAdmin || !acting.IsActive {
		return nil, ErrPermissionDenied
	}
	return acting, nil
}

// Users lists all accounts. Admin only.
func (e *Engine) Users(ctx context.Context, actingUserID int64) ([]*User, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}
	if _, err := e.requireAdmin(ctx, actingUserID); err != nil {
		return nil, err
	}

	users, err := e.users.List(ctx)
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	return users, nil
}

// UserDetail returns one account with its identities and active session
// count. Admin only.
func (e *Engine) UserDetail(ctx context.Context, actingUserID, targetUserID int64) (*UserDetail, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}
	if _, err := e.requireAdmin(ctx, actingUserID); err != nil {
		return nil, err
	}

	target, err := e.users.GetByID(ctx, targetUserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStoreUnavailable
	}

	detail := &UserDetail{User: *target}

	if e.identities != nil {
		if idents, err := e.identities.ListForUser(ctx, targetUserID); err == nil {
			detail.Identities = idents
		}
	}
	if e.sessionStore != nil {
		if n, err := e.sessionStore.ActiveCount(ctx, targetUserID); err == nil {
			detail.ActiveSessions = n
		}
	}

	return detail, nil
}

// UpdateUser applies admin changes to an account. Two self-lockout guards
// run before any mutation: an admin cannot drop their own admin flag and
// cannot deactivate themselves.
func (e *Engine) UpdateUser(ctx context.Context, actingUserID, targetUserID int64, upd UserUpdate) (*User, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}
	if _, err := e.requireAdmin(ctx, actingUserID); err != nil {
		return nil, err
	}

	if actingUserID == targetUserID {
		if upd.IsAdmin != nil && !*upd.IsAdmin {
			return nil, ErrPermissionDenied
		}
		if upd.IsActive != nil && !*upd.IsActive {
			return nil, ErrPermissionDenied
		}
	}

	user, err := e.users.Update(ctx, targetUserID, upd)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, ErrConflict):
			return nil, ErrConflict
		default:
			return nil, ErrStoreUnavailable
		}
	}

	// Deactivation cuts live sessions immediately.
	if upd.IsActive != nil && !*upd.IsActive && e.sessionStore != nil {
		if err := e.sessionStore.RevokeAllForUser(ctx, targetUserID); err != nil {
			log.Print("authcore: session revocation after deactivation failed")
		} else {
			e.metricInc(MetricSessionRevoked)
		}
	}

	e.emitAudit(ctx, auditEventUserUpdated, true, actingUserID, "", nil, func() map[string]string {
		return map[string]string{"target_user_id": formatUserID(targetUserID)}
	})
	return user, nil
}

// DeleteUser removes an account outright. Admins cannot delete themselves.
// Identities and reset rows cascade in the repository; sessions are purged
// here since they live in Redis.
func (e *Engine) DeleteUser(ctx context.Context, actingUserID, targetUserID int64) error {
	if e.users == nil {
		return ErrEngineNotReady
	}
	if _, err := e.requireAdmin(ctx, actingUserID); err != nil {
		return err
	}
	if actingUserID == targetUserID {
		return ErrPermissionDenied
	}

	if e.sessionStore != nil {
		if err := e.sessionStore.PurgeUser(ctx, targetUserID); err != nil {
			log.Print("authcore: session purge before user delete failed")
		}
	}

	if err := e.users.Delete(ctx, targetUserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStoreUnavailable
	}

	e.metricInc(MetricUserDeleted)
	e.emitAudit(ctx, auditEventUserDeleted, true, actingUserID, "", nil, func() map[string]string {
		return map[string]string{"target_user_id": formatUserID(targetUserID)}
	})
	return nil
}
