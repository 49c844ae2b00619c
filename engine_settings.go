package authcore

import "context"

// AuthSettings returns the runtime settings snapshot for admin UIs. The
// signing secret is never included.
func (e *Engine) AuthSettings(ctx context.Context, actingUserID int64) (*AuthSettingsView, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}
	if _, err := e.requireAdmin(ctx, actingUserID); err != nil {
		return nil, err
	}
	if e.settings == nil {
		return nil, ErrEngineNotReady
	}

	view := e.settings.Current().View()
	return &view, nil
}

// UpdateAuthSettings applies a partial settings change, persists it
// atomically, and swaps the live document. Subsequent logins and refreshes
// pick up the new values without a restart.
func (e *Engine) UpdateAuthSettings(ctx context.Context, actingUserID int64, upd AuthSettingsUpdate) (*AuthSettingsView, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}
	if _, err := e.requireAdmin(ctx, actingUserID); err != nil {
		return nil, err
	}
	if e.settings == nil {
		return nil, ErrEngineNotReady
	}

	next := e.settings.Current().apply(upd)
	if err := next.validate(); err != nil {
		return nil, err
	}
	if err := e.settings.Save(next); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventAuthSettingsUpdated, true, actingUserID, "", nil, nil)

	view := next.View()
	return &view, nil
}
