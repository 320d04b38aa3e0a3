package storage

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/lib/pq"

	"fwdfleet/models"
)

const accountColumns = `phone, api_id, api_hash, session_ref, status, username, last_error, assigned_client, updated_at`

// GetAccount возвращает аккаунт по номеру телефона или ErrNotFound.
func (db *DB) GetAccount(ctx context.Context, phone string) (*models.Account, error) {
	var acc models.Account
	err := db.Conn.GetContext(ctx, &acc, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone)
	if err != nil {
		return nil, notFound(err, "get account")
	}
	return &acc, nil
}

// ListAccounts возвращает все аккаунты, а с фильтром только в указанных статусах.
func (db *DB) ListAccounts(ctx context.Context, statuses ...models.AccountStatus) ([]models.Account, error) {
	var accounts []models.Account
	query := `SELECT ` + accountColumns + ` FROM accounts`
	args := []any{}
	if len(statuses) > 0 {
		list := make([]string, 0, len(statuses))
		for _, s := range statuses {
			list = append(list, string(s))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(list))
	}
	query += ` ORDER BY phone`
	if err := db.Conn.SelectContext(ctx, &accounts, query, args...); err != nil {
		db.log.Error().Err(err).Msg("list accounts")
		return nil, errors.Wrap(err, "list accounts")
	}
	return accounts, nil
}

// StartablePhones: аккаунты, для которых при старте поднимается рантайм.
func (db *DB) StartablePhones(ctx context.Context) ([]string, error) {
	var phones []string
	err := db.Conn.SelectContext(ctx, &phones,
		`SELECT phone FROM accounts WHERE status <> $1 ORDER BY phone`, string(models.AccountInactive))
	if err != nil {
		return nil, errors.Wrap(err, "startable phones")
	}
	return phones, nil
}

// UpdateAccountStatus записывает статус и последнюю ошибку (nil очищает ошибку).
func (db *DB) UpdateAccountStatus(ctx context.Context, phone string, status models.AccountStatus, lastError *string) error {
	res, err := db.Conn.ExecContext(ctx,
		`UPDATE accounts SET status = $1, last_error = $2, updated_at = NOW() WHERE phone = $3`,
		string(status), lastError, phone)
	if err != nil {
		db.log.Error().Err(err).Str("phone", phone).Str("status", string(status)).Msg("update account status")
		return errors.Wrap(err, "update account status")
	}
	return requireRow(res)
}

// MarkAccountActive фиксирует успешную проверку авторизации.
func (db *DB) MarkAccountActive(ctx context.Context, phone, username string) error {
	var name *string
	if username != "" {
		name = &username
	}
	res, err := db.Conn.ExecContext(ctx,
		`UPDATE accounts
		    SET status = $1, username = COALESCE($2, username), last_error = NULL, updated_at = NOW()
		  WHERE phone = $3`,
		string(models.AccountActive), name, phone)
	if err != nil {
		return errors.Wrap(err, "mark account active")
	}
	return requireRow(res)
}

// SaveAuthorizedAccount создаёт или обновляет аккаунт после успешной авторизации.
func (db *DB) SaveAuthorizedAccount(ctx context.Context, acc models.Account) error {
	_, err := db.Conn.NamedExecContext(ctx, `
		INSERT INTO accounts (phone, api_id, api_hash, session_ref, status, username, last_error, updated_at)
		VALUES (:phone, :api_id, :api_hash, :session_ref, :status, :username, NULL, NOW())
		ON CONFLICT (phone) DO UPDATE
		   SET api_id = EXCLUDED.api_id,
		       api_hash = EXCLUDED.api_hash,
		       session_ref = EXCLUDED.session_ref,
		       status = EXCLUDED.status,
		       username = COALESCE(EXCLUDED.username, accounts.username),
		       last_error = NULL,
		       updated_at = NOW()`, acc)
	if err != nil {
		db.log.Error().Err(err).Str("phone", acc.Phone).Msg("save authorized account")
		return errors.Wrap(err, "save authorized account")
	}
	return nil
}

// DeleteAccount удаляет аккаунт и его сессию. Задания удаляются каскадно.
func (db *DB) DeleteAccount(ctx context.Context, phone string) error {
	res, err := db.Conn.ExecContext(ctx, `DELETE FROM accounts WHERE phone = $1`, phone)
	if err != nil {
		return errors.Wrap(err, "delete account")
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return db.DeleteSession(ctx, phone)
}
