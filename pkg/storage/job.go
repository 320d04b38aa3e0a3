package storage

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"fwdfleet/models"
)

const jobColumns = `j.client_id, j.account_phone, j.message_link, j.fallback_message_link, j.start_time,
	j.repetition_interval, j.send_to_all, j.group_id, j.status, j.last_run, j.last_error, j.messages_sent_count`

// SaveJob создаёт или перезаписывает задание пары (клиент, аккаунт).
// last_error сбрасывается, last_run и счётчик отправленных сохраняются.
func (db *DB) SaveJob(ctx context.Context, job models.Job) error {
	if err := job.ValidateActivation(); err != nil {
		return err
	}
	_, err := db.Conn.NamedExecContext(ctx, `
		INSERT INTO jobs (client_id, account_phone, message_link, fallback_message_link, start_time,
		                  repetition_interval, send_to_all, group_id, status, last_error)
		VALUES (:client_id, :account_phone, :message_link, :fallback_message_link, :start_time,
		        :repetition_interval, :send_to_all, :group_id, :status, NULL)
		ON CONFLICT (client_id, account_phone) DO UPDATE
		   SET message_link = EXCLUDED.message_link,
		       fallback_message_link = EXCLUDED.fallback_message_link,
		       start_time = EXCLUDED.start_time,
		       repetition_interval = EXCLUDED.repetition_interval,
		       send_to_all = EXCLUDED.send_to_all,
		       group_id = EXCLUDED.group_id,
		       status = EXCLUDED.status,
		       last_error = NULL`, job)
	if err != nil {
		db.log.Error().Err(err).Str("job", job.Key()).Msg("save job")
		return errors.Wrap(err, "save job")
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, clientID int64, phone string) (*models.Job, error) {
	var job models.Job
	err := db.Conn.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM jobs j WHERE j.client_id = $1 AND j.account_phone = $2`, clientID, phone)
	if err != nil {
		return nil, notFound(err, "get job")
	}
	return &job, nil
}

// DueJobs выбирает задания, которые пора запускать.
// Условия: задание и аккаунт активны, подписка клиента не истекла, время старта наступило,
// интервал положителен, основное сообщение задано и с прошлого запуска прошёл интервал.
func (db *DB) DueJobs(ctx context.Context, now time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := db.Conn.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		  FROM jobs j
		  JOIN accounts a ON a.phone = j.account_phone
		  JOIN clients c ON c.user_id = j.client_id
		 WHERE j.status = 'active'
		   AND a.status = 'active'
		   AND c.subscription_end > $1
		   AND j.start_time IS NOT NULL AND j.start_time <= $1
		   AND j.repetition_interval IS NOT NULL AND j.repetition_interval > 0
		   AND j.message_link IS NOT NULL
		   AND (j.last_run IS NULL OR j.last_run + make_interval(mins => j.repetition_interval) <= $1)
		 ORDER BY j.account_phone, j.client_id`, now)
	if err != nil {
		db.log.Error().Err(err).Msg("due jobs")
		return nil, errors.Wrap(err, "due jobs")
	}
	return jobs, nil
}

// RecordJobRun записывает итог запуска одной транзакцией.
// last_run не уменьшается, клиентская статистика растёт только при ненулевой отправке.
func (db *DB) RecordJobRun(ctx context.Context, run models.JobRun) error {
	tx, err := db.Conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		   SET last_run = GREATEST(COALESCE(last_run, $1), $1),
		       last_error = $2,
		       messages_sent_count = messages_sent_count + $3
		 WHERE client_id = $4 AND account_phone = $5`,
		run.StartedAt, run.LastError, run.Sent, run.ClientID, run.Phone)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	if err := requireRow(res); err != nil {
		return err
	}

	if run.Sent > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE clients
			   SET total_messages_sent = total_messages_sent + $1,
			       forwards_count = forwards_count + 1
			 WHERE user_id = $2`, run.Sent, run.ClientID); err != nil {
			return errors.Wrap(err, "update client stats")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (db *DB) GetClient(ctx context.Context, userID int64) (*models.Client, error) {
	var c models.Client
	err := db.Conn.GetContext(ctx, &c, `
		SELECT user_id, invitation_code, subscription_end, forwards_count, total_messages_sent, language
		  FROM clients WHERE user_id = $1`, userID)
	if err != nil {
		return nil, notFound(err, "get client")
	}
	return &c, nil
}
