package storage

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"fwdfleet/models"
)

// DueAdminTasks: активные служебные рассылки активных аккаунтов, у которых наступил next_run.
func (db *DB) DueAdminTasks(ctx context.Context, now time.Time) ([]models.AdminTask, error) {
	var tasks []models.AdminTask
	err := db.Conn.SelectContext(ctx, &tasks, `
		SELECT t.id, t.account_phone, t.message, t.schedule, t.target, t.status,
		       t.last_run, t.next_run, t.last_error, t.created_by
		  FROM admin_tasks t
		  JOIN accounts a ON a.phone = t.account_phone
		 WHERE t.status = 'active'
		   AND a.status = 'active'
		   AND (t.next_run IS NULL OR t.next_run <= $1)
		 ORDER BY t.id`, now)
	if err != nil {
		return nil, errors.Wrap(err, "due admin tasks")
	}
	return tasks, nil
}

// RecordAdminTaskRun сохраняет время запуска и следующий запуск.
// Ошибка выключает задачу до вмешательства оператора.
func (db *DB) RecordAdminTaskRun(ctx context.Context, id int64, ranAt time.Time, next *time.Time, lastError *string) error {
	status := models.AdminTaskActive
	if lastError != nil {
		status = models.AdminTaskInactive
	}
	_, err := db.Conn.ExecContext(ctx, `
		UPDATE admin_tasks
		   SET last_run = $1, next_run = $2, last_error = $3, status = $4
		 WHERE id = $5`, ranAt, next, lastError, string(status), id)
	if err != nil {
		return errors.Wrap(err, "record admin task run")
	}
	return nil
}
