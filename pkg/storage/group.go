package storage

import (
	"context"

	"github.com/go-faster/errors"

	"fwdfleet/models"
)

func (db *DB) GetGroup(ctx context.Context, id int64) (*models.DestinationGroup, error) {
	var g models.DestinationGroup
	err := db.Conn.GetContext(ctx, &g, `SELECT id, name, owner_id FROM destination_groups WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "get group")
	}
	return &g, nil
}

// GroupChatIDs возвращает чаты группы в порядке добавления.
// Для отсутствующей группы возвращается ErrNotFound, для пустой пустой срез.
func (db *DB) GroupChatIDs(ctx context.Context, groupID int64) ([]int64, error) {
	if _, err := db.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	var ids []int64
	if err := db.Conn.SelectContext(ctx, &ids,
		`SELECT chat_id FROM group_members WHERE group_id = $1 ORDER BY id`, groupID); err != nil {
		return nil, errors.Wrap(err, "group members")
	}
	return ids, nil
}

// AddGroupMembers добавляет чаты в группу, повторы игнорируются.
func (db *DB) AddGroupMembers(ctx context.Context, members []models.GroupMember) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	tx, err := db.Conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, m := range members {
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO group_members (chat_id, title, link, owner_id, group_id)
			VALUES (:chat_id, :title, :link, :owner_id, :group_id)
			ON CONFLICT (chat_id, owner_id, group_id) DO NOTHING`, m)
		if err != nil {
			return 0, errors.Wrap(err, "insert group member")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	return added, nil
}
