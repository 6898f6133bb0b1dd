package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// ChatID returns the Telegram chat linked to userID.
func (s *PostgresStore) ChatID(ctx context.Context, userID string) (string, bool, error) {
	q, args, err := psql.Select("chat_id").From("telegram_chats").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return "", false, err
	}
	var chatID string
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select telegram chat: %w", err)
	}
	return chatID, true, nil
}

// SetChatID links userID to chatID, replacing any previous link. An empty
// chatID unlinks.
func (s *PostgresStore) SetChatID(ctx context.Context, userID, chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		q, args, err := psql.Delete("telegram_chats").Where(sq.Eq{"user_id": userID}).ToSql()
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete telegram chat: %w", err)
		}
		return nil
	}

	q, args, err := psql.Insert("telegram_chats").
		Columns("user_id", "chat_id", "updated_at").
		Values(userID, chatID, s.clock().UTC()).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET chat_id = EXCLUDED.chat_id, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert telegram chat: %w", err)
	}
	return nil
}
