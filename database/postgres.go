package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// pgx driver in database/sql mode
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/egor/ecochatserver/models"
)

// PostgresConfig holds the connection parameters read from PG_* variables.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the key/value connection string pgx accepts.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Postgres stores messages and templates in PostgreSQL.
type Postgres struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenPostgres opens the pool and checks the connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log *zap.Logger) (*Postgres, error) {
	p, err := openPostgresDSN(ctx, cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	log.Info("postgres connected", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return p, nil
}

func openPostgresDSN(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}

	return &Postgres{db: db, log: log}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id           TEXT PRIMARY KEY,
	conversation TEXT        NOT NULL,
	sender_type  TEXT        NOT NULL,
	sender_id    TEXT,
	body         TEXT        NOT NULL DEFAULT '',
	attachments  JSONB,
	email        TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	is_read      BOOLEAN     NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS chat_messages_conversation_idx
	ON chat_messages (conversation, created_at, id);

CREATE TABLE IF NOT EXISTS chat_resolutions (
	conversation TEXT        NOT NULL,
	agent_id     TEXT        NOT NULL,
	resolved_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_templates (
	id         BIGSERIAL PRIMARY KEY,
	title      TEXT        NOT NULL,
	body       TEXT        NOT NULL,
	keywords   JSONB       NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// Migrate creates the chat tables when they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) SaveMessage(ctx context.Context, m models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	var attachments []byte
	if len(m.Attachments) > 0 {
		var err error
		if attachments, err = json.Marshal(m.Attachments); err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages
		       (id,conversation,sender_type,sender_id,body,attachments,email,created_at,is_read)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Identifier, string(m.SenderType), toNullString(m.SenderID), m.Body,
		attachments, toNullString(m.Email), m.CreatedAt, m.IsRead,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n == 0 {
		return models.ErrDuplicateMessage
	}
	return nil
}

const messageColumns = "id,conversation,sender_type,sender_id,body,attachments,email,created_at,is_read"

func (p *Postgres) FetchHistory(ctx context.Context, identity models.Identity) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		  FROM chat_messages
		 WHERE conversation=$1
		 ORDER BY created_at ASC, id ASC`, identity.Key())
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	out, err := p.scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return out, nil
}

func (p *Postgres) scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m           models.Message
			sender      string
			senderID    sql.NullString
			email       sql.NullString
			attachments []byte
		)
		if err := rows.Scan(&m.ID, &m.Identifier, &sender, &senderID, &m.Body,
			&attachments, &email, &m.CreatedAt, &m.IsRead); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderType = models.SenderType(sender)
		m.SenderID = senderID.String
		m.Email = email.String
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				p.log.Warn("bad attachments column", zap.String("message", m.ID), zap.Error(err))
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Conversations reads every message and resolution. It runs once at startup,
// so no query timeout applies beyond ctx.
func (p *Postgres) Conversations(ctx context.Context) ([]ConversationRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages ORDER BY conversation, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	msgs, err := p.scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	rows, err = p.db.QueryContext(ctx,
		"SELECT conversation, resolved_at FROM chat_resolutions ORDER BY conversation, resolved_at")
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()
	resolved := make(map[string][]time.Time)
	for rows.Next() {
		var (
			identifier string
			at         time.Time
		)
		if err := rows.Scan(&identifier, &at); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		resolved[identifier] = append(resolved[identifier], at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	return groupRecords(msgs, resolved), nil
}

func (p *Postgres) MarkRead(ctx context.Context, identity models.Identity) error {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		"UPDATE chat_messages SET is_read=true WHERE conversation=$1 AND sender_type='user' AND is_read=false",
		identity.Key(),
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (p *Postgres) MarkResolved(ctx context.Context, identity models.Identity, agentID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx,
		"INSERT INTO chat_resolutions(conversation,agent_id,resolved_at) VALUES($1,$2,$3)",
		identity.Key(), agentID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	return nil
}

func scanTemplate(row interface{ Scan(...any) error }) (models.Template, error) {
	var (
		t        models.Template
		keywords []byte
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Body, &keywords, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Template{}, err
	}
	if err := json.Unmarshal(keywords, &t.Keywords); err != nil {
		return models.Template{}, fmt.Errorf("decode keywords: %w", err)
	}
	return t, nil
}

const templateColumns = "id,title,body,keywords,created_at,updated_at"

func (p *Postgres) ListTemplates(ctx context.Context) ([]models.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, "SELECT "+templateColumns+" FROM chat_templates ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) GetTemplate(ctx context.Context, id int64) (models.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	t, err := scanTemplate(p.db.QueryRowContext(ctx,
		"SELECT "+templateColumns+" FROM chat_templates WHERE id=$1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Template{}, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (p *Postgres) CreateTemplate(ctx context.Context, t models.Template) (models.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	keywords, err := json.Marshal(normalizeKeywords(t.Keywords))
	if err != nil {
		return models.Template{}, err
	}
	now := time.Now().UTC()
	return scanTemplate(p.db.QueryRowContext(ctx, `
		INSERT INTO chat_templates(title,body,keywords,created_at,updated_at)
		VALUES($1,$2,$3,$4,$4)
		RETURNING `+templateColumns,
		t.Title, t.Body, keywords, now))
}

func (p *Postgres) UpdateTemplate(ctx context.Context, t models.Template) (models.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	keywords, err := json.Marshal(normalizeKeywords(t.Keywords))
	if err != nil {
		return models.Template{}, err
	}
	updated, err := scanTemplate(p.db.QueryRowContext(ctx, `
		UPDATE chat_templates SET title=$2, body=$3, keywords=$4, updated_at=$5
		 WHERE id=$1
		RETURNING `+templateColumns,
		t.ID, t.Title, t.Body, keywords, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Template{}, fmt.Errorf("template %d: %w", t.ID, ErrNotFound)
	}
	return updated, err
}

func (p *Postgres) DeleteTemplate(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, "DELETE FROM chat_templates WHERE id=$1", id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return nil
}
