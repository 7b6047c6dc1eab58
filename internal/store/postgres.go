package store

import (
	"context"
	"fmt"
	"time"

	"github.com/campuspulse/pulse/config"
	"github.com/campuspulse/pulse/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres is the pgx-backed Store. Every call is a single bounded statement;
// the coordinator's per-event lock provides the cross-call atomicity, so no
// row locking happens here.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = &Postgres{}

func dsn(cfg config.Postgres) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
}

// NewPostgres connects a pgxpool, retrying a few times so a co-starting
// database container has a chance to come up.
func NewPostgres(ctx context.Context, cfg config.Postgres) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				return &Postgres{pool: pool}, nil
			}
			pool.Close()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, errors.Wrap(err, "connect to postgres")
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	err := p.pool.QueryRow(ctx,
		`SELECT id, title, COALESCE(org_id, ''), capacity, confirmed_count, registration_deadline, created_at
		 FROM events WHERE id = $1`,
		id,
	).Scan(&ev.ID, &ev.Title, &ev.OrgID, &ev.Capacity, &ev.ConfirmedCount, &ev.RegistrationDeadline, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, errors.Wrap(err, "get event")
	}
	return &ev, nil
}

func (p *Postgres) PutEvent(ctx context.Context, ev *models.Event) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO events (id, title, org_id, capacity, confirmed_count, registration_deadline, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			org_id = EXCLUDED.org_id,
			capacity = EXCLUDED.capacity,
			registration_deadline = EXCLUDED.registration_deadline`,
		ev.ID, ev.Title, ev.OrgID, ev.Capacity, ev.ConfirmedCount, ev.RegistrationDeadline, ev.CreatedAt,
	)
	return errors.Wrap(err, "put event")
}

func (p *Postgres) DeleteEvent(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete event")
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *Postgres) SetConfirmedCount(ctx context.Context, eventID string, count int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE events SET confirmed_count = $2 WHERE id = $1`,
		eventID, count,
	)
	if err != nil {
		return errors.Wrap(err, "set confirmed count")
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *Postgres) GetRegistration(ctx context.Context, userID, eventID string) (*models.Registration, error) {
	var reg models.Registration
	err := p.pool.QueryRow(ctx,
		`SELECT id, event_id, user_id, status, created_at
		 FROM registrations
		 WHERE event_id = $1 AND user_id = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		eventID, userID,
	).Scan(&reg.ID, &reg.EventID, &reg.UserID, &reg.Status, &reg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRegistrationNotFound
		}
		return nil, errors.Wrap(err, "get registration")
	}
	return &reg, nil
}

func (p *Postgres) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO registrations (id, event_id, user_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		reg.ID, reg.EventID, reg.UserID, reg.Status, reg.CreatedAt,
	)
	return errors.Wrap(err, "create registration")
}

func (p *Postgres) CancelRegistration(ctx context.Context, registrationID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE registrations SET status = $2 WHERE id = $1`,
		registrationID, models.RegistrationCancelled,
	)
	if err != nil {
		return errors.Wrap(err, "cancel registration")
	}
	if tag.RowsAffected() == 0 {
		return ErrRegistrationNotFound
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
