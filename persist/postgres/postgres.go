package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/persist"
	"github.com/wavelength-social/wavelength/service/logger"
	"github.com/wavelength-social/wavelength/util/retry"

	// register postgres driver
	_ "github.com/jackc/pgx/v4/stdlib"
)

var DefaultConnectRetry = retry.Retry{Base: 2, Cap: 4, Tries: 3}

type connectionParams struct {
	user     string
	password string
	dbname   string
	host     string
	port     int
	appname  string
	retry    *retry.Retry
}

func (c *connectionParams) toConnectionString() string {
	port := c.port
	if port == 0 {
		port = 5432
	}

	connStr := fmt.Sprintf("user=%s dbname=%s host=%s port=%d", c.user, c.dbname, c.host, port)

	// Empty passwords should be omitted so they don't interfere with other parameters
	// (e.g. "password= dbname=something" causes Postgres to ignore the dbname)
	if c.password != "" {
		connStr += fmt.Sprintf(" password=%s", c.password)
	}

	return connStr
}

func newConnectionParamsFromEnv() connectionParams {
	ctx := context.Background()
	return connectionParams{
		user:     env.GetString(ctx, "POSTGRES_USER"),
		password: env.GetString(ctx, "POSTGRES_PASSWORD"),
		dbname:   env.GetString(ctx, "POSTGRES_DB"),
		host:     env.GetString(ctx, "POSTGRES_HOST"),
		port:     env.GetInt(ctx, "POSTGRES_PORT"),
		retry:    &DefaultConnectRetry,
	}
}

// ConnectionOption is a function that modifies a connectionParams
type ConnectionOption func(params *connectionParams)

func WithUser(user string) ConnectionOption {
	return func(params *connectionParams) {
		params.user = user
	}
}

func WithAppName(appname string) ConnectionOption {
	return func(params *connectionParams) {
		params.appname = appname
	}
}

// NewClient creates a database/sql client, used by the migrator.
func NewClient(opts ...ConnectionOption) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()

	params := newConnectionParamsFromEnv()
	for _, opt := range opts {
		opt(&params)
	}

	var db *sql.DB

	connectF := func(ctx context.Context) error {
		var err error
		db, err = sql.Open("pgx", params.toConnectionString())
		return err
	}

	if params.retry != nil {
		err := retry.RetryFunc(ctx, connectF, func(err error) bool { return true }, *params.retry)
		if err != nil {
			return nil, err
		}
	} else {
		err := connectF(ctx)
		if err != nil {
			return nil, err
		}
	}

	db.SetMaxOpenConns(50)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// NewPgxClient creates a new Postgres client via pgx. By default, it will try to connect 3 times
// before panicking.
func NewPgxClient(opts ...ConnectionOption) *pgxpool.Pool {
	ctx := context.Background()

	params := newConnectionParamsFromEnv()
	for _, opt := range opts {
		opt(&params)
	}

	config, err := pgxpool.ParseConfig(params.toConnectionString())
	if err != nil {
		logger.For(nil).WithError(err).Fatal("could not parse pgx connection string")
		panic(err)
	}

	if params.appname != "" {
		config.ConnConfig.RuntimeParams["application_name"] = params.appname
	}

	var db *pgxpool.Pool

	connectF := func(ctx context.Context) error {
		var err error
		db, err = pgxpool.ConnectConfig(ctx, config)
		return err
	}

	if params.retry != nil {
		err = retry.RetryFunc(ctx, connectF, func(err error) bool { return true }, *params.retry)
	} else {
		err = connectF(ctx)
	}

	if err != nil {
		logger.For(nil).WithError(err).Fatal("could not open database connection")
		panic(err)
	}

	return db
}

// NewRepositories wires every repository over a shared pool.
func NewRepositories(pool *pgxpool.Pool) *persist.Repositories {
	return &persist.Repositories{
		Posts:          NewPostRepository(pool),
		Follows:        NewFollowRepository(pool),
		Interactions:   NewInteractionRepository(pool),
		InfluentialL2s: NewInfluentialL2Repository(pool),
		Taste:          NewTasteRepository(pool),
		Fatigue:        NewFatigueRepository(pool),
		Keywords:       NewKeywordRepository(pool),
		Served:         NewServedRepository(pool),
		Seen:           NewSeenRepository(pool),
		Batches:        NewCandidateBatchRepository(pool),
		Feedback:       NewFeedbackRepository(pool),
		Meta:           NewMetaRepository(pool),
	}
}

// IsRetryableError reports whether the error is transient contention worth retrying:
// deadlock, serialization failure, or lock-not-available.
func IsRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// didsToStrings converts a DID slice for array binding.
func didsToStrings(dids []persist.DID) []string {
	out := make([]string, len(dids))
	for i, d := range dids {
		out[i] = string(d)
	}
	return out
}
