// Package querystore provides the relational fallback for the funnel. When
// no live feed can deliver an initial batch, the funnel pulls a time range
// from Postgres instead. Rows come back as raw records so the normalizer
// applies the same validation to stored data as to live data.
package querystore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/telemetry"
)

// Config holds Postgres connection configuration.
type Config struct {
	// ConnString is a postgres:// DSN.
	ConnString string `json:"conn_string"`

	// Table is the telemetry table to query.
	Table string `json:"table"`

	// QueryTimeout bounds each range query.
	QueryTimeout time.Duration `json:"query_timeout"`

	ConnectTimeout    time.Duration `json:"connect_timeout"`
	HealthCheckPeriod time.Duration `json:"health_check_period"`
	MinConns          int32         `json:"min_conns"`
	MaxConns          int32         `json:"max_conns"`
}

// DefaultConfig returns the default querystore configuration.
func DefaultConfig() Config {
	return Config{
		ConnString:        "postgres://postgres@localhost:5432/flowscope?sslmode=disable",
		Table:             "telemetry_points",
		QueryTimeout:      30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		HealthCheckPeriod: 30 * time.Second,
		MinConns:          1,
		MaxConns:          10,
	}
}

// Validate checks the configuration for usability.
func (c Config) Validate() error {
	if c.ConnString == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: conn_string is required", errors.ErrInvalidConfig),
			"querystore",
			"Validate",
			"check conn string",
		)
	}
	if c.Table == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: table is required", errors.ErrInvalidConfig),
			"querystore",
			"Validate",
			"check table",
		)
	}
	if !validIdentifier(c.Table) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: table %q is not a plain identifier", errors.ErrInvalidConfig, c.Table),
			"querystore",
			"Validate",
			"check table",
		)
	}
	return nil
}

// Request describes one range query. Pointer fields are optional
// predicates; nil means unconstrained.
type Request struct {
	// FromMs and ToMs bound the timestamp range, inclusive. Zero ToMs
	// means no upper bound.
	FromMs int64
	ToMs   int64

	// Field selects the column for value predicates. One of "flow",
	// "pressure", "fluidState", "noise". Empty disables them.
	Field string

	Min       *float64
	Max       *float64
	Threshold *float64

	// Op applies with Threshold, ">" or "<".
	Op string
}

// fieldColumns maps request field names to table columns. Only these names
// ever reach SQL text.
var fieldColumns = map[string]string{
	"flow":       "flow",
	"pressure":   "pressure",
	"fluidState": "fluid_state",
	"noise":      "noise",
}

// Validate checks the request for usability.
func (r Request) Validate() error {
	if r.Field != "" {
		if _, ok := fieldColumns[r.Field]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: unknown field %q", errors.ErrInvalidData, r.Field),
				"querystore",
				"Validate",
				"check field",
			)
		}
	}
	if r.Threshold != nil && r.Op != ">" && r.Op != "<" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: threshold requires op \">\" or \"<\", got %q", errors.ErrInvalidData, r.Op),
			"querystore",
			"Validate",
			"check op",
		)
	}
	if (r.Min != nil || r.Max != nil || r.Threshold != nil) && r.Field == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: value predicates require a field", errors.ErrInvalidData),
			"querystore",
			"Validate",
			"check field",
		)
	}
	return nil
}

// Store is a pgx-backed query surface.
type Store struct {
	config Config
	pool   *pgxpool.Pool
	logger *slog.Logger

	closeOnce sync.Once
}

// Open connects to Postgres and verifies the connection with a ping.
// logger may be nil.
func Open(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "querystore")

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"querystore",
			"Open",
			"parse conn string",
		)
	}
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConns = config.MaxConns
	poolConfig.HealthCheckPeriod = config.HealthCheckPeriod
	poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout

	connectCtx := ctx
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrQueryUnavailable, err),
			"querystore",
			"Open",
			"create pool",
		)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrQueryUnavailable, err),
			"querystore",
			"Open",
			"ping database",
		)
	}

	logger.Info("connected",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"table", config.Table)

	return &Store{config: config, pool: pool, logger: logger}, nil
}

// Close releases the connection pool. Safe to call more than once.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.pool != nil {
			s.pool.Close()
		}
	})
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrQueryUnavailable, err),
			"querystore",
			"Ping",
			"ping database",
		)
	}
	return nil
}

// QueryRange runs one range query and returns the rows as raw records in
// column-name keyed form, ordered by timestamp ascending.
func (s *Store) QueryRange(ctx context.Context, req Request) ([]telemetry.RawRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	sql, args := buildRangeQuery(s.config.Table, req)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrQueryUnavailable, err),
			"querystore",
			"QueryRange",
			"execute query",
		)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = string(fd.Name)
	}

	var records []telemetry.RawRecord
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.WrapTransient(
				err,
				"querystore",
				"QueryRange",
				"read row values",
			)
		}

		record := make(telemetry.RawRecord, len(values))
		for i, col := range columns {
			record[col] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrQueryUnavailable, err),
			"querystore",
			"QueryRange",
			"iterate rows",
		)
	}

	s.logger.Debug("range query complete", "rows", len(records), "from_ms", req.FromMs, "to_ms", req.ToMs)
	return records, nil
}

// buildRangeQuery assembles the SQL and positional args for a request. The
// table and column names are validated identifiers; every value travels as
// a bind parameter.
func buildRangeQuery(table string, req Request) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if req.FromMs > 0 {
		where = append(where, "timestamp >= "+arg(req.FromMs))
	}
	if req.ToMs > 0 {
		where = append(where, "timestamp <= "+arg(req.ToMs))
	}

	if req.Field != "" {
		col := fieldColumns[req.Field]
		if req.Min != nil {
			where = append(where, col+" >= "+arg(*req.Min))
		}
		if req.Max != nil {
			where = append(where, col+" <= "+arg(*req.Max))
		}
		if req.Threshold != nil {
			where = append(where, col+" "+req.Op+" "+arg(*req.Threshold))
		}
	}

	sql := "SELECT timestamp, flow, pressure, fluid_state, noise FROM " + table
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY timestamp ASC"

	return sql, args
}

func validIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}
