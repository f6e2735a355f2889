package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/stream"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

var (
	ErrNotFound   = errors.New("attachment: not found")
	ErrNotAllowed = errors.New("attachment: field not readable")
)

// Querier is the subset of *pgxpool.Pool the Store uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db        Querier
	fields    Fields
	filestore string
	qb        sq.StatementBuilderType
}

// NewStore returns a Store reading the binary fields listed in fields only.
// filestore is the database's filestore directory, where attachment-backed
// field values are read from.
func NewStore(db Querier, fields Fields, filestore string) *Store {
	if fields == nil {
		fields = Fields{}
	}
	return &Store{
		db:        db,
		fields:    fields,
		filestore: filestore,
		qb:        sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Connect opens a pgx pool and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(err, "open postgres pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(err, "ping postgres")
	}
	return pool, nil
}

// Attachment loads one ir_attachment row.
func (s *Store) Attachment(ctx context.Context, id int64) (stream.Attachment, error) {
	query, args, err := s.qb.
		Select(
			"id",
			"coalesce(name, '')",
			"coalesce(mimetype, '')",
			"coalesce(checksum, '')",
			"coalesce(store_fname, '')",
			"db_datas",
			"coalesce(url, '')",
			"write_date",
		).
		From("ir_attachment").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return stream.Attachment{}, xerrors.Wrap(err, "build attachment query")
	}

	var (
		att       stream.Attachment
		writeDate *time.Time
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(
		&att.ID, &att.Name, &att.MimeType, &att.Checksum, &att.StoreFname, &att.DBData, &att.URL, &writeDate,
	)
	if err != nil {
		err = xerrors.Replace(err, ErrNotFound, pgx.ErrNoRows)
		return stream.Attachment{}, xerrors.Wrapf(err, "load attachment %d", id)
	}
	if writeDate != nil {
		att.UpdatedAt = writeDate.UTC()
	}
	return att, nil
}

// Record loads the value of one binary field, base64 encoded as the ERP
// hands it out, together with the row's write date when the model has one.
// A record without a value for the field has an empty value.
func (s *Store) Record(ctx context.Context, model string, id int64, field string) (stream.Record, error) {
	fd, ok := s.fields.Lookup(model, field)
	if !ok {
		return stream.Record{}, fmt.Errorf("%w: %s.%s", ErrNotAllowed, model, field)
	}

	var (
		value []byte
		err   error
		wd    *time.Time
	)
	if fd.Column {
		value, err = s.columnValue(ctx, model, id, field, fd, &wd)
	} else {
		value, err = s.attachedValue(ctx, model, id, field, fd, &wd)
	}
	if err != nil {
		err = xerrors.Replace(err, ErrNotFound, pgx.ErrNoRows)
		return stream.Record{}, xerrors.Wrapf(err, "load %s(%d).%s", model, id, field)
	}

	rec := stream.Record{
		Model:     model,
		ID:        id,
		Fields:    map[string]string{field: string(value)},
		LogAccess: fd.LogAccess,
	}
	if wd != nil {
		rec.UpdatedAt = wd.UTC()
	}
	return rec, nil
}

// columnValue reads a field stored in the model's table. The column already
// holds base64 text.
func (s *Store) columnValue(ctx context.Context, model string, id int64, field string, fd Field, wd **time.Time) ([]byte, error) {
	cols := []string{pgx.Identifier{field}.Sanitize()}
	if fd.LogAccess {
		cols = append(cols, "write_date")
	}
	query, args, err := s.qb.
		Select(cols...).
		From(pgx.Identifier{tableName(model)}.Sanitize()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, xerrors.Wrap(err, "build record query")
	}

	var value []byte
	dest := []any{&value}
	if fd.LogAccess {
		dest = append(dest, wd)
	}
	if err := s.db.QueryRow(ctx, query, args...).Scan(dest...); err != nil {
		return nil, err
	}
	return value, nil
}

// attachedValue reads a field kept in ir_attachment. The record row is
// joined so a missing record is told apart from a field without a value.
func (s *Store) attachedValue(ctx context.Context, model string, id int64, field string, fd Field, wd **time.Time) ([]byte, error) {
	cols := []string{"a.store_fname", "a.db_datas"}
	if fd.LogAccess {
		cols = append(cols, "r.write_date")
	}
	query, args, err := s.qb.
		Select(cols...).
		From(pgx.Identifier{tableName(model)}.Sanitize()+" r").
		LeftJoin("ir_attachment a ON a.res_model = ? AND a.res_field = ? AND a.res_id = r.id", model, field).
		Where(sq.Eq{"r.id": id}).
		OrderBy("a.id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, xerrors.Wrap(err, "build attached field query")
	}

	var (
		storeFname *string
		dbData     []byte
	)
	dest := []any{&storeFname, &dbData}
	if fd.LogAccess {
		dest = append(dest, wd)
	}
	if err := s.db.QueryRow(ctx, query, args...).Scan(dest...); err != nil {
		return nil, err
	}

	raw := dbData
	if storeFname != nil && *storeFname != "" {
		if raw, err = s.readStored(*storeFname); err != nil {
			return nil, err
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return []byte(base64.StdEncoding.EncodeToString(raw)), nil
}

// readStored reads a filestore file. A file missing from disk reads as
// empty, the way the ERP itself treats it.
func (s *Store) readStored(name string) ([]byte, error) {
	p, ok := pathutil.SafeJoin(s.filestore, name)
	if s.filestore == "" || !ok {
		return nil, fmt.Errorf("%w: store file %q is outside the filestore", ErrNotFound, name)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "read store file %q", name)
	}
	return data, nil
}
