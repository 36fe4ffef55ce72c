package database

import (
	"bytes"
	"context"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx alike.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Migration is a single numbered, named SQL migration read from an embedded directory.
type Migration struct {
	Id   int
	Name string
	Sql  string
}

// UpdateDatabase applies every migration whose id is greater than the database's
// current recorded version, in order, advancing the version after each one.
func UpdateDatabase(ctx context.Context, db Querier, migrations []Migration) error {
	log.Info("updating koji scheduler database schema")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("current schema version %d", version)

	for _, m := range migrations {
		if m.Id <= version {
			continue
		}
		if _, err := db.Exec(ctx, m.Sql); err != nil {
			return err
		}
		version = m.Id
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
		log.Infof("applied migration %s", m.Name)
	}
	log.Info("database schema up to date")
	return nil
}

func readVersion(ctx context.Context, db Querier) (int, error) {
	if _, err := db.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0`); err != nil {
		return 0, err
	}
	rows, err := db.Query(ctx, `SELECT last_value FROM database_version`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var version int
	if rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return 0, err
		}
	}
	return version, rows.Err()
}

func setVersion(ctx context.Context, db Querier, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return err
}

// ReadMigrations reads every *.sql file in dir of the supplied embedded filesystem and
// returns them ordered by the numeric prefix of their filename, e.g. "0001_init.sql".
func ReadMigrations(embedded fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(embedded, dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		file, err := embedded.Open(dir + "/" + entry.Name())
		if err != nil {
			return nil, err
		}
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(file); err != nil {
			return nil, err
		}
		id, err := strconv.Atoi(strings.Split(entry.Name(), "_")[0])
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Id: id, Name: entry.Name(), Sql: buf.String()})
	}
	return migrations, nil
}
