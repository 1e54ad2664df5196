package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang/glog"
)

const (
	sqlEntryCountInfo = 100

	sqlCreateTableTmpl = `CREATE TABLE IF NOT EXISTS sweepd_journal (
		"ID"        INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"At"        INTEGER,
		"Instance"  TEXT NOT NULL,
		"Kind"      TEXT NOT NULL,
		"Detail"    TEXT
	);`
	sqlInsertEntryTmpl = `INSERT INTO sweepd_journal (
		At,
		Instance,
		Kind,
		Detail
	) VALUES (?, ?, ?, ?);`
)

// SQL journals into any database/sql backend (sqlite3 and mysql are the
// supported drivers).
type SQL struct {
	DB *sql.DB
}

func (s *SQL) Write(ctx context.Context, entries <-chan Entry) error {
	if err := sqlCreateTableIfNotExists(s.DB); err != nil {
		return fmt.Errorf("unable to create table: %s", err)
	}

	counts := map[string]int{
		"error":   0,
		"success": 0,
		"total":   0,
	}
	for entry := range entries {
		counts["total"] += 1
		if err := sqlInsertEntry(s.DB, entry); err != nil {
			counts["error"] += 1
			glog.Warningf("error storing journal entry: %s\n", err)
			continue
		}
		counts["success"] += 1
		if counts["total"]%sqlEntryCountInfo == 0 {
			glog.Infof("Journal entry counts: %+v\n", counts)
		}
	}

	return nil
}

func sqlCreateTableIfNotExists(db *sql.DB) error {
	statement, err := db.Prepare(sqlCreateTableTmpl)
	if err != nil {
		return err
	}
	if _, err := statement.Exec(); err != nil {
		return err
	}

	return nil
}

func sqlInsertEntry(db *sql.DB, e Entry) error {
	statement, err := db.Prepare(sqlInsertEntryTmpl)
	if err != nil {
		return err
	}
	if _, err := statement.Exec(e.At.UnixMilli(), e.Instance, e.Kind, e.Detail); err != nil {
		return err
	}

	return nil
}
