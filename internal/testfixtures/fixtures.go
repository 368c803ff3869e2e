package testfixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Script is a migration pair as it appears on disk.
type Script struct {
	Seq  int
	Name string
	Up   string
	Down string
}

// FileName returns the on-disk name of the given half, "up" or "down".
func (s Script) FileName(direction string) string {
	return fmt.Sprintf("%03d_%s.%s.sql", s.Seq, s.Name, direction)
}

// AccountsScripts returns a three step history: two tables and an index.
func AccountsScripts() []Script {
	return []Script{
		{
			Seq:  1,
			Name: "create_accounts",
			Up: `CREATE TABLE accounts (
	id TEXT NOT NULL PRIMARY KEY,
	name VARCHAR(255),
	created_on TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`,
			Down: `DROP TABLE accounts;`,
		},
		{
			Seq:  2,
			Name: "create_users",
			Up: `CREATE TABLE users (
	id TEXT NOT NULL PRIMARY KEY,
	username VARCHAR(255) NOT NULL,
	password VARCHAR(255) NOT NULL,
	roles TEXT NOT NULL,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	created_on TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`,
			Down: `DROP TABLE users;`,
		},
		{
			Seq:  3,
			Name: "index_users_account",
			Up:   `CREATE INDEX idx_users_account ON users(account_id);`,
			Down: `DROP INDEX idx_users_account;`,
		},
	}
}

// BrokenScript returns a pair at seq whose up script fails part-way, after a
// statement that would otherwise have created a table.
func BrokenScript(seq int) Script {
	return Script{
		Seq:  seq,
		Name: "broken",
		Up: `CREATE TABLE half_done (id INTEGER PRIMARY KEY);
INSERT INTO table_that_does_not_exist (id) VALUES (1);`,
		Down: `DROP TABLE half_done;`,
	}
}

// WriteMigrationDir writes scripts into a fresh temporary directory and
// returns its path.
func WriteMigrationDir(tb testing.TB, scripts []Script) string {
	tb.Helper()

	dir := tb.TempDir()
	for _, s := range scripts {
		writeFile(tb, filepath.Join(dir, s.FileName("up")), s.Up)
		writeFile(tb, filepath.Join(dir, s.FileName("down")), s.Down)
	}
	return dir
}

func writeFile(tb testing.TB, path, content string) {
	tb.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("failed to write %s: %v", path, err)
	}
}
