package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idNamespace seeds the derived ids of migrations whose up script carries no
// explicit "-- id:" header.
var idNamespace = uuid.MustParse("1e270780-9a16-4949-8a37-1a37a11f1199")

// migrationFilePattern matches {seq}_{name}.{up|down}.sql
var migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_-]+)\.(up|down)\.sql$`)

const idHeader = "-- id:"

// FSSource reads migration pairs from an fs.FS, typically an embed.FS or
// os.DirFS. Files follow the naming convention {seq}_{name}.up.sql and
// {seq}_{name}.down.sql, e.g. "001_create_accounts.up.sql".
type FSSource struct {
	fsys fs.FS
	root string
}

// NewFSSource creates a source reading root inside fsys.
func NewFSSource(fsys fs.FS, root string) *FSSource {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	return &FSSource{fsys: fsys, root: root}
}

// NewDirSource creates a source reading a directory on disk.
func NewDirSource(dir string) (*FSSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &FileSystemError{Path: dir, Operation: "stat directory", Err: err}
	}
	if !info.IsDir() {
		return nil, &FileSystemError{Path: dir, Operation: "stat directory", Err: errors.New("not a directory")}
	}
	return NewFSSource(os.DirFS(dir), "."), nil
}

type filePair struct {
	seq  int
	name string
	up   string
	down string
}

// ListAll scans the directory and returns the migrations sorted by sequence.
func (s *FSSource) ListAll(ctx context.Context) ([]Migration, error) {
	entries, err := fs.ReadDir(s.fsys, s.root)
	if err != nil {
		return nil, &FileSystemError{Path: s.root, Operation: "read directory", Err: err}
	}

	pairs := make(map[int]*filePair)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		matches := migrationFilePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			return nil, fmt.Errorf("%w: filename %q does not match {seq}_{name}.{up|down}.sql", ErrInvalidMigration, entry.Name())
		}
		seq, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, fmt.Errorf("%w: sequence in %q is not a valid number", ErrInvalidMigration, entry.Name())
		}

		pair, ok := pairs[seq]
		if !ok {
			pair = &filePair{seq: seq, name: matches[2]}
			pairs[seq] = pair
		} else if pair.name != matches[2] {
			return nil, fmt.Errorf("%w: sequence %d used by %q and %q", ErrInvalidMigration, seq, pair.name, matches[2])
		}

		filePath := path.Join(s.root, entry.Name())
		content, err := fs.ReadFile(s.fsys, filePath)
		if err != nil {
			return nil, &FileSystemError{Path: filePath, Operation: "read file", Err: err}
		}
		if !hasStatements(string(content)) {
			return nil, fmt.Errorf("%w: %s contains no SQL statements", ErrInvalidMigration, filePath)
		}

		switch matches[3] {
		case "up":
			if pair.up != "" {
				return nil, fmt.Errorf("%w: duplicate up script for sequence %d", ErrInvalidMigration, seq)
			}
			pair.up = string(content)
		case "down":
			if pair.down != "" {
				return nil, fmt.Errorf("%w: duplicate down script for sequence %d", ErrInvalidMigration, seq)
			}
			pair.down = string(content)
		}
	}

	migrations := make([]Migration, 0, len(pairs))
	for _, pair := range pairs {
		if pair.up == "" || pair.down == "" {
			return nil, fmt.Errorf("%w: migration %03d_%s is missing its up or down script", ErrInvalidMigration, pair.seq, pair.name)
		}
		id, err := migrationID(pair.seq, pair.up)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{
			ID:       id,
			Name:     pair.name,
			SeqOrder: pair.seq,
			Up:       pair.up,
			Down:     pair.down,
		})
	}

	sortBySeq(migrations)
	if err := ValidateSet(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// migrationID returns the id declared in the leading comment block of the up
// script, or one derived from the sequence number so that renaming a file
// keeps its identity.
func migrationID(seq int, up string) (uuid.UUID, error) {
	for _, line := range strings.Split(up, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		if strings.HasPrefix(line, idHeader) {
			id, err := uuid.Parse(strings.TrimSpace(strings.TrimPrefix(line, idHeader)))
			if err != nil {
				return uuid.Nil, fmt.Errorf("%w: migration %d declares an invalid id: %v", ErrInvalidMigration, seq, err)
			}
			return id, nil
		}
	}
	return DeriveID(seq), nil
}

// DeriveID returns the deterministic id used for a sequence number when a
// migration does not declare one.
func DeriveID(seq int) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte("seq:"+strconv.Itoa(seq)))
}

// hasStatements reports whether sql holds anything besides comments and
// whitespace.
func hasStatements(sql string) bool {
	for _, line := range strings.Split(sql, "\n") {
		if idx := strings.Index(line, "--"); idx != -1 {
			line = line[:idx]
		}
		if strings.Trim(strings.TrimSpace(line), ";") != "" {
			return true
		}
	}
	return false
}
