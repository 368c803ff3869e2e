package migration

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Source supplies the ordered set of candidate migrations. The returned slice
// must not change for the duration of a run.
type Source interface {
	ListAll(ctx context.Context) ([]Migration, error)
}

// StaticSource is a Source backed by an in-code list.
type StaticSource []Migration

// ListAll returns a validated copy of the list sorted by sequence number.
func (s StaticSource) ListAll(context.Context) ([]Migration, error) {
	migrations := make([]Migration, len(s))
	copy(migrations, s)
	sortBySeq(migrations)
	if err := ValidateSet(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// ValidateSet checks every migration and rejects ids, names or sequence
// numbers that appear more than once.
func ValidateSet(migrations []Migration) error {
	ids := make(map[uuid.UUID]int, len(migrations))
	names := make(map[string]int, len(migrations))
	seqs := make(map[int]string, len(migrations))

	for _, m := range migrations {
		if err := m.Validate(); err != nil {
			return err
		}
		if other, ok := ids[m.ID]; ok {
			return fmt.Errorf("%w: id %s used by migrations %d and %d", ErrInvalidMigration, m.ID, other, m.SeqOrder)
		}
		if other, ok := names[m.Name]; ok {
			return fmt.Errorf("%w: name %q used by migrations %d and %d", ErrInvalidMigration, m.Name, other, m.SeqOrder)
		}
		if other, ok := seqs[m.SeqOrder]; ok {
			return fmt.Errorf("%w: sequence %d used by %q and %q", ErrInvalidMigration, m.SeqOrder, other, m.Name)
		}
		ids[m.ID] = m.SeqOrder
		names[m.Name] = m.SeqOrder
		seqs[m.SeqOrder] = m.Name
	}
	return nil
}

func sortBySeq(migrations []Migration) {
	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].SeqOrder < migrations[j].SeqOrder
	})
}
