// This file contains test helpers only available during testing. The method
// is defined in the postgres package (not postgres_test) so it can reach the
// unexported db field.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every table. Intended for use in
// integration tests only.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		TRUNCATE TABLE turns, summaries, consolidation_runs,
			canonical_entities, entity_mentions, entity_aliases, embeddings`)
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
