package provision

import (
	"context"
	"fmt"

	"github.com/cartloom/cartloom/pkg/connmgr"
	"github.com/cartloom/cartloom/pkg/errdefs"
)

// canonicalTables is the minimum schema a healthy tenant database holds.
// The probe checks presence, not shape; migrations own the shape.
var canonicalTables = []string{"stores", "products", "categories", "users"}

// Probe reports the schema state of a tenant database. Returns nil when
// all canonical tables exist, ErrEmptySchema when any is missing, and
// ErrUnreachable when the database does not answer.
func Probe(ctx context.Context, client connmgr.Client) error {
	row := client.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = ANY($1)`,
		canonicalTables)

	var found int
	if err := row.Scan(&found); err != nil {
		return fmt.Errorf("schema probe: %w: %v", errdefs.ErrUnreachable, err)
	}
	if found < len(canonicalTables) {
		return fmt.Errorf("schema probe found %d of %d canonical tables: %w",
			found, len(canonicalTables), errdefs.ErrEmptySchema)
	}
	return nil
}
