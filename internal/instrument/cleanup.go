package instrument

import (
	"context"
	"database/sql"
	"log"
	"strconv"

	"loom-backend/internal/store"
)

// CleanupOldEvents trims _events rows older than the retention window.
// Run periodically; the table grows with every traced request.
func CleanupOldEvents(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int) {
	pb := dialect.NewParamBuilder()
	where := dialect.IntervalDeleteExpr("created_at", pb, strconv.Itoa(retentionDays))
	res, err := db.ExecContext(ctx, "DELETE FROM _events WHERE "+where, pb.Params()...)
	if err != nil {
		log.Printf("instrument: event cleanup: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("instrument: event cleanup removed %d rows", n)
	}
}
