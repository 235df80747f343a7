package replay

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/foresight/internal/domain"
)

// DBTX is the database surface the harness needs on the pipeline store.
type DBTX interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

type sqlDB struct {
	DBTX
}

// snapshotTable captures every row of one table matching the filter as
// msgpack-encoded column maps.
func (h *Harness) snapshotTable(testID, table, where string, args ...interface{}) (*domain.ReplaySnapshot, error) {
	rows, err := h.pipelineDB.Query("SELECT * FROM "+table+" WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s for snapshot: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s columns: %w", table, err)
	}

	pk := primaryKey[table]
	var captured []map[string]interface{}
	var rowIDs []string
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				// Copy: the driver may reuse the buffer on the next row.
				row[col] = append([]byte(nil), b...)
			} else {
				row[col] = values[i]
			}
		}
		captured = append(captured, row)
		rowIDs = append(rowIDs, idAsString(row[pk]))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}

	encoded, err := msgpack.Marshal(captured)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s snapshot: %w", table, err)
	}

	return &domain.ReplaySnapshot{
		TestID:    testID,
		TableName: table,
		RowCount:  len(captured),
		RowIDs:    rowIDs,
		Rows:      encoded,
	}, nil
}

// rollbackFilter builds the WHERE clause selecting the rows a rollback
// removes: everything created at or after the rollback point, optionally
// narrowed to one target. Replay-produced prediction rows are never
// snapshotted; they belong to the test, not the timeline.
func rollbackFilter(test *domain.ReplayTest, table string) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	clauses = append(clauses, "created_at >= ?")
	args = append(args, test.RollbackAt.Unix())

	if table == "predictions" {
		clauses = append(clauses, "replay_of IS NULL")
	}

	if test.TargetID != 0 {
		if table == "analyst_assessments" {
			clauses = append(clauses, "signal_id IN (SELECT id FROM signals WHERE target_id = ?)")
		} else {
			clauses = append(clauses, "target_id = ?")
		}
		args = append(args, test.TargetID)
	}

	return strings.Join(clauses, " AND "), args
}

// idFilter builds an IN clause over a column for the given ids.
func idFilter(column string, ids []int64) (string, []interface{}) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return column + " IN (" + placeholders + ")", args
}

// deleteRows removes the captured rows from the live table.
func (h *Harness) deleteRows(table string, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	pk := primaryKey[table]
	// Chunked: sqlite's default variable limit is 999.
	const chunk = 500
	for start := 0; start < len(rowIDs); start += chunk {
		end := start + chunk
		if end > len(rowIDs) {
			end = len(rowIDs)
		}
		ids := rowIDs[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := h.pipelineDB.Exec(
			"DELETE FROM "+table+" WHERE "+pk+" IN ("+placeholders+")", args...,
		); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

// restoreTable puts one snapshot's rows back exactly as captured and returns
// how many the store accepted. INSERT OR REPLACE overwrites rows the replay
// run mutated in place, and the count comes from the store, so a row the
// insert silently dropped surfaces as a count mismatch at the caller.
func (h *Harness) restoreTable(snap domain.ReplaySnapshot) (int, error) {
	var rows []map[string]interface{}
	if err := msgpack.Unmarshal(snap.Rows, &rows); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	restored := 0
	for _, row := range rows {
		columns := make([]string, 0, len(row))
		for col := range row {
			columns = append(columns, col)
		}
		// Stable column order keeps the statement cacheable.
		sort.Strings(columns)

		args := make([]interface{}, len(columns))
		for i, col := range columns {
			args[i] = row[col]
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
		res, err := h.pipelineDB.Exec(
			"INSERT OR REPLACE INTO "+snap.TableName+" ("+strings.Join(columns, ", ")+") VALUES ("+placeholders+")",
			args...,
		)
		if err != nil {
			return restored, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return restored, fmt.Errorf("failed to count restored rows: %w", err)
		}
		restored += int(n)
	}
	return restored, nil
}

func idAsString(v interface{}) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
