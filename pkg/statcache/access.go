package statcache

import (
	"database/sql"

	"github.com/esgraph/energy_graph_server/pkg/statistics"
)

// UpsertValues stores a batch of buckets for one statistic at one
// period, replacing any earlier version of the same bucket.
func UpsertValues(statisticID, period string, values []statistics.Value) error {
	db := GetDB()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO statistic_buckets " +
			"(statistic_id, period, bucket_start, bucket_end, change, sum, mean, min, max, state) " +
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, v := range values {
		_, err := stmt.Exec(
			statisticID,
			period,
			v.Start,
			v.End,
			v.Change,
			v.Sum,
			v.Mean,
			v.Min,
			v.Max,
			v.State,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetRange reads the cached buckets overlapping [startMs, endMs] in
// ascending order. A negative endMs leaves the range open.
func GetRange(statisticID, period string, startMs, endMs int64) ([]statistics.Value, error) {
	db := GetDB()

	var (
		rows *sql.Rows
		err  error
	)
	if endMs < 0 {
		rows, err = db.Query(
			"SELECT bucket_start, bucket_end, change, sum, mean, min, max, state "+
				"FROM statistic_buckets "+
				"WHERE statistic_id = ? AND period = ? AND bucket_end >= ? "+
				"ORDER BY bucket_start ASC",
			statisticID, period, startMs)
	} else {
		rows, err = db.Query(
			"SELECT bucket_start, bucket_end, change, sum, mean, min, max, state "+
				"FROM statistic_buckets "+
				"WHERE statistic_id = ? AND period = ? AND bucket_end >= ? AND bucket_start <= ? "+
				"ORDER BY bucket_start ASC",
			statisticID, period, startMs, endMs)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statistics.Value
	for rows.Next() {
		var v statistics.Value
		err := rows.Scan(&v.Start, &v.End, &v.Change, &v.Sum, &v.Mean, &v.Min, &v.Max, &v.State)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PruneBefore drops buckets that ended before the cutoff so the cache
// does not grow without bound.
func PruneBefore(cutoffMs int64) error {
	db := GetDB()
	_, err := db.Exec(
		"DELETE FROM statistic_buckets WHERE bucket_end < ?", cutoffMs)
	return err
}
