package sqlite

import (
	"context"
	"strings"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []plexus.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 22
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.RequestID, r.Date, r.SourceIP, r.APIKey, r.Attribution,
			string(r.IncomingAPIType), r.Provider, r.IncomingAlias,
			r.SelectedModel, string(r.OutgoingAPIType),
			r.TokensInput, r.TokensOutput, r.TokensReasoning, r.TokensCached,
			r.StartTime.UTC().Format(time.RFC3339Nano), r.DurationMs, r.TTFTMs,
			boolToInt(r.IsStreamed), r.ResponseStatus,
			r.CostInput, r.CostOutput, r.CostTotal,
		)
	}

	query := `INSERT OR REPLACE INTO request_usage
		(request_id, date, source_ip, api_key, attribution,
		 incoming_api_type, provider, incoming_model_alias,
		 selected_model_name, outgoing_api_type,
		 tokens_input, tokens_output, tokens_reasoning, tokens_cached,
		 start_time, duration_ms, ttft_ms, is_streamed, response_status,
		 cost_input, cost_output, cost_total)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]plexus.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT request_id, date, source_ip, api_key, attribution,
		incoming_api_type, provider, incoming_model_alias,
		selected_model_name, outgoing_api_type,
		tokens_input, tokens_output, tokens_reasoning, tokens_cached,
		start_time, duration_ms, ttft_ms, is_streamed, response_status,
		cost_input, cost_output, cost_total
		FROM request_usage` + where + ` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plexus.UsageRecord
	for rows.Next() {
		var r plexus.UsageRecord
		var inAPI, outAPI string
		var streamed int
		var startTime string
		err := rows.Scan(
			&r.RequestID, &r.Date, &r.SourceIP, &r.APIKey, &r.Attribution,
			&inAPI, &r.Provider, &r.IncomingAlias,
			&r.SelectedModel, &outAPI,
			&r.TokensInput, &r.TokensOutput, &r.TokensReasoning, &r.TokensCached,
			&startTime, &r.DurationMs, &r.TTFTMs, &streamed, &r.ResponseStatus,
			&r.CostInput, &r.CostOutput, &r.CostTotal,
		)
		if err != nil {
			return nil, err
		}
		r.IncomingAPIType = plexus.Dialect(inAPI)
		r.OutgoingAPIType = plexus.Dialect(outAPI)
		r.IsStreamed = streamed != 0
		if t, e := time.Parse(time.RFC3339Nano, startTime); e == nil {
			r.StartTime = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Throughput returns average output tokens per second for successful
// requests of the (provider, model) pair over the trailing 24h.
func (s *Store) Throughput(ctx context.Context, provider, model string) (float64, bool, error) {
	var avg *float64
	err := s.read.QueryRowContext(ctx,
		`SELECT AVG(CAST(tokens_output AS REAL) / (duration_ms / 1000.0))
		 FROM request_usage
		 WHERE provider = ? AND selected_model_name = ?
		   AND response_status = 'success' AND duration_ms > 0 AND tokens_output > 0
		   AND start_time >= ?`,
		provider, model, cutoff24h(),
	).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	if avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

// AvgTTFT returns the average time-to-first-token in milliseconds for the
// pair over the trailing 24h.
func (s *Store) AvgTTFT(ctx context.Context, provider, model string) (float64, bool, error) {
	var avg *float64
	err := s.read.QueryRowContext(ctx,
		`SELECT AVG(CAST(ttft_ms AS REAL))
		 FROM request_usage
		 WHERE provider = ? AND selected_model_name = ?
		   AND response_status = 'success' AND ttft_ms > 0
		   AND start_time >= ?`,
		provider, model, cutoff24h(),
	).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	if avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

// RequestCount24h returns total requests for the pair in the trailing 24h.
func (s *Store) RequestCount24h(ctx context.Context, provider, model string) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_usage
		 WHERE provider = ? AND selected_model_name = ? AND start_time >= ?`,
		provider, model, cutoff24h(),
	).Scan(&n)
	return n, err
}

func cutoff24h() string {
	return time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
}

func usageWhere(f storage.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.APIKey != "" {
		clauses = append(clauses, "api_key = ?")
		args = append(args, f.APIKey)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "selected_model_name = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "start_time < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
