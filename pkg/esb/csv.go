package esb

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

// Columns of the HDF export that readings are built from. The export also
// carries MPRN, Meter Serial Number and Read Type, which are ignored.
const (
	ColumnReadTime  = "Read Date and End Time"
	ColumnReadValue = "Read Value"

	readTimeLayout = "02-01-2006 15:04"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseExport splits the downloaded export into rows keyed by column name.
func ParseExport(data []byte) ([]map[string]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, shapeError("parse", "export is empty")
	}
	rows, err := gocsv.CSVToMaps(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: KindShape, Step: "parse", Err: err}
	}
	return rows, nil
}

// BuildSnapshot converts rows into a snapshot, dropping readings older than
// retention. Rows whose time or value cannot be parsed are skipped and
// counted rather than failing the whole export; a missing column fails it.
func BuildSnapshot(ctx context.Context, rows []map[string]string, now time.Time, retention time.Duration, loc *time.Location) (*types.UsageSnapshot, int, error) {
	if len(rows) > 0 {
		for _, col := range []string{ColumnReadTime, ColumnReadValue} {
			if _, ok := rows[0][col]; !ok {
				return nil, 0, shapeError("parse", "export is missing column %q", col)
			}
		}
	}
	if loc == nil {
		loc = DublinLocation
	}

	readings := make([]types.Reading, 0, len(rows))
	var skipped int
	for i, row := range rows {
		ts, err := time.ParseInLocation(readTimeLayout, strings.TrimSpace(row[ColumnReadTime]), loc)
		if err != nil {
			skipped++
			log.Ctx(ctx).WarnContext(ctx, "skipping export row with invalid time", slog.Int("row", i+1), slog.Any("error", err))
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[ColumnReadValue]), 64)
		if err != nil {
			skipped++
			log.Ctx(ctx).WarnContext(ctx, "skipping export row with invalid value", slog.Int("row", i+1), slog.Any("error", err))
			continue
		}
		readings = append(readings, types.Reading{Time: ts, KWH: v})
	}

	snap := types.NewUsageSnapshot(readings, now, retention)
	log.Ctx(ctx).DebugContext(ctx, "built usage snapshot",
		slog.Int("rows", len(rows)),
		slog.Int("skipped", skipped),
		slog.Int("retained", snap.Len()),
	)
	return snap, skipped, nil
}
