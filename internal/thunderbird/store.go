// Package thunderbird reads events straight from a Thunderbird profile's
// calendar database (calendar-data/cache.sqlite or local.sqlite).
package thunderbird

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"freebusy/internal/models"
)

const driverName = "sqlite"

// flagAllDay is CAL_ITEM_FLAG.EVENT_ALLDAY in cal_events.flags.
const flagAllDay = 8

var (
	profileGlobs = []string{
		".thunderbird/*",
		".icedove/*",
		".mozilla-thunderbird/*",
		".local/share/thunderbird/*",
		"Library/Thunderbird/Profiles/*",
		"AppData/Roaming/Thunderbird/Profiles/*",
	}
	databaseNames = []string{"cache.sqlite", "local.sqlite"}

	ErrNoDatabase = errors.New("no thunderbird calendar database found")
)

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// FindDatabase looks for a calendar database below the known profile
// directories of home. The first match wins.
func FindDatabase(home string) (string, error) {
	for _, pattern := range profileGlobs {
		profiles, err := filepath.Glob(filepath.Join(home, pattern))
		if err != nil {
			return "", err
		}
		for _, profile := range profiles {
			for _, name := range databaseNames {
				path := filepath.Join(profile, "calendar-data", name)
				if info, err := os.Stat(path); err == nil && !info.IsDir() {
					return path, nil
				}
			}
		}
	}
	return "", ErrNoDatabase
}

// Store is a read-only view of one Thunderbird calendar database.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	path   string
}

// Open opens the database in read-only mode. Thunderbird may keep the file
// open; nothing is ever written to it.
func Open(logger *slog.Logger, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open thunderbird database: %w", err)
	}
	db, err := sqlx.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open thunderbird database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, logger: logger.With("provider", models.ProviderThunderbird, "path", path), path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListCalendars reads cal_calendars when present and otherwise falls back to
// the distinct calendar IDs referenced by cal_events.
func (s *Store) ListCalendars(ctx context.Context) ([]models.CalendarSource, error) {
	hasCalendars, err := s.hasTable(ctx, "cal_calendars")
	if err != nil {
		return nil, err
	}

	type calendarRow struct {
		ID   string         `db:"id"`
		Name sql.NullString `db:"name"`
	}
	var rows []calendarRow
	if hasCalendars {
		query, err := s.calendarQuery(ctx)
		if err != nil {
			return nil, err
		}
		err = s.db.SelectContext(ctx, &rows, query)
		if err != nil {
			return nil, fmt.Errorf("failed to read cal_calendars: %w", err)
		}
	} else {
		s.logger.Warn("cal_calendars table not found, falling back to cal_events")
		err = s.db.SelectContext(ctx, &rows, `SELECT DISTINCT cal_id AS id, NULL AS name FROM cal_events ORDER BY cal_id`)
		if err != nil {
			return nil, fmt.Errorf("failed to read calendar ids: %w", err)
		}
	}

	sources := make([]models.CalendarSource, 0, len(rows))
	for _, row := range rows {
		name := row.Name.String
		if name == "" {
			name = "Thunderbird " + row.ID
		}
		sources = append(sources, models.CalendarSource{
			ID:          models.QualifiedID(models.ProviderThunderbird, row.ID),
			Provider:    models.ProviderThunderbird,
			DisplayName: name,
		})
	}
	return sources, nil
}

// calendarQuery adapts to the two cal_calendars layouts seen in the wild:
// a name column on the table itself, or names kept in cal_calendars_prefs.
func (s *Store) calendarQuery(ctx context.Context) (string, error) {
	cols, err := s.columns(ctx, "cal_calendars")
	if err != nil {
		return "", err
	}
	idCol := "id"
	if cols["cal_id"] {
		idCol = "cal_id"
	}
	if cols["name"] {
		return fmt.Sprintf(`SELECT c.%s AS id, c.name AS name FROM cal_calendars c ORDER BY c.%s`, idCol, idCol), nil
	}
	hasPrefs, err := s.hasTable(ctx, "cal_calendars_prefs")
	if err != nil {
		return "", err
	}
	if hasPrefs {
		return fmt.Sprintf(`SELECT c.%[1]s AS id, p.value AS name FROM cal_calendars c
			LEFT JOIN cal_calendars_prefs p ON p.id = c.%[1]s AND p.name = 'name' ORDER BY c.%[1]s`, idCol), nil
	}
	return fmt.Sprintf(`SELECT c.%s AS id, NULL AS name FROM cal_calendars c ORDER BY c.%s`, idCol, idCol), nil
}

type eventRow struct {
	ID       string         `db:"id"`
	CalID    string         `db:"cal_id"`
	Title    sql.NullString `db:"title"`
	Start    int64          `db:"start_us"`
	End      int64          `db:"end_us"`
	StartTZ  sql.NullString `db:"start_tz"`
	Flags    sql.NullInt64  `db:"flags"`
	Location sql.NullString `db:"location"`
}

// ListEvents returns events overlapping [start, end) from the given calendars,
// or from every calendar when none are given. Times are epoch microseconds.
func (s *Store) ListEvents(ctx context.Context, calendarIDs []string, start, end time.Time) ([]models.RawEvent, error) {
	query, args, err := s.eventQuery(ctx, calendarIDs, start, end)
	if err != nil {
		return nil, err
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query cal_events: %w", err)
	}

	records := make([]models.RawEvent, 0, len(rows))
	for _, row := range rows {
		allDay := row.Flags.Int64&flagAllDay != 0
		records = append(records, models.RawEvent{
			ID:         row.ID,
			CalendarID: models.QualifiedID(models.ProviderThunderbird, row.CalID),
			Title:      row.Title.String,
			Start:      strconv.FormatInt(row.Start, 10),
			End:        strconv.FormatInt(row.End, 10),
			AllDay:     &allDay,
			Location:   row.Location.String,
			Timezone:   row.StartTZ.String,
		})
	}
	s.logger.Debug("Read events", "count", len(records), "from", start, "to", end)
	return records, nil
}

// eventQuery builds the cal_events query for the columns this database
// actually has. cache.sqlite uses event_start/event_end, older local.sqlite
// files use start_time/end_time.
func (s *Store) eventQuery(ctx context.Context, calendarIDs []string, start, end time.Time) (string, []any, error) {
	cols, err := s.columns(ctx, "cal_events")
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("%w: cal_events table not found", models.ErrInvalidResponse)
	}

	startCol, endCol, tzCol := "event_start", "event_end", "event_start_tz"
	if !cols[startCol] && cols["start_time"] {
		startCol, endCol, tzCol = "start_time", "end_time", "start_tz"
	}
	tzExpr := "NULL"
	if cols[tzCol] {
		tzExpr = "e." + tzCol
	}
	flagsExpr := "NULL"
	if cols["flags"] {
		flagsExpr = "e.flags"
	}

	hasProps, err := s.hasTable(ctx, "cal_properties")
	if err != nil {
		return "", nil, err
	}
	locationExpr, join := "NULL", ""
	switch {
	case cols["location"]:
		locationExpr = "e.location"
	case hasProps:
		locationExpr = "p.value"
		join = `LEFT JOIN cal_properties p ON p.item_id = e.id AND p.cal_id = e.cal_id AND p.key = 'LOCATION' AND p.recurrence_id IS NULL`
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT e.id AS id, e.cal_id AS cal_id, e.title AS title, e.%s AS start_us, e.%s AS end_us, %s AS start_tz, %s AS flags, %s AS location
		FROM cal_events e %s
		WHERE e.%s < ? AND e.%s > ?`, startCol, endCol, tzExpr, flagsExpr, locationExpr, join, startCol, endCol)
	if cols["ical_status"] {
		b.WriteString(` AND COALESCE(e.ical_status, '') != 'CANCELLED'`)
	}
	args := []any{end.UnixMicro(), start.UnixMicro()}

	query := b.String()
	if len(calendarIDs) > 0 {
		ids := make([]string, 0, len(calendarIDs))
		for _, id := range calendarIDs {
			ids = append(ids, models.NativeID(models.ProviderThunderbird, id))
		}
		query, args, err = sqlx.In(query+` AND e.cal_id IN (?)`, end.UnixMicro(), start.UnixMicro(), ids)
		if err != nil {
			return "", nil, fmt.Errorf("failed to expand calendar ids: %w", err)
		}
	}
	return s.db.Rebind(query + ` ORDER BY e.` + startCol), args, nil
}

func (s *Store) hasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return n > 0, nil
}

func (s *Store) columns(ctx context.Context, table string) (map[string]bool, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	cols := make(map[string]bool, len(names))
	for _, n := range names {
		cols[n] = true
	}
	return cols, nil
}
