package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"freebusy/internal/ics"
	"freebusy/internal/models"
)

const (
	ICloudEndpoint = "https://caldav.icloud.com/"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "freebusy/1.0")
	return t.Transport.RoundTrip(req)
}

// Client reads calendars from a CalDAV server (iCloud by default).
type Client struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
}

// NewClient creates a CalDAV client. An empty endpoint selects iCloud.
func NewClient(logger *slog.Logger, endpoint, username, password string) (*Client, error) {
	if endpoint == "" {
		endpoint = ICloudEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &Client{
		caldavClient: caldavClient,
		logger:       logger.With("provider", models.ProviderCalDAV, "endpoint", endpoint),
	}, nil
}

// ListCalendars discovers the user's calendars. Calendar IDs are the
// collection paths.
func (c *Client) ListCalendars(ctx context.Context) ([]models.CalendarSource, error) {
	calendars, err := c.findCalendars(ctx)
	if err != nil {
		return nil, err
	}

	sources := make([]models.CalendarSource, 0, len(calendars))
	for _, cal := range calendars {
		name := cal.Name
		if name == "" {
			name = cal.Path
		}
		sources = append(sources, models.CalendarSource{
			ID:          models.QualifiedID(models.ProviderCalDAV, cal.Path),
			Provider:    models.ProviderCalDAV,
			DisplayName: name,
		})
	}
	return sources, nil
}

// ListEvents queries each calendar for VEVENTs overlapping [start, end). The
// server selects the objects; recurring ones are expanded here into single
// occurrences. With no calendar IDs every discovered calendar is queried.
func (c *Client) ListEvents(ctx context.Context, calendarIDs []string, start, end time.Time) ([]models.RawEvent, error) {
	paths := make([]string, 0, len(calendarIDs))
	for _, id := range calendarIDs {
		paths = append(paths, models.NativeID(models.ProviderCalDAV, id))
	}
	if len(paths) == 0 {
		calendars, err := c.findCalendars(ctx)
		if err != nil {
			return nil, err
		}
		for _, cal := range calendars {
			paths = append(paths, cal.Path)
		}
	}

	query := eventQuery(start, end)
	var records []models.RawEvent
	for _, path := range paths {
		objects, err := c.caldavClient.QueryCalendar(ctx, path, query)
		if err != nil {
			return nil, fmt.Errorf("failed to query calendar %s: %w", path, err)
		}
		calendarID := models.QualifiedID(models.ProviderCalDAV, path)
		evs := objectRecords(objects, calendarID, start, end)
		records = append(records, evs...)
		c.logger.Debug("Queried calendar", "path", path, "objects", len(objects), "events", len(evs))
	}
	return records, nil
}

// objectRecords expands each calendar object on its own, so overridden
// instances only ever cancel occurrences of their own master.
func objectRecords(objects []caldav.CalendarObject, calendarID string, start, end time.Time) []models.RawEvent {
	var records []models.RawEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		records = append(records, ics.ExpandEvents(obj.Data.Events(), calendarID, start, end)...)
	}
	return records
}

func eventQuery(start, end time.Time) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}
}

// findCalendars walks principal -> calendar home set -> calendars.
func (c *Client) findCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	return calendars, nil
}
