package google

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"freebusy/internal/models"
	"freebusy/internal/tokenstore"
)

const (
	credentialsFile = "credentials.json"
	primaryCalendar = "primary"
)

// CalendarClient reads calendars and events of one Google account.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
	account string
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// The accountName selects the token file written by the auth command.
func NewClient(ctx context.Context, logger *slog.Logger, tokens tokenstore.Store, clientID, clientSecret, accountName string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokens.Load(accountName)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	// The token source refreshes expired access tokens with the stored refresh token.
	client := oauth2.NewClient(ctx, config.TokenSource(ctx, token))
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return newClient(service, logger, accountName), nil
}

func newClient(service *calendar.Service, logger *slog.Logger, account string) *CalendarClient {
	return &CalendarClient{service: service, logger: logger.With("provider", models.ProviderGoogle, "account", account), account: account}
}

// ListCalendars returns every calendar in the account's calendar list.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]models.CalendarSource, error) {
	var sources []models.CalendarSource
	err := c.service.CalendarList.List().Context(ctx).Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			name := item.SummaryOverride
			if name == "" {
				name = item.Summary
			}
			sources = append(sources, models.CalendarSource{
				ID:          models.QualifiedID(models.ProviderGoogle, item.Id),
				Provider:    models.ProviderGoogle,
				DisplayName: name,
				Color:       item.BackgroundColor,
				IsPrimary:   item.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	return sources, nil
}

// ListEvents fetches the expanded occurrences overlapping [start, end) from the
// given calendars, or from the primary calendar when none are given.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarIDs []string, start, end time.Time) ([]models.RawEvent, error) {
	if len(calendarIDs) == 0 {
		calendarIDs = []string{models.QualifiedID(models.ProviderGoogle, primaryCalendar)}
	}

	var records []models.RawEvent
	for _, id := range calendarIDs {
		calID := models.NativeID(models.ProviderGoogle, id)
		c.logger.Debug("Fetching events", "calendarID", calID, "from", start, "to", end)

		count := 0
		err := c.service.Events.List(calID).
			Context(ctx).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(start.UTC().Format(time.RFC3339)).
			TimeMax(end.UTC().Format(time.RFC3339)).
			OrderBy("startTime").
			Pages(ctx, func(page *calendar.Events) error {
				evs := toRawEvents(page.Items, models.QualifiedID(models.ProviderGoogle, calID), page.TimeZone)
				count += len(evs)
				records = append(records, evs...)
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events for %s: %w", calID, err)
		}
		c.logger.Debug("Successfully fetched events from Google Calendar", "count", count, "calendarID", calID)
	}
	return records, nil
}

// toRawEvents converts Google Calendar events to raw records. Cancelled events
// and events marked as free ("transparent") do not block time and are skipped.
// All-day events carry a bare date, read in the calendar's time zone.
func toRawEvents(items []*calendar.Event, calendarID, calendarTZ string) []models.RawEvent {
	var out []models.RawEvent
	for _, item := range items {
		if item.Status == "cancelled" || item.Transparency == "transparent" {
			continue
		}
		if item.Start == nil || item.End == nil {
			continue
		}

		ev := models.RawEvent{
			ID:         item.Id,
			CalendarID: calendarID,
			Title:      item.Summary,
			Location:   item.Location,
		}
		if item.Start.DateTime != "" {
			ev.Start = item.Start.DateTime
			ev.End = item.End.DateTime
			ev.Timezone = item.Start.TimeZone
		} else {
			allDay := true
			ev.Start = item.Start.Date
			ev.End = item.End.Date
			ev.AllDay = &allDay
			ev.Timezone = calendarTZ
		}
		out = append(out, ev)
	}
	return out
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}
