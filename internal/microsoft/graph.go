package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"freebusy/internal/models"
	"freebusy/internal/tokenstore"
)

const (
	graphBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultTenant = "common"
	pageSize      = 100
)

var scopes = []string{"offline_access", "Calendars.Read"}

// GraphClient reads calendars of one Microsoft 365 / Outlook.com account
// through Microsoft Graph.
type GraphClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	account    string
}

// NewClient creates a Graph client from the token stored by the auth command.
func NewClient(ctx context.Context, logger *slog.Logger, tokens tokenstore.Store, clientID, clientSecret, tenant, accountName string) (*GraphClient, error) {
	config, err := GetOAuthConfig(clientID, clientSecret, tenant)
	if err != nil {
		return nil, err
	}

	token, err := tokens.Load(accountName)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	return newClient(oauth2.NewClient(ctx, config.TokenSource(ctx, token)), graphBaseURL, logger, accountName), nil
}

func newClient(httpClient *http.Client, baseURL string, logger *slog.Logger, account string) *GraphClient {
	return &GraphClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger.With("provider", models.ProviderMicrosoft, "account", account),
		account:    account,
	}
}

// GetOAuthConfig builds the OAuth2 config for the Microsoft identity platform.
// An empty tenant selects the multi-tenant "common" endpoint.
func GetOAuthConfig(clientID, clientSecret, tenant string) (*oauth2.Config, error) {
	if clientID == "" {
		return nil, fmt.Errorf("MICROSOFT_CLIENT_ID is not set")
	}
	if tenant == "" {
		tenant = defaultTenant
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "http://localhost",
		Scopes:       scopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}, nil
}

// TokenFromWeb exchanges the authorization code pasted by the user.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

type graphCalendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	HexColor          string `json:"hexColor"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string        `json:"id"`
	Subject     string        `json:"subject"`
	Start       graphDateTime `json:"start"`
	End         graphDateTime `json:"end"`
	IsAllDay    bool          `json:"isAllDay"`
	IsCancelled bool          `json:"isCancelled"`
	ShowAs      string        `json:"showAs"`
	Location    struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
}

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListCalendars returns the calendars of the signed-in user.
func (c *GraphClient) ListCalendars(ctx context.Context) ([]models.CalendarSource, error) {
	items, err := getAll[graphCalendar](ctx, c, c.baseURL+"/me/calendars")
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	sources := make([]models.CalendarSource, 0, len(items))
	for _, item := range items {
		sources = append(sources, models.CalendarSource{
			ID:          models.QualifiedID(models.ProviderMicrosoft, item.ID),
			Provider:    models.ProviderMicrosoft,
			DisplayName: item.Name,
			Color:       item.HexColor,
			IsPrimary:   item.IsDefaultCalendar,
		})
	}
	return sources, nil
}

// ListEvents reads the calendar view (recurrences expanded by Graph) of each
// calendar, or of the default calendar when none are given.
func (c *GraphClient) ListEvents(ctx context.Context, calendarIDs []string, start, end time.Time) ([]models.RawEvent, error) {
	query := url.Values{}
	query.Set("startDateTime", start.UTC().Format(time.RFC3339))
	query.Set("endDateTime", end.UTC().Format(time.RFC3339))
	query.Set("$top", fmt.Sprint(pageSize))
	query.Set("$select", "id,subject,start,end,isAllDay,isCancelled,showAs,location")

	type target struct{ calendarID, endpoint string }
	var targets []target
	if len(calendarIDs) == 0 {
		targets = append(targets, target{
			calendarID: models.QualifiedID(models.ProviderMicrosoft, "default"),
			endpoint:   c.baseURL + "/me/calendar/calendarView?" + query.Encode(),
		})
	}
	for _, id := range calendarIDs {
		native := models.NativeID(models.ProviderMicrosoft, id)
		targets = append(targets, target{
			calendarID: models.QualifiedID(models.ProviderMicrosoft, native),
			endpoint:   c.baseURL + "/me/calendars/" + url.PathEscape(native) + "/calendarView?" + query.Encode(),
		})
	}

	var records []models.RawEvent
	for _, t := range targets {
		c.logger.Debug("Fetching calendar view", "calendarID", t.calendarID, "from", start, "to", end)
		items, err := getAll[graphEvent](ctx, c, t.endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events for %s: %w", t.calendarID, err)
		}
		evs := toRawEvents(items, t.calendarID)
		c.logger.Debug("Successfully fetched events from Microsoft Graph", "count", len(evs), "calendarID", t.calendarID)
		records = append(records, evs...)
	}
	return records, nil
}

// toRawEvents skips cancelled occurrences and those shown as free. Graph
// returns naive dateTime values plus a zone name, which the normalizer reads.
func toRawEvents(items []graphEvent, calendarID string) []models.RawEvent {
	var out []models.RawEvent
	for _, item := range items {
		if item.IsCancelled || item.ShowAs == "free" {
			continue
		}
		allDay := item.IsAllDay
		out = append(out, models.RawEvent{
			ID:         item.ID,
			CalendarID: calendarID,
			Title:      item.Subject,
			Start:      item.Start.DateTime,
			End:        item.End.DateTime,
			AllDay:     &allDay,
			Location:   item.Location.DisplayName,
			Timezone:   item.Start.TimeZone,
		})
	}
	return out
}

// getAll follows @odata.nextLink until the collection is exhausted.
func getAll[T any](ctx context.Context, c *GraphClient, endpoint string) ([]T, error) {
	var all []T
	for endpoint != "" {
		var p page[T]
		if err := c.get(ctx, endpoint, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Value...)
		endpoint = p.NextLink
	}
	return all, nil
}

func (c *GraphClient) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph request failed: %s: %s", resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidResponse, err)
	}
	return nil
}
