package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/pkg/httpretry"
	"github.com/ignite/adperf-engine/internal/pkg/telemetry"
)

const adwordsScope = "https://www.googleapis.com/auth/adwords"

// GoogleSource reads campaign metrics from the Google Ads searchStream API.
type GoogleSource struct {
	baseURL        string
	version        string
	developerToken string
	loginCustomer  string
	defaultRefresh string
	actions        config.FunnelActions
	oauth          *oauth2.Config
	httpClient     httpretry.HTTPDoer

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

// NewGoogleSource creates a Google Ads client. A nil doer gets a retrying
// http.Client built from cfg.
func NewGoogleSource(cfg config.PlatformConfig, doer httpretry.HTTPDoer) *GoogleSource {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, cfg.MaxRetries)
	}
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &GoogleSource{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		version:        cfg.APIVersion,
		developerToken: cfg.DeveloperToken,
		loginCustomer:  digits(cfg.LoginCustomerID),
		defaultRefresh: cfg.RefreshToken,
		actions:        actionsOrDefault(cfg.Actions, DefaultGoogleActions),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{adwordsScope},
		},
		httpClient: doer,
		tokens:     make(map[string]oauth2.TokenSource),
	}
}

func (s *GoogleSource) Platform() domain.Platform { return domain.PlatformGoogle }

// tokenSource returns a cached, self-refreshing token source per refresh
// token.
func (s *GoogleSource) tokenSource(refresh string) oauth2.TokenSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tokens[refresh]
	if !ok {
		ts = oauth2.ReuseTokenSource(nil, s.oauth.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refresh}))
		s.tokens[refresh] = ts
	}
	return ts
}

type googleRow struct {
	Campaign struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"campaign"`
	Segments struct {
		Date                 string `json:"date"`
		ConversionActionName string `json:"conversionActionName"`
	} `json:"segments"`
	Metrics struct {
		CostMicros          string  `json:"costMicros"`
		Impressions         string  `json:"impressions"`
		Clicks              string  `json:"clicks"`
		AllConversions      float64 `json:"allConversions"`
		AllConversionsValue float64 `json:"allConversionsValue"`
	} `json:"metrics"`
}

type googleBatch struct {
	Results []googleRow `json:"results"`
}

type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Fetch returns one row per campaign per day in [start, end).
func (s *GoogleSource) Fetch(ctx context.Context, target Target, start, end time.Time) ([]domain.CampaignMetric, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "source.google.fetch", trace.WithAttributes(
		attribute.String("platform", string(domain.PlatformGoogle)),
		attribute.String("account", target.ExternalID),
		attribute.String("since", start.Format(time.DateOnly)),
	))
	defer span.End()

	rows, err := s.fetch(ctx, target, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

func (s *GoogleSource) fetch(ctx context.Context, target Target, start, end time.Time) ([]domain.CampaignMetric, error) {
	refresh := target.Credentials.RefreshToken
	if refresh == "" {
		refresh = s.defaultRefresh
	}
	if refresh == "" {
		return nil, &Error{Platform: domain.PlatformGoogle, Kind: ErrAuthInvalid, Message: "no refresh token configured"}
	}
	token, err := s.tokenSource(refresh).Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}

	since, until := start.Format(time.DateOnly), inclusiveEnd(end).Format(time.DateOnly)
	customer := digits(target.ExternalID)

	perf, err := s.search(ctx, customer, token, target.Credentials, fmt.Sprintf(
		`SELECT campaign.id, campaign.name, segments.date, metrics.cost_micros, metrics.impressions, metrics.clicks `+
			`FROM campaign WHERE segments.date BETWEEN '%s' AND '%s'`, since, until))
	if err != nil {
		return nil, err
	}
	conv, err := s.search(ctx, customer, token, target.Credentials, fmt.Sprintf(
		`SELECT campaign.id, segments.date, segments.conversion_action_name, metrics.all_conversions, metrics.all_conversions_value `+
			`FROM campaign WHERE segments.date BETWEEN '%s' AND '%s' AND metrics.all_conversions > 0`, since, until))
	if err != nil {
		return nil, err
	}

	type rowKey struct{ campaign, date string }
	index := make(map[rowKey]int, len(perf))
	out := make([]domain.CampaignMetric, 0, len(perf))
	for _, r := range perf {
		k := rowKey{r.Campaign.ID, r.Segments.Date}
		index[k] = len(out)
		out = append(out, domain.CampaignMetric{
			Date:         r.Segments.Date,
			CampaignID:   r.Campaign.ID,
			CampaignName: r.Campaign.Name,
			Spend:        parseFloat(r.Metrics.CostMicros) / 1e6,
			Impressions:  int64(parseFloat(r.Metrics.Impressions)),
			Clicks:       int64(parseFloat(r.Metrics.Clicks)),
		})
	}
	for _, r := range conv {
		k := rowKey{r.Campaign.ID, r.Segments.Date}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			i = len(out)
			out = append(out, domain.CampaignMetric{Date: r.Segments.Date, CampaignID: r.Campaign.ID})
		}
		applyAction(s.actions, &out[i], r.Segments.ConversionActionName, r.Metrics.AllConversions, r.Metrics.AllConversionsValue)
	}
	return out, nil
}

func (s *GoogleSource) search(ctx context.Context, customer string, token *oauth2.Token, creds domain.Credentials, query string) ([]googleRow, error) {
	payload, _ := json.Marshal(map[string]string{"query": query})
	endpoint := fmt.Sprintf("%s/%s/customers/%s/googleAds:searchStream", s.baseURL, s.version, customer)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	devToken := creds.DeveloperToken
	if devToken == "" {
		devToken = s.developerToken
	}
	req.Header.Set("developer-token", devToken)
	login := digits(creds.LoginCustomerID)
	if login == "" {
		login = s.loginCustomer
	}
	if login != "" {
		req.Header.Set("login-customer-id", login)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Platform: domain.PlatformGoogle, Kind: ErrUnavailable, Message: transportMessage(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Platform: domain.PlatformGoogle, Kind: ErrUnavailable, Message: "reading response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyGoogle(resp.StatusCode, body)
	}

	var batches []googleBatch
	if err := json.Unmarshal(body, &batches); err != nil {
		return nil, &Error{Platform: domain.PlatformGoogle, Kind: ErrUnavailable, Message: "parsing searchStream: " + err.Error()}
	}
	var rows []googleRow
	for _, b := range batches {
		rows = append(rows, b.Results...)
	}
	return rows, nil
}

func classifyGoogle(status int, body []byte) error {
	var eb googleErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		// searchStream wraps errors in a one-element array.
		var arr []googleErrorBody
		if json.Unmarshal(body, &arr) == nil && len(arr) > 0 {
			eb = arr[0]
		}
	}

	kind := kindForStatus(status)
	switch eb.Error.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		kind = ErrAuthInvalid
	case "RESOURCE_EXHAUSTED":
		kind = ErrRateLimited
	case "NOT_FOUND":
		kind = ErrNotFound
	}
	if strings.Contains(eb.Error.Message, "CUSTOMER_NOT_FOUND") || strings.Contains(string(body), "CUSTOMER_NOT_FOUND") {
		kind = ErrNotFound
	}

	msg := eb.Error.Message
	if msg == "" {
		msg = truncate(string(body), 200)
	}
	return &Error{Platform: domain.PlatformGoogle, Status: status, Kind: kind, Message: msg}
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		kind := ErrUnavailable
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
			if status == http.StatusBadRequest || status == http.StatusUnauthorized {
				kind = ErrAuthInvalid
			}
		}
		msg := re.ErrorCode
		if msg == "" {
			msg = "token refresh failed"
		}
		return &Error{Platform: domain.PlatformGoogle, Status: status, Kind: kind, Message: msg}
	}
	return &Error{Platform: domain.PlatformGoogle, Kind: ErrUnavailable, Message: "token refresh: " + transportMessage(err)}
}

// digits strips the dashes Google shows in customer ids.
func digits(id string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, id)
}
