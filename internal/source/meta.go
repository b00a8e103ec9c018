package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
	"github.com/ignite/adperf-engine/internal/pkg/httpretry"
	"github.com/ignite/adperf-engine/internal/pkg/telemetry"
)

var metaFields = []string{
	"campaign_id", "campaign_name", "spend", "impressions", "clicks", "actions", "action_values",
}

// MetaSource reads campaign insights from the Meta Marketing API.
type MetaSource struct {
	baseURL      string
	version      string
	defaultToken string
	maxPages     int
	actions      config.FunnelActions
	httpClient   httpretry.HTTPDoer
}

// NewMetaSource creates a Meta insights client. A nil doer gets a retrying
// http.Client built from cfg.
func NewMetaSource(cfg config.PlatformConfig, doer httpretry.HTTPDoer) *MetaSource {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, cfg.MaxRetries)
	}
	return &MetaSource{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		version:      cfg.APIVersion,
		defaultToken: cfg.AccessToken,
		maxPages:     cfg.MaxPages,
		actions:      actionsOrDefault(cfg.Actions, DefaultMetaActions),
		httpClient:   doer,
	}
}

func (s *MetaSource) Platform() domain.Platform { return domain.PlatformMeta }

type metaAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

type metaInsight struct {
	CampaignID   string       `json:"campaign_id"`
	CampaignName string       `json:"campaign_name"`
	DateStart    string       `json:"date_start"`
	Spend        string       `json:"spend"`
	Impressions  string       `json:"impressions"`
	Clicks       string       `json:"clicks"`
	Actions      []metaAction `json:"actions"`
	ActionValues []metaAction `json:"action_values"`
}

type metaResponse struct {
	Data   []metaInsight `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type metaErrorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Fetch returns one row per campaign per day in [start, end).
func (s *MetaSource) Fetch(ctx context.Context, target Target, start, end time.Time) ([]domain.CampaignMetric, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "source.meta.fetch", trace.WithAttributes(
		attribute.String("platform", string(domain.PlatformMeta)),
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

func (s *MetaSource) fetch(ctx context.Context, target Target, start, end time.Time) ([]domain.CampaignMetric, error) {
	token := target.Credentials.AccessToken
	if token == "" {
		token = s.defaultToken
	}
	if token == "" {
		return nil, &Error{Platform: domain.PlatformMeta, Kind: ErrAuthInvalid, Message: "no access token configured"}
	}

	timeRange, _ := json.Marshal(map[string]string{
		"since": start.Format(time.DateOnly),
		"until": inclusiveEnd(end).Format(time.DateOnly),
	})
	params := url.Values{}
	params.Set("level", "campaign")
	params.Set("fields", strings.Join(metaFields, ","))
	params.Set("time_range", string(timeRange))
	params.Set("time_increment", "1")
	params.Set("limit", "500")

	accountID := target.ExternalID
	if !strings.HasPrefix(accountID, "act_") {
		accountID = "act_" + accountID
	}
	next := fmt.Sprintf("%s/%s/%s/insights?%s", s.baseURL, s.version, accountID, params.Encode())

	var out []domain.CampaignMetric
	for page := 0; next != "" && page < s.maxPages; page++ {
		body, err := s.doRequest(ctx, next, token)
		if err != nil {
			return nil, err
		}
		var resp metaResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &Error{Platform: domain.PlatformMeta, Kind: ErrUnavailable, Message: "parsing insights: " + err.Error()}
		}
		for _, in := range resp.Data {
			out = append(out, s.toMetric(in))
		}
		next = resp.Paging.Next
	}
	return out, nil
}

func (s *MetaSource) doRequest(ctx context.Context, fullURL, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Platform: domain.PlatformMeta, Kind: ErrUnavailable, Message: transportMessage(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Platform: domain.PlatformMeta, Kind: ErrUnavailable, Message: "reading response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyMeta(resp.StatusCode, body)
	}
	return body, nil
}

// classifyMeta maps Graph API error codes, which often arrive as 400s, onto
// our error kinds.
func classifyMeta(status int, body []byte) error {
	var eb metaErrorBody
	_ = json.Unmarshal(body, &eb)

	kind := kindForStatus(status)
	switch eb.Error.Code {
	case 190, 102:
		kind = ErrAuthInvalid
	case 4, 17, 32, 613, 80000, 80004:
		kind = ErrRateLimited
	case 803:
		kind = ErrNotFound
	case 100:
		if eb.Error.ErrorSubcode == 33 {
			kind = ErrNotFound
		}
	}

	msg := eb.Error.Message
	if msg == "" {
		msg = truncate(string(body), 200)
	}
	return &Error{Platform: domain.PlatformMeta, Status: status, Kind: kind, Message: msg}
}

func (s *MetaSource) toMetric(in metaInsight) domain.CampaignMetric {
	m := domain.CampaignMetric{
		Date:         in.DateStart,
		CampaignID:   in.CampaignID,
		CampaignName: in.CampaignName,
		Spend:        parseFloat(in.Spend),
		Impressions:  int64(parseFloat(in.Impressions)),
		Clicks:       int64(parseFloat(in.Clicks)),
	}
	values := make(map[string]float64, len(in.ActionValues))
	for _, v := range in.ActionValues {
		values[v.ActionType] += parseFloat(v.Value)
	}
	for _, a := range in.Actions {
		applyAction(s.actions, &m, a.ActionType, parseFloat(a.Value), values[a.ActionType])
	}
	return m
}

// transportMessage drops the request URL from client errors; paging links
// can carry tokens.
func transportMessage(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Op + ": " + ue.Err.Error()
	}
	return err.Error()
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
