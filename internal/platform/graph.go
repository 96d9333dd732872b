// Package platform holds AdPlatform implementations.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ad-rule-engine/internal/engine"
)

// GraphConfig configures the Graph API client.
type GraphConfig struct {
	BaseURL     string
	APIVersion  string
	AccessToken string
	Timeout     time.Duration
}

// Graph talks to the Marketing API. It never retries; throttling surfaces as
// engine.ErrRateLimited and the next scheduled run tries again.
type Graph struct {
	base  string
	token string
	http  *http.Client
}

func NewGraph(cfg GraphConfig) *Graph {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion != "" {
		base += "/" + strings.Trim(cfg.APIVersion, "/")
	}
	return &Graph{
		base:  base,
		token: cfg.AccessToken,
		http:  &http.Client{Timeout: cfg.Timeout},
	}
}

var minorUnits = decimal.NewFromInt(100)

// toMinor converts a major-unit budget to the platform's integer minor units.
func toMinor(major float64) int64 {
	return decimal.NewFromFloat(major).Mul(minorUnits).Round(0).IntPart()
}

func fromMinor(minor int64) float64 {
	f, _ := decimal.NewFromInt(minor).Div(minorUnits).Float64()
	return f
}

func (g *Graph) SetStatus(ctx context.Context, obj engine.ObjectRef, status engine.PlatformStatus) error {
	return g.post(ctx, obj, url.Values{"status": {string(status)}})
}

func (g *Graph) SetBudget(ctx context.Context, obj engine.ObjectRef, dailyBudget float64) error {
	if dailyBudget <= 0 || math.IsNaN(dailyBudget) {
		return fmt.Errorf("set budget %s: invalid budget %v", obj.ID, dailyBudget)
	}
	return g.post(ctx, obj, url.Values{"daily_budget": {strconv.FormatInt(toMinor(dailyBudget), 10)}})
}

type objectFields struct {
	Status      string `json:"status"`
	DailyBudget string `json:"daily_budget"`
}

func (g *Graph) CurrentBudget(ctx context.Context, obj engine.ObjectRef) (float64, error) {
	f, err := g.fields(ctx, obj, "daily_budget")
	if err != nil {
		return 0, err
	}
	if f.DailyBudget == "" {
		return 0, fmt.Errorf("%s %s has no daily budget", obj.Kind, obj.ID)
	}
	minor, err := strconv.ParseInt(f.DailyBudget, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse daily_budget %q: %w", f.DailyBudget, err)
	}
	return fromMinor(minor), nil
}

func (g *Graph) CurrentStatus(ctx context.Context, obj engine.ObjectRef) (engine.PlatformStatus, error) {
	f, err := g.fields(ctx, obj, "status")
	if err != nil {
		return "", err
	}
	return engine.PlatformStatus(strings.ToUpper(f.Status)), nil
}

func (g *Graph) fields(ctx context.Context, obj engine.ObjectRef, fields ...string) (objectFields, error) {
	q := url.Values{"fields": {strings.Join(fields, ",")}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.objectURL(obj)+"?"+q.Encode(), nil)
	if err != nil {
		return objectFields{}, err
	}
	var out objectFields
	if err := g.do(req, &out); err != nil {
		return objectFields{}, fmt.Errorf("read %s %s: %w", obj.Kind, obj.ID, err)
	}
	return out, nil
}

func (g *Graph) post(ctx context.Context, obj engine.ObjectRef, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.objectURL(obj), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var out struct {
		Success bool `json:"success"`
	}
	if err := g.do(req, &out); err != nil {
		return fmt.Errorf("update %s %s: %w", obj.Kind, obj.ID, err)
	}
	if !out.Success {
		return fmt.Errorf("update %s %s: platform did not confirm the change", obj.Kind, obj.ID)
	}
	return nil
}

func (g *Graph) objectURL(obj engine.ObjectRef) string {
	return g.base + "/" + url.PathEscape(string(obj.ID))
}

func (g *Graph) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+g.token)
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return classify(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GraphError is an error payload returned by the API.
type GraphError struct {
	HTTPStatus int
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Subcode    int    `json:"error_subcode"`
	kind       error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api %d (code %d/%d): %s", e.HTTPStatus, e.Code, e.Subcode, e.Message)
}

func (e *GraphError) Unwrap() error { return e.kind }

func classify(status int, body []byte) error {
	var env struct {
		Error GraphError `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	ge := env.Error
	ge.HTTPStatus = status
	if ge.Message == "" {
		ge.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests, ge.Code == 4, ge.Code == 17, ge.Code == 32, ge.Code == 613:
		ge.kind = engine.ErrRateLimited
	case ge.Code == 10, ge.Code == 190, ge.Code >= 200 && ge.Code <= 299:
		ge.kind = engine.ErrPermission
	case ge.Code == 100 && ge.Subcode == 33, status == http.StatusNotFound:
		ge.kind = engine.ErrObjectNotFound
	default:
		ge.kind = errors.New("ad platform error")
	}
	return &ge
}
