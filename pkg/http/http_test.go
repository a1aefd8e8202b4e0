package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type createReq struct {
	Name    string `json:"name" validate:"required,resourcename"`
	Periods int    `json:"periods" default:"30" validate:"gte=1,lte=365"`
	Freq    string `json:"freq" default:"D" validate:"oneof=D H"`
}

func bind(t *testing.T, body string) (*createReq, interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	var r createReq
	return &r, ReadAndValidateRequest(c, &r)
}

func TestReadAndValidateAppliesDefaults(t *testing.T) {
	r, verr := bind(t, `{"name":"aq-daily"}`)
	if verr != nil {
		t.Fatalf("unexpected validation errors %v", verr)
	}
	if r.Periods != 30 || r.Freq != "D" {
		t.Fatalf("defaults not applied: %+v", r)
	}
}

func TestReadAndValidateDescribesFields(t *testing.T) {
	_, verr := bind(t, `{"name":"Bad_Name","periods":400,"freq":"W"}`)
	details, ok := verr.([]ValidationError)
	if !ok || len(details) != 3 {
		t.Fatalf("expected 3 details, got %#v", verr)
	}
	byField := map[string]ValidationError{}
	for _, d := range details {
		byField[d.Field] = d
	}
	if byField["Name"].Code != "ERR_RESOURCENAME" {
		t.Fatalf("name: %+v", byField["Name"])
	}
	if byField["Periods"].Message != "Periods must be less than or equal to 365" {
		t.Fatalf("periods: %+v", byField["Periods"])
	}
	if opts, _ := byField["Freq"].Params["options"].([]string); len(opts) != 2 {
		t.Fatalf("freq: %+v", byField["Freq"])
	}
}

func TestAppErrorResponseHidesUnknownErrors(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := AppErrorResponse(c, errors.New("db password leaked")); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("leaked: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	_ = AppErrorResponse(c, ConflictError("endpoint busy").WithError(errors.New("lock held")))
	var resp struct {
		Data []AppError `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusConflict || resp.Data[0].Code != "ERR_CONFLICT" || resp.Data[0].Message != "endpoint busy" {
		t.Fatalf("conflict: %d %s", rec.Code, rec.Body.String())
	}
}

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { return SuccessResponse(c, "pong") })
}

func TestServerAndClient(t *testing.T) {
	srv := NewServer(pingRoutes{}, WithPort(0))
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	base := "http://" + srv.Addr()
	cli := NewClient(WithTimeout(5 * time.Second))
	ctx := context.Background()

	var resp struct {
		Data string `json:"data"`
	}
	if err := cli.SendAndParse(ctx, &RequestOptions{Method: MethodGet, URL: base + "/ping"}, &resp); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Data != "pong" {
		t.Fatalf("data=%q", resp.Data)
	}

	err := cli.SendAndParse(ctx, &RequestOptions{Method: MethodGet, URL: base + "/missing"}, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}

	var metrics []byte
	if err := cli.SendAndParse(ctx, &RequestOptions{Method: MethodGet, URL: base + "/metrics"}, &metrics); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !strings.Contains(string(metrics), "aircast_http_requests_total") {
		t.Fatal("request metrics not exported")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(pingRoutes{})
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set(echo.HeaderOrigin, "http://dash.local")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get(echo.HeaderAccessControlAllowOrigin) != "http://dash.local" {
		t.Fatalf("preflight: %d %v", rec.Code, rec.Header())
	}
}
