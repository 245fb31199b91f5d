package imf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lox/imfdata/internal/htmlutil"
	"github.com/lox/imfdata/internal/httputil"
	"github.com/lox/imfdata/internal/metrics"
	"github.com/lox/imfdata/internal/models"
)

const DefaultBaseURL = "http://dataservices.imf.org/REST/SDMX_JSON.svc"

// The IMF asks clients to stay well under 10 requests per 5 seconds.
const (
	defaultRateCalls  = 5
	defaultRatePeriod = 5 * time.Second
)

// FetchResult describes a single API call for auditing.
type FetchResult struct {
	Endpoint     string // "Dataflow", "DataStructure", "CompactData"
	Resource     string // database id or query key
	HTTPStatus   int
	ResponseSize int
	RecordCount  int
	ParseErrors  int
	ParseError   string
	Attempts     int
	Duration     time.Duration
	Error        error
}

// Recorder receives the outcome and body of every API call.
type Recorder interface {
	RecordFetch(ctx context.Context, result *FetchResult, body []byte)
}

type Client struct {
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	userAgent  string
	newBackOff func() backoff.BackOff
	recorder   Recorder
	log        *slog.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRateLimit allows calls requests per period, with a burst of calls.
// A non-positive calls disables limiting.
func WithRateLimit(calls int, per time.Duration) Option {
	return func(c *Client) {
		if calls <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(per/time.Duration(calls)), calls)
	}
}

// WithBackOff sets the retry policy for transient failures.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		client:    httputil.NewClient(),
		limiter:   rate.NewLimiter(rate.Every(defaultRatePeriod/defaultRateCalls), defaultRateCalls),
		userAgent: httputil.UserAgent(),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 2 * time.Second
			bo.MaxElapsedTime = 2 * time.Minute
			return bo
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Databases lists every database the service publishes.
func (c *Client) Databases(ctx context.Context) ([]models.Database, error) {
	result := &FetchResult{Endpoint: "Dataflow"}
	body, err := c.get(ctx, result, "Dataflow", nil)
	if err != nil {
		c.record(ctx, result, body)
		return nil, err
	}

	var data dataflowResponse
	if err := json.Unmarshal(body, &data); err != nil {
		result.Error = fmt.Errorf("unmarshal dataflow: %w", err)
		c.record(ctx, result, body)
		return nil, result.Error
	}

	var dbs []models.Database
	for _, df := range data.Structure.Dataflows.Dataflow {
		if df.KeyFamilyRef.KeyFamilyID == "" {
			result.ParseErrors++
			continue
		}
		dbs = append(dbs, models.Database{
			DatabaseID:  df.KeyFamilyRef.KeyFamilyID,
			Description: df.Name.Text,
		})
	}
	result.RecordCount = len(dbs)
	c.record(ctx, result, body)
	return dbs, nil
}

// Structure is the parsed data structure of one database.
type Structure struct {
	Parameters  *models.ParameterTable
	Definitions []models.ParameterDefinition
}

// FetchStructure retrieves the dimensions and code lists of a database.
func (c *Client) FetchStructure(ctx context.Context, databaseID string) (*Structure, error) {
	if databaseID == "" {
		return nil, errors.New("database id required")
	}
	result := &FetchResult{Endpoint: "DataStructure", Resource: databaseID}
	body, err := c.get(ctx, result, "DataStructure/"+url.PathEscape(databaseID), nil)
	if err != nil {
		c.record(ctx, result, body)
		return nil, err
	}

	st, err := parseStructure(databaseID, body)
	if err != nil {
		result.Error = err
		c.record(ctx, result, body)
		return nil, err
	}
	for _, dim := range st.Parameters.Dimensions() {
		codes, _ := st.Parameters.Codes(dim)
		result.RecordCount += len(codes)
	}
	c.record(ctx, result, body)
	return st, nil
}

// FetchParameters returns the valid input codes for every key dimension.
func (c *Client) FetchParameters(ctx context.Context, databaseID string) (*models.ParameterTable, error) {
	st, err := c.FetchStructure(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	return st.Parameters, nil
}

func parseStructure(databaseID string, body []byte) (*Structure, error) {
	var data dataStructureResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal data structure: %w", err)
	}
	if data.Structure == nil || len(data.Structure.KeyFamilies.KeyFamily) == 0 {
		return nil, &NotFoundError{Resource: "database " + databaseID, Detail: "no key family in data structure"}
	}

	lists := make(map[string]codeList)
	for _, cl := range data.Structure.CodeLists.CodeList {
		lists[cl.ID] = cl
	}

	var (
		dims  []string
		defs  []models.ParameterDefinition
		codes = make(map[string][]models.Code)
		used  = make(map[string]bool)
	)
	for _, d := range data.Structure.KeyFamilies.KeyFamily[0].Components.Dimension {
		dim := strings.ToLower(d.ConceptRef)
		cl := lists[d.CodeList]
		used[d.CodeList] = true
		dims = append(dims, dim)
		defs = append(defs, models.ParameterDefinition{
			Parameter:    dim,
			CodeList:     d.CodeList,
			Description:  cl.Name.Text,
			KeyDimension: true,
		})
		list := make([]models.Code, 0, len(cl.Code))
		for _, code := range cl.Code {
			list = append(list, models.Code{InputCode: code.Value, Description: code.Description.Text})
		}
		codes[dim] = list
	}
	for _, cl := range data.Structure.CodeLists.CodeList {
		if !used[cl.ID] {
			defs = append(defs, models.ParameterDefinition{CodeList: cl.ID, Description: cl.Name.Text})
		}
	}

	pt, err := models.NewParameterTable(databaseID, dims, codes)
	if err != nil {
		return nil, fmt.Errorf("data structure %s: %w", databaseID, err)
	}
	return &Structure{Parameters: pt, Definitions: defs}, nil
}

// FetchDataset runs a compact data query. dims is the database's key
// dimension order, as returned by FetchParameters. ErrNoData is returned
// when the query matched nothing.
func (c *Client) FetchDataset(ctx context.Context, q DatasetQuery, dims []string) (*models.Table, error) {
	key, params, err := q.Build(dims)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{Endpoint: "CompactData", Resource: q.DatabaseID + "/" + key}
	path := "CompactData/" + url.PathEscape(q.DatabaseID) + "/" + key
	body, err := c.get(ctx, result, path, params)
	if err != nil {
		c.record(ctx, result, body)
		return nil, err
	}

	obs, err := parseCompactData(body)
	if err != nil {
		result.Error = err
		c.record(ctx, result, body)
		return nil, err
	}

	var parseErrors []string
	for i := range obs {
		if flags := ValidateObservation(&obs[i]); len(flags) > 0 {
			parseErrors = append(parseErrors, fmt.Sprintf("obs[%d] %s: %s", i, obs[i].TimePeriod, strings.Join(flags, ",")))
		}
	}
	result.RecordCount = len(obs)
	if len(parseErrors) > 0 {
		result.ParseErrors = len(parseErrors)
		result.ParseError = fmt.Sprintf("%d flagged observations: %v", len(parseErrors), parseErrors[0])
	}
	c.record(ctx, result, body)
	metrics.ObservationsFetched.WithLabelValues(q.DatabaseID).Add(float64(len(obs)))

	return models.NewObservationTable(obs, dims), nil
}

func parseCompactData(body []byte) ([]models.Observation, error) {
	var data compactDataResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal compact data: %w", err)
	}
	if data.CompactData == nil {
		return nil, ErrNoData
	}

	var out []models.Observation
	for _, series := range data.CompactData.DataSet.Series {
		dims := make(map[string]string)
		var timeFormat, unitMult string
		var rawObs json.RawMessage
		for k, v := range series {
			if k == "Obs" {
				rawObs = v
				continue
			}
			name := attrName(k)
			if name == "" {
				continue
			}
			switch value := rawString(v); name {
			case models.ColTimeFormat:
				timeFormat = value
			case models.ColUnitMult:
				unitMult = value
			default:
				dims[name] = value
			}
		}
		if len(rawObs) == 0 {
			continue
		}

		var obsList many[map[string]string]
		if err := json.Unmarshal(rawObs, &obsList); err != nil {
			return nil, fmt.Errorf("unmarshal observations: %w", err)
		}
		for _, o := range obsList {
			rec := models.Observation{
				Dimensions: dims,
				TimeFormat: timeFormat,
				UnitMult:   unitMult,
			}
			for k, v := range o {
				switch name := attrName(k); name {
				case "":
				case models.ColTimePeriod:
					rec.TimePeriod = v
				case models.ColObsValue:
					rec.ObsValue = v
				default:
					if rec.Attributes == nil {
						rec.Attributes = make(map[string]string)
					}
					rec.Attributes[name] = v
				}
			}
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

func rawString(b json.RawMessage) string {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s
	}
	return string(bytes.Trim(b, `"`))
}

// get performs a rate-limited GET, retrying transient failures. The body is
// returned alongside errors when one was read, so it can be archived.
func (c *Client) get(ctx context.Context, result *FetchResult, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + "/" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	start := time.Now()
	var body []byte
	operation := func() error {
		result.Attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		callStart := time.Now()
		resp, err := c.client.Do(req)
		metrics.IMFAPILatency.WithLabelValues(result.Endpoint).Observe(time.Since(callStart).Seconds())
		if err != nil {
			metrics.IMFAPICallsTotal.WithLabelValues(result.Endpoint, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &TransientFetchError{Endpoint: result.Endpoint, Err: err}
		}
		defer resp.Body.Close()
		metrics.IMFAPICallsTotal.WithLabelValues(result.Endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		b, err := io.ReadAll(resp.Body)
		result.HTTPStatus = resp.StatusCode
		result.ResponseSize = len(b)
		body = b
		if err != nil {
			return &TransientFetchError{Endpoint: result.Endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
		}

		if err := classify(result, resp.StatusCode, b); err != nil {
			if IsTransient(err) {
				c.log.Debug("imf: transient failure", "endpoint", result.Endpoint, "resource", result.Resource, "attempt", result.Attempts, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx))
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		return body, err
	}
	return body, nil
}

// notFoundPhrases mark an error page as a missing resource. Anything else
// served with a 200 status is reported as is and not retried.
var notFoundPhrases = []string{"not found", "does not exist", "no such"}

func classify(result *FetchResult, status int, body []byte) error {
	resource := result.Endpoint
	if result.Resource != "" {
		resource = result.Resource
	}

	detail := ""
	if htmlutil.IsErrorPage(body) {
		detail = htmlutil.Summary(body, 200)
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientFetchError{Endpoint: result.Endpoint, StatusCode: status, Err: errors.New(orStatusText(detail, status))}
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return &NotFoundError{Resource: resource, Detail: detail}
	case status != http.StatusOK:
		return fmt.Errorf("fetch %s: status %d: %s", result.Endpoint, status, orStatusText(detail, status))
	case detail != "":
		lower := strings.ToLower(detail)
		for _, p := range notFoundPhrases {
			if strings.Contains(lower, p) {
				return &NotFoundError{Resource: resource, Detail: detail}
			}
		}
		return fmt.Errorf("fetch %s: error page: %s", result.Endpoint, detail)
	case !json.Valid(body):
		return &TransientFetchError{Endpoint: result.Endpoint, StatusCode: status, Err: errors.New("response is not valid JSON")}
	}
	return nil
}

func orStatusText(detail string, status int) string {
	if detail != "" {
		return detail
	}
	return http.StatusText(status)
}

func (c *Client) record(ctx context.Context, result *FetchResult, body []byte) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordFetch(ctx, result, body)
}
