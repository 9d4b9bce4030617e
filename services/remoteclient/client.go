// Package remoteclient talks to the remote record store over HTTP.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	syncer "github.com/trezcool/rollcall/core/sync"
	"github.com/trezcool/rollcall/core/user"
)

var _ syncer.Remote = (*Client)(nil)

// Client implements syncer.Remote against the API server.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a client of the server at baseURL; timeout bounds every request.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type (
	loginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	loginResponse struct {
		Token string    `json:"token"`
		User  user.User `json:"user"`
	}

	errorResponse struct {
		ErrorKind core.Kind         `json:"errorKind"`
		Message   string            `json:"message"`
		RecordID  string            `json:"recordId"`
		Fields    map[string]string `json:"fields"`
	}
)

// Login opens a session on the server. The returned session is the identity
// snapshot the client works with until the next login.
func (c *Client) Login(ctx context.Context, uname, pwd string) (user.Session, error) {
	var res loginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", loginRequest{Username: uname, Password: pwd}, &res); err != nil {
		return user.Session{}, errors.Wrap(err, "logging in")
	}
	c.setToken(res.Token)
	return user.NewSession(res.User), nil
}

// Refresh renews the session token.
func (c *Client) Refresh(ctx context.Context) error {
	var res loginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token-refresh", "", nil, &res); err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	c.setToken(res.Token)
	return nil
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Push(ctx context.Context, m record.Mutation) (*record.Record, error) {
	var rec record.Record
	found, err := c.doFound(ctx, http.MethodPost, "/v1/records/mutations", m.RecordID, m, &rec)
	if err != nil {
		return nil, err
	}
	if !found { // accepted delete
		return nil, nil
	}
	return &rec, nil
}

func (c *Client) Pull(ctx context.Context, pred record.Predicate) ([]record.Record, error) {
	if pred.MatchesNothing() {
		return []record.Record{}, nil
	}
	var recs []record.Record
	if err := c.do(ctx, http.MethodGet, "/v1/records?"+encodePredicate(pred), "", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) Fetch(ctx context.Context, id string) (record.Record, error) {
	var rec record.Record
	err := c.do(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(id), id, nil, &rec)
	return rec, err
}

// Students lists the students of the session's groups.
func (c *Client) Students(ctx context.Context) ([]student.Student, error) {
	var res []student.Student
	if err := c.do(ctx, http.MethodGet, "/v1/students", "", nil, &res); err != nil {
		return nil, errors.Wrap(err, "listing students")
	}
	return res, nil
}

func encodePredicate(pred record.Predicate) string {
	v := make(url.Values)
	add := func(key string, vals []string) {
		if len(vals) > 0 {
			v.Set(key, strings.Join(vals, ","))
		}
	}
	kinds := make([]string, 0, len(pred.Kinds))
	for _, k := range pred.Kinds {
		kinds = append(kinds, string(k))
	}
	states := make([]string, 0, len(pred.States))
	for _, s := range pred.States {
		states = append(states, string(s))
	}
	years := make([]string, 0, len(pred.Years))
	for _, y := range pred.Years {
		years = append(years, strconv.Itoa(y))
	}
	add("kind", kinds)
	add("id", pred.IDs)
	add("student", pred.StudentIDs)
	add("group", pred.GroupIDs)
	add("year", years)
	add("author", pred.AuthorIDs)
	add("state", states)
	return v.Encode()
}

func (c *Client) do(ctx context.Context, method, path, recordID string, body, dst interface{}) error {
	_, err := c.doFound(ctx, method, path, recordID, body, dst)
	return err
}

// doFound sends the request and decodes a successful answer into dst.
// It reports false on 204 No Content.
func (c *Client) doFound(ctx context.Context, method, path, recordID string, body, dst interface{}) (bool, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, errors.Wrap(err, "encoding request")
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return false, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, core.NewRecordError(recordID, core.ErrTransient, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, nil
	case resp.StatusCode < 300:
		if err = json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return false, errors.Wrapf(err, "decoding %s %s", method, path)
		}
		return true, nil
	default:
		return false, decodeError(resp, recordID)
	}
}

// decodeError rebuilds the error the server answered with. An unauthenticated
// request is transient: its mutation stays queued until the session is renewed.
func decodeError(resp *http.Response, recordID string) error {
	var res errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &res); err != nil || res.ErrorKind == "" {
		res.Message = strings.TrimSpace(string(data))
		if res.Message == "" {
			res.Message = resp.Status
		}
	}
	if res.RecordID != "" {
		recordID = res.RecordID
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return core.NewRecordError(recordID, core.ErrTransient, "not authenticated: "+res.Message)
	case res.ErrorKind == core.KindValidation:
		flds := make([]core.FieldError, 0, len(res.Fields))
		for field, msg := range res.Fields {
			flds = append(flds, core.FieldError{Field: field, Error: msg})
		}
		return core.NewValidationError(errors.New(res.Message), flds...)
	case core.ErrorOf(res.ErrorKind) != nil:
		return core.NewRecordError(recordID, core.ErrorOf(res.ErrorKind), res.Message)
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return core.NewRecordError(recordID, core.ErrTransient, res.Message)
	default:
		return errors.Errorf("remote store answered %d: %s", resp.StatusCode, res.Message)
	}
}
