package hearthsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HTTPDoer abstracts the HTTP client so tests can inject transports.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// feedPingInterval is how often live subscriptions are pinged.
const feedPingInterval = 30 * time.Second

// HTTPRemoteStore implements RemoteStore against a hosted backend exposing
// REST CRUD per table and a websocket change feed.
type HTTPRemoteStore struct {
	cfg    RemoteConfig
	client HTTPDoer
	dialer *websocket.Dialer
	logger *slog.Logger
	reads  *Retryer

	mu           sync.Mutex
	session      *Session
	refreshToken string
}

// NewHTTPRemoteStore creates a backend client. A nil client gets a default
// with a conservative timeout.
func NewHTTPRemoteStore(cfg RemoteConfig, client HTTPDoer, logger *slog.Logger) *HTTPRemoteStore {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = deriveRealtimeURL(cfg.BaseURL)
	}
	if cfg.ReadRetryAttempts <= 0 {
		cfg.ReadRetryAttempts = 3
	}
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = 250 * time.Millisecond
	}
	return &HTTPRemoteStore{
		cfg:    cfg,
		client: client,
		dialer: websocket.DefaultDialer,
		logger: logger.With("component", "remote"),
		// Reads are idempotent, so transient failures get a few
		// fixed-interval retries. Writes never retry here; replay
		// safety is the write queue's job.
		reads: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.ReadRetryAttempts,
			InitialBackoff:    cfg.ReadRetryDelay,
			MaxBackoff:        cfg.ReadRetryDelay,
			BackoffMultiplier: 1,
			Jitter:            0,
			RetryIf:           IsRetryable,
		}),
	}
}

func deriveRealtimeURL(base string) string {
	u := strings.TrimSuffix(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/realtime"
}

func (r *HTTPRemoteStore) token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.AccessToken
}

// do issues one authenticated request and decodes the JSON response into
// out (unless out is nil). Non-2xx statuses map onto the error taxonomy.
func (r *HTTPRemoteStore) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(r.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", r.cfg.APIKey)
	if tok := r.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return newSyncError(KindTimeout, method+" "+path, err)
		}
		return newSyncError(KindOffline, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return httpStatusError(resp.StatusCode, method+" "+path, string(payload))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func httpStatusError(status int, op, detail string) error {
	switch status {
	case http.StatusUnauthorized:
		return newSyncError(KindAuth, op, ErrAuthExpired)
	case http.StatusForbidden:
		return newSyncError(KindPermission, op, ErrPermission)
	case http.StatusConflict:
		return newSyncError(KindDuplicate, op, ErrDuplicateKey)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return newSyncError(KindTimeout, op, ErrTimeout)
	}
	return fmt.Errorf("%s: status %d: %s", op, status, detail)
}

// Select returns the rows of table matching the filter.
func (r *HTTPRemoteStore) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}
	path := "/tables/" + table
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var rows []Record
	err := r.reads.Do(ctx, func() error {
		rows = nil
		return r.do(ctx, http.MethodGet, path, nil, &rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert creates a row and returns the server-assigned record.
func (r *HTTPRemoteStore) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	var created Record
	if err := r.do(ctx, http.MethodPost, "/tables/"+table, rec, &created); err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies changes to a row and returns the updated record.
func (r *HTTPRemoteStore) Update(ctx context.Context, table, id string, changes Record) (Record, error) {
	var updated Record
	if err := r.do(ctx, http.MethodPatch, "/tables/"+table+"/"+id, changes, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a row.
func (r *HTTPRemoteStore) Delete(ctx context.Context, table, id string) error {
	return r.do(ctx, http.MethodDelete, "/tables/"+table+"/"+id, nil, nil)
}

// feedFrame is the wire shape of change-feed messages.
type feedFrame struct {
	Type   string `json:"type"`
	Table  string `json:"table,omitempty"`
	Record Record `json:"record,omitempty"`
	OldID  string `json:"old_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Subscribe dials the realtime endpoint and pumps row-change frames into a
// FeedSubscription until the connection drops or the subscription is closed.
func (r *HTTPRemoteStore) Subscribe(ctx context.Context, req SubscribeRequest) (*FeedSubscription, error) {
	q := url.Values{}
	q.Set("table", req.Table)
	q.Set("channel_id", req.ChannelID)
	if req.HouseholdID != "" {
		q.Set("household_id", req.HouseholdID)
	}
	if req.UserID != "" {
		q.Set("user_id", req.UserID)
	}

	header := http.Header{}
	header.Set("apikey", r.cfg.APIKey)
	if tok := r.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.cfg.RealtimeURL+"?"+q.Encode(), header)
	if err != nil {
		if resp != nil {
			return nil, httpStatusError(resp.StatusCode, "subscribe "+req.Table, "")
		}
		return nil, newSyncError(KindOffline, "subscribe "+req.Table, err)
	}

	sub := NewFeedSubscription(req, 64)
	sub.DeliverStatus(FeedStatus{Kind: FeedSubscribed})

	go r.readLoop(conn, sub)
	go r.pingLoop(conn, sub)

	return sub, nil
}

func (r *HTTPRemoteStore) readLoop(conn *websocket.Conn, sub *FeedSubscription) {
	defer conn.Close()
	conn.SetPongHandler(func(string) error {
		sub.DeliverStatus(FeedStatus{Kind: FeedHeartbeat})
		return nil
	})
	for {
		var frame feedFrame
		if err := conn.ReadJSON(&frame); err != nil {
			sub.DeliverStatus(FeedStatus{Kind: FeedError, Err: err})
			return
		}
		switch frame.Type {
		case "insert":
			sub.Deliver(ChangeEvent{Type: ChangeInsert, Table: frame.Table, Record: frame.Record})
		case "update":
			sub.Deliver(ChangeEvent{Type: ChangeUpdate, Table: frame.Table, Record: frame.Record})
		case "delete":
			sub.Deliver(ChangeEvent{Type: ChangeDelete, Table: frame.Table, Record: frame.Record, OldID: frame.OldID})
		case "heartbeat":
			sub.DeliverStatus(FeedStatus{Kind: FeedHeartbeat})
		case "error":
			sub.DeliverStatus(FeedStatus{Kind: FeedError, Err: fmt.Errorf("feed error: %s", frame.Error)})
			return
		}
	}
}

func (r *HTTPRemoteStore) pingLoop(conn *websocket.Conn, sub *FeedSubscription) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.Done():
			conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				sub.DeliverStatus(FeedStatus{Kind: FeedError, Err: err})
				conn.Close()
				return
			}
		}
	}
}

// sessionResponse is the auth endpoints' wire shape.
type sessionResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user,omitempty"`
}

func (r *HTTPRemoteStore) storeSession(sr *sessionResponse) *Session {
	s := &Session{
		AccessToken: sr.AccessToken,
		UserID:      sr.UserID,
		ExpiresAt:   sr.ExpiresAt,
	}
	r.mu.Lock()
	r.session = s
	if sr.RefreshToken != "" {
		r.refreshToken = sr.RefreshToken
	}
	r.mu.Unlock()
	return s
}

// GetSession returns the cached session, validating it remotely when it
// looks expired.
func (r *HTTPRemoteStore) GetSession(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s.Valid() {
		return s, nil
	}
	if s == nil {
		return nil, nil
	}
	return r.RefreshSession(ctx)
}

// RefreshSession exchanges the refresh token for a fresh session.
func (r *HTTPRemoteStore) RefreshSession(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	refresh := r.refreshToken
	r.mu.Unlock()
	if refresh == "" {
		return nil, newSyncError(KindAuth, "no refresh token", ErrAuthExpired)
	}
	var sr sessionResponse
	if err := r.do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": refresh}, &sr); err != nil {
		return nil, err
	}
	return r.storeSession(&sr), nil
}

// SignIn authenticates with email and password.
func (r *HTTPRemoteStore) SignIn(ctx context.Context, email, password string) (*Session, *User, error) {
	var sr sessionResponse
	err := r.do(ctx, http.MethodPost, "/auth/sign_in", map[string]string{
		"email":    email,
		"password": password,
	}, &sr)
	if err != nil {
		return nil, nil, err
	}
	return r.storeSession(&sr), sr.User, nil
}

// SignUp registers a new account.
func (r *HTTPRemoteStore) SignUp(ctx context.Context, email, password, name string) (*Session, *User, error) {
	var sr sessionResponse
	err := r.do(ctx, http.MethodPost, "/auth/sign_up", map[string]string{
		"email":    email,
		"password": password,
		"name":     name,
	}, &sr)
	if err != nil {
		return nil, nil, err
	}
	return r.storeSession(&sr), sr.User, nil
}

// SignOut invalidates the current session.
func (r *HTTPRemoteStore) SignOut(ctx context.Context) error {
	err := r.do(ctx, http.MethodPost, "/auth/sign_out", nil, nil)
	r.mu.Lock()
	r.session = nil
	r.refreshToken = ""
	r.mu.Unlock()
	return err
}
