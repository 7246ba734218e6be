package esp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/subgate/subgate/internal/config"
	"github.com/subgate/subgate/internal/logging"
)

// Lists names the provider-side data extensions the gateway works with.
type Lists struct {
	Master  string
	OptIn   string
	Confirm string
	Mobile  string
}

// tokenHolder owns the provider access token. Every request path goes
// through get, which refreshes the token under the lock when it is
// missing or inside the expiry leeway.
type tokenHolder struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expires      time.Time
}

type authResponse struct {
	AccessToken  string `json:"accessToken"`
	ExpiresIn    int    `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
	ErrorCode    int    `json:"errorcode"`
	Message      string `json:"message"`
}

// RESTClient implements Client against the provider's REST API.
type RESTClient struct {
	baseURL      string
	authURL      string
	clientID     string
	clientSecret string
	leeway       time.Duration
	lists        Lists
	fields       FieldMapper
	http         *http.Client
	logger       *logging.Logger
	token        tokenHolder
}

// NewRESTClient builds a client from config. fields resolves vendor
// subscription flags back to newsletter slugs when reading records.
func NewRESTClient(cfg config.ESP, fields FieldMapper, logger *logging.Logger) *RESTClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = base + "/v1/requestToken"
	}
	return &RESTClient{
		baseURL:      base,
		authURL:      authURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		leeway:       cfg.TokenLeeway,
		lists: Lists{
			Master:  cfg.MasterList,
			OptIn:   cfg.OptInList,
			Confirm: cfg.ConfirmList,
			Mobile:  cfg.MobileList,
		},
		fields: fields,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// ListNames exposes the configured list names for the orchestrator.
func (c *RESTClient) ListNames() Lists { return c.lists }

func (c *RESTClient) accessToken(ctx context.Context) (string, error) {
	c.token.mu.Lock()
	defer c.token.mu.Unlock()

	if c.token.accessToken != "" && time.Until(c.token.expires) > c.leeway {
		return c.token.accessToken, nil
	}

	body := map[string]string{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
		"accessType":   "offline",
	}
	if c.token.refreshToken != "" {
		body["refreshToken"] = c.token.refreshToken
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", NetworkError(err)
	}
	defer resp.Body.Close()

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", NetworkError(fmt.Errorf("decoding auth response: %w", err))
	}
	if resp.StatusCode != http.StatusOK || auth.AccessToken == "" {
		c.logger.Plain().WithField("status", resp.StatusCode).Error("provider auth failed: " + auth.Message)
		return "", ProviderAuthError(auth.Message)
	}

	c.token.accessToken = auth.AccessToken
	c.token.refreshToken = auth.RefreshToken
	c.token.expires = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	return c.token.accessToken, nil
}

// invalidateToken drops the cached access token so the next call
// re-authenticates. Called when the provider rejects a bearer token.
func (c *RESTClient) invalidateToken() {
	c.token.mu.Lock()
	c.token.accessToken = ""
	c.token.mu.Unlock()
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NetworkError(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		c.invalidateToken()
		return nil, ProviderAuthError("provider rejected access token")
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, RateLimitedError("provider throttled the request")
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, NetworkError(fmt.Errorf("provider returned status %d", resp.StatusCode))
	}
	return resp, nil
}

type providerError struct {
	Message string `json:"message"`
}

func (c *RESTClient) decodeError(resp *http.Response) error {
	defer resp.Body.Close()
	var pe providerError
	_ = json.NewDecoder(resp.Body).Decode(&pe)
	if strings.Contains(pe.Message, "Invalid Customer Key") {
		return BadMessageIDError(pe.Message)
	}
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Msg: pe.Message}
}

// lookupRecord fetches one record from list by token or email. Returns
// (nil, nil) when the list has no matching record.
func (c *RESTClient) lookupRecord(ctx context.Context, list string, query url.Values) (map[string]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/lists/"+url.PathEscape(list)+"/records", query, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}
	defer resp.Body.Close()

	var rec map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, NetworkError(fmt.Errorf("decoding record: %w", err))
	}
	if len(rec) == 0 {
		return nil, nil
	}
	return rec, nil
}

func identityQuery(token, email string) url.Values {
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	} else {
		q.Set("email", email)
	}
	return q
}

// GetUserData assembles the membership snapshot: the master list first,
// falling back to the opt-in holding list, with the confirmation list
// consulted to split pending from confirmed.
func (c *RESTClient) GetUserData(ctx context.Context, token, email string) (*UserSnapshot, error) {
	q := identityQuery(token, email)

	rec, err := c.lookupRecord(ctx, c.lists.Master, q)
	if err != nil {
		return nil, err
	}
	master := rec != nil
	if rec == nil {
		rec, err = c.lookupRecord(ctx, c.lists.OptIn, q)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
	}

	snap := &UserSnapshot{
		Email:       rec[fieldEmail],
		Token:       rec[fieldToken],
		Format:      rec[fieldFormat],
		Country:     rec[fieldCountry],
		Lang:        rec[fieldLang],
		CreatedDate: rec[fieldCreated],
		Master:      master,
	}
	if snap.Format == "" {
		snap.Format = "H"
	}

	fieldMap, err := c.fields.FieldMap(ctx)
	if err != nil {
		return nil, err
	}
	for name, value := range rec {
		if !strings.HasSuffix(name, "_FLG") || value != "Y" {
			continue
		}
		if slug, ok := fieldMap[strings.TrimSuffix(name, "_FLG")]; ok {
			snap.Newsletters = append(snap.Newsletters, slug)
		}
	}

	if master {
		snap.Confirmed = true
		return snap, nil
	}

	confirmed, err := c.lookupRecord(ctx, c.lists.Confirm, url.Values{"token": {snap.Token}})
	if err != nil {
		return nil, err
	}
	snap.Confirmed = confirmed != nil
	snap.Pending = confirmed == nil
	return snap, nil
}

// ApplyUpdates upserts rec into list. The provider keys records on the
// token, so replays of the same record are harmless.
func (c *RESTClient) ApplyUpdates(ctx context.Context, list string, rec *Record) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/lists/"+url.PathEscape(list)+"/records", nil, rec.Fields())
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.decodeError(resp)
	}
	resp.Body.Close()
	return nil
}

// SendMessage schedules a triggered send of messageID to the subscriber.
func (c *RESTClient) SendMessage(ctx context.Context, messageID, email, token, format string) error {
	body := map[string]string{
		"messageId": messageID,
		"email":     email,
		"token":     token,
		"format":    format,
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/messaging/send", nil, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.decodeError(resp)
	}
	resp.Body.Close()
	return nil
}

// SendSMS triggers the SMS identified by the vendor message id.
func (c *RESTClient) SendSMS(ctx context.Context, vendorMessageID, mobile string) error {
	body := map[string]any{
		"mobileNumbers": []string{mobile},
		"subscribe":     true,
		"resubscribe":   true,
		"keyword":       "SUBGATE",
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/sms/"+url.PathEscape(vendorMessageID)+"/send", nil, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.decodeError(resp)
	}
	resp.Body.Close()
	return nil
}
