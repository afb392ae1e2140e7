package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultAPIBaseURL is the public WeChat API endpoint.
const DefaultAPIBaseURL = "https://api.weixin.qq.com"

const maxMediaBytes = 10 << 20

// Client talks to the WeChat REST API on behalf of one official account. The
// access token is fetched lazily and cached until shortly before it expires.
type Client struct {
	appID   string
	secret  string
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(appID, secret, baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	return &Client{
		appID:   appID,
		secret:  secret,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

type tokenResponse struct {
	APIError
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// AccessToken returns a cached token, refreshing it when missing or stale.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", c.secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	var out tokenResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("fetch access token: %w", &out.APIError)
	}
	if out.AccessToken == "" {
		return "", errors.New("fetch access token: empty token")
	}

	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	// Refresh a minute early so in-flight calls never carry an expired token.
	c.token = out.AccessToken
	c.tokenExpiry = c.now().Add(ttl - time.Minute)
	return c.token, nil
}

func (c *Client) invalidate(err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.tokenInvalid() {
		return
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type textMessage struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// SendText pushes a customer-service text message to openID.
func (c *Client) SendText(ctx context.Context, openID, text string) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	msg := textMessage{ToUser: openID, MsgType: MsgTypeText}
	msg.Text.Content = text
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal text message: %w", err)
	}

	endpoint := c.baseURL + "/cgi-bin/message/custom/send?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out APIError
	if err := c.doJSON(req, &out); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if out.Code != 0 {
		c.invalidate(&out)
		return fmt.Errorf("send text: %w", &out)
	}
	return nil
}

// GetMedia downloads a temporary media asset such as a voice recording.
func (c *Client) GetMedia(ctx context.Context, mediaID string) ([]byte, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("access_token", token)
	q.Set("media_id", mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cgi-bin/media/get?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create media request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("get media: %w", &StatusError{Code: res.StatusCode, Body: string(body)})
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}

	// Errors come back as JSON; media comes back as binary.
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "json") || strings.HasPrefix(ct, "text/plain") {
		var apiErr APIError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
			c.invalidate(&apiErr)
			return nil, fmt.Errorf("get media: %w", &apiErr)
		}
	}
	return body, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
