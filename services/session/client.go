package session

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"otplink/internal/config"
)

// ErrSessionExpired marks an upstream rejection of the current token. It is
// handled by refreshing through the registry, never retried on the same client.
var ErrSessionExpired = errors.New("session expired")

// ErrNoCode means a single code-request attempt yielded nothing usable.
// The pipeline decides whether to retry.
var ErrNoCode = errors.New("no code available")

const (
	loginPath  = "/pl3/access/login"
	codePath   = "/pl3/2/ws/login_code/get"
	statusPath = "/pl3/2/ws/login/status"
	rewardPath = "/pl3/activity/reset"
)

// Status is the interpreted result of one status check.
type Status struct {
	Success bool
	Waiting bool
	Expired bool
	Code    int
	HasCode bool
	Message string
}

// RewardResult is the outcome of one periodic reward claim.
type RewardResult struct {
	Claimed bool
	Message string
}

// API is the per-site session surface consumed by the pipeline and registry.
type API interface {
	Login(ctx context.Context) error
	Token() string
	RequestCode(ctx context.Context, phone string) (string, error)
	CheckStatus(ctx context.Context, phone string) (Status, error)
	ClaimReward(ctx context.Context) RewardResult
}

// Client holds one authenticated connection to a site. The token is written
// once by Login before the registry publishes the client; expired clients are
// replaced wholesale, never re-authenticated in place.
type Client struct {
	site  config.SiteConfig
	cfg   *config.Config
	http  *http.Client
	token string
}

func NewClient(site config.SiteConfig, cfg *config.Config) API {
	return &Client{
		site: site,
		cfg:  cfg,
		http: &http.Client{
			Timeout: cfg.Upstream.Timeout,
			Transport: &http.Transport{
				// The upstream sites serve broken certificate chains.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (c *Client) Token() string { return c.token }

func (c *Client) post(ctx context.Context, path string, body any) (map[string]json.RawMessage, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.site.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("post %s: http %d", path, resp.StatusCode)
	}

	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, resp.StatusCode, nil
}

// Login authenticates with the fixed upstream credentials and stores the
// session token.
func (c *Client) Login(ctx context.Context) error {
	sum := md5.Sum([]byte(c.cfg.Upstream.Password))

	result, _, err := c.post(ctx, loginPath, map[string]any{
		"reg_type": 1,
		"phone":    c.cfg.Upstream.LoginPhone,
		"password": hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return fmt.Errorf("login %s: %w", c.site.Key, err)
	}

	var code int
	if raw, ok := result["code"]; ok {
		if err := json.Unmarshal(raw, &code); err != nil {
			return fmt.Errorf("login %s: malformed code", c.site.Key)
		}
	}
	if code != 0 {
		return fmt.Errorf("login %s: upstream code %d", c.site.Key, code)
	}

	var data struct {
		Token string `json:"token"`
	}
	if raw, ok := result["data"]; ok {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("login %s: malformed data", c.site.Key)
		}
	}
	if data.Token == "" {
		return fmt.Errorf("login %s: no token in response", c.site.Key)
	}

	c.token = data.Token
	return nil
}

// encryptedCall posts an encrypted envelope and returns the decrypted inner
// response. Any decryption or shape failure surfaces as an error; the caller
// treats it as "no result".
func (c *Client) encryptedCall(ctx context.Context, path string, payload any) (map[string]json.RawMessage, error) {
	key, iv, err := deriveKeyIV(c.token)
	if err != nil {
		return nil, err
	}

	enc, err := encryptEnvelope(key, iv, payload)
	if err != nil {
		return nil, err
	}

	result, status, err := c.post(ctx, path, map[string]string{"data": enc})
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, ErrSessionExpired
		}
		return nil, err
	}

	raw, ok := result["data"]
	if !ok {
		return nil, fmt.Errorf("%s: no data field", path)
	}

	var encResp string
	if err := json.Unmarshal(raw, &encResp); err != nil {
		// Some responses carry the inner object unencrypted.
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%s: malformed data field", path)
		}
		return inner, nil
	}

	plain, err := decryptEnvelope(key, iv, encResp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(plain, &inner); err != nil {
		return nil, fmt.Errorf("%s: malformed inner payload", path)
	}
	return inner, nil
}

// RequestCode makes one attempt to obtain a login code for the identifier.
func (c *Client) RequestCode(ctx context.Context, phone string) (string, error) {
	inner, err := c.encryptedCall(ctx, codePath, map[string]string{"phone_number": phone})
	if err != nil {
		return "", err
	}

	code, ok := rawInt(inner["code"])
	if !ok || code != 0 {
		return "", ErrNoCode
	}

	var data struct {
		LoginCode string `json:"login_code"`
	}
	if raw, ok := inner["data"]; ok {
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", ErrNoCode
		}
	}
	if data.LoginCode == "" {
		return "", ErrNoCode
	}

	return strings.ReplaceAll(data.LoginCode, "-", ""), nil
}

// CheckStatus polls the linking state for the identifier, tolerating the
// three legacy response shapes the upstream is known to produce.
func (c *Client) CheckStatus(ctx context.Context, phone string) (Status, error) {
	key, iv, err := deriveKeyIV(c.token)
	if err != nil {
		return Status{}, err
	}

	enc, err := encryptEnvelope(key, iv, map[string]string{"phone_number": phone})
	if err != nil {
		return Status{}, err
	}

	result, httpStatus, err := c.post(ctx, statusPath, map[string]string{"data": enc})
	if err != nil {
		if httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden {
			return Status{Expired: true, Waiting: true}, nil
		}
		return Status{Waiting: true, Message: "no response"}, nil
	}

	// Shape 1: top-level status flag.
	if flag, ok := rawInt(result["status"]); ok && flag == 1 {
		msg := rawString(result["msg"])
		if mismatchedPhone(msg, phone) {
			zap.L().Warn("status success rejected on phone mismatch",
				zap.String("site", c.site.Key), zap.String("phone", phone), zap.String("msg", msg))
			return Status{Waiting: true, Code: 1, HasCode: true, Message: msg}, nil
		}
		return Status{Success: true, Code: 1, HasCode: true, Message: msg}, nil
	}

	// Shape 2: top-level numeric code.
	if code, ok := rawInt(result["code"]); ok {
		return c.interpretCode(code, rawString(result["msg"]), phone), nil
	}

	// Shape 3: nested data object, possibly still encrypted.
	if raw, ok := result["data"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err == nil && len(inner) > 0 {
			if code, ok := rawInt(inner["code"]); ok {
				return c.interpretCode(code, rawString(inner["msg"]), phone), nil
			}
		}

		var encResp string
		if err := json.Unmarshal(raw, &encResp); err == nil {
			plain, err := decryptEnvelope(key, iv, encResp)
			if err != nil {
				return Status{Waiting: true, Message: "decrypt failure"}, nil
			}
			if err := json.Unmarshal(plain, &inner); err != nil {
				return Status{Waiting: true, Message: "malformed inner payload"}, nil
			}
			if code, ok := rawInt(inner["code"]); ok {
				return c.interpretCode(code, rawString(inner["msg"]), phone), nil
			}
		}
	}

	return Status{Waiting: true, Message: "unexpected response shape"}, nil
}

// interpretCode collapses the upstream's code zoo into one outcome. The
// accepted success set is configuration, not contract: the upstream has
// changed it before.
func (c *Client) interpretCode(code int, msg, phone string) Status {
	st := Status{Code: code, HasCode: true, Message: msg}

	if mismatchedPhone(msg, phone) {
		st.Waiting = true
		return st
	}

	for _, ok := range c.cfg.Upstream.SuccessCodes {
		if code == ok {
			st.Success = true
		}
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "success") || strings.Contains(lower, "bound") {
		st.Success = true
	}

	st.Waiting = code == c.cfg.Upstream.WaitingCode
	st.Expired = code == c.cfg.Upstream.ExpiredCode
	return st
}

// ClaimReward attempts the hourly reset-reward claim.
func (c *Client) ClaimReward(ctx context.Context) RewardResult {
	inner, err := c.encryptedCall(ctx, rewardPath, map[string]int{
		"activity_type": 2,
		"activity_id":   6,
	})
	if err != nil {
		return RewardResult{Message: err.Error()}
	}

	code, ok := rawInt(inner["code"])
	switch {
	case ok && code == 0:
		return RewardResult{Claimed: true, Message: "Reward claimed"}
	case ok && code == c.cfg.Upstream.NotReadyCode:
		return RewardResult{Message: "Not ready yet"}
	default:
		msg := rawString(inner["msg"])
		if msg == "" {
			msg = "Unknown"
		}
		return RewardResult{Message: msg}
	}
}

var digitRun = regexp.MustCompile(`\d{10,15}`)

// mismatchedPhone demotes a success whose message names a different number.
func mismatchedPhone(msg, phone string) bool {
	if msg == "" || !strings.Contains(strings.ToLower(msg), "number") {
		return false
	}
	found := digitRun.FindString(msg)
	if found == "" {
		return false
	}
	clean := strings.NewReplacer("+", "", "-", "", " ", "").Replace(phone)
	return found != clean
}

func rawInt(raw json.RawMessage) (int, bool) {
	if raw == nil {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return int(f), true
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
