// Package twilio implements call initiation against the Twilio-compatible
// REST API. The created call fetches TwiML that opens a media stream to our
// media server and reports its disposition to the status callback.
package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/telephony"
)

// Provider is a thin client over the Calls endpoint.
type Provider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// New builds the provider from configuration.
func New(cfg config.TelephonyConfig) (*Provider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: account sid and auth token are required")
	}
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://api.twilio.com/2010-04-01"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall creates the outbound call. The returned outcome is always nil;
// the disposition arrives later on the status callback.
func (p *Provider) PlaceCall(ctx context.Context, params telephony.PlaceCallParams) (telephony.Result, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", p.baseURL, p.accountSID)

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	data.Set("Twiml", streamTwiML(params.StreamURL, params.CustomParams))
	if params.StatusCallbackURL != "" {
		data.Set("StatusCallback", params.StatusCallbackURL)
		data.Add("StatusCallbackEvent", "completed")
		data.Add("StatusCallbackEvent", "no-answer")
		data.Add("StatusCallbackEvent", "busy")
		data.Add("StatusCallbackEvent", "failed")
	}
	if params.RingTimeout > 0 {
		data.Set("Timeout", strconv.Itoa(params.RingTimeout))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return telephony.Result{}, fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return telephony.Result{}, fmt.Errorf("twilio: create call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return telephony.Result{}, fmt.Errorf("twilio: create call: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var call callResource
	if err := json.Unmarshal(body, &call); err != nil {
		return telephony.Result{}, fmt.Errorf("twilio: decode response: %w", err)
	}
	if call.SID == "" {
		return telephony.Result{}, fmt.Errorf("twilio: response missing call sid")
	}
	return telephony.Result{ProviderCallID: call.SID}, nil
}

// streamTwiML renders the <Connect><Stream> instruction that joins the
// answered call to the media server, with our identifiers as stream
// parameters.
func streamTwiML(streamURL string, custom map[string]string) string {
	var b strings.Builder
	b.WriteString(`<Response><Connect><Stream url="`)
	_ = xml.EscapeText(&b, []byte(streamURL))
	b.WriteString(`">`)
	for k, v := range custom {
		b.WriteString(`<Parameter name="`)
		_ = xml.EscapeText(&b, []byte(k))
		b.WriteString(`" value="`)
		_ = xml.EscapeText(&b, []byte(v))
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}
