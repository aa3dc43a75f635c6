// Package probe checks a tenant's bot credential against the Discord REST API.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/loykin/botfleet/internal/metrics"
)

const (
	DefaultBaseURL = "https://discord.com/api/v10"
	// usersPerGuild is the rough audience estimate per guild for music bots.
	usersPerGuild = 100
)

var (
	// ErrUnauthorized means the credential was refused.
	ErrUnauthorized = errors.New("credential rejected by upstream")
	// ErrNotBot means the credential belongs to a user account.
	ErrNotBot = errors.New("credential is not a bot token")
)

// Result is what the upstream service reports for a credential.
type Result struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"displayName"`
	Avatar             string    `json:"avatar,omitempty"`
	Verified           bool      `json:"verified"`
	Bot                bool      `json:"bot"`
	GuildCount         int       `json:"guildCount"`
	EstimatedUserCount int       `json:"estimatedUserCount"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// Options configures a Prober. Zero values are usable.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Rate and Burst limit outgoing requests across all tenants.
	Rate   float64
	Burst  int
	Client *http.Client
}

// Prober queries the upstream API. It is safe for concurrent use.
type Prober struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func New(opts Options) *Prober {
	p := &Prober{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		client: opts.Client,
		now:    time.Now,
	}
	if p.base == "" {
		p.base = DefaultBaseURL
	}
	if p.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		p.client = &http.Client{Timeout: timeout}
	}
	r := rate.Limit(opts.Rate)
	if opts.Rate <= 0 {
		r = rate.Limit(20)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	p.limiter = rate.NewLimiter(r, burst)
	return p
}

type me struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Verified   bool   `json:"verified"`
	Bot        bool   `json:"bot"`
}

// Probe looks up the bot behind credential. A failing guild listing leaves
// the counts at zero; a failing identity lookup is an error.
func (p *Prober) Probe(ctx context.Context, credential string) (*Result, error) {
	var who me
	if err := p.get(ctx, credential, "/users/@me", &who); err != nil {
		metrics.IncProbe("error")
		return nil, err
	}
	res := &Result{
		ID:          who.ID,
		DisplayName: who.Username,
		Avatar:      who.Avatar,
		Verified:    who.Verified,
		Bot:         who.Bot,
		CheckedAt:   p.now().UTC(),
	}
	if who.GlobalName != "" {
		res.DisplayName = who.GlobalName
	}
	var guilds []json.RawMessage
	if err := p.get(ctx, credential, "/users/@me/guilds", &guilds); err == nil {
		res.GuildCount = len(guilds)
		res.EstimatedUserCount = len(guilds) * usersPerGuild
	}
	metrics.IncProbe("ok")
	return res, nil
}

// ValidateToken accepts only credentials that identify a bot account.
func (p *Prober) ValidateToken(ctx context.Context, token string) error {
	var who me
	if err := p.get(ctx, token, "/users/@me", &who); err != nil {
		return err
	}
	if !who.Bot {
		return ErrNotBot
	}
	return nil
}

func (p *Prober) get(ctx context.Context, credential, path string, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+credential)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("GET %s: %w (%d)", path, ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
