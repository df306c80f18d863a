package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cory-johannsen/lobby/internal/config"
)

// steamResultOK is the params.result value for a valid ticket.
const steamResultOK = "OK"

// SteamProvider implements Provider against the Steam partner Web API.
type SteamProvider struct {
	cfg    config.SteamConfig
	client *http.Client
}

// NewSteamProvider creates a SteamProvider. A nil client uses http.DefaultClient;
// per-call deadlines come from the caller's context.
//
// Precondition: cfg.AuthURL and cfg.ProfileURL must be absolute URLs.
func NewSteamProvider(cfg config.SteamConfig, client *http.Client) *SteamProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &SteamProvider{cfg: cfg, client: client}
}

type steamAuthResponse struct {
	Response struct {
		Params *struct {
			Result          string `json:"result"`
			SteamID         string `json:"steamid"`
			VACBanned       bool   `json:"vacbanned"`
			PublisherBanned bool   `json:"publisherbanned"`
		} `json:"params"`
		Error *struct {
			Code int    `json:"errorcode"`
			Desc string `json:"errordesc"`
		} `json:"error"`
	} `json:"response"`
}

type steamSummariesResponse struct {
	Response struct {
		Players []struct {
			PersonaName string `json:"personaname"`
			Avatar      string `json:"avatar"`
		} `json:"players"`
	} `json:"response"`
}

// VerifyTicket calls AuthenticateUserTicket.
//
// Postcondition: Returns a Verification with OK set only when params.result is "OK".
// Transport and status failures wrap ErrProviderUnavailable.
func (s *SteamProvider) VerifyTicket(ctx context.Context, ticket string) (Verification, error) {
	q := url.Values{}
	q.Set("key", s.cfg.PrivateKey)
	q.Set("appid", s.cfg.AppID)
	q.Set("ticket", ticket)

	var resp steamAuthResponse
	if err := s.get(ctx, s.cfg.AuthURL, q, &resp); err != nil {
		return Verification{}, fmt.Errorf("verifying ticket: %w", err)
	}

	if resp.Response.Error != nil {
		return Verification{}, fmt.Errorf("verifying ticket: steam error %d: %s",
			resp.Response.Error.Code, resp.Response.Error.Desc)
	}
	p := resp.Response.Params
	if p == nil {
		return Verification{}, nil
	}
	return Verification{
		OK:              p.Result == steamResultOK,
		ExternalID:      p.SteamID,
		VACBanned:       p.VACBanned,
		PublisherBanned: p.PublisherBanned,
	}, nil
}

// GetProfile calls GetPlayerSummaries for a single Steam ID.
//
// Postcondition: Returns the first player's persona, or an error if the
// response lists no players.
func (s *SteamProvider) GetProfile(ctx context.Context, externalID string) (Profile, error) {
	q := url.Values{}
	q.Set("key", s.cfg.PrivateKey)
	q.Set("steamids", externalID)

	var resp steamSummariesResponse
	if err := s.get(ctx, s.cfg.ProfileURL, q, &resp); err != nil {
		return Profile{}, fmt.Errorf("fetching profile: %w", err)
	}
	if len(resp.Response.Players) == 0 {
		return Profile{}, fmt.Errorf("fetching profile: no player %s", externalID)
	}
	p := resp.Response.Players[0]
	return Profile{DisplayName: p.PersonaName, AvatarURL: p.Avatar}, nil
}

func (s *SteamProvider) get(ctx context.Context, endpoint string, q url.Values, out interface{}) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
