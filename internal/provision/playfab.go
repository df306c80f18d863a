// Package provision requests dedicated game server instances for matched players.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cory-johannsen/lobby/internal/config"
)

// GamePortName is the port name the game build exposes for client traffic.
const GamePortName = "gameport"

// tokenRefreshMargin is how long before expiry a cached entity token is replaced.
const tokenRefreshMargin = time.Minute

var (
	// ErrProvisionFailed wraps every failure to obtain a server.
	ErrProvisionFailed = errors.New("server provisioning failed")
	// ErrNoGamePort is returned when an allocation exposes no port named GamePortName.
	ErrNoGamePort = errors.New("allocation has no game port")
)

// AllocationRequest describes the server to request.
type AllocationRequest struct {
	BuildID          string
	PreferredRegions []string
	SessionID        string
	InitialPlayers   []string
}

// Port is one network port of an allocated server.
type Port struct {
	Name     string `json:"Name"`
	Num      int    `json:"Num"`
	Protocol string `json:"Protocol"`
}

// Allocation is the address of a provisioned server.
type Allocation struct {
	SessionID string
	FQDN      string
	Ports     []Port
}

// GamePort returns the port number named GamePortName.
func (a Allocation) GamePort() (int, error) {
	for _, p := range a.Ports {
		if strings.EqualFold(p.Name, GamePortName) {
			return p.Num, nil
		}
	}
	return 0, ErrNoGamePort
}

// Provisioner allocates game servers.
type Provisioner interface {
	// RequestServer allocates one server. It must not retry.
	RequestServer(ctx context.Context, req AllocationRequest) (Allocation, error)
}

// PlayFabClient implements Provisioner against the PlayFab Multiplayer Server API.
type PlayFabClient struct {
	cfg    config.PlayFabConfig
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewPlayFabClient creates a PlayFabClient. A nil client uses http.DefaultClient.
//
// Precondition: cfg must have passed config validation.
func NewPlayFabClient(cfg config.PlayFabConfig, client *http.Client) *PlayFabClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &PlayFabClient{cfg: cfg, client: client, now: time.Now}
}

type playFabEnvelope struct {
	Code         int             `json:"code"`
	Status       string          `json:"status"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"errorMessage"`
	Data         json.RawMessage `json:"data"`
}

type entityTokenData struct {
	EntityToken     string    `json:"EntityToken"`
	TokenExpiration time.Time `json:"TokenExpiration"`
}

type requestServerBody struct {
	BuildID          string   `json:"BuildId"`
	PreferredRegions []string `json:"PreferredRegions"`
	SessionID        string   `json:"SessionId"`
	InitialPlayers   []string `json:"InitialPlayers,omitempty"`
}

type requestServerData struct {
	SessionID string `json:"SessionId"`
	FQDN      string `json:"FQDN"`
	Ports     []Port `json:"Ports"`
}

// RequestServer obtains an entity token (cached) and requests one server.
//
// Postcondition: Returns an Allocation with a non-empty FQDN, or an error wrapping ErrProvisionFailed.
func (c *PlayFabClient) RequestServer(ctx context.Context, req AllocationRequest) (Allocation, error) {
	token, err := c.entityToken(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}

	body := requestServerBody{
		BuildID:          req.BuildID,
		PreferredRegions: req.PreferredRegions,
		SessionID:        req.SessionID,
		InitialPlayers:   req.InitialPlayers,
	}
	var data requestServerData
	if err := c.post(ctx, "/MultiplayerServer/RequestMultiplayerServer", "X-EntityToken", token, body, &data); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.rejectsToken() {
			c.dropToken(token)
		}
		return Allocation{}, fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}
	if data.FQDN == "" {
		return Allocation{}, fmt.Errorf("%w: empty FQDN in response", ErrProvisionFailed)
	}
	return Allocation{SessionID: data.SessionID, FQDN: data.FQDN, Ports: data.Ports}, nil
}

func (c *PlayFabClient) entityToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(tokenRefreshMargin).Before(c.tokenExpiry) {
		return c.token, nil
	}

	var data entityTokenData
	if err := c.post(ctx, "/Authentication/GetEntityToken", "X-SecretKey", c.cfg.SecretKey, struct{}{}, &data); err != nil {
		return "", fmt.Errorf("getting entity token: %w", err)
	}
	if data.EntityToken == "" {
		return "", errors.New("getting entity token: empty token")
	}
	c.token = data.EntityToken
	c.tokenExpiry = data.TokenExpiration
	return c.token, nil
}

// dropToken forgets token so the next request fetches a new one. A token
// already replaced by a concurrent caller is left alone.
func (c *PlayFabClient) dropToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.tokenExpiry = time.Time{}
	}
}

// apiError is a non-2xx PlayFab response.
type apiError struct {
	path    string
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: status %d: %s: %s", e.path, e.status, e.code, e.message)
}

func (e *apiError) rejectsToken() bool {
	return e.status == http.StatusUnauthorized || e.status == http.StatusForbidden || e.code == "NotAuthorized"
}

func (c *PlayFabClient) post(ctx context.Context, path, authHeader, authValue string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint()+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(authHeader, authValue)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}

	var env playFabEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &apiError{path: path, status: resp.StatusCode, message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("%s: status %d: decoding response: %w", path, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{path: path, status: resp.StatusCode, code: env.Error, message: env.ErrorMessage}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decoding data: %w", path, err)
	}
	return nil
}
