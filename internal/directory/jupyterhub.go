package directory

import (
	"context"
	"fmt"
	"time"

	resty "github.com/go-resty/resty/v2"

	"github.com/sammck-go/jhproxy/internal/logger"
)

// JupyterHub is the real directory-service implementation, talking to a
// JupyterHub instance's user/server-management REST API (spec section 6).
//
// Two behaviors are carried over verbatim from the original source,
// flagged there as open questions rather than fixed, per spec section 9:
//   - status 400 from POST .../server is treated as "already running".
//   - forwarding args come from POST /hub/api/users/{user}, reading a
//     "server" field from the response body.
// One bug from the original source IS corrected here, per spec section 9:
// the token is sent as "Authorization: token <token>", not "Authentication:".
type JupyterHub struct {
	Log    logger.Logger
	client *resty.Client
}

// NewJupyterHub creates a client pointed at hubURL (e.g. "https://hub.example.org").
func NewJupyterHub(log logger.Logger, hubURL string) *JupyterHub {
	client := resty.New().SetBaseURL(hubURL).SetTimeout(15 * time.Second)
	return &JupyterHub{Log: log, client: client}
}

func (j *JupyterHub) authHeader(authSecret string) string {
	return "token " + authSecret
}

func (j *JupyterHub) ValidateAuth(ctx context.Context, connID, username, authSecret string) (bool, error) {
	resp, err := j.client.R().
		SetContext(ctx).
		SetHeader("Authorization", j.authHeader(authSecret)).
		Get(fmt.Sprintf("/hub/api/users/%s", username))
	if err != nil {
		j.Log.ELogf("[%s] failed to connect to jupyter hub: %s", connID, err)
		return false, ErrUpstreamUnavailable
	}
	if resp.StatusCode() != 200 {
		j.Log.ILogf("[%s] unknown user", connID)
		return false, nil
	}

	resp, err = j.client.R().
		SetContext(ctx).
		SetHeader("Authorization", j.authHeader(authSecret)).
		Get(fmt.Sprintf("/hub/api/users/%s/tokens/%s", username, authSecret))
	if err != nil {
		j.Log.ELogf("[%s] failed to connect to jupyter hub: %s", connID, err)
		return false, ErrUpstreamUnavailable
	}
	if resp.StatusCode() != 200 {
		j.Log.ILogf("[%s] invalid token", connID)
		return false, nil
	}

	j.Log.ILogf("[%s] user %q successfully logged in", connID, username)
	return true, nil
}

func (j *JupyterHub) GetForwardingArgs(ctx context.Context, connID, username, authSecret string) (ForwardingArgs, error) {
	var body struct {
		Server string `json:"server"`
	}
	resp, err := j.client.R().
		SetContext(ctx).
		SetHeader("Authorization", j.authHeader(authSecret)).
		SetResult(&body).
		Post(fmt.Sprintf("/hub/api/users/%s", username))
	if err != nil || resp.StatusCode() != 200 {
		j.Log.ELogf("[%s] failed to retrieve forwarding information", connID)
		return ForwardingArgs{}, ErrUpstreamUnavailable
	}
	return ForwardingArgs{
		Host:     body.Server,
		Port:     22,
		Username: username,
		Password: authSecret,
	}, nil
}

// StartServer mirrors the original source's recursive retry as an
// iterative doubling schedule (spec section 4.1, section 9): the delay
// cap of 60s is checked against the *current* retry interval before
// sleeping, matching the original's `retry_secs < 60` guard exactly.
func (j *JupyterHub) StartServer(ctx context.Context, connID, username, authSecret string, retrySecs int) error {
	for {
		j.Log.DLogf("[%s] attempting to start container", connID)
		resp, err := j.client.R().
			SetContext(ctx).
			SetHeader("Authorization", j.authHeader(authSecret)).
			Post(fmt.Sprintf("/hub/api/users/%s/server", username))
		if err != nil {
			j.Log.ELogf("[%s] failed to connect to jupyter hub: %s", connID, err)
			return ErrUpstreamUnavailable
		}

		status := resp.StatusCode()
		switch {
		case status == 201 || status == 400:
			// BUG: 400 is treated as "already running" in the original
			// source; preserved here rather than guessed-fixed, per the
			// spec's open question.
			j.Log.ILogf("[%s] container started", connID)
			return nil
		case status == 202 && retrySecs < 60:
			select {
			case <-time.After(time.Duration(retrySecs) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			retrySecs *= 2
		default:
			j.Log.ELogf("[%s] failed to start container", connID)
			return ErrProvisioningFailed
		}
	}
}

func (j *JupyterHub) StopServer(ctx context.Context, connID, username, authSecret string) {
	j.Log.DLogf("[%s] attempting to stop container", connID)
	resp, err := j.client.R().
		SetContext(ctx).
		SetHeader("Authorization", j.authHeader(authSecret)).
		Delete(fmt.Sprintf("/hub/api/users/%s/server", username))
	if err != nil {
		j.Log.ELogf("[%s] failed to connect to jupyter hub", connID)
		return
	}
	if resp.StatusCode() == 200 {
		j.Log.DLogf("[%s] stopped unused container", connID)
	} else {
		j.Log.ELogf("[%s] failed to stop unused container of user %q", connID, username)
	}
}
