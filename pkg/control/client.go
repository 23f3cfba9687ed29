package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
	"github.com/qbrc-cnap/mev-procman/pkg/supervisor"
)

const DefaultClientTimeout = 30 * time.Second

// Client talks to a running daemon's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(serverAddress string) *Client {
	return &Client{
		baseURL: "http://" + serverAddress,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.get("/api/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) ListPrograms() ([]supervisor.ProgramStatus, error) {
	var statuses []supervisor.ProgramStatus
	if err := c.get("/api/programs", &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) ProgramStatus(name string) (*supervisor.ProgramStatus, error) {
	var status supervisor.ProgramStatus
	if err := c.get("/api/programs/"+url.PathEscape(name), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) StartProgram(name string) (*ActionResponse, error) {
	return c.action(name, "start", false)
}

func (c *Client) StopProgram(name string) (*ActionResponse, error) {
	return c.action(name, "stop", false)
}

func (c *Client) RestartProgram(name string, force bool) (*ActionResponse, error) {
	return c.action(name, "restart", force)
}

func (c *Client) action(name, action string, force bool) (*ActionResponse, error) {
	path := "/api/programs/" + url.PathEscape(name) + "/" + action
	if force {
		path += "?force=true"
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return nil, errors.NewNetworkError(
			fmt.Sprintf("failed to reach daemon at %s", c.baseURL), err)
	}
	defer resp.Body.Close()

	var result ActionResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return errors.NewNetworkError(
			fmt.Sprintf("failed to reach daemon at %s", c.baseURL), err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewIOError("failed to read daemon response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var remote errorResponse
		if json.Unmarshal(body, &remote) == nil && remote.Error != "" {
			return remoteError(resp.StatusCode, remote.Error)
		}
		return remoteError(resp.StatusCode, fmt.Sprintf("daemon returned status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewInternalError("failed to decode daemon response", err)
	}
	return nil
}

// remoteError reconstructs the daemon's error classification from the
// HTTP status code so CLI callers can branch on error type.
func remoteError(statusCode int, message string) error {
	switch statusCode {
	case http.StatusNotFound:
		return errors.NewNotFoundError(message, nil)
	case http.StatusConflict:
		return errors.NewConflictError(message, nil)
	case http.StatusBadRequest:
		return errors.NewValidationError(message, nil)
	case http.StatusGatewayTimeout:
		return errors.NewTimeoutError(message, nil)
	default:
		return errors.NewInternalError(message, nil)
	}
}
