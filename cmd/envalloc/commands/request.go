package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/api"
)

var serverURL string

func newRequestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Talk to a running envalloc service",
		Long: `Submit, inspect, renew and release environment requests over the HTTP API,
and register provider resources with the catalog.

The server defaults to $ENVALLOC_BASE_URL, or http://localhost:8080.`,
	}

	defaultServer := os.Getenv("ENVALLOC_BASE_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "envalloc API URL")

	cmd.AddCommand(newRequestSubmitCommand())
	cmd.AddCommand(newRequestStatusCommand())
	cmd.AddCommand(newRequestReleaseCommand())
	cmd.AddCommand(newRequestRenewCommand())
	cmd.AddCommand(newRequestRegisterCommand())

	return cmd
}

func newRequestSubmitCommand() *cobra.Command {
	var (
		body   api.SubmitRequest
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Ask for an environment",
		Example: `  # Ask for two ssd machines and wait for the outcome
  envalloc request submit --type machine --tag ssd --quantity 2 --wait 120 --follow

  # Retry safely with a caller-chosen id
  envalloc request submit --id build-4711 --type machine`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newAPIClient(serverURL)

			var submitted api.SubmitResponse
			if err := c.do(ctx, http.MethodPost, "/environment", "", body, &submitted); err != nil {
				return err
			}
			if !follow {
				return printResult(submitted, fmt.Sprintf("%s %s", submitted.RequestID, submitted.Status))
			}

			status, err := c.await(ctx, submitted.RequestID, time.Duration(body.WaitTimeoutSeconds)*time.Second)
			if err != nil {
				return err
			}
			return printStatus(status)
		},
	}

	cmd.Flags().StringVar(&body.RequestID, "id", "", "request id, reused on retry")
	cmd.Flags().StringVar(&body.Type, "type", "", "resource type")
	cmd.Flags().StringSliceVar(&body.Tags, "tag", nil, "required capability tag (repeatable)")
	cmd.Flags().IntVar(&body.Quantity, "quantity", 1, "number of resources")
	cmd.Flags().IntVar(&body.WaitTimeoutSeconds, "wait", 0, "wait budget in seconds (0 uses the server default)")
	cmd.Flags().IntVar(&body.LeaseSeconds, "lease", 0, "lease length in seconds (0 uses the server default)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll until the request has an outcome")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newRequestStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status api.StatusResponse
			if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/environment/"+args[0], "", nil, &status); err != nil {
				return err
			}
			return printStatus(status)
		},
	}
}

func newRequestReleaseCommand() *cobra.Command {
	var token, reservationID string

	cmd := &cobra.Command{
		Use:   "release <request-id>",
		Short: "Release an environment or cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reservationID != "" {
				var res api.ReservationResponse
				path := "/environment/" + args[0] + "/reservations/" + reservationID
				if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodDelete, path, token, nil, &res); err != nil {
					return err
				}
				return printResult(res, fmt.Sprintf("%s %s", res.ReservationID, res.Status))
			}

			var status api.StatusResponse
			if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodDelete, "/environment/"+args[0], token, nil, &status); err != nil {
				return err
			}
			return printStatus(status)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "lease token of a fulfilled request")
	cmd.Flags().StringVar(&reservationID, "reservation", "", "release only this reservation (needs --token)")

	return cmd
}

func newRequestRenewCommand() *cobra.Command {
	var (
		token string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "renew <request-id>",
		Short: "Extend the lease of a fulfilled request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status api.StatusResponse
			body := api.RenewRequest{TTLSeconds: int(ttl / time.Second)}
			if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, "/environment/"+args[0]+"/renew", token, body, &status); err != nil {
				return err
			}
			return printStatus(status)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "lease token")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "new lease length, counted from now")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func newRequestRegisterCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Add provider resources to the catalog",
		Example: `  # Register the machines listed in a catalog file
  envalloc request register --file lab.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readRegistration(file)
			if err != nil {
				return err
			}
			var out api.RegisterResponse
			if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, "/register", "", body, &out); err != nil {
				return err
			}
			return printResult(out, fmt.Sprintf("registered %d resources", out.Registered))
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML or JSON file with a resources list")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// readRegistration reads a file in the catalog file layout.
func readRegistration(path string) (api.RegisterRequest, error) {
	var body api.RegisterRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return body, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &body); err != nil {
		return body, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(body.Resources) == 0 {
		return body, fmt.Errorf("%s lists no resources", path)
	}
	return body, nil
}

// apiClient is a minimal client of the environment API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a failed call decoded from the error body.
type apiError struct {
	status int
	body   api.ErrorResponse
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, e.body.Reason, e.body.Message)
}

func (c *apiClient) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(api.LeaseTokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.body); err != nil {
			apiErr.body.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errStillPending makes the poll retry.
var errStillPending = errors.New("request still pending")

// await polls a request until it leaves the pending outcome. wait is the
// request's wait budget; zero polls for the server default plus a margin.
func (c *apiClient) await(ctx context.Context, id string, wait time.Duration) (api.StatusResponse, error) {
	if wait <= 0 {
		wait = 5 * time.Minute
	}

	poll := func() (api.StatusResponse, error) {
		var status api.StatusResponse
		if err := c.do(ctx, http.MethodGet, "/environment/"+id, "", nil, &status); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.status < http.StatusInternalServerError {
				return status, backoff.Permanent(err)
			}
			return status, err
		}
		if status.Status == alloc.OutcomePending {
			return status, errStillPending
		}
		return status, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	status, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(wait+30*time.Second),
	)
	if errors.Is(err, errStillPending) {
		return status, fmt.Errorf("request %s has no outcome yet", id)
	}
	return status, err
}

func printStatus(s api.StatusResponse) error {
	var line strings.Builder
	fmt.Fprintf(&line, "%s %s (attempts: %d)", s.RequestID, s.Status, s.Attempts)
	if s.Reason != "" {
		fmt.Fprintf(&line, "\n  reason:  %s", s.Reason)
	}
	if s.Message != "" {
		fmt.Fprintf(&line, "\n  message: %s", s.Message)
	}
	if s.Lease != nil {
		fmt.Fprintf(&line, "\n  token:   %s", s.Lease.Token)
		if s.Lease.Deadline != nil {
			fmt.Fprintf(&line, "\n  expires: %s", s.Lease.Deadline.Format(time.RFC3339))
		}
		for _, r := range s.Lease.Resources {
			fmt.Fprintf(&line, "\n  - %s (%s)", r.ID, r.Type)
		}
	}
	return printResult(s, line.String())
}

func printResult(v interface{}, text string) error {
	if jsonOutput {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}
