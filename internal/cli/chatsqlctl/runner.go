package chatsqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatsql/chatsql/internal/auth"
	"github.com/chatsql/chatsql/internal/client"
)

type Options struct {
	BaseURL        string
	APIKey         string
	OrganizationID string
	UserID         string
	Role           string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Stdout         io.Writer
	Stderr         io.Writer
}

// usageError exits with code 2.
type usageError struct{ error }

// runtime carries what every command needs after flags are parsed.
type runtime struct {
	opts       Options
	jsonOutput bool
	stdout     io.Writer
	stderr     io.Writer
}

func (r *runtime) client() *client.Client {
	return client.New(client.Options{
		BaseURL: r.opts.BaseURL,
		APIKey:  r.opts.APIKey,
		Identity: auth.Identity{
			OrganizationID: r.opts.OrganizationID,
			UserID:         r.opts.UserID,
			Role:           r.opts.Role,
		},
		Timeout:    r.opts.Timeout,
		HTTPClient: r.opts.HTTPClient,
	})
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	rt := &runtime{opts: defaults, stdout: stdout, stderr: stderr}
	root := newRootCommand(rt)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	var usage usageError
	if errors.As(err, &usage) {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", usage.error)
		if cmd == nil {
			cmd = root
		}
		cmd.SetOut(stderr)
		_ = cmd.Usage()
		return 2
	}
	_, _ = fmt.Fprintf(stderr, "%s\n", errorStyle.Render("error: "+err.Error()))
	return 1
}

func newRootCommand(rt *runtime) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatsqlctl",
		Short:         "Ask questions of your databases through the chatsql API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unknown command %q", args[0])}
			}
			return usageError{errors.New("a command is required")}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&rt.opts.BaseURL, "base-url", firstNonEmpty(rt.opts.BaseURL, "http://localhost:8080"), "chatsql API base URL")
	flags.StringVar(&rt.opts.APIKey, "api-key", rt.opts.APIKey, "API key for authenticated requests")
	flags.StringVar(&rt.opts.OrganizationID, "org", rt.opts.OrganizationID, "organization header (used when auth is disabled)")
	flags.StringVar(&rt.opts.UserID, "user", rt.opts.UserID, "user header (used when auth is disabled)")
	flags.StringVar(&rt.opts.Role, "role", rt.opts.Role, "role header (used when auth is disabled)")
	flags.DurationVar(&rt.opts.Timeout, "timeout", durationOr(rt.opts.Timeout, 30*time.Second), "HTTP timeout for non-streaming requests")
	flags.BoolVarP(&rt.jsonOutput, "json", "j", false, "print raw JSON instead of a transcript")

	root.AddCommand(
		rawCommand(rt, "health", "Check API liveness", "/v1/health"),
		rawCommand(rt, "ready", "Check API readiness", "/v1/ready"),
		askCommand(rt),
		statusCommand(rt),
		watchCommand(rt),
		sessionsCommand(rt),
		showCommand(rt),
		cancelCommand(rt),
		truncateCommand(rt),
		deleteCommand(rt),
	)
	return root
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		return nil
	}
}

// rawCommand prints an unauthenticated endpoint's body as-is.
func rawCommand(rt *runtime, name, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			httpClient := rt.opts.HTTPClient
			if httpClient == nil {
				httpClient = &http.Client{Timeout: rt.opts.Timeout}
			}
			endpoint := strings.TrimRight(rt.opts.BaseURL, "/") + path
			code, body, err := doRequest(cmd.Context(), httpClient, http.MethodGet, endpoint, rt.opts.APIKey)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if code >= 400 {
				return fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))
			}
			if pretty, ok := prettyJSON(body); ok {
				_, _ = fmt.Fprintln(rt.stdout, pretty)
				return nil
			}
			if len(body) > 0 {
				_, _ = fmt.Fprintln(rt.stdout, string(body))
			}
			return nil
		},
	}
}

func doRequest(ctx context.Context, httpClient *http.Client, method, url, apiKey string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func (r *runtime) printJSON(value any) error {
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.stdout, string(formatted))
	return err
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
