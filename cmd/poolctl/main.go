package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	neturl "net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/poolrouter/pkg/accounts"
	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/llmclient"
	"github.com/lkarlslund/poolrouter/pkg/logstore"
	"github.com/lkarlslund/poolrouter/pkg/logutil"
	"github.com/lkarlslund/poolrouter/pkg/version"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func main() {
	root := &cobra.Command{
		Use:   "poolctl",
		Short: "Poolrouter control CLI",
		Long:  "Poolctl drives a running poolrouter through its control API and probes the proxy it manages.",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	var logLevel string
	var clientConfigPath string
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logutil.Options{Level: logLevel})
	}
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	root.PersistentFlags().StringVar(&clientConfigPath, "client-config", config.DefaultClientConfigPath(), "Client config TOML path")

	withClient := func(fn func(cmd *cobra.Command, c *apiClient, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("load client config (run `poolctl setup` first): %w", err)
			}
			c, err := newAPIClient(cfg.ServerURL, cfg.Token)
			if err != nil {
				return err
			}
			return fn(cmd, c, args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Configure control API URL, proxy URL and proxy API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, clientConfigPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Log in with the admin password and save the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, clientConfigPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Revoke the saved session token",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			if err := c.call(cmd.Context(), http.MethodPost, "/auth/logout", nil, nil); err != nil {
				return err
			}
			return saveToken(clientConfigPath, "")
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show proxy status",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			return printCall(cmd, c, http.MethodGet, "/proxy/status", nil)
		}),
	})
	for _, op := range []string{"start", "stop", "restart"} {
		root.AddCommand(&cobra.Command{
			Use:   op,
			Short: strings.ToUpper(op[:1]) + op[1:] + " the proxy",
			RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
				return printCall(cmd, c, http.MethodPost, "/proxy/"+op, nil)
			}),
		})
	}

	configCmd := &cobra.Command{Use: "config", Short: "Read and edit the proxy config"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Print the proxy config, or one value by dotted path",
		Args:  cobra.MaximumNArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var raw []byte
			if err := c.call(cmd.Context(), http.MethodGet, "/proxy/config", nil, &raw); err != nil {
				return err
			}
			if len(args) == 1 {
				v := gjson.GetBytes(raw, args[0])
				if !v.Exists() {
					return fmt.Errorf("no config value at %q", args[0])
				}
				raw = []byte(v.Raw)
			}
			return printJSON(cmd.OutOrStdout(), raw)
		}),
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "set <path> <value>",
		Short: "Set one config value by dotted path (e.g. token_manager.daily_limit 500000)",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			return runConfigSet(cmd, c, args[0], args[1])
		}),
	})
	var exportOutput string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Download the proxy config as a JSON file",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			return runExport(cmd, c, exportOutput)
		}),
	}
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output path (default: server supplied file name, - for stdout)")
	configCmd.AddCommand(exportCmd)
	configCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace the proxy config with a previously exported file",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			return runImport(cmd, c, args[0])
		}),
	})
	root.AddCommand(configCmd)

	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "List pool accounts",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			return runAccounts(cmd, c)
		}),
	}
	accountsCmd.AddCommand(&cobra.Command{
		Use:   "refresh [id]",
		Short: "Refresh quota for one account or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			path := "/accounts/refresh"
			if len(args) == 1 {
				path = "/accounts/" + neturl.PathEscape(args[0]) + "/refresh"
			}
			return printCall(cmd, c, http.MethodPost, path, nil)
		}),
	})
	accountsCmd.AddCommand(&cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Set an account display name",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			return printCall(cmd, c, http.MethodPatch, "/accounts/"+neturl.PathEscape(args[0]), map[string]string{"name": args[1]})
		}),
	})
	root.AddCommand(accountsCmd)

	sessionsCmd := &cobra.Command{Use: "sessions", Short: "Manage sticky sessions"}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every sticky session binding",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			return printCall(cmd, c, http.MethodPost, "/proxy/sessions/clear", nil)
		}),
	})
	root.AddCommand(sessionsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show dashboard counters and today's budget usage",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			if err := printCall(cmd, c, http.MethodGet, "/dashboard/stats", nil); err != nil {
				return err
			}
			return printCall(cmd, c, http.MethodGet, "/budget/usage", nil)
		}),
	})

	var logsLevel, logsQuery string
	var logsLimit int
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent server log lines",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			q := neturl.Values{}
			if logsLevel != "" {
				q.Set("level", logsLevel)
			}
			if logsQuery != "" {
				q.Set("q", logsQuery)
			}
			q.Set("limit", fmt.Sprint(logsLimit))
			var out struct {
				Entries []logstore.Entry `json:"entries"`
			}
			if err := c.call(cmd.Context(), http.MethodGet, "/system/logs?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			for _, e := range out.Entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-5s %s\n", e.Timestamp.Local().Format(time.DateTime), strings.ToUpper(e.Level), e.Message)
			}
			return nil
		}),
	}
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level")
	logsCmd.Flags().StringVar(&logsQuery, "grep", "", "Only lines containing this text")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 100, "Maximum lines")
	root.AddCommand(logsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Stream proxy status and stats events",
		RunE: withClient(func(cmd *cobra.Command, c *apiClient, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), c)
		}),
	})

	var probeModel, probePrompt, probeSession string
	var probeStream bool
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Send one chat completion through the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("load client config (run `poolctl setup` first): %w", err)
			}
			return runProbe(cmd, cfg, probeModel, probePrompt, probeSession, probeStream)
		},
	}
	probeCmd.Flags().StringVar(&probeModel, "model", "gpt-4o-mini", "Model to request")
	probeCmd.Flags().StringVar(&probePrompt, "prompt", "Reply with the single word: pong", "Prompt text")
	probeCmd.Flags().StringVar(&probeSession, "session", "", "Session id for sticky routing (default: random)")
	probeCmd.Flags().BoolVar(&probeStream, "stream", false, "Use a streamed completion")
	root.AddCommand(probeCmd)

	var wrapURLEnv, wrapKeyEnv string
	wrapCmd := &cobra.Command{
		Use:   "wrap [flags] <command> [args...]",
		Short: "Run any command with the proxy URL and API key in its environment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenericWrap(cmd, clientConfigPath, wrapURLEnv, wrapKeyEnv, args)
		},
	}
	wrapCmd.Flags().SetInterspersed(false)
	wrapCmd.Flags().StringVar(&wrapURLEnv, "url-env", "OPENAI_BASE_URL", "Environment variable name for the proxy /v1 URL")
	wrapCmd.Flags().StringVar(&wrapKeyEnv, "key-env", "OPENAI_API_KEY", "Environment variable name for the API key")
	root.AddCommand(wrapCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print poolctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("poolctl"))
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSetup(cmd *cobra.Command, path string) error {
	cfg, err := config.LoadOrCreateClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Poolctl client config: %s\n", path)
	fmt.Fprintln(out, "Press Enter to keep current value.")
	fmt.Fprintln(out, "Enter '-' for API key to clear it.")

	serverURL, err := promptLine(reader, out, fmt.Sprintf("Control API URL [%s]: ", cfg.ServerURL))
	if err != nil {
		return err
	}
	if serverURL = strings.TrimSpace(serverURL); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	proxyURL, err := promptLine(reader, out, fmt.Sprintf("Proxy /v1 URL [%s]: ", cfg.ProxyURL))
	if err != nil {
		return err
	}
	if proxyURL = strings.TrimSpace(proxyURL); proxyURL != "" {
		cfg.ProxyURL = proxyURL
	}

	apiKeyInput, err := promptLine(reader, out, fmt.Sprintf("Proxy API key [%s]: ", redact(cfg.APIKey)))
	if err != nil {
		return err
	}
	switch apiKeyInput = strings.TrimSpace(apiKeyInput); apiKeyInput {
	case "":
	case "-":
		cfg.APIKey = ""
	default:
		cfg.APIKey = apiKeyInput
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save client config: %w", err)
	}
	fmt.Fprintln(out, "Saved.")
	return nil
}

func redact(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "not set"
	case len(v) <= 4:
		return strings.Repeat("*", len(v))
	default:
		return v[:4] + strings.Repeat("*", len(v)-4)
	}
}

func promptLine(reader *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogin(cmd *cobra.Command, path string) error {
	cfg, err := config.LoadOrCreateClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	c, err := newAPIClient(cfg.ServerURL, "")
	if err != nil {
		return err
	}
	password, err := promptLine(bufio.NewReader(cmd.InOrStdin()), cmd.ErrOrStderr(), "Admin password: ")
	if err != nil {
		return err
	}
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.call(cmd.Context(), http.MethodPost, "/auth/login", map[string]string{"password": password}, &out); err != nil {
		return err
	}
	if err := saveToken(path, out.Token); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in until %s.\n", out.ExpiresAt.Local().Format(time.DateTime))
	return nil
}

func saveToken(path, token string) error {
	cfg, err := config.LoadOrCreateClientConfig(path)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	cfg.Token = token
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save client config: %w", err)
	}
	return nil
}

func printCall(cmd *cobra.Command, c *apiClient, method, path string, in any) error {
	var raw []byte
	if err := c.call(cmd.Context(), method, path, in, &raw); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}

func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// runConfigSet edits one nested value. The server merges patches per top
// level key, so the whole enclosing section is sent back after clamping.
func runConfigSet(cmd *cobra.Command, c *apiClient, path, value string) error {
	var current []byte
	if err := c.call(cmd.Context(), http.MethodGet, "/proxy/config", nil, &current); err != nil {
		return err
	}
	var (
		edited []byte
		err    error
	)
	if gjson.Valid(value) {
		edited, err = sjson.SetRawBytes(current, path, []byte(value))
	} else {
		edited, err = sjson.SetBytes(current, path, value)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	cfg := config.NewDefaultProxyConfig()
	if err := json.Unmarshal(edited, &cfg); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	config.Clamp(&cfg)
	clamped, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	top, _, _ := strings.Cut(path, ".")
	section := gjson.GetBytes(clamped, top)
	if !section.Exists() {
		return fmt.Errorf("unknown config key %q", top)
	}
	patch, err := sjson.SetRawBytes([]byte(`{}`), top, []byte(section.Raw))
	if err != nil {
		return err
	}
	var applied []byte
	if err := c.call(cmd.Context(), http.MethodPatch, "/proxy/config", patch, &applied); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), []byte(gjson.GetBytes(applied, top).Raw))
}

func runExport(cmd *cobra.Command, c *apiClient, output string) error {
	resp, err := c.request(cmd.Context(), http.MethodPost, "/proxy/config/export", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var body []byte
	if err := decodeResponse(resp, &body); err != nil {
		return err
	}
	if output == "-" {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}
	if output == "" {
		output = "proxy-config.json"
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
			output = filepath.Base(params["filename"])
		}
	}
	if err := os.WriteFile(output, body, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
	return nil
}

func runImport(cmd *cobra.Command, c *apiClient, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := fw.Write(b); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	resp, err := c.request(cmd.Context(), http.MethodPost, "/proxy/config/import", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var raw []byte
	if err := decodeResponse(resp, &raw); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}

func runAccounts(cmd *cobra.Command, c *apiClient) error {
	var out struct {
		Accounts         []accounts.View `json:"accounts"`
		CurrentAccountID string          `json:"current_account_id"`
	}
	if err := c.call(cmd.Context(), http.MethodGet, "/accounts", nil, &out); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tPROVIDER\tEMAIL\tSTATUS\tREMAINING\tHEADROOM")
	for _, a := range out.Accounts {
		marker := ""
		if a.ID == out.CurrentAccountID {
			marker = "*"
		}
		remaining := "-"
		if a.Quota.RemainingTokens != nil {
			remaining = fmt.Sprint(*a.Quota.RemainingTokens)
		}
		headroom := "-"
		if a.Headroom != nil {
			headroom = fmt.Sprint(*a.Headroom)
		}
		name := a.Email
		if a.Name != "" {
			name = a.Name + " <" + a.Email + ">"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", marker, a.ID, a.Provider, name, a.Status, remaining, headroom)
	}
	return tw.Flush()
}

func runWatch(ctx context.Context, out io.Writer, c *apiClient) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.websocketURL(), nil)
	if err != nil {
		return fmt.Errorf("connect status feed: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	for {
		var ev struct {
			Type string          `json:"event_type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.TimeOnly), ev.Type, ev.Data)
	}
}

func runProbe(cmd *cobra.Command, cfg *config.ClientConfig, model, prompt, sessionID string, stream bool) error {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	key := cfg.APIKey
	if key == "" {
		key = "poolctl"
	}
	session := llmclient.NewSession(llmclient.WithSessionID(sessionID))
	ocfg := openai.DefaultConfig(key)
	ocfg.BaseURL = cfg.ProxyURL
	ocfg.HTTPClient = session.HTTPClient(&http.Client{Timeout: 5 * time.Minute})
	client := openai.NewClientWithConfig(ocfg)

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
	}
	out := cmd.OutOrStdout()
	start := time.Now()
	if !stream {
		resp, err := client.CreateChatCompletion(cmd.Context(), req)
		if err != nil {
			return err
		}
		for _, ch := range resp.Choices {
			fmt.Fprintln(out, ch.Message.Content)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "model=%s session=%s tokens=%d elapsed=%s\n", resp.Model, sessionID, resp.Usage.TotalTokens, time.Since(start).Round(time.Millisecond))
		return nil
	}

	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	s, err := client.CreateChatCompletionStream(cmd.Context(), req)
	if err != nil {
		return err
	}
	defer s.Close()
	var total int
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		for _, ch := range chunk.Choices {
			fmt.Fprint(out, ch.Delta.Content)
		}
		if chunk.Usage != nil {
			total = chunk.Usage.TotalTokens
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintf(cmd.ErrOrStderr(), "session=%s tokens=%d elapsed=%s\n", sessionID, total, time.Since(start).Round(time.Millisecond))
	return nil
}

func runGenericWrap(cmd *cobra.Command, cfgPath, urlEnvName, keyEnvName string, args []string) error {
	cfg, err := config.LoadClientConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load client config (run `poolctl setup` first): %w", err)
	}
	urlEnvName = strings.TrimSpace(urlEnvName)
	keyEnvName = strings.TrimSpace(keyEnvName)
	if !isValidEnvVarName(urlEnvName) {
		return fmt.Errorf("invalid --url-env %q", urlEnvName)
	}
	if !isValidEnvVarName(keyEnvName) {
		return fmt.Errorf("invalid --key-env %q", keyEnvName)
	}
	key := cfg.APIKey
	if key == "" {
		key = "poolctl"
	}

	targetCmd := strings.TrimSpace(args[0])
	if targetCmd == "" {
		return fmt.Errorf("command cannot be empty")
	}
	proc := exec.Command(targetCmd, args[1:]...)
	proc.Stdin = cmd.InOrStdin()
	proc.Stdout = cmd.OutOrStdout()
	proc.Stderr = cmd.ErrOrStderr()
	env := filteredEnv([]string{urlEnvName, keyEnvName})
	env = append(env, urlEnvName+"="+cfg.ProxyURL)
	env = append(env, keyEnvName+"="+key)
	proc.Env = env
	return proc.Run()
}

func filteredEnv(dropKeys []string) []string {
	drop := map[string]struct{}{}
	for _, k := range dropKeys {
		if k = strings.TrimSpace(k); k != "" {
			drop[k] = struct{}{}
		}
	}
	in := os.Environ()
	out := make([]string, 0, len(in))
	for _, e := range in {
		if i := strings.IndexByte(e, '='); i > 0 {
			if _, blocked := drop[e[:i]]; blocked {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func isValidEnvVarName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || r == '_' {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}
