// ABOUTME: Admin CLI for owork-gateway channel and task management
// ABOUTME: Talks to the HTTP API with JWT bearer authentication

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
                          _                  _           _
  _____      _____  _ __| | __      __ _  __| |_ __ ___ (_)_ __
 / _ \ \ /\ / / _ \| '__| |/ /____ / _' |/ _' | '_ ' _ \| | '_ \
| (_) \ V  V / (_) | |  |   <_____| (_| | (_| | | | | | | | | | |
 \___/ \_/\_/ \___/|_|  |_|\_\     \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("OWORK_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(baseURL, token)
	case "channels":
		err = cmdChannels(baseURL, token, args)
	case "agents":
		err = cmdAgents(baseURL, token, args)
	case "tasks":
		err = cmdTasks(baseURL, token, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: owork-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                     Show gateway status")
	fmt.Println("  channels                   List channels")
	fmt.Println("  channels types             List supported channel types")
	fmt.Println("  channels create            Create a channel")
	fmt.Println("  channels start <id>        Start a channel")
	fmt.Println("  channels stop <id>         Stop a channel")
	fmt.Println("  channels delete <id>       Delete a channel")
	fmt.Println("  channels sessions <id>     List a channel's sessions")
	fmt.Println("  channels reset <id>        Clear a channel's sessions")
	fmt.Println("  agents                     List agents")
	fmt.Println("  agents create --name NAME  Register an agent")
	fmt.Println("  tasks                      List tasks")
	fmt.Println("  tasks create <prompt>      Start a background task")
	fmt.Println("  tasks watch <id>           Stream a task's events")
	fmt.Println("  tasks answer <id> <text>   Answer a task's question")
	fmt.Println("  tasks cancel <id>          Cancel a running task")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  OWORK_GATEWAY_URL          Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  OWORK_TOKEN                JWT authentication token")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export OWORK_TOKEN=\"eyJhbG...\"")
	fmt.Println("  owork-admin channels create --name 'support bot' --type telegram --config bot_token=123:abc")
	fmt.Println("  owork-admin tasks create \"summarize yesterday's error logs\"")
	fmt.Println()
}

// client wraps HTTP access to the gateway API
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// stream issues a GET and hands back the raw body for SSE reading
func (c *client) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// No timeout: the stream stays open for the task's lifetime
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func cmdStatus(baseURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	c := newClient(baseURL, token)

	var health map[string]string
	if err := c.do(http.MethodGet, "/health", nil, &health); err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	green.Printf("  Gateway:  ")
	fmt.Printf("%s at %s\n", health["status"], baseURL)

	var channels struct {
		Channels []channelJSON `json:"channels"`
	}
	if err := c.do(http.MethodGet, "/api/channels", nil, &channels); err != nil {
		yellow.Printf("  Channels: ")
		color.Red("auth failed (%v)\n", err)
		fmt.Println()
		return nil
	}

	running := 0
	for _, ch := range channels.Channels {
		if ch.Running {
			running++
		}
	}
	green.Printf("  Channels: ")
	fmt.Printf("%d configured, %d running\n", len(channels.Channels), running)
	fmt.Println()
	return nil
}

type channelJSON struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	ChannelType        string         `json:"channel_type"`
	Status             string         `json:"status"`
	ErrorMessage       string         `json:"error_message"`
	AccessMode         string         `json:"access_mode"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	Running            bool           `json:"running"`
	SessionCount       int            `json:"session_count"`
	Config             map[string]any `json:"config"`
	CreatedAt          string         `json:"created_at"`
}

func cmdChannels(baseURL, token string, args []string) error {
	c := newClient(baseURL, token)

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdChannelsList(c)
	case "types":
		return cmdChannelTypes(c)
	case "create", "add":
		return cmdChannelsCreate(c, args)
	case "start":
		return cmdChannelAction(c, args, "start")
	case "stop":
		return cmdChannelAction(c, args, "stop")
	case "delete", "rm", "remove":
		return cmdChannelsDelete(c, args)
	case "sessions":
		return cmdChannelSessions(c, args)
	case "reset":
		return cmdChannelReset(c, args)
	default:
		return fmt.Errorf("unknown channels subcommand: %s", subcmd)
	}
}

func cmdChannelsList(c *client) error {
	var resp struct {
		Channels []channelJSON `json:"channels"`
	}
	if err := c.do(http.MethodGet, "/api/channels", nil, &resp); err != nil {
		return err
	}

	if len(resp.Channels) == 0 {
		fmt.Println("No channels configured.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tTYPE\tSTATUS\tSESSIONS")
	fmt.Fprintln(w, "  --\t----\t----\t------\t--------")
	for _, ch := range resp.Channels {
		status := ch.Status
		if ch.Running {
			status = "running"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\n",
			truncate(ch.ID, 12), truncate(ch.Name, 24), ch.ChannelType, status, ch.SessionCount)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdChannelTypes(c *client) error {
	var resp struct {
		Types []struct {
			Type        string `json:"type"`
			DisplayName string `json:"display_name"`
			Description string `json:"description"`
			Available   bool   `json:"available"`
			Fields      []struct {
				Key      string `json:"key"`
				Label    string `json:"label"`
				Required bool   `json:"required"`
				Secret   bool   `json:"secret"`
			} `json:"config_fields"`
		} `json:"types"`
	}
	if err := c.do(http.MethodGet, "/api/channel-types", nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	fmt.Println()
	for _, info := range resp.Types {
		cyan.Printf("  %s", info.Type)
		if !info.Available {
			gray.Print(" (coming soon)")
		}
		fmt.Printf("  %s\n", info.DisplayName)
		for _, f := range info.Fields {
			req := ""
			if f.Required {
				req = " (required)"
			}
			gray.Printf("    %s%s\n", f.Key, req)
		}
	}
	fmt.Println()
	return nil
}

// cmdChannelsCreate creates a channel from flags.
// Config values are passed as repeated --config key=value pairs.
func cmdChannelsCreate(c *client, args []string) error {
	var name, chType, agentID, accessMode string
	var rateLimit int
	autoStart := false
	cfg := map[string]any{}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		var err error
		switch arg {
		case "--name", "-n":
			name, err = next()
		case "--type", "-t":
			chType, err = next()
		case "--agent":
			agentID, err = next()
		case "--access-mode":
			accessMode, err = next()
		case "--rate-limit":
			var v string
			if v, err = next(); err == nil {
				rateLimit, err = strconv.Atoi(v)
			}
		case "--auto-start":
			autoStart = true
		case "--config", "-c":
			var kv string
			if kv, err = next(); err == nil {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--config expects key=value, got %q", kv)
				}
				cfg[k] = v
			}
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		if err != nil {
			return err
		}
	}

	if name == "" || chType == "" {
		return fmt.Errorf("--name and --type are required")
	}

	body := map[string]any{
		"name":                  name,
		"channel_type":          chType,
		"agent_id":              agentID,
		"config":                cfg,
		"access_mode":           accessMode,
		"rate_limit_per_minute": rateLimit,
		"auto_start":            autoStart,
	}

	var ch channelJSON
	if err := c.do(http.MethodPost, "/api/channels", body, &ch); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created channel: %s\n", ch.Name)
	fmt.Printf("  ID:     %s\n", ch.ID)
	fmt.Printf("  Type:   %s\n", ch.ChannelType)
	fmt.Printf("  Status: %s\n", ch.Status)
	return nil
}

func cmdChannelAction(c *client, args []string, action string) error {
	if len(args) < 1 {
		return fmt.Errorf("channel ID required")
	}
	var ch channelJSON
	if err := c.do(http.MethodPost, "/api/channels/"+args[0]+"/"+action, nil, &ch); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	if action == "start" {
		green.Printf("  ✓ Started channel: %s\n", ch.Name)
	} else {
		green.Printf("  ✓ Stopped channel: %s\n", ch.Name)
	}
	return nil
}

func cmdChannelsDelete(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("channel ID required")
	}
	if err := c.do(http.MethodDelete, "/api/channels/"+args[0], nil, nil); err != nil {
		return err
	}
	color.Green("  ✓ Deleted channel %s\n", args[0])
	return nil
}

func cmdChannelSessions(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("channel ID required")
	}
	var resp struct {
		Sessions []struct {
			ID                string `json:"id"`
			ExternalChatID    string `json:"external_chat_id"`
			SenderDisplayName string `json:"sender_display_name"`
			MessageCount      int    `json:"message_count"`
			LastMessageAt     string `json:"last_message_at"`
		} `json:"sessions"`
	}
	if err := c.do(http.MethodGet, "/api/channels/"+args[0]+"/sessions", nil, &resp); err != nil {
		return err
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tCHAT\tSENDER\tMESSAGES\tLAST ACTIVITY")
	fmt.Fprintln(w, "  --\t----\t------\t--------\t-------------")
	for _, s := range resp.Sessions {
		last := s.LastMessageAt
		if t, err := time.Parse(time.RFC3339, s.LastMessageAt); err == nil {
			last = t.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n",
			truncate(s.ID, 12), truncate(s.ExternalChatID, 20), truncate(s.SenderDisplayName, 16), s.MessageCount, last)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdChannelReset(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("channel ID required")
	}
	if err := c.do(http.MethodDelete, "/api/channels/"+args[0]+"/sessions", nil, nil); err != nil {
		return err
	}
	color.Green("  ✓ Cleared sessions for channel %s\n", args[0])
	return nil
}

type agentJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
}

func cmdAgents(baseURL, token string, args []string) error {
	c := newClient(baseURL, token)

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		var resp struct {
			Agents []agentJSON `json:"agents"`
		}
		if err := c.do(http.MethodGet, "/api/agents", nil, &resp); err != nil {
			return err
		}
		if len(resp.Agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tNAME\tMODEL")
		fmt.Fprintln(w, "  --\t----\t-----")
		for _, a := range resp.Agents {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", truncate(a.ID, 12), a.Name, a.Model)
		}
		w.Flush()
		fmt.Println()
		return nil
	case "create", "add":
		var name, model string
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--name", "-n":
				if i+1 >= len(args) {
					return fmt.Errorf("--name requires a value")
				}
				i++
				name = args[i]
			case "--model", "-m":
				if i+1 >= len(args) {
					return fmt.Errorf("--model requires a value")
				}
				i++
				model = args[i]
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
		if name == "" {
			return fmt.Errorf("--name is required")
		}
		var created agentJSON
		if err := c.do(http.MethodPost, "/api/agents", map[string]string{"name": name, "model": model}, &created); err != nil {
			return err
		}
		color.Green("  ✓ Created agent: %s (%s)\n", created.Name, created.ID)
		return nil
	default:
		return fmt.Errorf("unknown agents subcommand: %s (use list, create)", subcmd)
	}
}

type taskJSON struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Error       string `json:"error"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at"`
}

func cmdTasks(baseURL, token string, args []string) error {
	c := newClient(baseURL, token)

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdTasksList(c, args)
	case "create", "add", "run":
		return cmdTasksCreate(c, args)
	case "watch":
		return cmdTasksWatch(c, args)
	case "answer":
		return cmdTasksAnswer(c, args)
	case "cancel":
		return cmdTasksCancel(c, args)
	default:
		return fmt.Errorf("unknown tasks subcommand: %s", subcmd)
	}
}

func cmdTasksList(c *client, args []string) error {
	path := "/api/tasks"
	if len(args) > 0 {
		path += "?status=" + args[0]
	}
	var resp struct {
		Tasks []taskJSON `json:"tasks"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tTITLE\tCREATED")
	fmt.Fprintln(w, "  --\t------\t-----\t-------")
	for _, t := range resp.Tasks {
		created := t.CreatedAt
		if parsed, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
			created = parsed.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", truncate(t.ID, 12), t.Status, truncate(t.Title, 40), created)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdTasksCreate(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("prompt required")
	}
	prompt := strings.Join(args, " ")

	var t taskJSON
	if err := c.do(http.MethodPost, "/api/tasks", map[string]string{"prompt": prompt}, &t); err != nil {
		return err
	}

	color.Green("  ✓ Created task: %s\n", t.ID)
	fmt.Printf("  Title: %s\n", t.Title)
	fmt.Println()
	fmt.Printf("  Watch it with: owork-admin tasks watch %s\n", t.ID)
	return nil
}

// cmdTasksWatch streams a task's events until it finishes. Questions
// from the agent are surfaced with a hint to answer them.
func cmdTasksWatch(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("task ID required")
	}
	taskID := args[0]

	body, err := c.stream(context.Background(), "/api/tasks/"+taskID+"/stream")
	if err != nil {
		return err
	}
	defer body.Close()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ToolName string `json:"tool_name"`
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "assistant", "result":
			fmt.Println(ev.Text)
		case "tool_use":
			gray.Printf("[tool: %s]\n", ev.ToolName)
		case "ask_user_question":
			yellow.Printf("\n? %s\n", ev.Question)
			yellow.Printf("  Answer with: owork-admin tasks answer %s \"...\"\n\n", taskID)
		case "status":
			cyan.Printf("-- %s --\n", ev.Text)
			if ev.Text == "completed" || ev.Text == "failed" || ev.Text == "cancelled" {
				return nil
			}
		case "error":
			color.Red("error: %s\n", ev.Text)
		}
	}
	return scanner.Err()
}

func cmdTasksAnswer(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("task ID and answer text required")
	}
	var resp struct {
		Delivered bool `json:"delivered"`
	}
	body := map[string]string{"text": strings.Join(args[1:], " ")}
	if err := c.do(http.MethodPost, "/api/tasks/"+args[0]+"/message", body, &resp); err != nil {
		return err
	}
	if resp.Delivered {
		color.Green("  ✓ Answer delivered\n")
	} else {
		color.Yellow("  Task is not waiting for input; answer ignored\n")
	}
	return nil
}

func cmdTasksCancel(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("task ID required")
	}
	var t taskJSON
	if err := c.do(http.MethodPost, "/api/tasks/"+args[0]+"/cancel", nil, &t); err != nil {
		return err
	}
	color.Green("  ✓ Cancelled task %s\n", t.ID)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getToken() string {
	if token := os.Getenv("OWORK_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "owork", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
