package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/aigis/internal/config"
)

// message is the API's message representation.
type message struct {
	ID           int64     `json:"id"`
	ExternalID   string    `json:"external_id"`
	ChannelID    string    `json:"channel_id"`
	AuthorID     string    `json:"author_id"`
	AuthorName   string    `json:"author_name"`
	Content      string    `json:"content"`
	Role         string    `json:"role"`
	IsBot        bool      `json:"is_bot"`
	CreatedAt    time.Time `json:"created_at"`
	HasEmbedding bool      `json:"has_embedding"`
}

func (m message) author() string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.AuthorID
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Store a chat message",
	Long: `Store a chat message in the ledger. Embedding happens in the background.

Examples:
  aigis ingest --channel general --author u42 --name Ann --text "we picked postgres"
  aigis ingest --channel general --author bot --role assistant --file ./reply.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		channel, _ := cmd.Flags().GetString("channel")
		author, _ := cmd.Flags().GetString("author")
		name, _ := cmd.Flags().GetString("name")
		id, _ := cmd.Flags().GetString("id")
		role, _ := cmd.Flags().GetString("role")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if channel == "" || author == "" {
			return fmt.Errorf("--channel and --author are required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}
		if id == "" {
			id = fmt.Sprintf("cli-%d", time.Now().UnixNano())
		}
		if name == "" {
			name = author
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/messages", map[string]any{
			"external_id": id,
			"channel_id":  channel,
			"author_id":   author,
			"author_name": name,
			"content":     text,
			"role":        role,
		})
		if err != nil {
			return err
		}

		var m message
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		printSuccess("Stored message %s (id %d)", m.ExternalID, m.ID)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "message content")
	ingestCmd.Flags().String("file", "", "read message content from a file")
	ingestCmd.Flags().String("channel", "", "channel id")
	ingestCmd.Flags().String("author", "", "author id")
	ingestCmd.Flags().String("name", "", "author display name (default: author id)")
	ingestCmd.Flags().String("id", "", "external message id (default: generated)")
	ingestCmd.Flags().String("role", "user", "user or assistant")
}

// --- recent ---

var recentCmd = &cobra.Command{
	Use:   "recent <channel>",
	Short: "Show the latest messages of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/channels/%s/messages?limit=%d", url.PathEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var msgs []message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(messageLine(m.CreatedAt, m.author(), m.Content, m.IsBot))
		}
		return nil
	},
}

func init() {
	recentCmd.Flags().Int("limit", 10, "number of messages")
}

// --- search ---

// searchPath builds the search URL. A nil threshold leaves the server default.
func searchPath(query, channel string, limit int, threshold *float64) string {
	v := url.Values{}
	v.Set("q", query)
	if channel != "" {
		v.Set("channel", channel)
	}
	if limit > 0 {
		v.Set("limit", fmt.Sprint(limit))
	}
	if threshold != nil {
		v.Set("threshold", fmt.Sprint(*threshold))
	}
	return "/search?" + v.Encode()
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over stored messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		limit, _ := cmd.Flags().GetInt("limit")
		var threshold *float64
		if cmd.Flags().Changed("threshold") {
			v, _ := cmd.Flags().GetFloat64("threshold")
			threshold = &v
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), searchPath(strings.Join(args, " "), channel, limit, threshold))
		if err != nil {
			return err
		}

		var out struct {
			Count   int `json:"count"`
			Results []struct {
				Message message `json:"message"`
				Score   float32 `json:"score"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if out.Count == 0 {
			fmt.Println("No relevant memories found.")
			return nil
		}
		for i, r := range out.Results {
			fmt.Printf("\n%s [score: %.3f] #%s\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, r.Message.ChannelID)
			fmt.Printf("  %s\n", messageLine(r.Message.CreatedAt, r.Message.author(), clip(r.Message.Content, 500), r.Message.IsBot))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("channel", "", "restrict to one channel")
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default: server setting)")
	searchCmd.Flags().Float64("threshold", 0, "minimum similarity in [0,1] (default: server setting)")
}

// --- gap ---

// gapResult is the catch-up report returned by GET /gap.
type gapResult struct {
	Found        bool   `json:"found"`
	Outcome      string `json:"outcome"`
	MessageCount int    `json:"messageCount"`
	Messages     []struct {
		Author    string `json:"author"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
		IsBot     bool   `json:"isBot"`
	} `json:"messages"`
	Truncated bool   `json:"truncated"`
	Message   string `json:"message"`
}

var gapCmd = &cobra.Command{
	Use:   "gap",
	Short: "Show what a user missed between their last two messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		channel, _ := cmd.Flags().GetString("channel")
		ref, _ := cmd.Flags().GetString("ref")
		limit, _ := cmd.Flags().GetInt("cap")
		if user == "" || channel == "" || ref == "" {
			return fmt.Errorf("--user, --channel and --ref are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		v := url.Values{"user": {user}, "channel": {channel}, "ref": {ref}}
		if limit > 0 {
			v.Set("cap", fmt.Sprint(limit))
		}
		resp, err := client.get(cmd.Context(), "/gap?"+v.Encode())
		if err != nil {
			return err
		}

		var g gapResult
		if err := decodeJSON(resp, &g); err != nil {
			return err
		}
		if !g.Found {
			fmt.Println(g.Message)
			return nil
		}
		for _, m := range g.Messages {
			at, _ := time.Parse(time.RFC3339Nano, m.Timestamp)
			fmt.Println(messageLine(at, m.Author, m.Content, m.IsBot))
		}
		if g.Truncated {
			printWarning("Showing the first %d messages only", g.MessageCount)
		}
		return nil
	},
}

func init() {
	gapCmd.Flags().String("user", "", "user id")
	gapCmd.Flags().String("channel", "", "channel id")
	gapCmd.Flags().String("ref", "", "external id of the user's current message")
	gapCmd.Flags().Int("cap", 0, "maximum messages returned (default: server setting)")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message through the reply pipeline and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		author, _ := cmd.Flags().GetString("author")
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat", map[string]any{
			"channel_id":  channel,
			"author_id":   author,
			"author_name": name,
			"message":     strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		var out struct {
			Response         string `json:"response"`
			Memories         int    `json:"memories"`
			Degraded         bool   `json:"degraded"`
			ProcessingTimeMs int64  `json:"processing_time_ms"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Println(out.Response)
		if out.Degraded {
			printWarning("model unavailable, canned reply")
		}
		printStatus("Memories", "%d (%dms)", out.Memories, out.ProcessingTimeMs)
		return nil
	},
}

func init() {
	chatCmd.Flags().String("channel", "cli", "channel id")
	chatCmd.Flags().String("author", "cli-user", "author id")
	chatCmd.Flags().String("name", "", "author display name")
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed stored messages that have no embedding yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch")
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		total, err := runBackfill(cmd.Context(), client, batch, all)
		if err != nil {
			return err
		}
		printSuccess("Attached %d embeddings (%d attempted)", total.Attached, total.Attempted)
		return nil
	},
}

type backfillResult struct {
	Attempted int `json:"attempted"`
	Attached  int `json:"attached"`
}

// runBackfill posts batches until one attaches nothing, or once unless all.
func runBackfill(ctx context.Context, c *apiClient, batch int, all bool) (backfillResult, error) {
	var total backfillResult
	for {
		resp, err := c.post(ctx, fmt.Sprintf("/backfill?limit=%d", batch), nil)
		if err != nil {
			return total, err
		}
		var res backfillResult
		if err := decodeJSON(resp, &res); err != nil {
			return total, err
		}
		total.Attempted += res.Attempted
		total.Attached += res.Attached
		if !all || res.Attached == 0 || res.Attempted < batch {
			return total, nil
		}
	}
}

func init() {
	backfillCmd.Flags().Int("batch", 100, "messages per pass")
	backfillCmd.Flags().Bool("all", false, "repeat passes until nothing is left to embed")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as a JSON object")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
