package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/vprof/internal/capture"
	"github.com/kalambet/vprof/internal/config"
	"github.com/kalambet/vprof/internal/panel"
	"github.com/kalambet/vprof/internal/session"
)

// --- chats ---

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage chats",
}

type chatRow struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	UpdatedAt     string `json:"updatedAt"`
	Messages      int    `json:"messages"`
	ContextChars  int    `json:"contextChars"`
	AttachContext bool   `json:"attachContext"`
	Active        bool   `json:"active"`
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/chats")
		if err != nil {
			return err
		}
		var chats []chatRow
		if err := decodeJSON(resp, &chats); err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Println("No chats yet.")
			return nil
		}
		for _, c := range chats {
			marker := " "
			if c.Active {
				marker = colorize(colorGreen, "*")
			}
			fmt.Printf("%s %s  %-30s  %3d msgs  %6d chars\n",
				marker,
				colorize(colorCyan, shortID(c.ID)),
				c.Title,
				c.Messages,
				c.ContextChars,
			)
		}
		return nil
	},
}

var chatsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a chat and make it active",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chats", map[string]string{"title": strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var c session.Chat
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Created %q (%s)", c.Title, shortID(c.ID))
		return nil
	},
}

var chatsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a chat",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveChatID(cmd, client, args[0])
		if err != nil {
			return err
		}
		title := strings.Join(args[1:], " ")
		resp, err := client.patch(cmd.Context(), "/chats/"+url.PathEscape(id), map[string]string{"title": title})
		if err != nil {
			return err
		}
		var c session.Chat
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Renamed to %q", c.Title)
		return nil
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveChatID(cmd, client, args[0])
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/chats/"+url.PathEscape(id))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", shortID(id))
		return nil
	},
}

var chatsUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a chat active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveChatID(cmd, client, args[0])
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chats/"+url.PathEscape(id)+"/activate", nil)
		if err != nil {
			return err
		}
		var c session.Chat
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		printSuccess("Active chat: %s", c.Title)
		return nil
	},
}

// resolveChatID expands a unique ID prefix, as printed by "chats list".
func resolveChatID(cmd *cobra.Command, client *apiClient, prefix string) (string, error) {
	resp, err := client.get(cmd.Context(), "/chats")
	if err != nil {
		return "", err
	}
	var chats []chatRow
	if err := decodeJSON(resp, &chats); err != nil {
		return "", err
	}
	var match string
	for _, c := range chats {
		if c.ID == prefix {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("chat id %q is ambiguous", prefix)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no chat matches %q", prefix)
	}
	return match, nil
}

func init() {
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsNewCmd)
	chatsCmd.AddCommand(chatsRenameCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)
	chatsCmd.AddCommand(chatsUseCmd)
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show or add to the active chat's context",
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active chat's context",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/context")
		if err != nil {
			return err
		}
		var v struct {
			ChatID   string `json:"chatId"`
			Context  string `json:"context"`
			MaxChars int    `json:"maxChars"`
		}
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		if strings.TrimSpace(v.Context) == "" {
			fmt.Println("Context is empty.")
			return nil
		}
		fmt.Println(strings.TrimLeft(v.Context, "\n"))
		return nil
	},
}

var contextAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Append a labelled entry to the active chat's context",
	Long: `Append a labelled entry to the active chat's context.

Examples:
  vprof context add "Exam covers chapters 3-5"
  vprof context add --label "[Syllabus]" --file ./syllabus.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		file, _ := cmd.Flags().GetString("file")

		text := strings.Join(args, " ")
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("text or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/context", map[string]string{"text": text, "label": label})
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result["appended"] {
			printWarning("Skipped: same as the previous entry")
			return nil
		}
		printSuccess("Context updated")
		return nil
	},
}

func init() {
	contextAddCmd.Flags().String("label", "", "entry label (default [Note])")
	contextAddCmd.Flags().String("file", "", "read the entry from a file")
	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextAddCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the tutor, with the active chat's context attached",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/ask", map[string]string{"question": strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var ex panel.Exchange
		if err := decodeJSON(resp, &ex); err != nil {
			return err
		}
		fmt.Println(ex.Answer.Content)
		return nil
	},
}

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture content into the active chat",
}

var captureStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current capture session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/capture")
		if err != nil {
			return err
		}
		var s capture.Session
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printStatus("Capture", "%s", captureLine(s))
		return nil
	},
}

var captureRegionCmd = &cobra.Command{
	Use:   "region",
	Short: "Select a region on the active tab and OCR it",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/capture/region", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printStep("Drag a rectangle on the page (Esc cancels)")
		return nil
	},
}

var captureRecordStartCmd = &cobra.Command{
	Use:   "record-start",
	Short: "Start recording the active tab or a picked screen",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/capture/recording/start", nil)
		if err != nil {
			return err
		}
		var s capture.Session
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		if s.Status != capture.StatusRecording {
			if s.Message != "" {
				printWarning("%s", s.Message)
			}
			return nil
		}
		printSuccess("Recording")
		return nil
	},
}

var captureRecordStopCmd = &cobra.Command{
	Use:   "record-stop",
	Short: "Stop recording and transcribe it",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Stopping and transcribing...")
		resp, err := client.post(cmd.Context(), "/capture/recording/stop", nil)
		if err != nil {
			return err
		}
		var sum struct {
			Strategy   string `json:"strategy"`
			Bytes      int    `json:"bytes"`
			Transcript string `json:"transcript"`
			SavedTo    string `json:"savedTo"`
			Error      string `json:"error"`
		}
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		if sum.SavedTo != "" {
			printStatus("Saved", "%s", sum.SavedTo)
		}
		if sum.Error != "" {
			printError("Transcription failed: %s", sum.Error)
			return nil
		}
		printSuccess("Transcript added (%d chars)", len([]rune(sum.Transcript)))
		return nil
	},
}

var captureUploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload files (images, audio/video, PDF, text) into the context",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			if err := client.Upload(cmd.Context(), filepath.Base(path), data); err != nil {
				return fmt.Errorf("uploading %s: %w", path, err)
			}
			printSuccess("Processed %s", filepath.Base(path))
		}
		return nil
	},
}

func init() {
	captureCmd.AddCommand(captureStatusCmd)
	captureCmd.AddCommand(captureRegionCmd)
	captureCmd.AddCommand(captureRecordStartCmd)
	captureCmd.AddCommand(captureRecordStopCmd)
	captureCmd.AddCommand(captureUploadCmd)
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

		keys := config.ShowAll(cfg)
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
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
