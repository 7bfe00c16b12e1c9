package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions")
		if err != nil {
			return err
		}

		var result struct {
			Sessions []string `json:"sessions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, id := range result.Sessions {
			fmt.Println(colorize(colorCyan, id))
		}
		return nil
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a new session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions", map[string]string{"id": args[0]})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Created session %s", result["id"])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted session %s", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <session>",
	Short: "Show the conversation history of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/history")
		if err != nil {
			return err
		}

		var turns [][2]string
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		if len(turns) == 0 {
			fmt.Println("No history yet.")
			return nil
		}
		for _, turn := range turns {
			role, content := turn[0], turn[1]
			label := colorize(colorCyan, role)
			if role == "assistant" {
				label = colorize(colorGreen, role)
			}
			fmt.Printf("%s: %s\n\n", label, content)
		}
		return nil
	},
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents into the index",
	Long: `Upload one or more documents and index them for retrieval.

Supported formats: .txt, .md, .pdf, .docx

Examples:
  docqa upload report.pdf
  docqa upload --session research notes.md spec.docx`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), "/sessions/"+sessionID+"/documents", args)
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				File   string `json:"file"`
				Chunks int    `json:"chunks"`
				Error  string `json:"error"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		failed := 0
		for _, r := range result.Results {
			if r.Error != "" {
				printError("%s: %s", r.File, r.Error)
				failed++
				continue
			}
			printSuccess("%s: indexed %d chunks", r.File, r.Chunks)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(result.Results))
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("session", "cli", "session whose index receives the documents")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>...",
	Short: "Ask a question against the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		sessionID, _ := cmd.Flags().GetString("session")
		showSources, _ := cmd.Flags().GetBool("sources")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+sessionID+"/ask", map[string]string{
			"question": question,
		})
		if err != nil {
			return err
		}

		var result struct {
			Answer  string `json:"answer"`
			Sources []struct {
				Document string  `json:"document"`
				Text     string  `json:"text"`
				Score    float32 `json:"score"`
			} `json:"sources"`
			Grounded  bool `json:"grounded"`
			Cancelled bool `json:"cancelled"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)

		if showSources && len(result.Sources) > 0 {
			fmt.Println()
			for i, s := range result.Sources {
				fmt.Printf("%s [%s, score %.2f]\n", colorize(colorBold, fmt.Sprintf("Source %d", i+1)), s.Document, s.Score)
				text := s.Text
				if len(text) > 300 {
					text = text[:300] + "..."
				}
				fmt.Printf("  %s\n", text)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "cli", "session holding the conversation history")
	askCmd.Flags().Bool("sources", false, "show the retrieved source chunks")
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the in-flight question of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+sessionID+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["cancelled"] {
			printSuccess("Cancellation requested for session %s", sessionID)
		} else {
			printWarning("No question in flight for session %s", sessionID)
		}
		return nil
	},
}

func init() {
	cancelCmd.Flags().String("session", "cli", "session whose question to cancel")
}
