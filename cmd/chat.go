package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/methings/agentd/pkg/protocol"
)

const chatLabelWidth = 10

func chatCmd() *cobra.Command {
	var baseURL, session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the running agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(baseURL, session)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8765", "gateway base URL")
	cmd.Flags().StringVar(&session, "session", "cli", "session id")
	return cmd
}

func runChat(baseURL, session string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	if _, err := client.Get(baseURL + "/health"); err != nil {
		return fmt.Errorf("gateway not reachable at %s (is `agentd serve` running?): %w", baseURL, err)
	}

	fmt.Printf("Connected to %s (session %s). Ctrl-D to exit.\n", baseURL, session)
	lastID := latestMessageID(client, baseURL, session)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		body, _ := json.Marshal(map[string]interface{}{
			"text": text,
			"meta": map[string]interface{}{"session_id": session},
		})
		resp, err := client.Post(baseURL+"/brain/inbox/chat", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("send failed: %v\n", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("send rejected: %s\n", resp.Status)
			continue
		}

		lastID = waitForReplies(client, baseURL, session, lastID)
	}
}

// waitForReplies polls the timeline until an assistant message lands or the
// wait times out, printing everything new along the way.
func waitForReplies(client *http.Client, baseURL, session string, lastID int64) int64 {
	deadline := time.Now().Add(90 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)

		sawAssistant := false
		for _, msg := range fetchMessages(client, baseURL, session) {
			if msg.ID <= lastID {
				continue
			}
			lastID = msg.ID
			if msg.Role == "user" {
				continue
			}
			printMessage(msg)
			if msg.Role == "assistant" {
				sawAssistant = true
			}
		}
		if sawAssistant {
			return lastID
		}
	}
	fmt.Println("(no reply yet; the agent may still be working — check later with /brain/messages)")
	return lastID
}

func printMessage(msg protocol.ChatMessage) {
	label := strings.ToUpper(msg.Role)
	if actor, ok := msg.Meta["actor"].(string); ok && actor != "" {
		label = strings.ToUpper(actor)
	}
	text := msg.Text
	if msg.Role == "tool" {
		// Tool exchanges are JSON blobs; keep them to one line.
		text = runewidth.Truncate(strings.ReplaceAll(text, "\n", " "), 120, "…")
	}
	fmt.Printf("%s %s\n", runewidth.FillRight("["+label+"]", chatLabelWidth), text)
}

func latestMessageID(client *http.Client, baseURL, session string) int64 {
	var last int64
	for _, msg := range fetchMessages(client, baseURL, session) {
		if msg.ID > last {
			last = msg.ID
		}
	}
	return last
}

func fetchMessages(client *http.Client, baseURL, session string) []protocol.ChatMessage {
	resp, err := client.Get(baseURL + "/brain/messages?session_id=" + url.QueryEscape(session) + "&limit=50")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	var body struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}
	return body.Messages
}
