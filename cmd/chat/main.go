package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ahmetk3436/ollachat/internal/chatclient"
	"github.com/ahmetk3436/ollachat/internal/content"
	"github.com/ahmetk3436/ollachat/internal/ollama"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	reasoningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func main() {
	url := flag.String("url", envOr("OLLACHAT_URL", "http://localhost:8080"), "server base URL")
	model := flag.String("model", envOr("OLLAMA_DEFAULT_MODEL", "llama3.2"), "model to chat with")
	user := flag.String("user", envOr("OLLACHAT_USER", "admin"), "username")
	conversation := flag.String("conversation", "", "existing conversation id")
	persist := flag.Bool("persist", true, "store the chat as a conversation")
	markdown := flag.Bool("markdown", isTTY(), "render answers as markdown")
	flag.Parse()

	ctx := context.Background()
	client := chatclient.New(*url, os.Getenv("OLLACHAT_TOKEN"))

	if client.Token == "" {
		if _, err := client.Login(ctx, *user, os.Getenv("OLLACHAT_PASSWORD")); err != nil {
			fail("login: %v", err)
		}
	}

	convID := *conversation
	if convID == "" && *persist {
		id, err := client.CreateConversation(ctx, *model)
		if err != nil {
			fail("create conversation: %v", err)
		}
		convID = id
	}
	if convID != "" {
		fmt.Println(statusStyle.Render("conversation " + convID))
	}

	var renderer *glamour.TermRenderer
	if *markdown {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
		if err == nil {
			renderer = r
		}
	}

	var history []ollama.Message
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print(promptStyle.Render(">>> "))
		if !in.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "/bye" {
			return
		}

		history = append(history, ollama.Message{Role: ollama.RoleUser, Content: line})
		res := turn(client, chatclient.ChatRequest{
			Model:          *model,
			Messages:       history,
			ConversationID: convID,
		}, renderer)

		switch res.State {
		case chatclient.Completed:
			history = append(history, ollama.Message{Role: ollama.RoleAssistant, Content: res.Content})
			if res.Final != nil && res.Final.EvalCount > 0 {
				fmt.Println(statusStyle.Render(fmt.Sprintf("%d tokens, %.1f tok/s, %s",
					res.Final.EvalCount, res.Final.TokensPerSecond(), res.Final.TotalTime().Round(time.Millisecond))))
			}
		case chatclient.Cancelled:
			// The server keeps nothing for a cancelled turn, so neither do we.
			history = history[:len(history)-1]
			fmt.Println(statusStyle.Render("[cancelled]"))
		default:
			history = history[:len(history)-1]
			fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+res.Err.Error()))
		}
	}
}

// turn streams one answer. Ctrl-C during the turn cancels it without leaving
// the program.
func turn(client *chatclient.Client, req chatclient.ChatRequest, renderer *glamour.TermRenderer) chatclient.Result {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var shownReasoning string
	var shownRegular int
	res := client.Stream(ctx, req, func(u chatclient.Update) {
		// Reasoning segments are trimmed once closed, so only print text that
		// extends what is already on screen.
		reasoning := reasoningText(u.Parsed)
		if len(reasoning) > len(shownReasoning) && strings.HasPrefix(reasoning, shownReasoning) {
			fmt.Print(reasoningStyle.Render(reasoning[len(shownReasoning):]))
			shownReasoning = reasoning
		}
		if renderer != nil {
			return
		}
		if len(u.Parsed.Regular) > shownRegular {
			if shownReasoning != "" && shownRegular == 0 {
				fmt.Println()
			}
			fmt.Print(u.Parsed.Regular[shownRegular:])
			shownRegular = len(u.Parsed.Regular)
		}
	})
	if shownReasoning != "" || shownRegular > 0 {
		fmt.Println()
	}

	if res.State == chatclient.Completed && renderer != nil {
		out, err := renderer.Render(res.Parsed.Regular)
		if err != nil {
			out = res.Parsed.Regular + "\n"
		}
		fmt.Print(out)
	}
	return res
}

func reasoningText(p content.Parsed) string {
	text := strings.Join(p.Reasoning, "\n")
	if p.Partial != nil {
		if text != "" {
			text += "\n"
		}
		text += *p.Partial
	}
	return text
}

func isTTY() bool {
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf(format, args...)))
	os.Exit(1)
}
