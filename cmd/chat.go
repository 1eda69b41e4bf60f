package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"memoire/internal/bootstrap"
	"memoire/internal/helper"
	"memoire/internal/models"
	"memoire/internal/rag"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Reads questions from standard input and answers them within one session,
so follow-up questions can refer to earlier answers.
Type /clear to forget the conversation and /exit to leave.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "conversation session id (random when empty)")
	rootCmd.AddCommand(chatCmd)
}

type styles struct {
	prompt lipgloss.Style
	answer lipgloss.Style
	source lipgloss.Style
	meta   lipgloss.Style
	warn   lipgloss.Style
}

func newStyles() styles {
	return styles{
		prompt: lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		answer: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		source: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		meta:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
	}
}

func printResponse(w io.Writer, resp models.Response, st styles) {
	answer := st.answer
	if resp.Status != models.StatusOK {
		answer = answer.BorderForeground(lipgloss.Color("11"))
	}
	fmt.Fprintln(w, answer.Render(resp.Answer))

	if len(resp.Sources) == 0 {
		return
	}
	fmt.Fprintln(w, st.meta.Render("Sources:"))
	for i, src := range resp.Sources {
		line := fmt.Sprintf("  [%d] %s", i+1, src.Content)
		if s, ok := src.Metadata["source"]; ok {
			line += st.meta.Render(fmt.Sprintf(" (%v)", s))
		}
		fmt.Fprintln(w, st.source.Render(line))
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := chatSession
	if session == "" {
		id, err := helper.GenerateUUID()
		if err != nil {
			return err
		}
		session = id
	}

	engine, sessions, err := bootstrap.NewEngine(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer sessions.Close()
	defer engine.Close()

	st := newStyles()
	if err := engine.Init(ctx); err != nil {
		// the engine retries on every question
		cmd.Println(st.warn.Render("Warning: " + err.Error()))
	}
	cmd.Println(st.meta.Render("Session " + session + ". Type /exit to leave."))

	return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), engine, sessions.Clear, session, st)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, engine *rag.Engine, clearSession func(context.Context, string) error, session string, st styles) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, st.prompt.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := clearSession(ctx, session); err != nil {
				fmt.Fprintln(out, st.warn.Render("Could not clear the conversation: "+err.Error()))
				continue
			}
			fmt.Fprintln(out, st.meta.Render("Conversation cleared."))
			continue
		}

		printResponse(out, engine.Ask(ctx, session, line), st)
		if ctx.Err() != nil {
			return nil
		}
	}
}
