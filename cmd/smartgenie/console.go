package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MrWong99/smartgenie/internal/app"
	"github.com/MrWong99/smartgenie/internal/conversation"
	"github.com/MrWong99/smartgenie/internal/voice"
	"github.com/MrWong99/smartgenie/pkg/audio/capture"
)

const helpText = `Commands:
  <Enter>          start recording, or stop and send the recording
  /c <name>        switch reference collection
  /collections     list collections
  /history [n]     show the last n persisted entries (default 10)
  /status          show the session state
  /reconnect       reconnect to the assistant
  /quit            exit`

// runConsole reads push-to-talk commands from r until it is exhausted, ctx
// is cancelled or the user quits. quit cancels the application context.
func runConsole(ctx context.Context, r io.Reader, a *app.App, quit func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if done := handleLine(ctx, a, line); done {
			quit()
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("console input error", "err", err)
	}
}

func handleLine(ctx context.Context, a *app.App, line string) (quit bool) {
	s := a.Session()
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		var err error
		if s.State() == voice.Recording {
			err = s.EndCapture(ctx)
		} else {
			err = s.BeginCapture(ctx)
			if err == nil {
				fmt.Println("● recording… press Enter to send")
			}
		}
		if err != nil && !errors.Is(err, capture.ErrNoAudio) {
			fmt.Printf("✗ %v\n", err)
		}

	case "/c", "/collection":
		if arg == "" {
			fmt.Println("usage: /c <name>")
			return false
		}
		c, err := a.SelectCollection(ctx, arg)
		if err != nil {
			fmt.Printf("✗ %v\n", err)
			return false
		}
		fmt.Printf("collection: %s\n", c.Label())

	case "/collections":
		current := s.Collection()
		for _, c := range a.Catalogue().All() {
			mark := " "
			if c.ID == current {
				mark = "*"
			}
			fmt.Printf(" %s %-18s %s\n", mark, c.ID, c.Name)
		}

	case "/history":
		n := 10
		if arg != "" {
			v, err := strconv.Atoi(arg)
			if err != nil || v <= 0 {
				fmt.Println("usage: /history [n]")
				return false
			}
			n = v
		}
		entries, err := a.History(ctx, n)
		if err != nil {
			fmt.Printf("✗ %v\n", err)
			return false
		}
		for _, e := range entries {
			fmt.Printf("%s  %-10s %s\n", e.Timestamp.Format("2006-01-02 15:04"), e.Collection, formatEntry(e))
		}

	case "/status":
		st := s.Status()
		fmt.Printf("state=%s collection=%s connected=%t\n", st.State, st.Collection, st.Connected)
		if st.LastError != nil {
			fmt.Printf("last error: %v\n", st.LastError)
		}

	case "/reconnect":
		if err := s.Reconnect(ctx); err != nil {
			fmt.Printf("✗ %v\n", err)
		}

	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(helpText)

	default:
		fmt.Printf("unknown command %q, try /help\n", cmd)
	}
	return false
}

func printEntry(e conversation.Entry) {
	fmt.Println(formatEntry(e))
}

func formatEntry(e conversation.Entry) string {
	var who string
	switch e.Role {
	case conversation.RoleUser:
		who = "you"
	case conversation.RoleUserEcho:
		who = "you (heard)"
	case conversation.RoleAssistant:
		who = "genie"
	default:
		who = e.Role.String()
	}
	text := e.Text
	if e.HasAudio && e.Role == conversation.RoleAssistant {
		text += " 🔊"
	}
	return fmt.Sprintf("[%s] %s", who, text)
}
