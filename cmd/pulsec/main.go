package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campuspulse/pulse/client"
	"github.com/campuspulse/pulse/models"
	"github.com/fatih/color"
)

var (
	logger  *slog.Logger
	server  string
	asUser  string
	verbose bool
)

func init() {
	flag.StringVar(&server, "server", "127.0.0.1:8480", "host:port of the pulsed service")
	flag.StringVar(&asUser, "user", "", "Identity to attach to the connection")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "watch":
		handleWatch(cmdArgs)
	case "join":
		handleJoin(cmdArgs)
	case "leave":
		handleLeave(cmdArgs)
	case "notify":
		handleNotify(cmdArgs)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: pulsec [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  watch <topic> [topic...]     stream messages from one or more topics\n")
	fmt.Fprintf(os.Stderr, "  join <eventID> <userID>      register a user for an event\n")
	fmt.Fprintf(os.Stderr, "  leave <eventID> <userID>     cancel a user's registration\n")
	fmt.Fprintf(os.Stderr, "  notify <userID> <title> <message>   send a direct notification\n")
}

func handleWatch(args []string) {
	if len(args) < 1 {
		logger.Error("watch: requires at least one topic")
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(client.Config{
		Endpoint:    fmt.Sprintf("ws://%s/ws", server),
		UserID:      asUser,
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	topicColor := color.New(color.FgCyan, color.Bold)
	typeColor := color.New(color.FgYellow)
	stateColor := color.New(color.FgMagenta)

	for _, topic := range args {
		if err := c.Subscribe(topic); err != nil {
			logger.Error("Failed to subscribe", "topic", topic, "error", err)
			os.Exit(1)
		}
	}

	c.OnStateChange(func(s client.State) {
		stateColor.Fprintf(os.Stderr, "-- %s --\n", s)
	})
	c.OnMessage(func(msg models.Message) {
		topicColor.Printf("%-24s", msg.Topic)
		typeColor.Printf(" %-24s", msg.Type)
		fmt.Printf(" %s\n", string(msg.Payload))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "watching %d topic(s) on %s\n", len(args), server)
	c.Run(ctx)
}

func postJSON(path string, payload any) (*http.Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s%s", server, path), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func handleJoin(args []string) {
	if len(args) != 2 {
		logger.Error("join: requires <eventID> <userID>")
		printUsage()
		os.Exit(1)
	}
	eventID, userID := args[0], args[1]

	resp, body, err := postJSON(fmt.Sprintf("/api/v1/events/%s/join", eventID),
		map[string]string{"user_id": userID})
	if err != nil {
		logger.Error("Join request failed", "error", err)
		os.Exit(1)
	}

	if resp.StatusCode == http.StatusCreated {
		color.Green("registered %s for event %s", userID, eventID)
		fmt.Println(string(body))
		return
	}
	color.Red("join failed (%s): %s", resp.Status, string(body))
	os.Exit(1)
}

func handleLeave(args []string) {
	if len(args) != 2 {
		logger.Error("leave: requires <eventID> <userID>")
		printUsage()
		os.Exit(1)
	}
	eventID, userID := args[0], args[1]

	resp, body, err := postJSON(fmt.Sprintf("/api/v1/events/%s/leave", eventID),
		map[string]string{"user_id": userID})
	if err != nil {
		logger.Error("Leave request failed", "error", err)
		os.Exit(1)
	}

	if resp.StatusCode == http.StatusNoContent {
		color.Green("cancelled %s's registration for event %s", userID, eventID)
		return
	}
	color.Red("leave failed (%s): %s", resp.Status, string(body))
	os.Exit(1)
}

func handleNotify(args []string) {
	if len(args) != 3 {
		logger.Error("notify: requires <userID> <title> <message>")
		printUsage()
		os.Exit(1)
	}
	userID, title, message := args[0], args[1], args[2]

	resp, body, err := postJSON(fmt.Sprintf("/api/v1/users/%s/notify", userID),
		models.NotificationPayload{Title: title, Message: message})
	if err != nil {
		logger.Error("Notify request failed", "error", err)
		os.Exit(1)
	}

	if resp.StatusCode == http.StatusAccepted {
		color.Green("notification queued for %s", userID)
		return
	}
	color.Red("notify failed (%s): %s", resp.Status, string(body))
	os.Exit(1)
}
