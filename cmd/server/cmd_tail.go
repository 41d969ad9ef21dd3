package main

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/devsapp/agentrun-sandbox-broker/internal/api/ws"
)

var tailCmd = &cobra.Command{
	Use:   "tail <session-id>",
	Short: "Stream a session's logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

func init() {
	tailCmd.Flags().String("server", "http://localhost:8000", "Broker base URL")
	tailCmd.Flags().Uint64("since", 0, "Skip entries up to this sequence")
	rootCmd.AddCommand(tailCmd)
}

func streamURL(server, sessionID string, since uint64) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws/log/" + url.PathEscape(sessionID)
	if since > 0 {
		u.RawQuery = "since=" + strconv.FormatUint(since, 10)
	}
	return u.String(), nil
}

func formatFrame(f ws.Frame) string {
	ts := time.UnixMilli(int64(math.Round(f.Timestamp * 1000)))
	return fmt.Sprintf("%s %-8s #%d %s", ts.Format("15:04:05.000"), f.Level, f.Sequence, f.Message)
}

func runTail(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	since, _ := cmd.Flags().GetUint64("since")

	target, err := streamURL(server, args[0], since)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	header.Set("X-Client-ID", uuid.NewString())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var f ws.Frame
		if err := sonic.Unmarshal(raw, &f); err != nil {
			return errors.New("malformed frame from server")
		}
		switch f.Type {
		case "log":
			fmt.Fprintln(out, formatFrame(f))
		case "connected":
			fmt.Fprintf(out, "streaming %s\n", args[0])
		}
	}
}
