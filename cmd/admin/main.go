// Command admin is a minimal operator console over a Unix domain socket:
// trigger a manual backfill or inspect row counts without restarting the
// server. It is a thin stub, not exercised by any feed-serving path.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/mbarkhau/noreposts-feed/internal/atclient"
	"github.com/mbarkhau/noreposts-feed/internal/backfill"
	"github.com/mbarkhau/noreposts-feed/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := flag.String("socket", "./feed-admin.sock", "Unix socket path to listen on")
	databaseURL := flag.String("database-url", "sqlite:./feed.db", "Store connection string")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := store.Open(*databaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	dispatcher := backfill.NewDispatcher(atclient.New(atclient.DefaultHost), db, logger)

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *socketPath, err)
	}
	defer listener.Close()
	os.Chmod(*socketPath, 0o666)

	logger.Info("admin socket listening", "path", *socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Warn("failed to accept admin connection", "error", err)
			continue
		}
		go handleConnection(conn, db, dispatcher)
	}
}

func handleConnection(conn net.Conn, db *store.Store, dispatcher *backfill.Dispatcher) {
	defer conn.Close()

	fmt.Fprint(conn, "Feed Generator Admin Console\n")
	fmt.Fprint(conn, "Commands: backfill <did>, stats, help, quit\n> ")

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Fprint(conn, "> ")
			continue
		}

		switch fields[0] {
		case "backfill":
			if len(fields) < 2 {
				fmt.Fprint(conn, "Usage: backfill <did>\n")
				break
			}
			fmt.Fprintf(conn, "Starting backfill for %s...\n", fields[1])
			dispatcher.Run(fields[1])
			fmt.Fprint(conn, "Backfill dispatched (runs in the background)\n")

		case "stats":
			stats, err := fetchStats(db)
			if err != nil {
				fmt.Fprintf(conn, "Failed to get stats: %v\n", err)
			} else {
				fmt.Fprint(conn, stats)
			}

		case "help":
			fmt.Fprint(conn, "Available commands:\n")
			fmt.Fprint(conn, "  backfill <did>  - Backfill follows and posts for a user\n")
			fmt.Fprint(conn, "  stats           - Show database statistics\n")
			fmt.Fprint(conn, "  help            - Show this help message\n")
			fmt.Fprint(conn, "  quit            - Close connection\n")

		case "quit", "exit":
			fmt.Fprint(conn, "Goodbye!\n")
			return

		default:
			fmt.Fprintf(conn, "Unknown command: %s. Type 'help' for available commands.\n", fields[0])
		}

		fmt.Fprint(conn, "> ")
	}
}

func fetchStats(db *store.Store) (string, error) {
	ctx := context.Background()
	posts, follows, users, err := db.Stats(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Database Statistics:\n  Posts: %d\n  Follows: %d\n  Users: %d\n", posts, follows, users), nil
}
