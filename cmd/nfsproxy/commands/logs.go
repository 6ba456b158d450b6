package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marmos91/nfsproxy/pkg/config"
)

var (
	logsFollow bool
	logsLines  int
	logsSince  string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail proxy logs",
	Long: `Display and optionally follow the nfsproxy log file.

Only works when logging.output is a file path.

Examples:
  # Show the last 100 lines
  nfsproxy logs

  # Follow, starting from the last 20 lines
  nfsproxy logs -f -n 20

  # Only entries after a point in time
  nfsproxy logs --since 2024-01-15T10:00:00Z`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since timestamp (RFC3339 format)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := cfg.Logging.Output
	if path == "stdout" || path == "stderr" {
		return fmt.Errorf("proxy is configured to log to %s, not a file\nSet logging.output to a file path to use this command", path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("log file not found: %s", path)
	}

	var since time.Time
	if logsSince != "" {
		since, err = time.Parse(time.RFC3339, logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since format (use RFC3339): %w", err)
		}
	}

	out := cmd.OutOrStdout()
	offset, err := tailLines(out, path, logsLines, since)
	if err != nil {
		return err
	}
	if !logsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return followLog(ctx, out, path, offset)
}

// tailLines prints the last n lines of path not older than since and
// returns the offset where reading stopped.
func tailLines(w io.Writer, path string, n int, since time.Time) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(line)) + 1
		if !since.IsZero() {
			if ts := extractTimestamp(line); !ts.IsZero() && ts.Before(since) {
				continue
			}
		}
		if n <= 0 {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading log file: %w", err)
	}

	for _, line := range ring {
		_, _ = fmt.Fprintln(w, line)
	}
	return offset, nil
}

// followLog prints lines appended to path after offset until ctx ends. A
// truncated file is read again from the start.
func followLog(ctx context.Context, w io.Writer, path string, offset int64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek log file: %w", err)
	}
	reader := bufio.NewReader(f)

	fmt.Fprintf(os.Stderr, "Following %s (Ctrl+C to stop)...\n", path)

	drain := func() {
		for {
			line, err := reader.ReadString('\n')
			if line != "" && err == nil {
				_, _ = io.WriteString(w, line)
			}
			if err != nil {
				// Keep a partial line for the next write event.
				if line != "" {
					_, _ = f.Seek(-int64(len(line)), io.SeekCurrent)
					reader.Reset(f)
				}
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return fmt.Errorf("log file %s was rotated or removed", path)
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			if st, err := f.Stat(); err == nil {
				if pos, err := f.Seek(0, io.SeekCurrent); err == nil && st.Size() < pos-int64(reader.Buffered()) {
					_, _ = f.Seek(0, io.SeekStart)
					reader.Reset(f)
				}
			}
			drain()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// extractTimestamp finds the time of a log line written by either the text
// handler ("[2006-01-02 15:04:05] ...", local time) or the JSON handler
// ({"time":"<RFC3339Nano>",...}).
func extractTimestamp(line string) time.Time {
	if strings.HasPrefix(line, "[") && len(line) >= 21 && line[20] == ']' {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", line[1:20], time.Local); err == nil {
			return t
		}
	}

	const timeKey = `"time":"`
	if idx := strings.Index(line, timeKey); idx >= 0 {
		rest := line[idx+len(timeKey):]
		if end := strings.IndexByte(rest, '"'); end > 0 {
			if t, err := time.Parse(time.RFC3339Nano, rest[:end]); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
