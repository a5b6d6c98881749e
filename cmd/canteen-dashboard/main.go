package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/client"
	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/view"
)

const envAPIURL = "CANTEEN_API_URL"

var errQuit = errors.New("quit")

// parseLine разбирает команду оператора. Пустая строка и list
// возвращают nil-команду: нужно только перерисовать экран.
func parseLine(line string) (events.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	switch strings.ToLower(fields[0]) {
	case "list", "ls":
		return nil, nil
	case "quit", "exit", "q":
		return nil, errQuit
	case "prepare", "complete":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: %s <order-id>", fields[0])
		}
		target := domain.OrderStatusPreparing
		if strings.EqualFold(fields[0], "complete") {
			target = domain.OrderStatusCompleted
		}
		return events.UpdateOrderStatus{OrderID: fields[1], Status: target}, nil
	default:
		return nil, fmt.Errorf("unknown command %q (prepare <id>, complete <id>, list, quit)", fields[0])
	}
}

func render(w io.Writer, staff view.StaffView) {
	sections := []struct {
		title  string
		orders []domain.Order
	}{
		{"INSTANT", staff.Instant()},
		{"DELAYED", staff.Delayed()},
		{"HISTORY", staff.History()},
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, section := range sections {
		_, _ = fmt.Fprintf(tw, "== %s (%d)\n", section.title, len(section.orders))
		for _, o := range section.orders {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				o.ID, o.StudentName, o.Status, o.TotalPrice, itemsLine(o.Items), o.CreatedAt.Local().Format(time.Kitchen))
		}
	}
	_ = tw.Flush()
}

func itemsLine(items []domain.OrderItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%dx %s", item.Quantity, item.Name))
	}
	return strings.Join(parts, ", ")
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	defaultURL := "http://localhost:5000"
	if v := strings.TrimSpace(os.Getenv(envAPIURL)); v != "" {
		defaultURL = v
	}
	server := flag.String("server", defaultURL, "canteen service base URL (fallback: "+envAPIURL+")")
	flag.Parse()

	api, err := client.NewAPIClient(*server, client.WithUserAgent("canteen-dashboard"))
	if err != nil {
		log.WithError(err).Fatal("invalid server url")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redraw := make(chan struct{}, 1)
	session := client.NewSession(api,
		client.WithSessionLogger(log.WithField("component", "dashboard")),
		client.WithOnChange(func() {
			select {
			case redraw <- struct{}{}:
			default:
			}
		}),
	)
	go func() { _ = session.Run(ctx) }()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-redraw:
			render(os.Stdout, session.Staff())
		case rejection := <-session.Rejections():
			log.WithField("order_id", rejection.OrderID).Warn(rejection.Message)
		case line := <-lines:
			cmd, err := parseLine(line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err)
				continue
			}
			if cmd == nil {
				render(os.Stdout, session.Staff())
				continue
			}
			if err := session.Send(cmd); err != nil {
				log.WithError(err).Warn("command not sent, waiting for reconnect")
			}
		}
	}
}
