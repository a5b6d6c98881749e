package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/canteen/internal/client"
	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
)

const envAPIURL = "CANTEEN_API_URL"

var menu = []domain.OrderItem{
	{Name: "Burger", Price: 150},
	{Name: "Pizza", Price: 200},
	{Name: "Pasta", Price: 180},
	{Name: "Fries", Price: 100},
	{Name: "Salad", Price: 120},
}

// randomOrder собирает заказ из 1-3 разных позиций по 1-3 штуки.
func randomOrder(r *rand.Rand) events.CreateOrder {
	picked := r.Perm(len(menu))[:1+r.IntN(3)]
	items := make([]domain.OrderItem, 0, len(picked))
	for _, idx := range picked {
		item := menu[idx]
		item.Quantity = int32(1 + r.IntN(3))
		items = append(items, item)
	}

	orderType := domain.OrderTypeInstant
	if r.IntN(2) == 1 {
		orderType = domain.OrderTypeDelayed
	}

	return events.CreateOrder{
		StudentName: fmt.Sprintf("Student-%d", 1+r.IntN(100)),
		Items:       items,
		Type:        orderType,
	}
}

func run(ctx context.Context, api *client.APIClient, r *rand.Rand, interval time.Duration, limit int) error {
	logger := log.WithField("component", "order-generator")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sent := 0; limit <= 0 || sent < limit; {
		order, err := api.CreateOrder(ctx, randomOrder(r), uuid.NewString())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Warn("failed to create order")
		} else {
			sent++
			logger.WithFields(log.Fields{
				"order_id":     order.ID,
				"student_name": order.StudentName,
				"type":         order.Type,
				"total_price":  order.TotalPrice,
			}).Info("order created")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	defaultURL := "http://localhost:5000"
	if v := strings.TrimSpace(os.Getenv(envAPIURL)); v != "" {
		defaultURL = v
	}
	server := flag.String("server", defaultURL, "canteen service base URL (fallback: "+envAPIURL+")")
	interval := flag.Duration("interval", 5*time.Second, "pause between orders")
	count := flag.Int("count", 0, "stop after N orders (0 = run until interrupted)")
	flag.Parse()

	if *interval <= 0 {
		log.Fatal("interval must be > 0")
	}

	api, err := client.NewAPIClient(*server, client.WithUserAgent("order-generator"))
	if err != nil {
		log.WithError(err).Fatal("invalid server url")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	if err := run(ctx, api, r, *interval, *count); err != nil {
		log.WithError(err).Fatal("generator stopped with error")
	}
}
