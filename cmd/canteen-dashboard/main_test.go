package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/canteen/internal/domain"
	"github.com/vladislavdragonenkov/canteen/internal/events"
	"github.com/vladislavdragonenkov/canteen/internal/view"
)

func TestParseLine(t *testing.T) {
	cmd, err := parseLine("prepare order-1")
	require.NoError(t, err)
	require.Equal(t, events.UpdateOrderStatus{OrderID: "order-1", Status: domain.OrderStatusPreparing}, cmd)

	cmd, err = parseLine("  COMPLETE   order-2 ")
	require.NoError(t, err)
	require.Equal(t, events.UpdateOrderStatus{OrderID: "order-2", Status: domain.OrderStatusCompleted}, cmd)

	for _, line := range []string{"", "list", "ls"} {
		cmd, err = parseLine(line)
		require.NoError(t, err)
		require.Nil(t, cmd)
	}

	_, err = parseLine("quit")
	require.True(t, errors.Is(err, errQuit))

	_, err = parseLine("prepare")
	require.Error(t, err)
	_, err = parseLine("cancel order-1")
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	now := time.Now()
	staff := view.NewStaffView([]domain.Order{
		{ID: "order-1", StudentName: "Asha", Type: domain.OrderTypeInstant, Status: domain.OrderStatusPending,
			TotalPrice: 300, CreatedAt: now, Items: []domain.OrderItem{{Name: "Burger", Quantity: 2, Price: 150}}},
		{ID: "order-2", StudentName: "Ben", Type: domain.OrderTypeDelayed, Status: domain.OrderStatusPreparing,
			TotalPrice: 200, CreatedAt: now, Items: []domain.OrderItem{{Name: "Pizza", Quantity: 1, Price: 200}}},
		{ID: "order-3", StudentName: "Chen", Type: domain.OrderTypeInstant, Status: domain.OrderStatusCompleted,
			TotalPrice: 100, CreatedAt: now, Items: []domain.OrderItem{{Name: "Fries", Quantity: 1, Price: 100}}},
	})

	var out bytes.Buffer
	render(&out, staff)
	text := out.String()

	require.Contains(t, text, "== INSTANT (1)")
	require.Contains(t, text, "== DELAYED (1)")
	require.Contains(t, text, "== HISTORY (1)")
	require.Contains(t, text, "2x Burger")
	require.Less(t, strings.Index(text, "order-1"), strings.Index(text, "order-2"))
	require.Less(t, strings.Index(text, "order-2"), strings.Index(text, "order-3"))
}
