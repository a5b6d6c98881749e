// Package metrics — prometheus-коллекторы сервиса столовой.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace — общий префикс всех метрик сервиса.
const namespace = "canteen"

// register регистрирует коллектор. Если такой уже есть (повторный NewXMetrics
// в тестах или при перезапуске app.Run), возвращается существующий.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		panic(fmt.Sprintf("register metric: %v", err))
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		panic(fmt.Sprintf("metric already registered as %T", already.ExistingCollector))
	}
	return existing
}
