// Package version хранит сведения о сборке, заполняемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/canteen/internal/version.version=v1.2.0"
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Product — имя, под которым сервис и клиенты представляются друг другу.
const Product = "canteen"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает текущую сборку.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// Dev сообщает, что бинарь собран без -ldflags.
func (b Build) Dev() bool { return b.Version == "dev" }

func (b Build) String() string {
	return fmt.Sprintf("%s %s (commit=%s date=%s)", Product, b.Version, b.Commit, b.Date)
}

// UserAgent формирует заголовок User-Agent для клиентов сервиса, например
// "canteen-dashboard/v1.2.0".
func (b Build) UserAgent(component string) string {
	if component == "" {
		component = Product
	}
	return component + "/" + b.Version
}

// Fields — сведения о сборке для стартовой записи в лог.
func Fields() log.Fields {
	b := Current()
	return log.Fields{
		"version": b.Version,
		"commit":  b.Commit,
		"date":    b.Date,
	}
}
