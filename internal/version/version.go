package version

import "fmt"

// Подставляются через -ldflags при сборке релиза сервиса:
//
//	-X .../internal/version.version=v1.2.3
//	-X .../internal/version.commit=<sha>
//	-X .../internal/version.date=<rfc3339>
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает конкретную сборку сервиса страховых заказов.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает информацию о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// String форматирует сборку для логов и баннера запуска.
func (b Build) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", b.Version, b.Commit, b.Date)
}
