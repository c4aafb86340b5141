// Package reviewpulse embeds the dashboard page served at /.
package reviewpulse

import "embed"

//go:embed web
var DashboardFS embed.FS
