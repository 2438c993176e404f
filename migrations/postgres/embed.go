// Package migrations embeds SQL migration files.
package migrations

import "embed"

// HistoryFS contains the migrations for the state history database.
//
//go:embed history/*.sql
var HistoryFS embed.FS

// HistoryDir is the directory within HistoryFS where migrations live.
const HistoryDir = "history"
