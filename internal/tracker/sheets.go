package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/pkg/logger"
	"github.com/rivalwatch/pkg/ratelimit"
)

// SheetColumns defines the column headers of a monitor's change sheet
var SheetColumns = []string{
	"Change ID",
	"Monitor",
	"URL",
	"Change Type",
	"Threat Level",
	"Content",
	"Why It Matters",
	"Suggested Response",
	"Detected At",
	"Read At",
	"Exported At",
}

const (
	lastColumn    = "K"
	readAtColumn  = "J"
	threatColumn  = "E"
	maxTitleRunes = 100
	previewLimit  = 500
)

// ExportResult counts what an export wrote
type ExportResult struct {
	Sheet   string
	Added   int
	Updated int
}

// SheetsExporter writes monitor change feeds into Google Sheets, one tab per
// monitor
type SheetsExporter struct {
	service       *sheets.Service
	spreadsheetID string
	rateLimiter   *ratelimit.MultiLimiter
	log           *logger.Logger
	now           func() time.Time
}

// NewSheetsExporter creates an exporter. It returns nil when export is
// disabled. Writes share the limiter's sheets budget. Extra client options are
// appended after the credentials.
func NewSheetsExporter(ctx context.Context, cfg config.TrackerConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger, opts ...option.ClientOption) (*SheetsExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if limiter == nil {
		limiter = ratelimit.NewDefaultLimiter(0, 0)
	}

	var creds []option.ClientOption
	// Try service account JSON first (for env var injection)
	switch {
	case cfg.ServiceAccountJSON != "":
		creds = append(creds, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	case cfg.CredentialsFile != "":
		creds = append(creds, option.WithCredentialsFile(cfg.CredentialsFile))
	case len(opts) == 0:
		return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
	}

	srv, err := sheets.NewService(ctx, append(creds, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &SheetsExporter{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		rateLimiter:   limiter,
		log:           log.WithComponent("sheets-exporter"),
		now:           time.Now,
	}, nil
}

// ExportChanges appends changes the sheet does not have yet and refreshes
// the threat level and read marker of the ones it has
func (e *SheetsExporter) ExportChanges(ctx context.Context, monitor models.Monitor, changes []models.Change) (*ExportResult, error) {
	title := SheetTitle(monitor)
	if err := e.ensureSheet(ctx, title); err != nil {
		return nil, err
	}

	existing, err := e.existingRows(ctx, title)
	if err != nil {
		return nil, err
	}

	exported := e.now().UTC().Format(time.RFC3339)
	var newRows [][]interface{}
	var updates []*sheets.ValueRange
	for _, c := range changes {
		row, ok := existing[c.ID]
		if !ok {
			newRows = append(newRows, ChangeRow(monitor, c, exported))
			continue
		}
		updates = append(updates,
			&sheets.ValueRange{
				Range:  cell(title, threatColumn, row),
				Values: [][]interface{}{{c.ThreatLevel}},
			},
			&sheets.ValueRange{
				Range:  cell(title, readAtColumn, row),
				Values: [][]interface{}{{formatTime(c.ReadAt)}},
			},
		)
	}

	result := &ExportResult{Sheet: title}

	// Batch append all new changes in a single API call
	if len(newRows) > 0 {
		if err := e.wait(ctx); err != nil {
			return nil, err
		}
		appendRange := fmt.Sprintf("%s!A:%s", quote(title), lastColumn)
		_, err := e.service.Spreadsheets.Values.Append(e.spreadsheetID, appendRange, &sheets.ValueRange{Values: newRows}).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("failed to append changes: %w", err)
		}
		result.Added = len(newRows)
	}

	if len(updates) > 0 {
		if err := e.wait(ctx); err != nil {
			return nil, err
		}
		req := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW", Data: updates}
		if _, err := e.service.Spreadsheets.Values.BatchUpdate(e.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return nil, fmt.Errorf("failed to update changes: %w", err)
		}
		result.Updated = len(updates) / 2
	}

	e.log.Info().
		Str("monitor_id", monitor.ID).
		Str("sheet", title).
		Int("added", result.Added).
		Int("updated", result.Updated).
		Msg("Changes exported to sheet")
	return result, nil
}

// ensureSheet creates the tab and its header row if they don't exist
func (e *SheetsExporter) ensureSheet(ctx context.Context, title string) error {
	spreadsheet, err := e.service.Spreadsheets.Get(e.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	exists := false
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == title {
			exists = true
			break
		}
	}

	if !exists {
		e.log.Info().Str("sheet", title).Msg("Creating new sheet")
		if err := e.wait(ctx); err != nil {
			return err
		}
		req := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{Title: title},
				},
			}},
		}
		if _, err := e.service.Spreadsheets.BatchUpdate(e.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("failed to create sheet: %w", err)
		}
	}

	readRange := fmt.Sprintf("%s!A1:%s1", quote(title), lastColumn)
	resp, err := e.service.Spreadsheets.Values.Get(e.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(resp.Values) > 0 {
		return nil
	}

	if err := e.wait(ctx); err != nil {
		return err
	}
	header := make([]interface{}, len(SheetColumns))
	for i, col := range SheetColumns {
		header[i] = col
	}
	_, err = e.service.Spreadsheets.Values.Update(e.spreadsheetID, fmt.Sprintf("%s!A1", quote(title)), &sheets.ValueRange{
		Values: [][]interface{}{header},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}

	e.log.Info().Str("sheet", title).Msg("Sheet headers initialized")
	return nil
}

// existingRows maps change ids already in the sheet to their row number
func (e *SheetsExporter) existingRows(ctx context.Context, title string) (map[string]int, error) {
	resp, err := e.service.Spreadsheets.Values.Get(e.spreadsheetID, fmt.Sprintf("%s!A:A", quote(title))).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read change ids: %w", err)
	}

	rows := make(map[string]int, len(resp.Values))
	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue // Skip header
		}
		if id := fmt.Sprintf("%v", row[0]); id != "" {
			rows[id] = i + 1
		}
	}
	return rows, nil
}

func (e *SheetsExporter) wait(ctx context.Context) error {
	if err := e.rateLimiter.Wait(ctx, ratelimit.LimiterSheets); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}
	return nil
}

// ChangeRow renders one change in SheetColumns order
func ChangeRow(monitor models.Monitor, c models.Change, exportedAt string) []interface{} {
	return []interface{}{
		c.ID,
		monitor.Name,
		c.URL,
		c.ChangeType,
		c.ThreatLevel,
		preview(c.Content),
		preview(c.WhyMatters),
		preview(c.Suggestions),
		c.Timestamp,
		formatTime(c.ReadAt),
		exportedAt,
	}
}

// SheetTitle names a monitor's tab. Sheets rejects a few characters in
// titles and caps their length.
func SheetTitle(m models.Monitor) string {
	title := m.Name
	if strings.TrimSpace(title) == "" {
		title = m.Domain
	}
	if strings.TrimSpace(title) == "" {
		title = m.ID
	}

	title = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', '*', '?', '/', '\\', ':':
			return '-'
		}
		return r
	}, strings.TrimSpace(title))

	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}

func quote(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func cell(title, col string, row int) string {
	return fmt.Sprintf("%s!%s%d", quote(title), col, row)
}

func preview(s string) string {
	if runes := []rune(s); len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "..."
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
