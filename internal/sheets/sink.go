/**
 * Google Sheets sync for the generals extraction worker
 *
 * Appends one row per assembled record to the generals worksheet, writing
 * the header row first when the sheet is empty.
 */

package sheets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/capture"
	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/processor"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// Headers is the worksheet layout, one column per entry.
var Headers = []string{
	"General_ID", "Name", "Level", "Stars", "Specialty",
	"Attack", "Defense", "Leadership", "Politics",
	"Equipment_1", "Equipment_2", "Equipment_3", "Equipment_4",
	"Skill_1", "Skill_2", "Skill_3", "Skill_4",
	"Last_Updated", "Notes", "Status",
}

// columnRegions maps the value columns between General_ID and Last_Updated
// to catalog regions.
var columnRegions = []string{
	"general_name", "general_level", "general_stars", "specialty",
	"attack_stat", "defense_stat", "leadership_stat", "politics_stat",
	"equipment_slot_1", "equipment_slot_2", "equipment_slot_3", "equipment_slot_4",
	"skill_slot_1", "skill_slot_2", "skill_slot_3", "skill_slot_4",
}

// appendChunk keeps each append call under the API's request size limits.
const appendChunk = 100

const (
	statusActive = "Active"
	statusReview = "Review"
)

// valuesAPI is the part of the Sheets values service the sink uses.
type valuesAPI interface {
	Get(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error)
	Append(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error
	Update(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error
}

type serviceValues struct {
	svc *gsheets.SpreadsheetsValuesService
}

func (s serviceValues) Get(ctx context.Context, id, rng string) ([][]interface{}, error) {
	resp, err := s.svc.Get(id, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (s serviceValues) Append(ctx context.Context, id, rng string, rows [][]interface{}) error {
	_, err := s.svc.Append(id, rng, &gsheets.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return err
}

func (s serviceValues) Update(ctx context.Context, id, rng string, rows [][]interface{}) error {
	_, err := s.svc.Update(id, rng, &gsheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

// Config configures the sheet sink.
type Config struct {
	SpreadsheetID   string
	Range           string // e.g. "Generals!A1"
	CredentialsFile string
	Logger          *logging.Logger
}

// Sink writes records to a spreadsheet.
type Sink struct {
	values        valuesAPI
	spreadsheetID string
	sheet         string
	logger        *logging.Logger

	mu          sync.Mutex
	headerIsSet bool
}

// NewSink authenticates with a service account file.
func NewSink(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet ID is required")
	}
	svc, err := gsheets.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(gsheets.SpreadsheetsScope))
	if err != nil {
		return nil, errors.NewSyncFailedError("sheets", fmt.Errorf("failed to create sheets service: %w", err))
	}
	return newSink(serviceValues{svc: svc.Spreadsheets.Values}, cfg), nil
}

func newSink(values valuesAPI, cfg Config) *Sink {
	sheet := cfg.Range
	if i := strings.Index(sheet, "!"); i >= 0 {
		sheet = sheet[:i]
	}
	if sheet == "" {
		sheet = "Generals"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Sheets")
	}
	return &Sink{
		values:        values,
		spreadsheetID: cfg.SpreadsheetID,
		sheet:         sheet,
		logger:        logger.With("sheet", sheet),
	}
}

// Deliver appends the batch's records.
func (s *Sink) Deliver(ctx context.Context, batch *processor.BatchResult, _ []capture.Capture) error {
	records := batch.Records()
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureHeader(ctx); err != nil {
		return errors.NewSyncFailedError("sheets", err)
	}

	rows := make([][]interface{}, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row(rec))
	}

	for start := 0; start < len(rows); start += appendChunk {
		end := start + appendChunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.values.Append(ctx, s.spreadsheetID, s.sheet+"!A1", rows[start:end]); err != nil {
			return errors.NewSyncFailedError("sheets",
				fmt.Errorf("failed to append rows %d-%d of batch %s: %w", start, end, batch.BatchID, err))
		}
	}

	s.logger.Info("Synced records", "batch", batch.BatchID, "rows", len(rows))
	return nil
}

func (s *Sink) ensureHeader(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerIsSet {
		return nil
	}

	headerRange := fmt.Sprintf("%s!A1:%s1", s.sheet, columnName(len(Headers)))
	existing, err := s.values.Get(ctx, s.spreadsheetID, headerRange)
	if err != nil {
		return fmt.Errorf("failed to read header row: %w", err)
	}
	if len(existing) == 0 || len(existing[0]) == 0 {
		header := make([]interface{}, len(Headers))
		for i, h := range Headers {
			header[i] = h
		}
		if err := s.values.Update(ctx, s.spreadsheetID, headerRange, [][]interface{}{header}); err != nil {
			return fmt.Errorf("failed to write header row: %w", err)
		}
		s.logger.Info("Wrote header row")
	}
	s.headerIsSet = true
	return nil
}

// Row renders a record in the worksheet layout. Unparsed fields are blank.
func Row(rec record.GeneralRecord) []interface{} {
	row := make([]interface{}, 0, len(Headers))
	row = append(row, rec.Key)
	for _, id := range columnRegions {
		f, ok := rec.Field(id)
		if !ok || !f.Value.Parsed() {
			row = append(row, "")
			continue
		}
		if n, isInt := f.Value.Int(); isInt {
			row = append(row, n)
			continue
		}
		row = append(row, f.Value.String())
	}

	var notes []string
	if fields := rec.ReviewFields(); len(fields) > 0 {
		notes = append(notes, "check: "+strings.Join(fields, ", "))
	}
	notes = append(notes, rec.Warnings()...)

	status := statusActive
	if rec.ReviewNeeded {
		status = statusReview
	}

	updated := rec.ExtractedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return append(row,
		updated.UTC().Format("2006-01-02 15:04:05"),
		strings.Join(notes, "; "),
		status,
	)
}

// columnName converts a 1-based column index to its letter form.
func columnName(n int) string {
	name := ""
	for n > 0 {
		n--
		name = string(rune('A'+n%26)) + name
		n /= 26
	}
	return name
}
