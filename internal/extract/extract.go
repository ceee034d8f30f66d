// Package extract turns the portal's data table into normalized device
// snapshots.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"saj_portal/scraper-go/internal/fault"
	"saj_portal/scraper-go/internal/model"
	"saj_portal/scraper-go/internal/portal"
)

// PortalTimeLayout is how the portal renders Update_time and Server_Time.
const PortalTimeLayout = "2006-01-02 15:04:05"

// DefaultColumns maps attributes to cell indices of the portal data table.
var DefaultColumns = map[string]int{
	model.AttrID:              0,
	model.AttrUpdateTime:      1,
	model.AttrPanelChannel:    3,
	model.AttrPanelVoltage:    4,
	model.AttrPanelCurrent:    5,
	model.AttrPanelPower:      6,
	model.AttrPhase:           8,
	model.AttrVoltage:         9,
	model.AttrCurrent:         10,
	model.AttrFrequency:       11,
	model.AttrPower:           12,
	model.AttrEnergyToday:     13,
	model.AttrEnergyThisMonth: 14,
	model.AttrEnergyThisYear:  15,
	model.AttrEnergyTotal:     16,
	model.AttrServerTime:      17,
	model.AttrStrengthSignal:  18,
}

// channelAttrs fan out per panel channel.
var channelAttrs = map[string]bool{
	model.AttrPanelVoltage: true,
	model.AttrPanelCurrent: true,
	model.AttrPanelPower:   true,
}

var ErrNoValidRows = errors.New("no rows with a valid update time")

type Options struct {
	Columns        map[string]int
	UpdateTimeZone *time.Location
	ServerTimeZone *time.Location
	URLs           portal.URLs
	RowTimeout     time.Duration
	PollInterval   time.Duration
	MaxRows        int
}

type column struct {
	name  string
	index int
}

type Extractor struct {
	log          zerolog.Logger
	columns      []column
	channelIndex int
	updateTZ     *time.Location
	serverTZ     *time.Location
	urls         portal.URLs
	rowTimeout   time.Duration
	pollInterval time.Duration
	maxRows      int
}

func New(log zerolog.Logger, opts Options) *Extractor {
	cols := opts.Columns
	if len(cols) == 0 {
		cols = DefaultColumns
	}
	ordered := make([]column, 0, len(cols))
	for name, idx := range cols {
		ordered = append(ordered, column{name: name, index: idx})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	channelIndex := -1
	if idx, ok := cols[model.AttrPanelChannel]; ok {
		channelIndex = idx
	}

	updateTZ := opts.UpdateTimeZone
	if updateTZ == nil {
		updateTZ = time.Local
	}
	serverTZ := opts.ServerTimeZone
	if serverTZ == nil {
		serverTZ = time.UTC
	}
	rowTimeout := opts.RowTimeout
	if rowTimeout <= 0 {
		rowTimeout = 60 * time.Second
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = 1
	}

	return &Extractor{
		log:          log,
		columns:      ordered,
		channelIndex: channelIndex,
		updateTZ:     updateTZ,
		serverTZ:     serverTZ,
		urls:         opts.URLs,
		rowTimeout:   rowTimeout,
		pollInterval: poll,
		maxRows:      maxRows,
	}
}

// Extract reads the data table currently loaded in page. It waits for rows,
// checks that page is still a data page and returns the valid snapshots.
//
// A table that never appears, or a page that is no longer the data page, is
// connection-class. An empty table or rows without a usable Update_time are
// extraction failures.
func (e *Extractor) Extract(ctx context.Context, page portal.Page, alias string) ([]model.Snapshot, error) {
	if err := e.waitRows(ctx, page); err != nil {
		return nil, err
	}

	loc, err := page.Location(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(loc, e.urls.DataPrefix()) {
		return nil, fault.WithURL(fault.Newf(fault.Connection, "check data page", "not on the data page after wait"), loc)
	}

	rows, err := page.Rows(ctx, portal.RowSelector)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fault.WithURL(fault.Newf(fault.Extraction, "read rows", "table has no rows"), loc)
	}
	if len(rows) > e.maxRows {
		rows = rows[:e.maxRows]
	}

	out := make([]model.Snapshot, 0, len(rows))
	for _, cells := range rows {
		snap, ok := e.Normalize(cells, alias)
		if !ok {
			e.log.Warn().Str("device", alias).Str("update_time", snap.UpdateTime()).Msg("skipping row with invalid Update_time")
			continue
		}
		out = append(out, snap)
	}
	if len(out) == 0 {
		return nil, fault.WithURL(fault.New(fault.Extraction, "normalize rows", ErrNoValidRows), loc)
	}
	return out, nil
}

func (e *Extractor) waitRows(ctx context.Context, page portal.Page) error {
	wctx, cancel := context.WithTimeout(ctx, e.rowTimeout)
	defer cancel()

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fault.New(fault.Connection, "wait for rows", fmt.Errorf("no data rows after %s: %w", e.rowTimeout, context.DeadlineExceeded))
		case <-t.C:
		}

		n, err := page.Count(wctx, portal.RowSelector)
		if err != nil && fault.Is(err, fault.Connection) && wctx.Err() == nil {
			return err
		}
		if n > 0 {
			return nil
		}
		t.Reset(e.pollInterval)
	}
}

// Normalize maps one row of cell texts onto a snapshot. ok is false when the
// resulting Update_time is not a normalized UTC timestamp.
func (e *Extractor) Normalize(cells []string, alias string) (snap model.Snapshot, ok bool) {
	snap = model.Snapshot{}

	var channels []string
	if e.channelIndex >= 0 && e.channelIndex < len(cells) {
		channels = strings.Split(strings.TrimSpace(cells[e.channelIndex]), "\n")
	}

	for _, col := range e.columns {
		if col.name == model.AttrPanelChannel {
			continue
		}
		if col.index < 0 || col.index >= len(cells) {
			e.log.Debug().Str("device", alias).Str("column", col.name).Int("index", col.index).Int("cells", len(cells)).Msg("column index out of range")
			continue
		}
		raw := strings.TrimSpace(cells[col.index])

		switch {
		case col.name == model.AttrUpdateTime:
			snap[col.name] = e.toUTC(raw, e.updateTZ, alias, col.name)
		case col.name == model.AttrServerTime:
			snap[col.name] = e.toUTC(raw, e.serverTZ, alias, col.name)
		case channelAttrs[col.name] && channels != nil:
			values := strings.Split(raw, "\n")
			if len(values) != len(channels) {
				e.log.Debug().Str("device", alias).Str("column", col.name).Int("channels", len(channels)).Int("values", len(values)).Msg("channel count mismatch")
				snap[col.name] = raw
				continue
			}
			for i, ch := range channels {
				key := strings.ToUpper(strings.TrimSpace(ch))
				if key == "" {
					continue
				}
				snap[key+"_"+col.name] = strings.TrimSpace(values[i])
			}
		default:
			snap[col.name] = raw
		}
	}

	snap[model.AttrAlias] = alias
	return snap, snap.HasValidUpdateTime()
}

func (e *Extractor) toUTC(raw string, loc *time.Location, alias, attr string) string {
	if raw == "" {
		return raw
	}
	t, err := time.ParseInLocation(PortalTimeLayout, raw, loc)
	if err != nil {
		e.log.Warn().Err(err).Str("device", alias).Str("column", attr).Str("value", raw).Msg("could not parse timestamp, keeping raw value")
		return raw
	}
	return t.UTC().Format(model.UTCLayout)
}

// Latest returns the snapshot with the greatest Update_time.
func Latest(snaps []model.Snapshot) (model.Snapshot, bool) {
	var best model.Snapshot
	for _, s := range snaps {
		if !s.HasValidUpdateTime() {
			continue
		}
		if best == nil || s.UpdateTime() > best.UpdateTime() {
			best = s
		}
	}
	return best, best != nil
}
