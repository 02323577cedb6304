// Package export turns a recorded session into an xlsx workbook and hands it
// to storage.
package export

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/logger"
	"github.com/xuri/excelize/v2"
)

// Storage persists an artifact in two steps so a partially written file is
// never visible.
type Storage interface {
	CreatePending(ctx context.Context, name, mimeType, relativePath string) (Handle, error)
	Write(ctx context.Context, h Handle, data []byte) error
	Finalize(ctx context.Context, h Handle) (Artifact, error)
}

type Config struct {
	Prefix       string
	RelativePath string
}

func DefaultConfig() Config {
	return Config{Prefix: "TMData", RelativePath: "ThermalMonitor"}
}

type Exporter struct {
	storage Storage
	cfg     Config
	log     logger.Logger
}

func New(storage Storage, cfg Config, log logger.Logger) (*Exporter, error) {
	if cfg.Prefix == "" {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "export prefix must not be empty")
	}

	return &Exporter{storage: storage, cfg: cfg, log: log}, nil
}

// FileName derives the artifact name from the first tick and the end time.
func FileName(prefix string, start, end time.Time) string {
	return fmt.Sprintf("%s-%s-%s.xlsx", prefix, start.Format("20060102-150405"), end.Format("150405"))
}

// SheetName returns the sheet used for a table suffix.
func (e *Exporter) SheetName(suffix string) string {
	return e.cfg.Prefix + "-" + suffix
}

// Workbook renders the capture. The caller closes the returned file.
func (e *Exporter) Workbook(c Capture) (*excelize.File, error) {
	errFactory := errors.New()

	f := excelize.NewFile()
	defaultSheet := f.GetSheetName(0)

	for i, t := range c.Tables {
		sheet := e.SheetName(t.Suffix)

		var err error
		if i == 0 {
			err = f.SetSheetName(defaultSheet, sheet)
		} else {
			_, err = f.NewSheet(sheet)
		}
		if err != nil {
			_ = f.Close()
			return nil, errFactory.Wrap(ErrExportFailed, err)
		}

		if err := writeTable(f, sheet, t); err != nil {
			_ = f.Close()
			return nil, errFactory.Wrap(ErrExportFailed, err)
		}
	}

	return f, nil
}

func writeTable(f *excelize.File, sheet string, t Table) error {
	header := make([]any, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}

	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for r, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	return nil
}

// Export writes the capture through storage and returns the finalized
// artifact.
func (e *Exporter) Export(ctx context.Context, c Capture) (Artifact, error) {
	errFactory := errors.New()

	if len(c.Ticks) == 0 || len(c.Tables) == 0 {
		return Artifact{}, errFactory.New(ErrEmptyCapture)
	}

	end := c.Ended
	if end.IsZero() {
		end = c.Ticks[len(c.Ticks)-1]
	}
	name := FileName(e.cfg.Prefix, c.Ticks[0], end)

	f, err := e.Workbook(c)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()

	buf, err := f.WriteToBuffer()
	if err != nil {
		return Artifact{}, errFactory.Wrap(ErrExportFailed, err)
	}

	h, err := e.storage.CreatePending(ctx, name, MimeType, e.cfg.RelativePath)
	if err != nil {
		return Artifact{}, errFactory.Wrap(ErrExportFailed, err)
	}

	if err := e.storage.Write(ctx, h, buf.Bytes()); err != nil {
		return Artifact{}, errFactory.Wrap(ErrExportFailed, err)
	}

	artifact, err := e.storage.Finalize(ctx, h)
	if err != nil {
		if errors.HasCode(err, ErrFinalizeFailed) {
			return Artifact{}, err
		}
		return Artifact{}, errFactory.Wrap(ErrExportFailed, err)
	}

	e.log.Info().
		Str("session", c.SessionID).
		Str("path", artifact.Path).
		Int("ticks", len(c.Ticks)).
		Msg("Capture exported")

	return artifact, nil
}
