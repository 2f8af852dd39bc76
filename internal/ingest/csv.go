package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
)

// ReadIndicatorsCSV parses a wide indicator CSV.
func ReadIndicatorsCSV(r io.Reader) ([]model.IndicatorBundle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperr.Validation("header", "empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "malformed csv")
	}
	return ParseRows(header, rows)
}
