// Copyright 2023 Upbound Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sheets

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

const (
	errNewService   = "cannot create sheets service"
	errEnsureHeader = "cannot ensure header row"
	errProbe        = "cannot reach spreadsheet"
)

// statusColors maps cell statuses onto sheet background colors.
var statusColors = map[string]*gsheets.Color{
	StatusGreen:  {Red: 0.85, Green: 0.95, Blue: 0.85},
	StatusYellow: {Red: 1.0, Green: 0.95, Blue: 0.75},
	StatusRed:    {Red: 0.96, Green: 0.80, Blue: 0.80},
	StatusGray:   {Red: 0.93, Green: 0.93, Blue: 0.93},
}

// A GoogleAppender lands rows in a Google spreadsheet tab, coloring
// cells by status.
type GoogleAppender struct {
	svc           *gsheets.Service
	spreadsheetID string
	sheetName     string
}

// NewGoogleAppender returns a sheets/v4-backed appender.
// serviceAccountFile may be empty for application default credentials.
func NewGoogleAppender(ctx context.Context, spreadsheetID, sheetName, serviceAccountFile string) (*GoogleAppender, error) {
	opts := []option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}
	if serviceAccountFile != "" {
		opts = append(opts, option.WithCredentialsFile(serviceAccountFile))
	}
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errNewService)
	}
	return &GoogleAppender{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}, nil
}

// Append implements Appender: one values append per batch, then one
// formatting batchUpdate for the status colors.
func (g *GoogleAppender) Append(ctx context.Context, rows []Row) error {
	values := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		row := make([]interface{}, 0, len(r.Cells))
		for _, c := range r.Cells {
			row = append(row, c.Value)
		}
		values = append(values, row)
	}

	rng := fmt.Sprintf("%s!A1", g.sheetName)
	resp, err := g.svc.Spreadsheets.Values.Append(g.spreadsheetID, rng, &gsheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, errAppend)
	}

	return g.colorize(ctx, resp.Updates.UpdatedRange, rows)
}

// colorize issues one batchUpdate setting each appended cell's
// background per its status. Formatting failures are not fatal to the
// data write.
func (g *GoogleAppender) colorize(ctx context.Context, updatedRange string, rows []Row) error {
	sheetID, startRow, err := g.locate(ctx, updatedRange)
	if err != nil {
		return nil // data is in; formatting is best-effort
	}

	var requests []*gsheets.Request
	for ri, r := range rows {
		for ci, c := range r.Cells {
			color, ok := statusColors[c.Status]
			if !ok {
				continue
			}
			requests = append(requests, &gsheets.Request{
				RepeatCell: &gsheets.RepeatCellRequest{
					Range: &gsheets.GridRange{
						SheetId:          sheetID,
						StartRowIndex:    startRow + int64(ri),
						EndRowIndex:      startRow + int64(ri) + 1,
						StartColumnIndex: int64(ci),
						EndColumnIndex:   int64(ci) + 1,
					},
					Cell: &gsheets.CellData{
						UserEnteredFormat: &gsheets.CellFormat{BackgroundColor: color},
					},
					Fields: "userEnteredFormat.backgroundColor",
				},
			})
		}
	}
	if len(requests) == 0 {
		return nil
	}
	_, err = g.svc.Spreadsheets.BatchUpdate(g.spreadsheetID, &gsheets.BatchUpdateSpreadsheetRequest{
		Requests: requests,
	}).Context(ctx).Do()
	if err != nil {
		// Best-effort: colors are cosmetic.
		return nil
	}
	return nil
}

// locate resolves the sheet id and the first appended row index from an
// A1 range like "Sheet1!A42:W43".
func (g *GoogleAppender) locate(ctx context.Context, a1 string) (int64, int64, error) {
	ss, err := g.svc.Spreadsheets.Get(g.spreadsheetID).Fields("sheets(properties(sheetId,title))").Context(ctx).Do()
	if err != nil {
		return 0, 0, err
	}
	var sheetID int64 = -1
	for _, sh := range ss.Sheets {
		if sh.Properties.Title == g.sheetName {
			sheetID = sh.Properties.SheetId
		}
	}
	if sheetID < 0 {
		return 0, 0, errors.Errorf("sheet %q not found", g.sheetName)
	}

	var startRow int64
	if _, err := fmt.Sscanf(afterBang(a1), "A%d", &startRow); err != nil {
		return 0, 0, err
	}
	return sheetID, startRow - 1, nil
}

func afterBang(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '!' {
			return s[i+1:]
		}
	}
	return s
}

// EnsureHeader writes the header row when the tab is empty.
func (g *GoogleAppender) EnsureHeader(ctx context.Context) error {
	rng := fmt.Sprintf("%s!A1:A1", g.sheetName)
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, errEnsureHeader)
	}
	if len(resp.Values) > 0 {
		return nil
	}
	header := make([]interface{}, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	_, err = g.svc.Spreadsheets.Values.Update(g.spreadsheetID, fmt.Sprintf("%s!A1", g.sheetName),
		&gsheets.ValueRange{Values: [][]interface{}{header}}).
		ValueInputOption("RAW").Context(ctx).Do()
	return errors.Wrap(err, errEnsureHeader)
}

// Probe verifies the spreadsheet is reachable.
func (g *GoogleAppender) Probe(ctx context.Context) error {
	_, err := g.svc.Spreadsheets.Get(g.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	return errors.Wrap(err, errProbe)
}
