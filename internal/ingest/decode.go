package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/hitoshi/attendsync/internal/model"
	"github.com/xuri/excelize/v2"
)

// Format は入力データの形式。
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat は入力形式を判別できない場合に返される。
var ErrUnsupportedFormat = errors.New("サポートされていない入力形式です")

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// FormatFromContentType はContent-Typeから入力形式を判定する。
func FormatFromContentType(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}

	switch strings.ToLower(mediaType) {
	case "text/csv", "application/csv", "text/plain":
		return FormatCSV, true
	case "application/json":
		return FormatJSON, true
	case xlsxContentType:
		return FormatXLSX, true
	}
	return "", false
}

// FormatFromFilename はファイル名の拡張子から入力形式を判定する。
func FormatFromFilename(name string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, true
	case ".json":
		return FormatJSON, true
	case ".xlsx":
		return FormatXLSX, true
	}
	return "", false
}

// Decode は指定形式でrを行の列に変換する。
func Decode(format Format, r io.Reader) ([]model.EventRow, error) {
	switch format {
	case FormatCSV:
		return DecodeCSV(r)
	case FormatJSON:
		return DecodeJSON(r)
	case FormatXLSX:
		return DecodeXLSX(r)
	}
	return nil, ErrUnsupportedFormat
}

// DecodeCSV は1行目をヘッダーとしてCSVを読み込む。
// 列数が揃っていない行も受け付け、空行は読み飛ばす。
func DecodeCSV(r io.Reader) ([]model.EventRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("CSVの読み込みに失敗しました: %w", err)
	}
	return rowsFromTable(records), nil
}

// DecodeXLSX は最初のシートの1行目をヘッダーとして読み込む。
func DecodeXLSX(r io.Reader) ([]model.EventRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("XLSXの読み込みに失敗しました: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("シートの読み込みに失敗しました: %w", err)
	}
	return rowsFromTable(records), nil
}

// DecodeJSON はオブジェクトの配列を読み込む。
// {"records": [...]} または {"data": [...]} の形式も受け付ける。
// 数値や真偽値は文字列に変換する。
func DecodeJSON(r io.Reader) ([]model.EventRow, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("JSONのパースに失敗しました: %w", err)
	}

	var objects []map[string]any
	if err := unmarshalNumber(raw, &objects); err != nil {
		var wrapper map[string]json.RawMessage
		if werr := unmarshalNumber(raw, &wrapper); werr != nil {
			return nil, fmt.Errorf("JSONのパースに失敗しました: %w", err)
		}
		inner, ok := wrapper["records"]
		if !ok {
			inner, ok = wrapper["data"]
		}
		if !ok {
			return nil, fmt.Errorf("JSONに行の配列がありません")
		}
		if err := unmarshalNumber(inner, &objects); err != nil {
			return nil, fmt.Errorf("JSONのパースに失敗しました: %w", err)
		}
	}

	rows := make([]model.EventRow, 0, len(objects))
	for _, obj := range objects {
		row := make(model.EventRow, len(obj))
		for k, v := range obj {
			row[k] = stringify(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func unmarshalNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// rowsFromTable は先頭行をヘッダーとして表を行に変換する。
// 値がすべて空の行は含めない。
func rowsFromTable(records [][]string) []model.EventRow {
	if len(records) == 0 {
		return nil
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		header[i] = strings.TrimSpace(h)
	}

	var rows []model.EventRow
	for _, rec := range records[1:] {
		row := make(model.EventRow, len(header))
		blank := true
		for i, h := range header {
			if h == "" || i >= len(rec) {
				continue
			}
			row[h] = rec[i]
			if strings.TrimSpace(rec[i]) != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}
