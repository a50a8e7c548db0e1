// Package sheet はアップロードされた表計算ファイルの取り込み、結果のXLSX出力、
// 結果ファイルのダウンロードを扱います。
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/margin"
)

// Format は取り込みファイルの形式です。
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// 取り込みエラーのコードです。
const (
	CodeMissingColumns    = "MISSING_COLUMNS"
	CodeEmptyFile         = "EMPTY_FILE"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeUnreadableFile    = "UNREADABLE_FILE"
)

const (
	// DefaultMaxRows は1ジョブで処理する行数の上限です。
	DefaultMaxRows = 450
	previewSize    = 5
	mimeXLSX       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// 必須列。見出しは大文字小文字・アクセントを無視して照合します。
var requiredColumns = []struct {
	key   string
	label string
}{
	{key: "cpf", label: "CPF"},
	{key: "matricula", label: "Matricula"},
	{key: "orgao", label: "Orgao"},
}

// MissingColumnsError は見つからなかった必須列を保持します。
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "missing columns: " + strings.Join(e.Columns, ", ")
}

// Options は取り込みの制限です。
type Options struct {
	MaxRows int
}

// Ingestion は取り込み結果です。
type Ingestion struct {
	Format         Format       `json:"format"`
	Rows           []margin.Row `json:"-"`
	TotalRecords   int          `json:"totalRecords"`
	ValidRecords   int          `json:"validRecords"`
	InvalidRecords int          `json:"invalidRecords"`
	CorrectedCPFs  int          `json:"correctedCpfs"`
	Truncated      int          `json:"truncated"`
	Preview        []margin.Row `json:"preview"`
}

// FormatFromFilename は拡張子から形式を推定します。不明な場合は空文字です。
func FormatFromFilename(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return ""
	}
}

// Parse はファイル内容を行に変換します。
// 宣言された形式と内容が食い違う場合は内容を優先します。
func Parse(data []byte, declared Format, opts Options) (*Ingestion, error) {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, apperr.Validation(CodeEmptyFile, "O arquivo está vazio.")
	}

	format, err := detectFormat(data, declared)
	if err != nil {
		return nil, err
	}

	var table [][]string
	switch format {
	case FormatXLSX:
		table, err = readXLSX(data)
	default:
		table, err = readCSV(data)
	}
	if err != nil {
		return nil, err
	}

	ing, err := buildRows(table, opts.MaxRows)
	if err != nil {
		return nil, err
	}
	ing.Format = format
	return ing, nil
}

func detectFormat(data []byte, declared Format) (Format, error) {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		switch {
		case m.Is(mimeXLSX), m.Is("application/zip"):
			return FormatXLSX, nil
		case m.Is("text/plain"):
			return FormatCSV, nil
		}
	}
	// Windows-1252 の CSV はバイナリと判定されることがあるため、宣言を信用します。
	if declared == FormatCSV && detected.Is("application/octet-stream") {
		return FormatCSV, nil
	}
	return "", apperr.Validation(CodeUnsupportedFormat,
		fmt.Sprintf("Formato de arquivo não suportado (%s). Envie um arquivo .csv ou .xlsx.", detected.String()))
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xEF\xBB\xBF"))
	if !utf8.Valid(data) {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, apperr.New(apperr.KindValidation, CodeUnreadableFile, "Não foi possível decodificar o arquivo CSV.", err)
		}
		data = decoded
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = detectDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var table [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.New(apperr.KindValidation, CodeUnreadableFile, "Não foi possível ler o arquivo CSV.", err)
		}
		table = append(table, record)
	}
	return table, nil
}

// detectDelimiter は1行目に多く現れる区切り文字（, または ;）を返します。
func detectDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, CodeUnreadableFile, "Não foi possível abrir a planilha.", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperr.Validation(CodeEmptyFile, "A planilha não contém abas.")
	}
	// 書式なしの値を読むことで、CPFの表示形式（マスクや指数表記）に影響されません。
	table, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, CodeUnreadableFile, "Não foi possível ler a planilha.", err)
	}
	return table, nil
}

func buildRows(table [][]string, maxRows int) (*Ingestion, error) {
	headerAt := -1
	for i, record := range table {
		if !blankRecord(record) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, apperr.Validation(CodeEmptyFile, "O arquivo não contém dados.")
	}

	index := make(map[string]int, len(requiredColumns))
	for col, title := range table[headerAt] {
		key := foldHeader(title)
		if _, seen := index[key]; !seen {
			index[key] = col
		}
	}
	var missing []string
	for _, rc := range requiredColumns {
		if _, ok := index[rc.key]; !ok {
			missing = append(missing, rc.label)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.New(apperr.KindValidation, CodeMissingColumns,
			"Colunas obrigatórias não encontradas: "+strings.Join(missing, ", "),
			&MissingColumnsError{Columns: missing})
	}

	ing := &Ingestion{}
	for _, record := range table[headerAt+1:] {
		if blankRecord(record) {
			continue
		}
		ing.TotalRecords++

		rawCPF := cell(record, index["cpf"])
		row := margin.Row{
			Matricula: cell(record, index["matricula"]),
			Orgao:     cell(record, index["orgao"]),
		}
		if cpf, ok := margin.NormalizeCPF(rawCPF); ok {
			row.CPF = cpf
		}
		if !row.Complete() {
			continue
		}
		ing.ValidRecords++
		if len(ing.Rows) < maxRows {
			ing.Rows = append(ing.Rows, row)
			// 補正は処理対象に残った行だけ数える
			if row.CPF != rawCPF {
				ing.CorrectedCPFs++
			}
		} else {
			ing.Truncated++
		}
	}
	ing.InvalidRecords = ing.TotalRecords - ing.ValidRecords

	if ing.TotalRecords == 0 {
		return nil, apperr.Validation(CodeEmptyFile, "O arquivo não contém linhas de dados.")
	}

	n := min(previewSize, len(ing.Rows))
	ing.Preview = append([]margin.Row(nil), ing.Rows[:n]...)
	return ing, nil
}

func cell(record []string, col int) string {
	if col < 0 || col >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[col])
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// foldHeader は見出しを小文字化し、アクセントと区切り文字を取り除きます。
// 例: "Matrícula" → "matricula", "ÓRGÃO" → "orgao"
func foldHeader(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, title)
	if err != nil {
		folded = title
	}
	folded = strings.ToLower(strings.TrimSpace(folded))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '_' || r == '-' || r == '.' {
			return -1
		}
		return r
	}, folded)
}
