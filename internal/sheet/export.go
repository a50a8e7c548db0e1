package sheet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/yourusername/margin-console/internal/margin"
	"github.com/yourusername/margin-console/internal/storage"
)

// ResultsSheet は出力ブックのシート名です。
const ResultsSheet = "Resultados"

// ExportColumns は結果ファイルの列です。順序は固定です。
var ExportColumns = []string{
	"CPF",
	"Matricula",
	"Orgao",
	"Status da Consulta",
	"Nome Retornado",
	"Margem Disponível",
	"Margem Bruta",
	"Salário Base",
	"Contratos Ativos",
	"Situação Atual",
	"Mensagem ou Detalhe",
	"Data e Hora da Execução",
	"Tempo de Execução (ms)",
	"Tentativas",
	"Identificação",
	"Mês Referência",
	"Data Próxima Folha",
}

var exportColumnWidths = []float64{15, 12, 25, 18, 30, 18, 15, 15, 12, 20, 40, 22, 18, 12, 15, 15, 18}

const successMessage = "Consulta realizada com sucesso"

// ExportFilename は結果ファイル名を返します。
// 例: resultado_processamento_2024-05-01_14-03-59_1a2b3c4d.xlsx
func ExportFilename(jobID string, at time.Time) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("resultado_processamento_%s_%s.xlsx", at.Format("2006-01-02_15-04-05"), short)
}

// XLSXExporter は処理結果を結果ディレクトリへXLSXとして書き出します。
type XLSXExporter struct {
	store  *storage.Local
	now    func() time.Time
	logger *slog.Logger
}

// NewXLSXExporter は XLSXExporter を作成します。
func NewXLSXExporter(store *storage.Local, logger *slog.Logger) *XLSXExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &XLSXExporter{store: store, now: time.Now, logger: logger}
}

// Filename は現在時刻からファイル名を決めます。
func (e *XLSXExporter) Filename(jobID string) string {
	return ExportFilename(jobID, e.now())
}

// Export はファイル名を決めて結果を書き出し、そのファイル名を返します。
func (e *XLSXExporter) Export(ctx context.Context, jobID string, results []margin.Result) (string, error) {
	name := e.Filename(jobID)
	if err := e.WriteFile(ctx, name, results); err != nil {
		return "", err
	}
	return name, nil
}

// WriteFile は指定したファイル名で結果を書き出します。
func (e *XLSXExporter) WriteFile(ctx context.Context, name string, results []margin.Result) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := BuildWorkbook(results)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	path, err := e.store.WriteFile(name, func(w io.Writer) error {
		_, err := f.WriteTo(w)
		return err
	})
	if err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export.xlsx.ok",
		"file", name,
		"path", path,
		"rows", len(results),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// BuildWorkbook は結果からブックを組み立てます。呼び出し側で Close してください。
func BuildWorkbook(results []margin.Result) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), ResultsSheet); err != nil {
		_ = f.Close()
		return nil, err
	}

	header := make([]any, len(ExportColumns))
	for i, title := range ExportColumns {
		header[i] = title
	}
	if err := f.SetSheetRow(ResultsSheet, "A1", &header); err != nil {
		_ = f.Close()
		return nil, err
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		last, _ := excelize.CoordinatesToCellName(len(ExportColumns), 1)
		_ = f.SetCellStyle(ResultsSheet, "A1", last, style)
	}

	for i, r := range results {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		values := exportRow(r)
		if err := f.SetSheetRow(ResultsSheet, cell, &values); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
	}

	for i, width := range exportColumnWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(ResultsSheet, col, col, width)
	}
	return f, nil
}

func exportRow(r margin.Result) []any {
	message := successMessage
	if !r.Succeeded() {
		message = r.Error
		if message == "" {
			message = string(margin.StatusError)
		}
		if r.ErrorCode != "" {
			message = r.ErrorCode + ": " + message
		}
	}
	ts := ""
	if !r.Timestamp.IsZero() {
		ts = r.Timestamp.Format(time.RFC3339)
	}
	return []any{
		r.CPF,
		r.Matricula,
		r.Orgao,
		string(r.Status),
		r.Name,
		orZero(r.MargemDisponivel),
		orZero(r.MargemBruta),
		orZero(r.SalarioBase),
		r.ContratosAtivos,
		r.SituacaoAtual,
		message,
		ts,
		r.DurationMillis(),
		r.Attempts,
		r.Identificacao,
		r.MesReferencia,
		r.DataProximaFolha,
	}
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

// buildTable は文字列の表をそのまま1シートに書き込みます。
func buildTable(records [][]string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), ResultsSheet); err != nil {
		_ = f.Close()
		return nil, err
	}
	for i, record := range records {
		values := make([]any, len(record))
		for j, v := range record {
			values[j] = v
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(ResultsSheet, cell, &values); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}
