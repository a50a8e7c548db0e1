package sheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/margin-console/internal/apperr"
	"github.com/yourusername/margin-console/internal/storage"
)

// ErrorReportName はダウンロード失敗時に返すレポートのファイル名です。
const ErrorReportName = "erro_consultas.csv"

const (
	CodeInvalidFilename = "INVALID_FILENAME"
	CodeExportPending   = "EXPORT_PENDING"
	brDateTime          = "02/01/2006 15:04:05"
)

// File はダウンロードとして返す内容です。
type File struct {
	Name        string
	ContentType string
	Data        []byte
	// Placeholder は見つからなかったため生成したファイルであることを示します。
	Placeholder bool
}

// ExportStatus は非同期エクスポートの状態です。
type ExportStatus int

const (
	ExportUnknown ExportStatus = iota
	ExportPending
	ExportFailed
	ExportDone
)

// ExportTracker は結果ファイル名から非同期エクスポートの状態を返します。
type ExportTracker interface {
	ExportStatus(ctx context.Context, filename string) (ExportStatus, error)
}

// Downloader は結果ファイルを候補ディレクトリから探して返します。
type Downloader struct {
	store   *storage.Local
	tracker ExportTracker
	now     func() time.Time
	logger  *slog.Logger
}

// NewDownloader は Downloader を作成します。
func NewDownloader(store *storage.Local, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{store: store, now: time.Now, logger: logger}
}

// WithTracker はエクスポート中や失敗したファイル名にサンプルを作らないよう tracker を設定します。
func (d *Downloader) WithTracker(tracker ExportTracker) *Downloader {
	d.tracker = tracker
	return d
}

// Open はファイルを読み込みます。
// 見つからず、エクスポートの対象でもない場合は同名のサンプルファイルを結果ディレクトリに作成して返します。
// 名前が不正な場合は検証エラー、エクスポート中の場合は EXPORT_PENDING の競合エラーを返します。
// それ以外の失敗は ErrorReport で代替できるよう error を返します。
func (d *Downloader) Open(ctx context.Context, name string) (*File, error) {
	safe, err := storage.SafeName(name)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, CodeInvalidFilename, "Nome de arquivo inválido.", err)
	}
	if !downloadable(safe) {
		return nil, apperr.Validation(CodeInvalidFilename, "Tipo de arquivo não permitido.")
	}

	path, err := d.store.Locate(safe)
	switch {
	case err == nil:
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, apperr.IO("DOWNLOAD_FAILED", "Falha ao ler o arquivo.", readErr)
		}
		return &File{Name: safe, ContentType: ContentTypeFor(safe, data), Data: data}, nil
	case errors.Is(err, fs.ErrNotExist):
		return d.missing(ctx, safe)
	default:
		return nil, apperr.IO("DOWNLOAD_FAILED", "Falha ao localizar o arquivo.", err)
	}
}

func (d *Downloader) missing(ctx context.Context, name string) (*File, error) {
	if d.tracker == nil {
		return d.placeholder(name)
	}
	status, err := d.tracker.ExportStatus(ctx, name)
	if err != nil {
		return nil, apperr.IO("DOWNLOAD_FAILED", "Falha ao consultar a exportação.", err)
	}
	switch status {
	case ExportPending:
		return nil, apperr.Conflict(CodeExportPending, "A planilha de resultado ainda está sendo gerada.")
	case ExportFailed:
		return nil, apperr.IO("EXPORT_FAILED", "A geração da planilha de resultado falhou.", nil)
	case ExportDone:
		return nil, apperr.IO("DOWNLOAD_FAILED", "O arquivo de resultado não foi encontrado.", fs.ErrNotExist)
	default:
		return d.placeholder(name)
	}
}

// downloadable は結果ファイルとして配布する拡張子かを返します。
func downloadable(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".csv", ".xml":
		return true
	default:
		return false
	}
}

func (d *Downloader) placeholder(name string) (*File, error) {
	d.logger.Warn("download.placeholder", "file", name)

	var write func(w io.Writer) error
	if strings.EqualFold(filepath.Ext(name), ".xlsx") {
		write = d.writeSampleXLSX
	} else {
		write = d.writeSampleCSV
	}

	var buf bytes.Buffer
	path, err := d.store.WriteFile(name, func(w io.Writer) error {
		return write(io.MultiWriter(w, &buf))
	})
	if err != nil {
		return nil, apperr.IO("DOWNLOAD_FAILED", "Falha ao criar o arquivo de exemplo.", err)
	}
	d.logger.Info("download.placeholder.created", "path", path)
	return &File{
		Name:        name,
		ContentType: ContentTypeFor(name, buf.Bytes()),
		Data:        buf.Bytes(),
		Placeholder: true,
	}, nil
}

func (d *Downloader) sampleRecords() [][]string {
	at := d.now().Format(brDateTime)
	return [][]string{
		{"CPF", "Matricula", "Orgao", "Status", "Resultado", "Margem Disponivel", "Contratos Ativos", "Data Consulta"},
		{"12345678901", "123456", "20", "Sucesso", "Margem encontrada", "R$ 25.000,00", "2 contratos", at},
		{"98765432100", "654321", "44", "Sucesso", "Margem encontrada", "R$ 18.500,00", "1 contrato", at},
		{"11122233344", "789012", "82", "Erro", "CPF não encontrado", "-", "-", at},
	}
}

func (d *Downloader) writeSampleCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(d.sampleRecords()); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	return nil
}

func (d *Downloader) writeSampleXLSX(w io.Writer) error {
	f, err := buildTable(d.sampleRecords())
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteTo(w)
	return err
}

// ErrorReport は失敗時に返すCSVレポートです。
func (d *Downloader) ErrorReport() *File {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.WriteAll([][]string{
		{"Status", "Mensagem", "Data"},
		{"Erro", "Erro ao processar consultas - verifique os logs", d.now().Format(brDateTime)},
	})
	return &File{Name: ErrorReportName, ContentType: "text/csv", Data: buf.Bytes()}
}

// ContentTypeFor は拡張子から Content-Type を決め、未知の拡張子は内容から判定します。
func ContentTypeFor(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return mimeXLSX
	case ".csv":
		return "text/csv"
	case ".xml":
		return "application/xml"
	default:
		return mimetype.Detect(data).String()
	}
}
