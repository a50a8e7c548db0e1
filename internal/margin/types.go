// Package margin はマージン照会バッチで共有するデータ型を定義します。
package margin

import (
	"strings"
	"time"
)

// CPFLength は正規化後のCPF桁数です。
const CPFLength = 11

// Row は照会対象の1行（CPF・Matricula・Orgao）です。
type Row struct {
	CPF       string `json:"cpf"`
	Matricula string `json:"matricula"`
	Orgao     string `json:"orgao"`
}

// Complete は3項目すべてが埋まっているかを返します。
func (r Row) Complete() bool {
	return r.CPF != "" && strings.TrimSpace(r.Matricula) != "" && strings.TrimSpace(r.Orgao) != ""
}

// Status は照会結果の状態です。値はエクスポートにそのまま出力されます。
type Status string

const (
	StatusSuccess Status = "Sucesso"
	StatusError   Status = "Erro"
)

// Details はポータルから抽出した明細です。
type Details struct {
	Name             string `json:"nome,omitempty"`
	OrgaoName        string `json:"orgaoNome,omitempty"`
	MargemDisponivel string `json:"margemDisponivel,omitempty"`
	MargemBruta      string `json:"margemBruta,omitempty"`
	SalarioBase      string `json:"salarioBase,omitempty"`
	ContratosAtivos  int    `json:"contratosAtivos"`
	SituacaoAtual    string `json:"situacaoAtual,omitempty"`
	DescontoMaximo   string `json:"descontoMaximo,omitempty"`
	Identificacao    string `json:"identificacao,omitempty"`
	MesReferencia    string `json:"mesReferencia,omitempty"`
	DataProximaFolha string `json:"dataProximaFolha,omitempty"`
	Lotacao          string `json:"lotacao,omitempty"`
	CargoFuncao      string `json:"cargoFuncao,omitempty"`
	TipoVinculo      string `json:"tipoVinculo,omitempty"`
}

// Result は1行分の処理結果です。追加後は変更しません。
type Result struct {
	Row
	Details
	Status    Status        `json:"status"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"-"`
}

// DurationMillis は処理時間をミリ秒で返します。
func (r Result) DurationMillis() int64 {
	return r.Duration.Milliseconds()
}

// Succeeded は成功結果かを返します。
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// NormalizeCPF は数字以外を取り除き、11桁に左ゼロ埋めします。
// 11桁を超える場合は先頭のゼロだけを削り、それでも超える場合や数字がない場合は ok=false です。
func NormalizeCPF(raw string) (cpf string, ok bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", false
	}
	for len(digits) > CPFLength && digits[0] == '0' {
		digits = digits[1:]
	}
	if len(digits) > CPFLength {
		return "", false
	}
	return strings.Repeat("0", CPFLength-len(digits)) + digits, true
}
